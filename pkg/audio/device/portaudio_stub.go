//go:build !portaudio

package device

import "errors"

// PortAudioAvailable reports whether this binary was built with the
// PortAudio backend.
const PortAudioAvailable = false

// ErrNoBackend is returned when a hardware backend was not compiled in.
var ErrNoBackend = errors.New("device: built without portaudio support (rebuild with -tags portaudio)")

// ListDevices is unavailable without the portaudio build tag.
func ListDevices() ([]Info, error) {
	return nil, ErrNoBackend
}

func defaultMicrophone() (Microphone, error) { return nil, ErrNoBackend }

func defaultSpeaker() (Speaker, error) { return nil, ErrNoBackend }
