package device

import "fmt"

// Backend names accepted by [NewMicrophone] and [NewSpeaker].
const (
	BackendDefault   = "default"
	BackendPortAudio = "portaudio"
	BackendWAV       = "wav"
	BackendNull      = "null"
)

// NewMicrophone returns the capture backend named by backend. path is only
// used by the WAV backend.
func NewMicrophone(backend, path string) (Microphone, error) {
	switch backend {
	case "", BackendDefault, BackendPortAudio:
		return defaultMicrophone()
	case BackendWAV:
		if path == "" {
			return nil, fmt.Errorf("device: wav microphone needs a path")
		}
		return WAVMicrophone{Path: path, Realtime: true}, nil
	case BackendNull:
		return SilentMicrophone{}, nil
	default:
		return nil, fmt.Errorf("device: unknown microphone backend %q", backend)
	}
}

// NewSpeaker returns the playback backend named by backend. path is only
// used by the WAV backend.
func NewSpeaker(backend, path string) (Speaker, error) {
	switch backend {
	case "", BackendDefault, BackendPortAudio:
		return defaultSpeaker()
	case BackendWAV:
		if path == "" {
			return nil, fmt.Errorf("device: wav speaker needs a path")
		}
		return WAVSpeaker{Path: path, Realtime: true}, nil
	case BackendNull:
		return NullSpeaker{Realtime: true}, nil
	default:
		return nil, fmt.Errorf("device: unknown speaker backend %q", backend)
	}
}
