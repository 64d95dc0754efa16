package device_test

import (
	"context"
	"errors"
	"io"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/meli/pkg/audio"
	"github.com/MrWong99/meli/pkg/audio/device"
	"github.com/MrWong99/meli/pkg/audio/device/mock"
)

func TestDefaultCaptureConstraints(t *testing.T) {
	t.Parallel()
	c := device.DefaultCaptureConstraints()
	if c.SampleRate != 16000 || c.Channels != 1 {
		t.Errorf("format = %d/%d, want 16000/1", c.SampleRate, c.Channels)
	}
	if !c.EchoCancellation || !c.NoiseSuppression || !c.AutoGainControl || !c.Processing() {
		t.Errorf("voice processing should be enabled: %+v", c)
	}
}

func TestWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.wav")
	ctx := context.Background()

	out, err := device.WAVSpeaker{Path: path}.Open(ctx, audio.Mono(24000), 0)
	if err != nil {
		t.Fatalf("Open speaker: %v", err)
	}
	want := []float32{0, 0.5, -0.5, 0.25}
	if err := out.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := out.Write(want); !errors.Is(err, device.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}

	got, format, err := device.ReadWAV(path)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if format.SampleRate != 24000 || format.Channels != 1 {
		t.Errorf("format = %v", format)
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 2.0/32768 {
			t.Errorf("sample %d = %f, want %f", i, got[i], want[i])
		}
	}

	mic, err := device.WAVMicrophone{Path: path}.Open(ctx, device.DefaultCaptureConstraints())
	if err != nil {
		t.Fatalf("Open microphone: %v", err)
	}
	defer mic.Close()
	buf := make([]float32, 3)
	n, err := mic.Read(ctx, buf)
	if err != nil || n != 3 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	n, err = mic.Read(ctx, buf)
	if err != nil || n != 1 {
		t.Fatalf("second Read = %d, %v", n, err)
	}
	if _, err := mic.Read(ctx, buf); !errors.Is(err, io.EOF) {
		t.Errorf("Read at end = %v, want io.EOF", err)
	}
}

func TestWAVMicrophone_MissingFileIsPermissionDenied(t *testing.T) {
	t.Parallel()
	_, err := device.WAVMicrophone{Path: filepath.Join(t.TempDir(), "nope.wav")}.Open(context.Background(), device.DefaultCaptureConstraints())
	if !errors.Is(err, device.ErrPermissionDenied) {
		t.Fatalf("error = %v, want ErrPermissionDenied", err)
	}
}

func TestNullSpeaker_RealtimePacing(t *testing.T) {
	t.Parallel()

	out, err := device.NullSpeaker{Realtime: true}.Open(context.Background(), audio.Mono(24000), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer out.Close()

	start := time.Now()
	// 2400 samples at 24 kHz = 100ms.
	for range 2 {
		if err := out.Write(make([]float32, 1200)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if el := time.Since(start); el < 80*time.Millisecond {
		t.Errorf("paced writes took %v, want ~100ms", el)
	}
}

func TestSilentMicrophone_CloseUnblocksRead(t *testing.T) {
	t.Parallel()

	in, err := device.SilentMicrophone{}.Open(context.Background(), device.DefaultCaptureConstraints())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	n, err := in.Read(context.Background(), make([]float32, 16))
	if err != nil || n != 16 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	_ = in.Close()
	_ = in.Close()
	if _, err := in.Read(context.Background(), make([]float32, 16)); !errors.Is(err, device.ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
}

func TestTeeSpeaker(t *testing.T) {
	t.Parallel()

	primary := &mock.Speaker{Pace: time.Microsecond}
	secondary := &mock.Speaker{Pace: time.Microsecond, Record: true}
	out, err := device.TeeSpeaker{Primary: primary, Secondary: secondary}.Open(context.Background(), audio.Mono(24000), 128)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := out.Write([]float32{0.1, 0.2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if primary.Written() != 2 || len(secondary.Samples()) != 2 {
		t.Errorf("written primary=%d secondary=%d, want 2/2", primary.Written(), len(secondary.Samples()))
	}
	_ = out.Close()
	if primary.OpenTracks() != 0 || secondary.OpenTracks() != 0 {
		t.Error("tee should close both speakers")
	}
}

func TestTeeSpeaker_SecondaryOpenFailureReleasesPrimary(t *testing.T) {
	t.Parallel()

	primary := &mock.Speaker{}
	secondary := &mock.Speaker{OpenError: errors.New("disk full")}
	if _, err := (device.TeeSpeaker{Primary: primary, Secondary: secondary}).Open(context.Background(), audio.Mono(24000), 0); err == nil {
		t.Fatal("expected error")
	}
	if primary.OpenTracks() != 0 {
		t.Error("primary leaked after secondary failure")
	}
}

func TestNewMicrophone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backend string
		path    string
		wantErr bool
	}{
		{backend: device.BackendNull},
		{backend: device.BackendWAV, path: "in.wav"},
		{backend: device.BackendWAV, wantErr: true},
		{backend: "bogus", wantErr: true},
	}
	for _, tc := range tests {
		_, err := device.NewMicrophone(tc.backend, tc.path)
		if (err != nil) != tc.wantErr {
			t.Errorf("NewMicrophone(%q, %q) err = %v, wantErr %v", tc.backend, tc.path, err, tc.wantErr)
		}
	}
}

func TestMockMicrophone_TracksOpenStreams(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{Feed: make(chan []float32, 1)}
	in, err := mic.Open(context.Background(), device.DefaultCaptureConstraints())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if mic.OpenTracks() != 1 {
		t.Errorf("OpenTracks = %d, want 1", mic.OpenTracks())
	}
	mic.Feed <- []float32{1, 2, 3}
	buf := make([]float32, 2)
	if n, _ := in.Read(context.Background(), buf); n != 2 {
		t.Errorf("Read = %d, want 2", n)
	}
	_ = in.Close()
	_ = in.Close()
	if mic.OpenTracks() != 0 {
		t.Errorf("OpenTracks after Close = %d, want 0", mic.OpenTracks())
	}
}
