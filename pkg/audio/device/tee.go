package device

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/meli/pkg/audio"
)

// TeeSpeaker duplicates playback into a secondary speaker, typically a
// [WAVSpeaker] recording the session. Pacing comes from Primary; a failing
// Secondary is logged once and then ignored.
type TeeSpeaker struct {
	Primary   Speaker
	Secondary Speaker
}

var _ Speaker = TeeSpeaker{}

// Open implements [Speaker].
func (t TeeSpeaker) Open(ctx context.Context, format audio.Format, bufferFrames int) (OutputStream, error) {
	p, err := t.Primary.Open(ctx, format, bufferFrames)
	if err != nil {
		return nil, err
	}
	s, err := t.Secondary.Open(ctx, format, bufferFrames)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return &teeOutput{primary: p, secondary: s}, nil
}

type teeOutput struct {
	primary   OutputStream
	secondary OutputStream
	failed    bool
}

// Write is only called from the single render goroutine.
func (t *teeOutput) Write(samples []float32) error {
	if !t.failed {
		if err := t.secondary.Write(samples); err != nil {
			t.failed = true
			slog.Warn("device: tee secondary write failed, disabling", "err", err)
		}
	}
	return t.primary.Write(samples)
}

func (t *teeOutput) Format() audio.Format { return t.primary.Format() }

func (t *teeOutput) Close() error {
	return errors.Join(t.primary.Close(), t.secondary.Close())
}
