package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meli/internal/meter"
	"github.com/MrWong99/meli/internal/observe"
	"github.com/MrWong99/meli/pkg/audio/analyser"
	"github.com/MrWong99/meli/pkg/audio/capture"
	"github.com/MrWong99/meli/pkg/audio/playback"
	"github.com/MrWong99/meli/pkg/provider/live"
)

// handle owns every resource of one session: the transport, the capture
// pipeline, the playback context and scheduler, and the analysers. Nothing
// outside the handle holds these, so releasing the handle releases the
// session.
type handle struct {
	id        string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	log       *slog.Logger

	input     *analyser.Analyser
	output    *analyser.Analyser
	inLevel   *analyser.Analyser
	outLevel  *analyser.Analyser
	capture   *capture.Pipeline
	playback  *playback.Context
	scheduler *playback.Scheduler
	link      *linkWindow
	meter     *meter.Extractor

	// sess is set once the handshake succeeds, before any goroutine starts.
	sess live.Session

	workers   errgroup.Group
	stopMeter context.CancelFunc
	meterDone chan struct{}
	recvDone  chan struct{}

	releaseOnce sync.Once
	released    chan struct{}
	releaseErr  error
}

func (m *Manager) newHandle() *handle {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(observe.WithSessionID(context.Background(), id))
	h := &handle{
		id:        id,
		startedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		log:       observe.Enrich(ctx, m.log),
		input:     analyser.New(),
		output:    analyser.New(),
		inLevel:   analyser.New(analyser.WithFFTSize(meter.LevelFFTSize)),
		outLevel:  analyser.New(analyser.WithFFTSize(meter.LevelFFTSize)),
		link:      newLinkWindow(m.linkWindow),
		meter:     m.meter,
		released:  make(chan struct{}),
	}
	h.capture = capture.New(m.mic,
		capture.WithConstraints(m.constraints),
		capture.WithFrameSize(m.frameSize),
		capture.WithAnalyser(h.input),
		capture.WithAnalyser(h.inLevel),
		capture.WithLogger(h.log),
		capture.WithOnChunk(func(delivered bool) {
			if !delivered {
				h.link.record(false)
				m.metrics.RecordCaptureChunk(ctx, "dropped")
			}
		}),
	)
	h.playback = playback.NewContext(m.speaker,
		playback.WithSampleRate(m.playbackRate),
		playback.WithBufferFrames(m.bufferFrames),
		playback.WithOutputAnalyser(h.output),
		playback.WithOutputAnalyser(h.outLevel),
		playback.WithContextLogger(h.log),
	)
	h.scheduler = playback.NewScheduler(h.playback, playback.WithSchedulerLogger(h.log))
	return h
}

// startMeter attaches both analysers to the extractor and, when sink is set,
// runs the display loop until the handle is released.
func (h *handle) startMeter(sink func(meter.Sample)) {
	if h.meter == nil {
		return
	}
	h.meter.Attach(h.input, h.output)
	h.meter.AttachLevels(h.inLevel, h.outLevel)
	if sink == nil {
		return
	}
	ctx, stop := context.WithCancel(h.ctx)
	h.stopMeter = stop
	h.meterDone = make(chan struct{})
	go func() {
		defer close(h.meterDone)
		h.meter.Loop(ctx, sink)
	}()
}

// release tears the session down in a fixed order. Every step tolerates a
// resource that was never acquired, and only the first call does any work.
// waitRecv must be false when called from the receive loop itself.
func (h *handle) release(waitRecv bool) error {
	h.releaseOnce.Do(func() {
		var errs []error

		if h.stopMeter != nil {
			h.stopMeter()
			<-h.meterDone
		}
		if h.meter != nil {
			h.meter.Detach()
		}

		if n := h.scheduler.Flush(); n > 0 {
			h.log.Debug("stopped scheduled segments", "count", n)
		}
		if err := h.playback.Close(); err != nil {
			errs = append(errs, err)
		}

		h.capture.Stop()

		// A send may be blocked on a stalled transport; closing it and
		// cancelling the handle context unblocks forward before the wait.
		if h.sess != nil {
			if err := h.sess.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transport: %w", err))
			}
		}
		h.cancel()
		_ = h.workers.Wait()

		for _, a := range []*analyser.Analyser{h.input, h.output, h.inLevel, h.outLevel} {
			a.Reset()
		}

		h.releaseErr = errors.Join(errs...)
		close(h.released)
	})
	if waitRecv && h.recvDone != nil {
		<-h.recvDone
	}
	return h.releaseErr
}

// wait blocks until release has finished.
func (h *handle) wait() {
	<-h.released
}
