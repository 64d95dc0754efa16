// Package meter derives level and energy readings from the input and output
// frequency analysers once per display frame.
//
// Each path has two spectra: a coarse one of [LevelBins] bins spanning the
// whole band, read for the level meters, and the [SnapshotBins]-bin one that
// feeds the visualization and the energies. Without a coarse spectrum the
// levels fall back to the lowest LevelBins bins of the snapshot.
//
// The extractor only reads analyser snapshots and never touches the audio
// paths, so frames may be skipped under load without affecting playback or
// capture.
package meter

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// LevelBins is the number of bins averaged for InputLevel and
	// OutputLevel.
	LevelBins = 32

	// LevelFFTSize is the analyser transform length that yields LevelBins.
	LevelFFTSize = 2 * LevelBins

	// SnapshotBins is the resolution of the visualization snapshot.
	SnapshotBins = 256

	// BassBins is the number of lowest snapshot bins averaged for BassEnergy.
	BassBins = 30

	// DefaultThreshold is the output level above which the model is
	// considered to be speaking.
	DefaultThreshold = 0.05

	// DefaultFPS is the display cadence of Loop.
	DefaultFPS = 60
)

// Spectrum is the read side of a frequency analyser. *analyser.Analyser
// satisfies it.
type Spectrum interface {
	ByteFrequencyData(dst []byte) []byte
}

// Source names the path whose snapshot a Sample carries.
type Source string

const (
	SourceNone   Source = "none"
	SourceInput  Source = "input"
	SourceOutput Source = "output"
)

// Sample is one frame of metrics. Levels and energies are normalized to
// [0, 1].
type Sample struct {
	InputLevel  float64 `json:"inputLevel"`
	OutputLevel float64 `json:"outputLevel"`
	BassEnergy  float64 `json:"bassEnergy"`
	TotalEnergy float64 `json:"totalEnergy"`
	Source      Source  `json:"source"`
	Bins        []byte  `json:"bins"`
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithThreshold sets the output level above which the output path becomes
// the active source.
func WithThreshold(th float64) Option {
	return func(e *Extractor) { e.threshold = th }
}

// WithFPS sets the initial Loop cadence.
func WithFPS(fps int) Option {
	return func(e *Extractor) {
		if fps > 0 {
			e.fps = fps
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.log = l }
}

// Extractor computes Samples from whichever analysers are currently attached.
//
// Thread-safe for concurrent use.
type Extractor struct {
	mu          sync.Mutex
	input       Spectrum
	output      Spectrum
	inputLevel  Spectrum
	outputLevel Spectrum
	threshold   float64
	fps       int
	rate      chan int
	log       *slog.Logger

	inBuf, outBuf           []byte
	inLevelBuf, outLevelBuf []byte
}

// New creates an Extractor with no analysers attached.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		threshold: DefaultThreshold,
		fps:       DefaultFPS,
		rate:      make(chan int, 1),
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("component", "meter")
	return e
}

// Attach sets the analysers to read. Either may be nil.
func (e *Extractor) Attach(input, output Spectrum) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.input = input
	e.output = output
}

// AttachLevels sets the coarse spectra read for the level meters. Either may
// be nil.
func (e *Extractor) AttachLevels(input, output Spectrum) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputLevel = input
	e.outputLevel = output
}

// Detach removes every analyser; subsequent Samples are all-zero.
func (e *Extractor) Detach() {
	e.Attach(nil, nil)
	e.AttachLevels(nil, nil)
}

// Sample reads one snapshot from each attached analyser and derives the
// metrics for this frame.
func (e *Extractor) Sample() Sample {
	e.mu.Lock()
	defer e.mu.Unlock()

	var in, out []byte
	if e.input != nil {
		e.inBuf = e.input.ByteFrequencyData(e.inBuf)
		in = e.inBuf
	}
	if e.output != nil {
		e.outBuf = e.output.ByteFrequencyData(e.outBuf)
		out = e.outBuf
	}
	inLevel, outLevel := in, out
	if e.inputLevel != nil {
		e.inLevelBuf = e.inputLevel.ByteFrequencyData(e.inLevelBuf)
		inLevel = e.inLevelBuf
	}
	if e.outputLevel != nil {
		e.outLevelBuf = e.outputLevel.ByteFrequencyData(e.outLevelBuf)
		outLevel = e.outLevelBuf
	}
	return compute(in, out, inLevel, outLevel, e.threshold)
}

// compute is the pure part of Sample. in and out are the snapshot spectra;
// inLevel and outLevel the spectra read for the level meters.
func compute(in, out, inLevel, outLevel []byte, threshold float64) Sample {
	s := Sample{
		InputLevel:  mean(inLevel, LevelBins),
		OutputLevel: mean(outLevel, LevelBins),
		Source:      SourceNone,
	}

	var active []byte
	switch {
	case out != nil && s.OutputLevel > threshold:
		active, s.Source = out, SourceOutput
	case in != nil:
		active, s.Source = in, SourceInput
	case out != nil:
		active, s.Source = out, SourceOutput
	}

	s.Bins = make([]byte, SnapshotBins)
	copy(s.Bins, active)
	s.BassEnergy = mean(s.Bins, BassBins)
	s.TotalEnergy = mean(s.Bins, SnapshotBins)
	return s
}

// mean returns the average of the first n bins normalized to [0, 1]. Missing
// bins count as zero.
func mean(bins []byte, n int) float64 {
	if len(bins) == 0 || n <= 0 {
		return 0
	}
	var sum int
	for _, b := range bins[:min(n, len(bins))] {
		sum += int(b)
	}
	return float64(sum) / float64(n) / 255
}

// SetFPS changes the Loop cadence. Values ≤ 0 are ignored.
func (e *Extractor) SetFPS(fps int) {
	if fps <= 0 {
		return
	}
	// Keep only the latest request.
	select {
	case <-e.rate:
	default:
	}
	e.rate <- fps
}

// Loop calls sink with a fresh Sample once per display frame until ctx is
// done. Ticks that arrive while sink is still running are skipped rather
// than queued.
func (e *Extractor) Loop(ctx context.Context, sink func(Sample)) {
	fps := e.fps
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fps = <-e.rate:
			ticker.Reset(time.Second / time.Duration(fps))
			e.log.Debug("cadence changed", "fps", fps)
		case <-ticker.C:
			sink(e.Sample())
		}
	}
}
