package enginestub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vodpipeline/internal/encode"
)

// Options describes how the fake engine behaves.
type Options struct {
	// Steps are the raw percentages reported for every rung. Defaults to
	// 10, 55 and 100.
	Steps []float64

	// Segments is the number of .ts files written per rung. Defaults to 2.
	Segments int

	// Delay is slept between progress steps.
	Delay time.Duration

	// FailRungs maps rung names to the error their encode returns after the
	// first progress step.
	FailRungs map[string]error
}

// Run records one Encode call.
type Run struct {
	JobID     string
	Rung      string
	Err       error
	Timestamp time.Time
}

// Engine implements encode.Engine.
type Engine struct {
	opts Options

	mu   sync.Mutex
	fail map[string]error
	runs []Run
}

// New builds an engine using the provided options.
func New(opts Options) *Engine {
	if len(opts.Steps) == 0 {
		opts.Steps = []float64{10, 55, 100}
	}
	if opts.Segments <= 0 {
		opts.Segments = 2
	}
	fail := make(map[string]error, len(opts.FailRungs))
	for name, err := range opts.FailRungs {
		fail[name] = err
	}
	return &Engine{opts: opts, fail: fail}
}

// SetFailure makes rung fail with err on later runs. A nil err clears it.
func (e *Engine) SetFailure(rung string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.fail, rung)
		return
	}
	e.fail[rung] = err
}

// Runs returns a snapshot of recorded encodes.
func (e *Engine) Runs() []Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Run(nil), e.runs...)
}

func (e *Engine) Encode(ctx context.Context, req encode.EncodeRequest, progress func(float64)) error {
	err := e.encode(ctx, req, progress)
	e.mu.Lock()
	e.runs = append(e.runs, Run{JobID: req.JobID, Rung: req.Rung.Name, Err: err, Timestamp: time.Now()})
	e.mu.Unlock()
	return err
}

func (e *Engine) encode(ctx context.Context, req encode.EncodeRequest, progress func(float64)) error {
	if _, err := os.Stat(req.Input); err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	e.mu.Lock()
	failErr := e.fail[req.Rung.Name]
	e.mu.Unlock()

	dir := req.VariantDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, step := range e.opts.Steps {
		if e.opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.opts.Delay):
			}
		}
		if progress != nil {
			progress(step)
		}
		if i == 0 && failErr != nil {
			return failErr
		}
	}

	playlist := []string{"#EXTM3U", "#EXT-X-VERSION:3", "#EXT-X-TARGETDURATION:10", "#EXT-X-PLAYLIST-TYPE:VOD"}
	for i := 0; i < e.opts.Segments; i++ {
		name := fmt.Sprintf("segment%03d.ts", i)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(req.Rung.Name+"-"+name), 0o644); err != nil {
			return err
		}
		playlist = append(playlist, "#EXTINF:10.0,", name)
	}
	playlist = append(playlist, "#EXT-X-ENDLIST")
	return os.WriteFile(filepath.Join(dir, req.Rung.Name+".m3u8"), []byte(strings.Join(playlist, "\n")+"\n"), 0o644)
}

// Prober returns a fixed probe result.
type Prober struct {
	Info encode.SourceInfo
	Err  error
}

// DefaultProber reports a one minute 1080p source with audio.
func DefaultProber() Prober {
	return Prober{Info: encode.SourceInfo{Duration: time.Minute, Width: 1920, Height: 1080, HasAudio: true}}
}

func (p Prober) Probe(ctx context.Context, path string) (encode.SourceInfo, error) {
	if p.Err != nil {
		return encode.SourceInfo{}, p.Err
	}
	return p.Info, nil
}
