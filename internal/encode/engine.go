package encode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EncodeRequest describes one rung encode.
type EncodeRequest struct {
	JobID     string
	Input     string
	OutputDir string
	Rung      Rung
	// Duration of the source, used to turn engine timestamps into percent.
	Duration time.Duration
}

// VariantDir is where the rung's playlist and segments are written.
func (r EncodeRequest) VariantDir() string {
	return filepath.Join(r.OutputDir, r.Rung.Name)
}

// Engine drives an external encoder. progress receives raw percentages that
// may exceed [0, 100] or repeat; callers clamp.
type Engine interface {
	Encode(ctx context.Context, req EncodeRequest, progress func(percent float64)) error
}

// FFmpegEngine runs one ffmpeg process per rung.
type FFmpegEngine struct {
	Binary string
	Logger *slog.Logger
}

func (e *FFmpegEngine) binary() string {
	if b := strings.TrimSpace(e.Binary); b != "" {
		return b
	}
	return "ffmpeg"
}

func (e *FFmpegEngine) Encode(ctx context.Context, req EncodeRequest, progress func(float64)) error {
	if err := os.MkdirAll(req.VariantDir(), 0o755); err != nil {
		return err
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job_id", req.JobID, "resolution", req.Rung.Name)

	cmd := exec.CommandContext(ctx, e.binary(), buildArgs(req)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr := newLogWriter(logger, "stderr", 20)
	cmd.Stderr = stderr

	logger.Debug("starting ffmpeg", "args", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		return err
	}
	parseProgress(stdout, req.Duration, progress)
	if err := cmd.Wait(); err != nil {
		if tail := stderr.Tail(); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}
	return nil
}

func buildArgs(req EncodeRequest) []string {
	r := req.Rung
	dir := filepath.ToSlash(req.VariantDir())
	return []string{
		"-hide_banner",
		"-nostats",
		"-y",
		"-i", req.Input,
		"-vf", fmt.Sprintf("scale=%d:%d", r.Width, r.Height),
		"-c:v", "libx264",
		"-preset", "medium",
		"-b:v", fmt.Sprintf("%dk", r.VideoKbps),
		"-maxrate", fmt.Sprintf("%dk", r.VideoKbps*107/100),
		"-bufsize", fmt.Sprintf("%dk", r.VideoKbps*3/2),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", r.AudioKbps),
		"-hls_time", "10",
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", dir + "/segment%03d.ts",
		"-progress", "pipe:1",
		"-f", "hls",
		dir + "/" + r.Name + ".m3u8",
	}
}

// parseProgress consumes ffmpeg -progress output until EOF, reporting the
// encoded position as a percentage of total.
func parseProgress(r io.Reader, total time.Duration, progress func(float64)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || progress == nil {
			continue
		}
		switch key {
		case "out_time_us":
			// out_time_ms repeats the same value in every block.
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || total <= 0 {
				continue
			}
			progress(float64(us) / float64(total.Microseconds()) * 100)
		case "progress":
			if value == "end" {
				progress(100)
			}
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

// logWriter forwards subprocess output line by line to the structured
// logger and keeps the last few lines for error reports.
type logWriter struct {
	logger *slog.Logger
	stream string
	keep   int

	mu      sync.Mutex
	partial []byte
	tail    []string
}

func newLogWriter(logger *slog.Logger, stream string, keep int) *logWriter {
	return &logWriter{logger: logger, stream: stream, keep: keep}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		w.emit(data[:idx])
		data = data[idx+1:]
	}
	w.partial = append([]byte(nil), data...)
	return total, nil
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	text := string(line)
	w.logger.Debug("ffmpeg output", "stream", w.stream, "line", text)
	if w.keep <= 0 {
		return
	}
	w.tail = append(w.tail, text)
	if len(w.tail) > w.keep {
		w.tail = w.tail[len(w.tail)-w.keep:]
	}
}

// Tail returns the retained lines joined with " | ".
func (w *logWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
	return strings.Join(w.tail, " | ")
}
