package encode

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SourceInfo is the subset of probe output the pipeline relies on.
type SourceInfo struct {
	Duration time.Duration
	Width    int
	Height   int
	HasAudio bool
}

// Validate rejects sources that would produce an empty or broken ladder.
func (s SourceInfo) Validate() error {
	if s.Duration <= 0 {
		return fmt.Errorf("source has zero duration")
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("source has no video resolution")
	}
	return nil
}

// HumanDuration formats d as "M minutes S seconds".
func HumanDuration(d time.Duration) string {
	secs := d.Seconds()
	minutes := int(math.Floor(secs / 60))
	rest := int(math.Round(math.Mod(secs, 60)))
	return fmt.Sprintf("%d minutes %d seconds", minutes, rest)
}

// Prober inspects a local media file.
type Prober interface {
	Probe(ctx context.Context, path string) (SourceInfo, error)
}

// FFProbe shells out to ffprobe.
type FFProbe struct {
	Binary string
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p FFProbe) Probe(ctx context.Context, path string) (SourceInfo, error) {
	binary := strings.TrimSpace(p.Binary)
	if binary == "" {
		binary = "ffprobe"
	}
	if strings.TrimSpace(path) == "" {
		return SourceInfo{}, fmt.Errorf("ffprobe: empty path")
	}
	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		var stderr string
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(exitErr.Stderr))
		}
		return SourceInfo{}, fmt.Errorf("ffprobe: %w: %s", err, stderr)
	}
	return parseProbe(output)
}

func parseProbe(data []byte) (SourceInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return SourceInfo{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	var info SourceInfo
	seconds := parseSeconds(out.Format.Duration)
	for _, s := range out.Streams {
		switch strings.ToLower(s.CodecType) {
		case "video":
			if info.Width == 0 && info.Height == 0 {
				info.Width, info.Height = s.Width, s.Height
				if seconds <= 0 {
					seconds = parseSeconds(s.Duration)
				}
			}
		case "audio":
			info.HasAudio = true
		}
	}
	info.Duration = time.Duration(seconds * float64(time.Second))
	return info, nil
}

func parseSeconds(value string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
