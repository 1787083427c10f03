package encode

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Rung is one resolution/bitrate variant of the ABR ladder. Rungs are shared
// read-only across jobs.
type Rung struct {
	Name      string `toml:"name" json:"name"`
	Width     int    `toml:"width" json:"width"`
	Height    int    `toml:"height" json:"height"`
	VideoKbps int    `toml:"video_kbps" json:"videoKbps"`
	AudioKbps int    `toml:"audio_kbps" json:"audioKbps"`
}

// Bandwidth is the BANDWIDTH attribute advertised in the master playlist.
func (r Rung) Bandwidth() int {
	return r.VideoKbps * 1024
}

// Resolution renders WxH.
func (r Rung) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// PlaylistPath is the variant playlist path relative to the output root.
func (r Rung) PlaylistPath() string {
	return r.Name + "/" + r.Name + ".m3u8"
}

type Ladder []Rung

// DefaultLadder returns the stock 240p to 1080p ladder.
func DefaultLadder() Ladder {
	return Ladder{
		{Name: "240p", Width: 426, Height: 240, VideoKbps: 400, AudioKbps: 64},
		{Name: "360p", Width: 640, Height: 360, VideoKbps: 800, AudioKbps: 96},
		{Name: "480p", Width: 854, Height: 480, VideoKbps: 1200, AudioKbps: 128},
		{Name: "720p", Width: 1280, Height: 720, VideoKbps: 2500, AudioKbps: 192},
		{Name: "1080p", Width: 1920, Height: 1080, VideoKbps: 5000, AudioKbps: 256},
	}
}

// Validate checks that every rung is usable and names are unique.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("ladder must contain at least one rung")
	}
	seen := make(map[string]struct{}, len(l))
	for i, r := range l {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("rung %d: name is required", i)
		}
		if strings.ContainsAny(name, `/\ `) {
			return fmt.Errorf("rung %q: name must not contain path separators or spaces", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("rung %q: duplicate name", name)
		}
		seen[name] = struct{}{}
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("rung %q: dimensions must be positive", name)
		}
		if r.VideoKbps <= 0 || r.AudioKbps <= 0 {
			return fmt.Errorf("rung %q: bitrates must be positive", name)
		}
	}
	return nil
}

// ParseLadder reads the compact form "name:WxH:videoKbps:audioKbps" with
// rungs separated by commas, e.g. "240p:426x240:400:64,360p:640x360:800:96".
func ParseLadder(raw string) (Ladder, error) {
	var ladder Ladder
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 4 {
			return nil, fmt.Errorf("rung %q: expected name:WxH:videoKbps:audioKbps", part)
		}
		dims := strings.SplitN(strings.ToLower(fields[1]), "x", 2)
		if len(dims) != 2 {
			return nil, fmt.Errorf("rung %q: invalid resolution %q", part, fields[1])
		}
		nums := make([]int, 0, 4)
		for _, raw := range []string{dims[0], dims[1], fields[2], fields[3]} {
			n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(raw), "k"))
			if err != nil {
				return nil, fmt.Errorf("rung %q: invalid number %q", part, raw)
			}
			nums = append(nums, n)
		}
		ladder = append(ladder, Rung{
			Name:      strings.TrimSpace(fields[0]),
			Width:     nums[0],
			Height:    nums[1],
			VideoKbps: nums[2],
			AudioKbps: nums[3],
		})
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	return ladder, nil
}

type ladderFile struct {
	Rungs []Rung `toml:"rung"`
}

// LoadLadderFile reads a TOML file containing [[rung]] tables.
func LoadLadderFile(path string) (Ladder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder file: %w", err)
	}
	var file ladderFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse ladder file %s: %w", path, err)
	}
	ladder := Ladder(file.Rungs)
	if err := ladder.Validate(); err != nil {
		return nil, fmt.Errorf("ladder file %s: %w", path, err)
	}
	return ladder, nil
}
