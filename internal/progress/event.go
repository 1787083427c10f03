// Package progress carries transcoding progress from workers to connected
// viewers.
package progress

import (
	"errors"
	"math"
	"strings"
	"time"
)

type Status string

const (
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusComplete   Status = "Complete"
	StatusFailed     Status = "failed"
)

// Event is one progress notification. Events for the same video and
// resolution are published in order; nothing is promised across resolutions.
// Percent is the latest known value and may repeat.
type Event struct {
	VideoID    string    `json:"videoId"`
	JobID      string    `json:"jobId,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
	Percent    *int      `json:"percent,omitempty"`
	Status     Status    `json:"status"`
	Message    string    `json:"message,omitempty"`
	URL        string    `json:"url,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e Event) validate() error {
	if strings.TrimSpace(e.VideoID) == "" {
		return errors.New("videoId is required")
	}
	if e.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// Percent returns a pointer to the clamped integer percentage of value.
func Percent(value float64) *int {
	p := ClampPercent(value)
	return &p
}

// ClampPercent floors value into [0, 100]. NaN maps to 0.
func ClampPercent(value float64) int {
	if math.IsNaN(value) || value <= 0 {
		return 0
	}
	if value >= 100 {
		return 100
	}
	return int(math.Floor(value))
}
