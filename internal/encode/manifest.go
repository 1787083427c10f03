package encode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Variant is one EXT-X-STREAM-INF entry.
type Variant struct {
	Bandwidth  int
	Resolution string
	URI        string
}

// Manifest accumulates variants from concurrent encode runs. Entries keep the
// order in which runs finished.
type Manifest struct {
	mu       sync.Mutex
	variants []Variant
}

// Append records a finished rung.
func (m *Manifest) Append(r Rung) {
	v := Variant{Bandwidth: r.Bandwidth(), Resolution: r.Resolution(), URI: r.PlaylistPath()}
	m.mu.Lock()
	m.variants = append(m.variants, v)
	m.mu.Unlock()
}

// Variants returns a copy of the entries in append order.
func (m *Manifest) Variants() []Variant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Variant(nil), m.variants...)
}

// Render produces the master playlist text.
func (m *Manifest) Render() string {
	lines := []string{"#EXTM3U", "#EXT-X-VERSION:3"}
	for _, v := range m.Variants() {
		lines = append(lines,
			fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s", v.Bandwidth, v.Resolution),
			v.URI,
		)
	}
	return strings.Join(lines, "\n") + "\n"
}

// WriteFile writes master.m3u8 into dir and returns its path.
func (m *Manifest) WriteFile(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(m.Render()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
