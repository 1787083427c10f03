package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func TestApplyPrefix(t *testing.T) {
	cases := []struct {
		prefix, key, want string
	}{
		{"", "/raw_videos/a.mp4", "raw_videos/a.mp4"},
		{"media/", "raw_videos/a.mp4", "media/raw_videos/a.mp4"},
		{"media", "media/raw_videos/a.mp4", "media/raw_videos/a.mp4"},
		{"media", "", "media"},
	}
	for _, tc := range cases {
		if got := applyPrefix(tc.prefix, tc.key); got != tc.want {
			t.Fatalf("applyPrefix(%q, %q) = %q, want %q", tc.prefix, tc.key, got, tc.want)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"my holiday video.mp4": "my_holiday_video.mp4",
		"  café   crème.mov ":  "cafe_creme.mov",
		"weird$#@!name?.mkv":   "weirdname.mkv",
		"../../etc/passwd":     "....etcpasswd",
	}
	for input, want := range cases {
		if got := SanitizeName(input); got != want {
			t.Fatalf("SanitizeName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestOutputFolder(t *testing.T) {
	if got := OutputFolder("raw_videos/t1.mp4"); got != "t1" {
		t.Fatalf("expected t1, got %q", got)
	}
	if got := OutputFolder("raw_videos/My Clip.final.mov"); got != "My_Clip.final" {
		t.Fatalf("expected My_Clip.final, got %q", got)
	}
	if got := OutputPrefix("t1"); got != "transcoded_videos/t1" {
		t.Fatalf("unexpected prefix %q", got)
	}
	if got := MasterKey(OutputPrefix("t1")); got != "transcoded_videos/t1/master.m3u8" {
		t.Fatalf("unexpected master key %q", got)
	}
	if got := RawKey("42", "a b.mp4"); got != "raw_videos/42-a_b.mp4" {
		t.Fatalf("unexpected raw key %q", got)
	}
}

func TestOutputFolderFallsBackWhenNameIsUnusable(t *testing.T) {
	cases := []struct {
		key       string
		fallbacks []string
		want      string
	}{
		{key: "raw_videos/видео.mp4", fallbacks: []string{"video-1", "job-1"}, want: "video-1"},
		{key: "raw_videos/.mp4", fallbacks: []string{"video-1"}, want: "video-1"},
		{key: "raw_videos/...mp4", fallbacks: []string{"video-1"}, want: "video-1"},
		{key: "raw_videos/видео.mp4", fallbacks: []string{"фильм", "job-1"}, want: "job-1"},
		{key: "raw_videos/café.mp4", fallbacks: []string{"video-1"}, want: "cafe"},
		{key: "raw_videos/видео.mp4", want: ""},
	}
	for _, tc := range cases {
		if got := OutputFolder(tc.key, tc.fallbacks...); got != tc.want {
			t.Fatalf("OutputFolder(%q, %v) = %q, want %q", tc.key, tc.fallbacks, got, tc.want)
		}
	}
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"master.m3u8":        "application/vnd.apple.mpegurl",
		"240p/segment001.TS": "video/mp2t",
		"thumb.jpg":          "application/octet-stream",
	}
	for name, want := range cases {
		if got := ContentType(name); got != want {
			t.Fatalf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func TestUploadDirKeepsLayoutAndContentTypes(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"master.m3u8":        "#EXTM3U",
		"240p/240p.m3u8":     "#EXTM3U",
		"240p/segment000.ts": "ts-data",
		"360p/segment000.ts": "ts-data-2",
	})
	store := NewMemoryStore("https://cdn.example.com")

	result, err := UploadDir(context.Background(), store, dir, "transcoded_videos/t1", 2)
	if err != nil {
		t.Fatalf("UploadDir returned error: %v", err)
	}
	sort.Strings(result.Keys)
	want := []string{
		"transcoded_videos/t1/240p/240p.m3u8",
		"transcoded_videos/t1/240p/segment000.ts",
		"transcoded_videos/t1/360p/segment000.ts",
		"transcoded_videos/t1/master.m3u8",
	}
	if strings.Join(result.Keys, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, result.Keys)
	}
	if result.Bytes != int64(len("#EXTM3U")*2+len("ts-data")+len("ts-data-2")) {
		t.Fatalf("unexpected byte count %d", result.Bytes)
	}
	obj, _ := store.Object("transcoded_videos/t1/240p/segment000.ts")
	if obj.ContentType != "video/mp2t" {
		t.Fatalf("unexpected content type %q", obj.ContentType)
	}
}

func TestUploadDirReportsPartialFailure(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"master.m3u8":        "#EXTM3U",
		"240p/segment000.ts": "ts",
	})
	store := NewMemoryStore("")
	boom := errors.New("boom")
	store.PutHook = func(key string) error {
		if strings.HasSuffix(key, ".ts") {
			return boom
		}
		return nil
	}

	result, err := UploadDir(context.Background(), store, dir, "out", 1)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(result.Keys) != 1 || result.Keys[0] != "out/master.m3u8" {
		t.Fatalf("expected the manifest to be reported as written, got %v", result.Keys)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore("")
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := store.PublicURL("a/b"); got != "memory://a/b" {
		t.Fatalf("unexpected url %q", got)
	}
}
