package storage

import (
	"path"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// RawPrefix holds uploaded source files.
	RawPrefix = "raw_videos"
	// TranscodedPrefix holds one folder of HLS outputs per source.
	TranscodedPrefix = "transcoded_videos"
	// MasterManifestName is the fixed name of the master playlist at the root
	// of every output folder.
	MasterManifestName = "master.m3u8"
)

var (
	whitespace  = regexp.MustCompile(`\s+`)
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.\-]`)
)

// SanitizeName folds accents, replaces whitespace runs with underscores and
// removes anything outside [A-Za-z0-9_.-].
func SanitizeName(name string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), name)
	if err != nil {
		folded = name
	}
	folded = whitespace.ReplaceAllString(strings.TrimSpace(folded), "_")
	return unsafeChars.ReplaceAllString(folded, "")
}

// RawKey returns the storage key for an uploaded file, prefixed with id so
// that two uploads with the same name do not collide.
func RawKey(id, filename string) string {
	name := SanitizeName(path.Base(filename))
	if id != "" {
		name = id + "-" + name
	}
	return RawPrefix + "/" + name
}

// OutputFolder derives the output folder name from the source key's base
// filename without its extension. When nothing usable survives sanitizing,
// the first usable fallback is taken instead, so the folder is only empty if
// every candidate is.
func OutputFolder(sourceKey string, fallbacks ...string) string {
	if folder := folderName(sourceKey); folder != "" {
		return folder
	}
	for _, fallback := range fallbacks {
		if folder := usableFolder(SanitizeName(fallback)); folder != "" {
			return folder
		}
	}
	return ""
}

func folderName(sourceKey string) string {
	base := path.Base(strings.TrimSpace(sourceKey))
	if base == "." || base == "/" {
		return ""
	}
	return usableFolder(SanitizeName(strings.TrimSuffix(base, path.Ext(base))))
}

// usableFolder rejects names made only of dots, which would collapse into or
// climb out of the parent prefix.
func usableFolder(name string) string {
	if strings.Trim(name, ".") == "" {
		return ""
	}
	return name
}

// OutputPrefix returns transcoded_videos/<folder>.
func OutputPrefix(folder string) string {
	return path.Join(TranscodedPrefix, strings.Trim(folder, "/"))
}

// MasterKey returns the key of the master playlist under prefix, built the
// same way UploadDir builds the keys it writes.
func MasterKey(prefix string) string {
	return path.Join(prefix, MasterManifestName)
}

// ContentType maps HLS file extensions to their MIME types.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}
