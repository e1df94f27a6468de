// Package cache derives the on-disk location of a cached baseline.
//
// Paths are pure functions of (location, reference): nothing here touches
// the filesystem.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// maxFallbackName caps the transliterated name used when a location
	// has no usable trailing path segment.
	maxFallbackName = 48
	digestLen       = 12
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Locate returns <root>/<name>-<digest>/<refdir> for the given location
// and reference.
func Locate(root, location, ref string) string {
	return filepath.Join(root, Name(location), RefDir(ref))
}

// Name returns the cache directory name for a location: a readable name
// taken from its trailing path segment, followed by a digest of the full
// location so that locations sharing a trailing segment stay distinct.
func Name(location string) string {
	name := trailingSegment(location)
	if name == "" {
		name = sanitize(location)
		if len(name) > maxFallbackName {
			name = name[:maxFallbackName]
		}
		name = strings.Trim(name, "._-")
	}
	if name == "" {
		name = "baseline"
	}
	return name + "-" + digest(location)
}

// RefDir returns the directory name for a reference. References that need
// sanitizing carry a digest of the raw value.
func RefDir(ref string) string {
	clean := strings.Trim(sanitize(ref), ".")
	if clean == ref && clean != "" {
		return clean
	}
	if clean == "" {
		clean = "ref"
	}
	return clean + "-" + digest(ref)
}

func trailingSegment(location string) string {
	s := strings.TrimRight(location, "/")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	} else {
		// no separator means no path to take a segment from
		return ""
	}
	s = strings.TrimSuffix(s, ".git")
	s = strings.Trim(sanitize(s), "._-")
	return s
}

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:digestLen]
}
