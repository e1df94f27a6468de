// Package source decides which baseline location and reference to use.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// DefaultURL is the canonical public baseline repository.
	DefaultURL = "https://github.com/schaermu/baseline.git"
	// DefaultRef is the primary branch of DefaultURL.
	DefaultRef = "main"
)

// Precedence records which tier supplied the location.
type Precedence string

const (
	PrecedenceOverride   Precedence = "explicit-override"
	PrecedenceConfigured Precedence = "configured"
	PrecedenceDefault    Precedence = "default"
)

// RefPrecedence records which tier supplied the reference.
type RefPrecedence string

const (
	RefFromEnvironment RefPrecedence = "environment"
	RefDefaulted       RefPrecedence = "defaulted"
)

// Kind classifies a location string.
type Kind int

const (
	KindInvalid Kind = iota
	KindRemote
	KindLocal
)

func (k Kind) String() string {
	switch k {
	case KindRemote:
		return "remote"
	case KindLocal:
		return "local"
	default:
		return "invalid"
	}
}

// Source is the resolved input to synchronization.
type Source struct {
	Location      string
	Ref           string
	Precedence    Precedence
	RefPrecedence RefPrecedence
}

// Kind classifies the source location.
func (s Source) Kind() Kind {
	return Classify(s.Location)
}

// Lookup reads environment-style configuration values. *viper.Viper
// satisfies it.
type Lookup interface {
	GetString(key string) string
}

// Resolver applies the precedence rules: explicit override, then the
// configured value, then the built-in default.
type Resolver struct {
	env        Lookup
	defaultURL string
	defaultRef string
}

// NewResolver creates a resolver reading the "url" and "ref" keys from env.
// env may be nil, in which case only overrides and defaults apply.
func NewResolver(env Lookup) *Resolver {
	return &Resolver{
		env:        env,
		defaultURL: DefaultURL,
		defaultRef: DefaultRef,
	}
}

// WithDefaults replaces the built-in default location and reference.
func (r *Resolver) WithDefaults(url, ref string) *Resolver {
	r.defaultURL = url
	r.defaultRef = ref
	return r
}

// Resolve returns the effective source. It never fails.
func (r *Resolver) Resolve(override string) Source {
	src := Source{}

	switch override = strings.TrimSpace(override); {
	case override != "":
		src.Location = override
		src.Precedence = PrecedenceOverride
	case r.lookup("url") != "":
		src.Location = r.lookup("url")
		src.Precedence = PrecedenceConfigured
	default:
		src.Location = r.defaultURL
		src.Precedence = PrecedenceDefault
	}

	if ref := r.lookup("ref"); ref != "" {
		src.Ref = ref
		src.RefPrecedence = RefFromEnvironment
	} else {
		src.Ref = r.defaultRef
		src.RefPrecedence = RefDefaulted
	}

	return src
}

func (r *Resolver) lookup(key string) string {
	if r.env == nil {
		return ""
	}
	return strings.TrimSpace(r.env.GetString(key))
}

var (
	remoteSchemes = []string{"https://", "http://", "ssh://", "git://", "file://"}
	// user@host:path, the scp-like syntax git accepts for SSH remotes
	scpLike = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[^/].*$`)
)

// Classify reports whether location is a network address, a filesystem
// path, or neither.
func Classify(location string) Kind {
	if IsLocalPath(location) {
		return KindLocal
	}
	for _, scheme := range remoteSchemes {
		if strings.HasPrefix(location, scheme) && len(location) > len(scheme) {
			return KindRemote
		}
	}
	if scpLike.MatchString(location) {
		return KindRemote
	}
	return KindInvalid
}

// IsLocalPath reports whether location is an absolute, relative or
// home-relative filesystem path.
func IsLocalPath(location string) bool {
	switch location {
	case ".", "..", "~":
		return true
	}
	for _, prefix := range []string{"/", "./", "../", "~/"} {
		if strings.HasPrefix(location, prefix) {
			return true
		}
	}
	return filepath.IsAbs(location)
}

// ExpandPath resolves a leading ~ against the user's home directory and
// returns an absolute, cleaned path.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	return abs, nil
}
