package git

import (
	"errors"
	"regexp"
	"strings"
)

// ExecErrorType is a coarse classification of a failed git invocation,
// derived from its stderr.
type ExecErrorType int

const (
	Unknown ExecErrorType = iota
	UnknownReference
	AuthRequired
	RepositoryNotFound
	RepositoryUnavailable
)

func (t ExecErrorType) String() string {
	switch t {
	case UnknownReference:
		return "unknown reference"
	case AuthRequired:
		return "authentication required"
	case RepositoryNotFound:
		return "repository not found"
	case RepositoryUnavailable:
		return "repository unavailable"
	default:
		return "unknown"
	}
}

// ExecError describes a git subprocess that exited unsuccessfully.
type ExecError struct {
	Type   ExecErrorType
	Args   []string
	Err    error
	StdErr string
	StdOut string
}

func (e *ExecError) Error() string {
	b := new(strings.Builder)
	b.WriteString(e.Err.Error())
	if stderr := strings.TrimSpace(e.StdErr); stderr != "" {
		b.WriteString(": ")
		b.WriteString(stderr)
	}
	return b.String()
}

func (e *ExecError) Unwrap() error { return e.Err }

// TypeOf returns the classification of the first *ExecError in err's
// chain, or Unknown.
func TypeOf(err error) ExecErrorType {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Type
	}
	return Unknown
}

var repoNotFound = regexp.MustCompile(`(fatal: repository '.*' not found|does not appear to be a git repository)`)

func classify(stderr string) ExecErrorType {
	switch {
	case strings.Contains(stderr, "unknown revision or path not in the working tree"),
		strings.Contains(stderr, "couldn't find remote ref"),
		strings.Contains(stderr, "Remote branch") && strings.Contains(stderr, "not found"):
		return UnknownReference
	case strings.Contains(stderr, "could not read Username"),
		strings.Contains(stderr, "terminal prompts disabled"),
		strings.Contains(stderr, "Permission denied (publickey)"):
		return AuthRequired
	case strings.Contains(stderr, "Could not resolve host"):
		return RepositoryUnavailable
	case repoNotFound.MatchString(stderr):
		return RepositoryNotFound
	}
	return Unknown
}
