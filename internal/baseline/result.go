package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Change is a tri-state staleness flag.
type Change int

const (
	ChangeUnknown Change = iota
	Unchanged
	Changed
)

// ChangeOf converts a definite boolean into a Change.
func ChangeOf(changed bool) Change {
	if changed {
		return Changed
	}
	return Unchanged
}

func (c Change) String() string {
	switch c {
	case Changed:
		return "true"
	case Unchanged:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalJSON renders Changed as true, Unchanged as false and
// ChangeUnknown as null.
func (c Change) MarshalJSON() ([]byte, error) {
	if c == ChangeUnknown {
		return []byte("null"), nil
	}
	return json.Marshal(c == Changed)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (c *Change) UnmarshalJSON(data []byte) error {
	var v *bool
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v == nil {
		*c = ChangeUnknown
		return nil
	}
	*c = ChangeOf(*v)
	return nil
}

// ErrorKind classifies why Ensure could not produce a root.
type ErrorKind string

const (
	KindResolution ErrorKind = "resolution"
	KindTooling    ErrorKind = "tooling"
	KindLocalPath  ErrorKind = "local-path"
	KindClone      ErrorKind = "clone"
)

// Error is the failure variant of a Result.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// MarshalJSON renders the error as its message.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    ErrorKind `json:"kind"`
		Message string    `json:"message"`
	}{e.Kind, e.Err.Error()})
}

// UnmarshalJSON restores an error persisted by MarshalJSON. The original
// error chain is not recoverable, only its message.
func (e *Error) UnmarshalJSON(data []byte) error {
	var v struct {
		Kind    ErrorKind `json:"kind"`
		Message string    `json:"message"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	e.Kind = v.Kind
	e.Err = errors.New(v.Message)
	return nil
}

// Result is the record Ensure returns. Exactly one of Root and Err is set,
// except in check-only mode against a baseline that was never cloned, where
// both are empty.
type Result struct {
	Root           string `json:"root,omitempty"`
	Ref            string `json:"ref"`
	RefSource      string `json:"refSource"`
	BaselineURL    string `json:"baselineUrl"`
	BaselineSource string `json:"baselineSource"`
	CommitSHA      string `json:"commitSha,omitempty"`
	Changed        Change `json:"changed"`
	SkippedFetch   bool   `json:"skippedFetch"`

	// RemoteSHA and ProbeError echo the staleness probe, when one ran.
	RemoteSHA  string `json:"remoteSha,omitempty"`
	ProbeError string `json:"probeError,omitempty"`

	Err *Error `json:"error,omitempty"`
}

// OK reports whether the result is the success variant.
func (r Result) OK() bool {
	return r.Err == nil
}

func (r Result) fail(kind ErrorKind, err error) Result {
	r.Root = ""
	r.Err = &Error{Kind: kind, Err: err}
	return r
}
