package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResultKind is the outcome of loading or removing one unit.
type ResultKind int

const (
	Mounted ResultKind = iota
	Skipped
	Failed
	Removed
)

func (k ResultKind) String() string {
	switch k {
	case Mounted:
		return "mounted"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

func (k ResultKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// LoadResult is what the loader hands back instead of an error.
type LoadResult struct {
	Kind     ResultKind `json:"kind"`
	Path     string     `json:"path"`
	Prefix   string     `json:"prefix,omitempty"`
	Key      string     `json:"key,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Err      error      `json:"-"`
	Warnings []string   `json:"warnings,omitempty"`
}

// Message is a one-line human readable summary including warnings.
func (r LoadResult) Message() string {
	var b strings.Builder
	switch r.Kind {
	case Mounted:
		fmt.Fprintf(&b, "%s mounted at %s", r.Path, r.Prefix)
	case Skipped:
		fmt.Fprintf(&b, "%s skipped: %s", r.Path, r.Reason)
	case Failed:
		fmt.Fprintf(&b, "%s failed: %v", r.Path, r.Err)
	case Removed:
		if r.Prefix != "" {
			fmt.Fprintf(&b, "%s removed from %s", r.Path, r.Prefix)
		} else {
			fmt.Fprintf(&b, "%s removed", r.Path)
		}
	}
	for _, w := range r.Warnings {
		b.WriteString("; warning: ")
		b.WriteString(w)
	}
	return b.String()
}

// MarshalJSON adds the error text and message to the wire form.
func (r LoadResult) MarshalJSON() ([]byte, error) {
	type plain LoadResult
	out := struct {
		plain
		Error   string `json:"error,omitempty"`
		Message string `json:"message"`
	}{plain: plain(r), Message: r.Message()}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

func mountedResult(path, key, prefix string, warnings []string) LoadResult {
	return LoadResult{Kind: Mounted, Path: path, Key: key, Prefix: prefix, Warnings: warnings}
}

func skippedResult(path, reason string) LoadResult {
	return LoadResult{Kind: Skipped, Path: path, Reason: reason}
}

func failedResult(path string, err error) LoadResult {
	return LoadResult{Kind: Failed, Path: path, Err: err}
}

// Summary counts results per kind.
type Summary struct {
	Mounted int `json:"mounted"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Removed int `json:"removed"`
}

func Summarize(results []LoadResult) Summary {
	var s Summary
	for _, r := range results {
		switch r.Kind {
		case Mounted:
			s.Mounted++
		case Skipped:
			s.Skipped++
		case Failed:
			s.Failed++
		case Removed:
			s.Removed++
		}
	}
	return s
}
