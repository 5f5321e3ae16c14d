// Package results accumulates the key/value data NDT v3.7 delivers as
// text (TestMsg and MsgResults frames) plus the client's own summary
// values. The protocol carries no structured wire format for web100
// variables (original_source/libndt.hpp treats summary/web100/tcp_info
// data alike, as raw string maps), so this package classifies entries
// either by the scope the caller passes to Add or, in AddLines, by key
// prefix, rather than by parsing a typed payload.
package results

import "strings"

// Scope names which family a result entry belongs to.
type Scope string

const (
	// ScopeSummary holds human-facing summary values: each subtest's
	// throughput, byte count and flow count, the server-reported rate,
	// and any results line without a web100./tcp_info. prefix.
	ScopeSummary Scope = "summary"
	// ScopeWeb100 holds legacy web100 variable snapshots.
	ScopeWeb100 Scope = "web100"
	// ScopeTCPInfo holds TCP_INFO snapshots gathered by this client about
	// its own socket, the client-side analogue of the server's
	// ndt5/web100 instrumentation.
	ScopeTCPInfo Scope = "tcp_info"
)

// Entry is a single (scope, name, value) result triple.
type Entry struct {
	Scope Scope
	Name  string
	Value string
}

// Set accumulates Entry values across the lifetime of a run, preserving
// insertion order.
type Set struct {
	entries []Entry
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{}
}

// Add appends an entry to the set.
func (s *Set) Add(scope Scope, name, value string) {
	s.entries = append(s.entries, Entry{Scope: scope, Name: name, Value: value})
}

// Merge appends every entry of other into s, preserving order.
func (s *Set) Merge(other *Set) {
	if other == nil {
		return
	}
	s.entries = append(s.entries, other.entries...)
}

// All returns every entry in insertion order.
func (s *Set) All() []Entry {
	return s.entries
}

// ByScope returns only the entries tagged with the given scope, in
// insertion order.
func (s *Set) ByScope(scope Scope) []Entry {
	var out []Entry
	for _, e := range s.entries {
		if e.Scope == scope {
			out = append(out, e)
		}
	}
	return out
}

// AddLines parses body as newline-separated "key: value" lines, as sent in
// each msg_results frame, and adds one entry per line. A line's key prefix
// selects its scope: "web100." and "tcp_info." strip their prefix and file
// under ScopeWeb100/ScopeTCPInfo respectively; anything else files under
// ScopeSummary with its key unchanged. Lines that don't contain ": " are
// ignored.
func (s *Set) AddLines(body string) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(key, "web100."):
			s.Add(ScopeWeb100, strings.TrimPrefix(key, "web100."), value)
		case strings.HasPrefix(key, "tcp_info."):
			s.Add(ScopeTCPInfo, strings.TrimPrefix(key, "tcp_info."), value)
		default:
			s.Add(ScopeSummary, key, value)
		}
	}
}
