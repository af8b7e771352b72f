// Package sessionlog groups the thought, action and screenshot of each step
// into one entry per step, across every task run in a session.
package sessionlog

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	jsonx "taskrunner/internal/shared/json"
)

// Kind names the field an appended item fills.
type Kind string

const (
	KindThought    Kind = "thought"
	KindAction     Kind = "action"
	KindScreenshot Kind = "screenshot"
)

// Entry is one step of one task run. Task is the run ordinal within the
// session, not the task id.
type Entry struct {
	Task       int    `json:"task" yaml:"task"`
	Step       int    `json:"step" yaml:"step"`
	Screenshot string `json:"screenshot,omitempty" yaml:"screenshot,omitempty"`
	Thought    string `json:"thought,omitempty" yaml:"thought,omitempty"`
	Action     string `json:"action,omitempty" yaml:"action,omitempty"`
	Timestamp  string `json:"timestamp" yaml:"timestamp"`
}

// Complete reports whether all three fields are set.
func (e Entry) Complete() bool {
	return e.Thought != "" && e.Action != "" && e.Screenshot != ""
}

func (e Entry) has(kind Kind) bool {
	switch kind {
	case KindThought:
		return e.Thought != ""
	case KindAction:
		return e.Action != ""
	case KindScreenshot:
		return e.Screenshot != ""
	}
	return false
}

func (e *Entry) set(kind Kind, content string) {
	switch kind {
	case KindThought:
		e.Thought = content
	case KindAction:
		e.Action = content
	case KindScreenshot:
		e.Screenshot = content
	}
}

// Format selects the Export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Logger is the append-only session log. It survives across task runs
// until Clear is called.
type Logger struct {
	mu      sync.RWMutex
	now     func() time.Time
	entries []Entry
	// last holds, per task ordinal, the index of its most recent entry.
	last   map[int]int
	counts map[int]int
}

// New returns an empty session log.
func New() *Logger {
	return &Logger{
		now:    time.Now,
		last:   map[int]int{},
		counts: map[int]int{},
	}
}

// Append records content under kind for the given task ordinal.
//
// The most recent entry of the task is filled in place when it is not yet
// complete and the field for kind is still empty. Otherwise a new entry is
// opened whose step is the number of entries the task already has. Items of
// the same kind therefore never overwrite each other.
func (l *Logger) Append(taskOrdinal int, kind Kind, content string) error {
	switch kind {
	case KindThought, KindAction, KindScreenshot:
	default:
		return fmt.Errorf("unknown session log kind %q", kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.last[taskOrdinal]; ok {
		entry := &l.entries[idx]
		if !entry.Complete() && !entry.has(kind) {
			entry.set(kind, content)
			return nil
		}
	}

	entry := Entry{
		Task:      taskOrdinal,
		Step:      l.counts[taskOrdinal],
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
	}
	entry.set(kind, content)
	l.entries = append(l.entries, entry)
	l.last[taskOrdinal] = len(l.entries) - 1
	l.counts[taskOrdinal]++
	return nil
}

// Entries returns a copy of the log in append order.
func (l *Logger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry{}, l.entries...)
}

// Len returns the number of entries.
func (l *Logger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear drops every entry.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.last = map[int]int{}
	l.counts = map[int]int{}
}

// ParseFormat maps a user-supplied name or file extension to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), ".") {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported session log format %q", name)
	}
}

// Export writes the flat entry list to w.
func (l *Logger) Export(w io.Writer, format Format) error {
	entries := l.Entries()
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("encode session log: %w", err)
		}
		return enc.Close()
	case FormatJSON, "":
		enc := jsonx.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("encode session log: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported session log format %q", format)
	}
}
