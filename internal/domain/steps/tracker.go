// Package steps numbers the thoughts, actions and screenshots of one task run.
package steps

import (
	"sync"
	"time"
)

// Thought is assistant text recorded at a step.
type Thought struct {
	Step      int       `json:"step"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Action is a tool call recorded at a step.
type Action struct {
	Step      int       `json:"step"`
	Tool      string    `json:"tool"`
	Label     string    `json:"label"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Screenshot is an image reference recorded at a step.
type Screenshot struct {
	Step      int       `json:"step"`
	Image     string    `json:"image"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a copy of everything recorded since the last Reset.
type Snapshot struct {
	Thoughts    []Thought    `json:"thoughts"`
	Actions     []Action     `json:"actions"`
	Screenshots []Screenshot `json:"screenshots"`
	Counter     int          `json:"counter"`
}

// Tracker hands out step numbers from a single counter shared by all three
// kinds. Each Record call returns the current value and then increments it,
// so a thought, an action and a screenshot never share a number.
type Tracker struct {
	mu  sync.RWMutex
	now func() time.Time

	counter     int
	thoughts    []Thought
	actions     []Action
	screenshots []Screenshot
}

// NewTracker returns a tracker starting at step 0.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

func (t *Tracker) next() (int, time.Time) {
	step := t.counter
	t.counter++
	return step, t.now()
}

// RecordThought records text and returns its step.
func (t *Tracker) RecordThought(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	step, ts := t.next()
	t.thoughts = append(t.thoughts, Thought{Step: step, Text: text, Timestamp: ts})
	return step
}

// RecordAction records a tool call and returns its step.
func (t *Tracker) RecordAction(tool, label, detail string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	step, ts := t.next()
	t.actions = append(t.actions, Action{Step: step, Tool: tool, Label: label, Detail: detail, Timestamp: ts})
	return step
}

// RecordScreenshot records an image and returns its step.
func (t *Tracker) RecordScreenshot(image string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	step, ts := t.next()
	t.screenshots = append(t.screenshots, Screenshot{Step: step, Image: image, Timestamp: ts})
	return step
}

// Reset zeroes the counter and drops every record.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter = 0
	t.thoughts = nil
	t.actions = nil
	t.screenshots = nil
}

// Counter returns the next step number that will be handed out.
func (t *Tracker) Counter() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counter
}

// Snapshot returns copies of the recorded steps.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Thoughts:    append([]Thought{}, t.thoughts...),
		Actions:     append([]Action{}, t.actions...),
		Screenshots: append([]Screenshot{}, t.screenshots...),
		Counter:     t.counter,
	}
}
