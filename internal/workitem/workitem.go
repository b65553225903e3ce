// Package workitem models trackable units of remediation and their
// bounded status lifecycle.
package workitem

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition marks a status change outside the lifecycle
// graph.
var ErrInvalidTransition = errors.New("invalid work item status transition")

// Status is a work item's lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusMerged     Status = "merged"
	StatusIgnored    Status = "ignored"
	StatusDuplicate  Status = "duplicate"
)

// Valid reports whether s names a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusMerged, StatusIgnored, StatusDuplicate:
		return true
	}
	return false
}

// transitions is the allowed lifecycle graph. in_progress may return
// to open on failure or timeout; resolved may reopen or merge.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress},
	StatusInProgress: {StatusResolved, StatusIgnored, StatusDuplicate, StatusOpen},
	StatusResolved:   {StatusOpen, StatusMerged},
}

// Fix records the committed outcome of a resolved item.
type Fix struct {
	Branch    string `json:"branch,omitempty"`
	CommitRef string `json:"commit_ref,omitempty"`
	Score     int    `json:"score,omitempty"`
}

// Item is one trackable unit of remediation.
type Item struct {
	ID          string   `json:"id"`
	Code        string   `json:"code,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	StepIndex   int      `json:"step_index,omitempty"`
	ResourceKey string   `json:"resource_key,omitempty"`
	Scope       []string `json:"scope,omitempty"`

	// Clarification holds a question to put to the operator before the
	// item is worked on. Empty means the item is unambiguous.
	Clarification string `json:"clarification,omitempty"`

	Fix       Fix       `json:"fix,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// CanTransition reports whether from→to is in the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the item to a new status. Transitions outside the
// lifecycle graph fail unless override is set. Reopening a resolved
// item clears its commit metadata so a stale fix is never reported.
func (i *Item) Transition(to Status, override bool) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !override && !CanTransition(i.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Status, to)
	}

	if i.Status == StatusResolved && to == StatusOpen {
		i.Fix.CommitRef = ""
		i.Fix.Branch = ""
	}
	i.Status = to
	i.UpdatedAt = time.Now()
	return nil
}
