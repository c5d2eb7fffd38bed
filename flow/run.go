package flow

import (
	"fmt"
	"time"
)

// Status of a run. A run starts in progress and ends done or in error,
// optionally waiting for external signatures in between.
type Status string

const (
	StatusInProgress           Status = "inprogress"
	StatusWaitingForSignatures Status = "waiting_for_signatures"
	StatusDone                 Status = "done"
	StatusError                Status = "error"
)

var transitions = map[Status][]Status{
	StatusInProgress:           {StatusWaitingForSignatures, StatusDone, StatusError},
	StatusWaitingForSignatures: {StatusDone, StatusError},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// PendingSignature is a presigned document awaiting its signature.
type PendingSignature struct {
	Handle        string    `json:"handle"`
	HashToSign    string    `json:"hash_to_sign"`
	DocumentIndex int       `json:"document_index"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
}

// Run is the persisted state of one flow execution.
type Run struct {
	ID         string      `json:"id"`
	Owner      string      `json:"owner"`
	Operations []Operation `json:"operations"`
	// Source is kept until the worker has resolved it.
	Source *Source `json:"source,omitempty"`

	Status    Status             `json:"status"`
	Error     string             `json:"error,omitempty"`
	Documents [][]byte           `json:"documents,omitempty"`
	Pending   []PendingSignature `json:"pending,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Run) transition(to Status, now time.Time) error {
	for _, next := range transitions[r.Status] {
		if next == to {
			r.Status = to
			r.UpdatedAt = now
			if to.Terminal() {
				r.Source = nil
				for i := range r.Operations {
					r.Operations[i].redact()
				}
			}
			return nil
		}
	}
	return fmt.Errorf("invalid flow transition from %s to %s", r.Status, to)
}

// expired reports whether a pending signing request has expired.
func (r *Run) expired(now time.Time) bool {
	for _, p := range r.Pending {
		if !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
			return true
		}
	}
	return false
}

// PendingView is a hash the caller has to sign.
type PendingView struct {
	ID         string `json:"id"`
	HashToSign string `json:"hash_to_sign"`
}

// RunView is the caller facing snapshot of a run.
type RunView struct {
	ID                string        `json:"id"`
	Status            Status        `json:"status"`
	PendingSignatures []PendingView `json:"pending_signatures,omitempty"`
	Results           [][]byte      `json:"results,omitempty"`
	Error             string        `json:"error,omitempty"`
}

func (r *Run) View() *RunView {
	v := &RunView{ID: r.ID, Status: r.Status, Error: r.Error}
	switch r.Status {
	case StatusWaitingForSignatures:
		for _, p := range r.Pending {
			v.PendingSignatures = append(v.PendingSignatures, PendingView{ID: p.Handle, HashToSign: p.HashToSign})
		}
	case StatusDone:
		v.Results = r.Documents
	}
	return v
}
