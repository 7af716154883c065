package models

import "time"

// ConvergenceStatus is the terminal state of a convergence cycle
type ConvergenceStatus string

const (
	StatusConverged          ConvergenceStatus = "converged"
	StatusPartiallyConverged ConvergenceStatus = "partially_converged"
	StatusFailed             ConvergenceStatus = "failed"
)

// OperationKind is the type of actuation call
type OperationKind string

const (
	OperationLaunch    OperationKind = "launch"
	OperationTerminate OperationKind = "terminate"
)

// OperationResult records the outcome of one launch or terminate
type OperationResult struct {
	Kind           OperationKind `json:"kind"`
	InstanceID     string        `json:"instance_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	Attempts       int           `json:"attempts"`
	Succeeded      bool          `json:"succeeded"`
	Error          string        `json:"error,omitempty"`
}

// ConvergenceReport describes what a cycle asked the provider to do and what it observed
type ConvergenceReport struct {
	ID               string            `json:"id"`
	RecommendationID string            `json:"recommendation_id"`
	Status           ConvergenceStatus `json:"status"`

	Target       int `json:"target"`
	ActiveBefore int `json:"active_before"`
	ActiveAfter  int `json:"active_after"`

	Launched   []string          `json:"launched,omitempty"`
	Terminated []string          `json:"terminated,omitempty"`
	Operations []OperationResult `json:"operations,omitempty"`

	// Set when the post-actuation listing failed and the state was
	// reconstructed from call results
	VerificationError string `json:"verification_error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Failures returns the operations that did not succeed
func (r ConvergenceReport) Failures() []OperationResult {
	var out []OperationResult
	for _, op := range r.Operations {
		if !op.Succeeded {
			out = append(out, op)
		}
	}
	return out
}

// Succeeded counts successful operations
func (r ConvergenceReport) Succeeded() int {
	n := 0
	for _, op := range r.Operations {
		if op.Succeeded {
			n++
		}
	}
	return n
}
