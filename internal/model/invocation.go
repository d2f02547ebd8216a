package model

import "time"

// Invocation outcome constants.
const (
	InvocationSucceeded = "succeeded"
	InvocationFailed    = "failed"
)

// Invocation records one function run.
type Invocation struct {
	ID         string    `json:"id"`
	Function   string    `json:"function"`
	Version    int       `json:"version"`
	Tag        Tag       `json:"tag"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
