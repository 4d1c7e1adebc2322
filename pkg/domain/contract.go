package domain

import (
	"context"
	"time"
)

// Contract is the operation surface the keeper offers to front ends
type Contract interface {
	QueryStatus(ctx context.Context) (map[string]WorkerStatus, error)
	RestartOne(ctx context.Context, name string) error
	UpdateAndRestart(ctx context.Context, name string, artifact []byte) error

	GetConfig(ctx context.Context) ([]byte, error)

	// ReloadConfig replaces the configuration document. A nil error means accepted;
	// the message then carries any problem applying the document to the fleet.
	ReloadConfig(ctx context.Context, raw []byte) (string, error)

	RestoreConfig(ctx context.Context, tier string) (string, error)
	ListBackups(ctx context.Context) ([]string, error)
}

// WorkerStatus is the reported state of one worker slot
type WorkerStatus struct {
	Running       bool      `json:"running"`
	PID           int       `json:"pid,omitempty"`
	LastRestartAt time.Time `json:"last_restart_at"`
	State         string    `json:"state"`
	Target        string    `json:"target"`
	Restarts      int       `json:"restarts"`
	LastError     string    `json:"last_error,omitempty"`
}

// OperationResult is the outcome of an operation as reported to a front end
type OperationResult struct {
	Accepted bool   `json:"accepted"`
	Kind     string `json:"kind,omitempty"`
	Message  string `json:"message,omitempty"`
	Field    string `json:"field,omitempty"`
}
