package jobs

import (
	"time"

	"github.com/google/uuid"
)

// ServerStatus is a server's liveness announcement. Master election is a
// pure read over these rows: the live server with the lowest FirstHeartbeat
// wins, lowest id as tie-break.
type ServerStatus struct {
	ID             uuid.UUID     `json:"id"`
	WorkerPoolSize int           `json:"workerPoolSize"`
	PollInterval   time.Duration `json:"pollInterval"`
	FirstHeartbeat time.Time     `json:"firstHeartbeat"`
	LastHeartbeat  time.Time     `json:"lastHeartbeat"`
	Running        bool          `json:"isRunning"`
}
