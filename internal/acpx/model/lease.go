package model

import "time"

// QueueOwnerLease is the JSON payload of a queue-owner lock file (spec §3).
type QueueOwnerLease struct {
	PID             int       `json:"pid"`
	SessionID       string    `json:"session_id"`
	SocketPath      string    `json:"socket_path"`
	CreatedAt       time.Time `json:"created_at"`
	HeartbeatAt     time.Time `json:"heartbeat_at"`
	OwnerGeneration int64     `json:"owner_generation"`
	QueueDepth      int       `json:"queue_depth"`
}
