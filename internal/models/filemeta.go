// Package models holds the shared data types exchanged between the
// endpoint managers, the comparison engines and the orchestrator.
package models

import "time"

// FileMetadata is a point-in-time snapshot of one remote or local entry.
// Constructed fresh per comparison, never persisted.
type FileMetadata struct {
	Path     string
	Size     int64
	Modified *time.Time
	Exists   bool
	IsDir    bool
}

// HealthStatus is the result of an endpoint health probe.
type HealthStatus struct {
	Success bool
	Message string
	Details map[string]string
}

// ProgressFunc receives cumulative transferred byte counts during a transfer.
type ProgressFunc func(bytes int64)
