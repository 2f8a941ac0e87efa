// Package task persists sync task and item records. A task owns its
// items; items are cascade-deleted with their task.
package task

import (
	"time"

	"github.com/katha-begin/shotsync/internal/shotpath"
)

// Direction distinguishes download tasks from upload tasks.
type Direction string

const (
	DirectionDownload Direction = "download"
	DirectionUpload   Direction = "upload"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ItemStatus is the per-item lifecycle state.
type ItemStatus string

const (
	ItemPending      ItemStatus = "pending"
	ItemTransferring ItemStatus = "transferring"
	ItemCompleted    ItemStatus = "completed"
	ItemFailed       ItemStatus = "failed"
	ItemSkipped      ItemStatus = "skipped"
)

// VersionStrategy selects which shot version a task transfers.
type VersionStrategy string

const (
	VersionLatest   VersionStrategy = "latest"
	VersionSpecific VersionStrategy = "specific"
)

// ConflictStrategy decides what happens when the destination already has
// the file.
type ConflictStrategy string

const (
	ConflictSkip      ConflictStrategy = "skip"
	ConflictOverwrite ConflictStrategy = "overwrite"
	ConflictKeepBoth  ConflictStrategy = "keep_both"
)

// Task is one sync task record.
type Task struct {
	ID               string
	EndpointID       string
	Direction        Direction
	Status           Status
	VersionStrategy  VersionStrategy
	ConflictStrategy ConflictStrategy

	TotalItems     int
	CompletedItems int
	FailedItems    int
	SkippedItems   int
	TotalBytes     int64
	BytesDone      int64

	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Item is one shot/department unit of work within a task.
type Item struct {
	ID     int64
	TaskID string

	Episode    string
	Sequence   string
	Shot       string
	Department shotpath.Department

	RemotePath        string
	LocalPath         string
	SelectedVersion   string
	AvailableVersions []string

	Status       ItemStatus
	TotalBytes   int64
	BytesDone    int64
	ErrorMessage string
}
