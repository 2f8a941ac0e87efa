// Package endpoint defines the Manager interface for storage endpoints
// and provides multi-backend construction from tagged configs.
package endpoint

import (
	"context"

	"github.com/katha-begin/shotsync/internal/models"
)

// Manager is the uniform capability surface over a storage endpoint
// (FTP, SFTP, S3, local filesystem). Implementations are stateless beyond
// a live connection handle. Expected absence (missing file or directory)
// is a valid outcome, not an error; only transport failures propagate.
type Manager interface {
	// Connect establishes or validates reachability. Idempotent.
	Connect(ctx context.Context) error

	// ListDirectory lists entries under path. Returns an empty slice for
	// a non-existent or empty directory. maxDepth bounds recursion when
	// recursive is true (0 = unlimited).
	ListDirectory(ctx context.Context, path string, recursive bool, maxDepth int) ([]models.FileMetadata, error)

	// GetFileInfo returns metadata for path. An absent path yields
	// Exists=false with a nil error.
	GetFileInfo(ctx context.Context, path string) (models.FileMetadata, error)

	// DownloadFile copies remotePath on the endpoint to localPath on the
	// local filesystem, creating parent directories. The destination is
	// never left partially overwritten on failure.
	DownloadFile(ctx context.Context, remotePath, localPath string, progress models.ProgressFunc) error

	// UploadFile copies localPath to remotePath on the endpoint, creating
	// parent directories where the backend supports it.
	UploadFile(ctx context.Context, localPath, remotePath string, progress models.ProgressFunc) error

	// DeleteFile removes path. Deleting an already-absent path is success.
	DeleteFile(ctx context.Context, path string) error

	// HealthCheck performs a cheap read probe and never mutates state.
	HealthCheck(ctx context.Context) models.HealthStatus

	// Type returns the backend type identifier ("ftp", "sftp", "s3", "local").
	Type() string

	// Close releases the connection. Safe to call multiple times.
	Close() error
}
