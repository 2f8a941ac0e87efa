package endpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/katha-begin/shotsync/internal/endpoint/ftp"
	"github.com/katha-begin/shotsync/internal/endpoint/local"
	s3endpoint "github.com/katha-begin/shotsync/internal/endpoint/s3"
	"github.com/katha-begin/shotsync/internal/endpoint/sftp"
)

// Config is a tagged endpoint definition: a backend type plus that
// backend's own settings. Credentials arrive already decrypted.
type Config struct {
	Type     string          `json:"type"`
	Settings json.RawMessage `json:"settings"`
}

// NewManagerFromConfig creates a Manager from a tagged config.
func NewManagerFromConfig(ctx context.Context, cfg Config) (Manager, error) {
	switch cfg.Type {
	case "ftp":
		return ftp.NewFromJSON(cfg.Settings)
	case "sftp":
		return sftp.NewFromJSON(cfg.Settings)
	case "s3":
		return s3endpoint.NewFromJSON(ctx, cfg.Settings)
	case "local":
		return local.NewFromJSON(cfg.Settings)
	default:
		return nil, fmt.Errorf("unknown endpoint type: %s", cfg.Type)
	}
}
