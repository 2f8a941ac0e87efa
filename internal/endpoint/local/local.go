// Package local provides a local filesystem endpoint manager.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/katha-begin/shotsync/internal/metrics"
	"github.com/katha-begin/shotsync/internal/models"
)

// Config holds local filesystem endpoint settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// Endpoint implements endpoint.Manager using the local filesystem.
type Endpoint struct {
	rootPath   string
	createDirs bool
}

// New creates a new local filesystem endpoint.
func New(cfg Config) (*Endpoint, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Endpoint{
		rootPath:   cfg.RootPath,
		createDirs: cfg.CreateDirs,
	}, nil
}

// NewFromJSON creates an Endpoint from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Endpoint, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

func (e *Endpoint) fullPath(p string) string {
	return filepath.Join(e.rootPath, filepath.FromSlash(p))
}

// Connect validates that the root path is reachable.
func (e *Endpoint) Connect(_ context.Context) error {
	if _, err := os.Stat(e.rootPath); err != nil {
		return fmt.Errorf("stat root path %s: %w", e.rootPath, err)
	}
	return nil
}

// ListDirectory lists entries under path. A missing or empty directory
// yields an empty slice.
func (e *Endpoint) ListDirectory(ctx context.Context, p string, recursive bool, maxDepth int) ([]models.FileMetadata, error) {
	start := time.Now()
	entries, err := e.list(p, recursive, maxDepth, 1)
	metrics.RecordEndpointOperation("local", "list_directory", time.Since(start), err == nil)
	return entries, err
}

func (e *Endpoint) list(p string, recursive bool, maxDepth, depth int) ([]models.FileMetadata, error) {
	dirEntries, err := os.ReadDir(e.fullPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return []models.FileMetadata{}, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", p, err)
	}

	result := make([]models.FileMetadata, 0, len(dirEntries))
	for _, de := range dirEntries {
		childPath := joinSlash(p, de.Name())
		info, err := de.Info()
		if err != nil {
			// Entry vanished between readdir and stat
			continue
		}
		result = append(result, infoToMetadata(childPath, info))

		if recursive && de.IsDir() && (maxDepth == 0 || depth < maxDepth) {
			children, err := e.list(childPath, true, maxDepth, depth+1)
			if err != nil {
				return nil, err
			}
			result = append(result, children...)
		}
	}
	return result, nil
}

// GetFileInfo returns metadata for path; absent paths yield Exists=false.
func (e *Endpoint) GetFileInfo(_ context.Context, p string) (models.FileMetadata, error) {
	info, err := os.Stat(e.fullPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return models.FileMetadata{Path: p}, nil
		}
		return models.FileMetadata{Path: p}, fmt.Errorf("stat %s: %w", p, err)
	}
	return infoToMetadata(p, info), nil
}

// DownloadFile copies a file inside the endpoint root to an absolute local
// destination, writing through a temp file and renaming on success.
func (e *Endpoint) DownloadFile(ctx context.Context, remotePath, localPath string, progress models.ProgressFunc) error {
	start := time.Now()
	err := copyAtomic(e.fullPath(remotePath), localPath, progress)
	metrics.RecordEndpointOperation("local", "download_file", time.Since(start), err == nil)
	return err
}

// UploadFile copies an absolute local file into the endpoint root.
func (e *Endpoint) UploadFile(ctx context.Context, localPath, remotePath string, progress models.ProgressFunc) error {
	start := time.Now()
	err := copyAtomic(localPath, e.fullPath(remotePath), progress)
	metrics.RecordEndpointOperation("local", "upload_file", time.Since(start), err == nil)
	return err
}

// DeleteFile removes a file. Deleting an absent path is success.
func (e *Endpoint) DeleteFile(_ context.Context, p string) error {
	err := os.Remove(e.fullPath(p))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// HealthCheck stats the root and probes write permission with a temp file.
func (e *Endpoint) HealthCheck(_ context.Context) models.HealthStatus {
	info, err := os.Stat(e.rootPath)
	if err != nil {
		return models.HealthStatus{Success: false, Message: fmt.Sprintf("root path unreachable: %v", err)}
	}
	if !info.IsDir() {
		return models.HealthStatus{Success: false, Message: "root path is not a directory"}
	}

	probe, err := os.CreateTemp(e.rootPath, ".shotsync-probe-*")
	if err != nil {
		return models.HealthStatus{
			Success: true,
			Message: "root readable, not writable",
			Details: map[string]string{"write_probe": err.Error()},
		}
	}
	probe.Close()
	os.Remove(probe.Name())

	return models.HealthStatus{
		Success: true,
		Message: "ok",
		Details: map[string]string{"root_path": e.rootPath},
	}
}

// Type returns "local".
func (e *Endpoint) Type() string { return "local" }

// Close is a no-op for local endpoints.
func (e *Endpoint) Close() error { return nil }

func infoToMetadata(p string, info fs.FileInfo) models.FileMetadata {
	mod := info.ModTime()
	return models.FileMetadata{
		Path:     p,
		Size:     info.Size(),
		Modified: &mod,
		Exists:   true,
		IsDir:    info.IsDir(),
	}
}

func joinSlash(dir, name string) string {
	if dir == "" || dir == "." {
		return name
	}
	return dir + "/" + name
}

// copyAtomic copies src to dst via a temp file in dst's directory,
// creating parent directories and renaming into place on success.
func copyAtomic(src, dst string, progress models.ProgressFunc) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", dst, err)
	}

	tmp, err := os.CreateTemp(dir, ".shotsync-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dst, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(io.MultiWriter(tmp, models.NewProgressWriter(progress)), in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", dst, err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", dst, err)
	}
	return nil
}
