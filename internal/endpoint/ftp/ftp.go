// Package ftp provides an FTP storage endpoint manager.
package ftp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/katha-begin/shotsync/internal/metrics"
	"github.com/katha-begin/shotsync/internal/models"
	"github.com/katha-begin/shotsync/internal/retry"
)

// Config is a JSON-serializable config for FTP endpoints.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Timeout  int    `json:"timeout_seconds"`
}

// Endpoint implements endpoint.Manager over a single FTP control connection.
// The protocol allows one transfer per connection, so all operations are
// serialized; parallel transfers use separate Endpoint instances.
type Endpoint struct {
	cfg Config

	mu     sync.Mutex
	conn   *ftp.ServerConn
	closed bool
}

// New creates a new FTP endpoint. The connection is established lazily
// by Connect.
func New(cfg Config) (*Endpoint, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 21
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30
	}
	return &Endpoint{cfg: cfg}, nil
}

// NewFromJSON creates an Endpoint from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Endpoint, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse ftp config: %w", err)
	}
	return New(cfg)
}

// Connect dials and authenticates, or validates an existing connection
// with a NOOP. Idempotent.
func (e *Endpoint) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectLocked(ctx)
}

func (e *Endpoint) connectLocked(ctx context.Context) error {
	if e.closed {
		return fmt.Errorf("endpoint is closed")
	}
	if e.conn != nil {
		if err := e.conn.NoOp(); err == nil {
			return nil
		}
		// Stale connection, redial
		e.conn.Quit()
		e.conn = nil
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	start := time.Now()
	conn, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*ftp.ServerConn, error) {
		c, err := ftp.Dial(addr,
			ftp.DialWithContext(ctx),
			ftp.DialWithTimeout(time.Duration(e.cfg.Timeout)*time.Second),
		)
		if err != nil {
			// Transient network failure; auth errors below are not retried.
			return nil, retry.Retryable(fmt.Errorf("dial %s: %w", addr, err))
		}
		if err := c.Login(e.cfg.Username, e.cfg.Password); err != nil {
			c.Quit()
			return nil, fmt.Errorf("login %s: %w", addr, err)
		}
		return c, nil
	})
	if err != nil {
		metrics.RecordEndpointOperation("ftp", "connect", time.Since(start), false)
		return err
	}
	metrics.RecordEndpointOperation("ftp", "connect", time.Since(start), true)
	e.conn = conn
	return nil
}

// isAbsence reports whether an FTP error means "no such file or directory"
// rather than a transport failure (550 family).
func isAbsence(err error) bool {
	var proto *textproto.Error
	return errors.As(err, &proto) && proto.Code == ftp.StatusFileUnavailable
}

// ListDirectory lists entries under path. Missing or empty directories
// yield an empty slice.
func (e *Endpoint) ListDirectory(ctx context.Context, p string, recursive bool, maxDepth int) ([]models.FileMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectLocked(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	entries, err := e.listLocked(p, recursive, maxDepth, 1)
	metrics.RecordEndpointOperation("ftp", "list_directory", time.Since(start), err == nil)
	return entries, err
}

func (e *Endpoint) listLocked(p string, recursive bool, maxDepth, depth int) ([]models.FileMetadata, error) {
	raw, err := e.conn.List(p)
	if err != nil {
		if isAbsence(err) {
			return []models.FileMetadata{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", p, err)
	}

	result := make([]models.FileMetadata, 0, len(raw))
	for _, entry := range raw {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		childPath := path.Join(p, entry.Name)
		meta := entryToMetadata(childPath, entry)
		result = append(result, meta)

		if recursive && meta.IsDir && (maxDepth == 0 || depth < maxDepth) {
			children, err := e.listLocked(childPath, true, maxDepth, depth+1)
			if err != nil {
				return nil, err
			}
			result = append(result, children...)
		}
	}
	return result, nil
}

// GetFileInfo lists the parent directory and matches by name, since plain
// FTP has no stat. Absent paths yield Exists=false.
func (e *Endpoint) GetFileInfo(ctx context.Context, p string) (models.FileMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectLocked(ctx); err != nil {
		return models.FileMetadata{Path: p}, err
	}

	start := time.Now()
	parent := path.Dir(p)
	name := path.Base(p)

	raw, err := e.conn.List(parent)
	if err != nil {
		if isAbsence(err) {
			metrics.RecordEndpointOperation("ftp", "get_file_info", time.Since(start), true)
			return models.FileMetadata{Path: p}, nil
		}
		metrics.RecordEndpointOperation("ftp", "get_file_info", time.Since(start), false)
		return models.FileMetadata{Path: p}, fmt.Errorf("list %s: %w", parent, err)
	}
	metrics.RecordEndpointOperation("ftp", "get_file_info", time.Since(start), true)

	for _, entry := range raw {
		if entry.Name == name {
			return entryToMetadata(p, entry), nil
		}
	}
	return models.FileMetadata{Path: p}, nil
}

// DownloadFile retrieves a remote file into localPath via temp + rename on
// the local side.
func (e *Endpoint) DownloadFile(ctx context.Context, remotePath, localPath string, progress models.ProgressFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectLocked(ctx); err != nil {
		return err
	}

	start := time.Now()
	resp, err := e.conn.Retr(remotePath)
	if err != nil {
		metrics.RecordEndpointOperation("ftp", "download_file", time.Since(start), false)
		return fmt.Errorf("retr %s: %w", remotePath, err)
	}

	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		resp.Close()
		return fmt.Errorf("create dirs for %s: %w", localPath, err)
	}

	tmp, err := os.CreateTemp(dir, ".shotsync-*.tmp")
	if err != nil {
		resp.Close()
		return fmt.Errorf("create temp for %s: %w", localPath, err)
	}
	tmpName := tmp.Name()

	_, copyErr := io.Copy(io.MultiWriter(tmp, models.NewProgressWriter(progress)), resp)
	closeErr := resp.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordEndpointOperation("ftp", "download_file", time.Since(start), false)
		return fmt.Errorf("download %s: %w", remotePath, copyErr)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", localPath, err)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", localPath, err)
	}

	metrics.RecordEndpointOperation("ftp", "download_file", time.Since(start), true)
	return nil
}

// UploadFile stores a local file remotely. Best-effort atomicity: the
// upload goes to a temporary name and is renamed into place; servers
// without RNFR/RNTO support fail the rename and the temp name is removed.
func (e *Endpoint) UploadFile(ctx context.Context, localPath, remotePath string, progress models.ProgressFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectLocked(ctx); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	start := time.Now()
	if err := e.mkdirAllLocked(path.Dir(remotePath)); err != nil {
		return err
	}

	tmpRemote := path.Join(path.Dir(remotePath), "."+path.Base(remotePath)+".tmp")
	if err := e.conn.Stor(tmpRemote, models.NewProgressReader(f, progress)); err != nil {
		metrics.RecordEndpointOperation("ftp", "upload_file", time.Since(start), false)
		return fmt.Errorf("stor %s: %w", remotePath, err)
	}

	// Replace any existing target; some servers refuse rename-over.
	if err := e.conn.Rename(tmpRemote, remotePath); err != nil {
		e.conn.Delete(remotePath)
		if err2 := e.conn.Rename(tmpRemote, remotePath); err2 != nil {
			e.conn.Delete(tmpRemote)
			metrics.RecordEndpointOperation("ftp", "upload_file", time.Since(start), false)
			return fmt.Errorf("rename %s -> %s: %w", tmpRemote, remotePath, err2)
		}
	}

	metrics.RecordEndpointOperation("ftp", "upload_file", time.Since(start), true)
	return nil
}

func (e *Endpoint) mkdirAllLocked(dir string) error {
	if dir == "" || dir == "/" || dir == "." {
		return nil
	}
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}
	for _, part := range parts {
		cur = path.Join(cur, part)
		if err := e.conn.MakeDir(cur); err != nil {
			// 550 here usually means the directory already exists
			if isAbsence(err) {
				continue
			}
			return fmt.Errorf("mkdir %s: %w", cur, err)
		}
	}
	return nil
}

// DeleteFile removes a remote file. An absent path is success.
func (e *Endpoint) DeleteFile(ctx context.Context, p string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectLocked(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := e.conn.Delete(p)
	if err != nil && !isAbsence(err) {
		metrics.RecordEndpointOperation("ftp", "delete_file", time.Since(start), false)
		return fmt.Errorf("delete %s: %w", p, err)
	}
	metrics.RecordEndpointOperation("ftp", "delete_file", time.Since(start), true)
	return nil
}

// HealthCheck issues a NOOP on the control connection.
func (e *Endpoint) HealthCheck(ctx context.Context) models.HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectLocked(ctx); err != nil {
		return models.HealthStatus{Success: false, Message: fmt.Sprintf("connect failed: %v", err)}
	}
	if err := e.conn.NoOp(); err != nil {
		return models.HealthStatus{Success: false, Message: fmt.Sprintf("noop failed: %v", err)}
	}
	return models.HealthStatus{
		Success: true,
		Message: "ok",
		Details: map[string]string{"host": e.cfg.Host},
	}
}

// Type returns "ftp".
func (e *Endpoint) Type() string { return "ftp" }

// Close quits the control connection. Safe to call multiple times.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.conn != nil {
		err := e.conn.Quit()
		e.conn = nil
		return err
	}
	return nil
}

func entryToMetadata(p string, entry *ftp.Entry) models.FileMetadata {
	meta := models.FileMetadata{
		Path:   p,
		Exists: true,
		IsDir:  entry.Type == ftp.EntryTypeFolder,
	}
	if !meta.IsDir {
		meta.Size = int64(entry.Size)
	}
	if !entry.Time.IsZero() {
		mod := entry.Time
		meta.Modified = &mod
	}
	return meta
}
