// Package sftp provides an SFTP storage endpoint manager over SSH.
package sftp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/katha-begin/shotsync/internal/metrics"
	"github.com/katha-begin/shotsync/internal/models"
	"github.com/katha-begin/shotsync/internal/retry"
)

// Config is a JSON-serializable config for SFTP endpoints. Either a
// password or a private key (PEM) is required; both may be set.
type Config struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	PrivateKey string `json:"private_key"`
	Timeout    int    `json:"timeout_seconds"`
}

// Endpoint implements endpoint.Manager over an SSH/SFTP session.
type Endpoint struct {
	cfg Config

	mu     sync.Mutex
	ssh    *ssh.Client
	client *sftp.Client
	closed bool
}

// New creates a new SFTP endpoint. The session is established lazily by
// Connect.
func New(cfg Config) (*Endpoint, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if cfg.Password == "" && cfg.PrivateKey == "" {
		return nil, fmt.Errorf("password or private_key is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
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
		return nil, fmt.Errorf("parse sftp config: %w", err)
	}
	return New(cfg)
}

// Connect establishes the SSH session and SFTP subsystem. Idempotent:
// an existing healthy session is reused.
func (e *Endpoint) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectLocked(ctx)
}

func (e *Endpoint) connectLocked(ctx context.Context) error {
	if e.closed {
		return fmt.Errorf("endpoint is closed")
	}
	if e.client != nil {
		if _, err := e.client.Getwd(); err == nil {
			return nil
		}
		e.client.Close()
		e.ssh.Close()
		e.client = nil
		e.ssh = nil
	}

	var auth []ssh.AuthMethod
	if e.cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(e.cfg.PrivateKey))
		if err != nil {
			return fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if e.cfg.Password != "" {
		auth = append(auth, ssh.Password(e.cfg.Password))
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	start := time.Now()
	sshClient, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*ssh.Client, error) {
		c, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
			User:            e.cfg.Username,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         time.Duration(e.cfg.Timeout) * time.Second,
		})
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("ssh dial %s: %w", addr, err))
		}
		return c, nil
	})
	if err != nil {
		metrics.RecordEndpointOperation("sftp", "connect", time.Since(start), false)
		return err
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		metrics.RecordEndpointOperation("sftp", "connect", time.Since(start), false)
		return fmt.Errorf("sftp subsystem %s: %w", addr, err)
	}

	metrics.RecordEndpointOperation("sftp", "connect", time.Since(start), true)
	e.ssh = sshClient
	e.client = client
	return nil
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
	metrics.RecordEndpointOperation("sftp", "list_directory", time.Since(start), err == nil)
	return entries, err
}

func (e *Endpoint) listLocked(p string, recursive bool, maxDepth, depth int) ([]models.FileMetadata, error) {
	infos, err := e.client.ReadDir(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []models.FileMetadata{}, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", p, err)
	}

	result := make([]models.FileMetadata, 0, len(infos))
	for _, info := range infos {
		childPath := path.Join(p, info.Name())
		result = append(result, infoToMetadata(childPath, info))

		if recursive && info.IsDir() && (maxDepth == 0 || depth < maxDepth) {
			children, err := e.listLocked(childPath, true, maxDepth, depth+1)
			if err != nil {
				return nil, err
			}
			result = append(result, children...)
		}
	}
	return result, nil
}

// GetFileInfo stats path. Absent paths yield Exists=false.
func (e *Endpoint) GetFileInfo(ctx context.Context, p string) (models.FileMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectLocked(ctx); err != nil {
		return models.FileMetadata{Path: p}, err
	}

	start := time.Now()
	info, err := e.client.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			metrics.RecordEndpointOperation("sftp", "get_file_info", time.Since(start), true)
			return models.FileMetadata{Path: p}, nil
		}
		metrics.RecordEndpointOperation("sftp", "get_file_info", time.Since(start), false)
		return models.FileMetadata{Path: p}, fmt.Errorf("stat %s: %w", p, err)
	}
	metrics.RecordEndpointOperation("sftp", "get_file_info", time.Since(start), true)
	return infoToMetadata(p, info), nil
}

// DownloadFile copies a remote file to localPath via temp + rename on the
// local side.
func (e *Endpoint) DownloadFile(ctx context.Context, remotePath, localPath string, progress models.ProgressFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectLocked(ctx); err != nil {
		return err
	}

	start := time.Now()
	src, err := e.client.Open(remotePath)
	if err != nil {
		metrics.RecordEndpointOperation("sftp", "download_file", time.Since(start), false)
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()

	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", localPath, err)
	}

	tmp, err := os.CreateTemp(dir, ".shotsync-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", localPath, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(io.MultiWriter(tmp, models.NewProgressWriter(progress)), src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordEndpointOperation("sftp", "download_file", time.Since(start), false)
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", localPath, err)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", localPath, err)
	}

	metrics.RecordEndpointOperation("sftp", "download_file", time.Since(start), true)
	return nil
}

// UploadFile copies a local file to remotePath. Best-effort atomicity:
// written to a temporary remote name and renamed into place.
func (e *Endpoint) UploadFile(ctx context.Context, localPath, remotePath string, progress models.ProgressFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectLocked(ctx); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	start := time.Now()
	if err := e.client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("create remote dirs for %s: %w", remotePath, err)
	}

	tmpRemote := path.Join(path.Dir(remotePath), "."+path.Base(remotePath)+".tmp")
	dst, err := e.client.Create(tmpRemote)
	if err != nil {
		metrics.RecordEndpointOperation("sftp", "upload_file", time.Since(start), false)
		return fmt.Errorf("create remote %s: %w", tmpRemote, err)
	}

	if _, err := io.Copy(io.MultiWriter(dst, models.NewProgressWriter(progress)), src); err != nil {
		dst.Close()
		e.client.Remove(tmpRemote)
		metrics.RecordEndpointOperation("sftp", "upload_file", time.Since(start), false)
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		e.client.Remove(tmpRemote)
		return fmt.Errorf("close remote %s: %w", tmpRemote, err)
	}

	if err := e.client.PosixRename(tmpRemote, remotePath); err != nil {
		// Servers without posix-rename: remove target then plain rename
		e.client.Remove(remotePath)
		if err2 := e.client.Rename(tmpRemote, remotePath); err2 != nil {
			e.client.Remove(tmpRemote)
			metrics.RecordEndpointOperation("sftp", "upload_file", time.Since(start), false)
			return fmt.Errorf("rename %s -> %s: %w", tmpRemote, remotePath, err2)
		}
	}

	metrics.RecordEndpointOperation("sftp", "upload_file", time.Since(start), true)
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
	err := e.client.Remove(p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		metrics.RecordEndpointOperation("sftp", "delete_file", time.Since(start), false)
		return fmt.Errorf("delete %s: %w", p, err)
	}
	metrics.RecordEndpointOperation("sftp", "delete_file", time.Since(start), true)
	return nil
}

// HealthCheck verifies the session with a working-directory query.
func (e *Endpoint) HealthCheck(ctx context.Context) models.HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectLocked(ctx); err != nil {
		return models.HealthStatus{Success: false, Message: fmt.Sprintf("connect failed: %v", err)}
	}
	wd, err := e.client.Getwd()
	if err != nil {
		return models.HealthStatus{Success: false, Message: fmt.Sprintf("session check failed: %v", err)}
	}
	return models.HealthStatus{
		Success: true,
		Message: "ok",
		Details: map[string]string{"host": e.cfg.Host, "working_dir": wd},
	}
}

// Type returns "sftp".
func (e *Endpoint) Type() string { return "sftp" }

// Close tears down the SFTP session and SSH connection. Safe to call
// multiple times.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var err error
	if e.client != nil {
		err = e.client.Close()
		e.client = nil
	}
	if e.ssh != nil {
		if cerr := e.ssh.Close(); err == nil {
			err = cerr
		}
		e.ssh = nil
	}
	return err
}

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
