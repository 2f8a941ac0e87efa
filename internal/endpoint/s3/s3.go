// Package s3 provides an S3-compatible storage endpoint manager.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/katha-begin/shotsync/internal/logging"
	"github.com/katha-begin/shotsync/internal/metrics"
	"github.com/katha-begin/shotsync/internal/models"
)

// Config is a JSON-serializable config for S3 endpoints.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	Prefix    string `json:"prefix"`
	UseSSL    bool   `json:"use_ssl"`
}

// Endpoint implements endpoint.Manager using S3/MinIO.
type Endpoint struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates a new S3 endpoint from a Config.
func New(ctx context.Context, cfg Config) (*Endpoint, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &Endpoint{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// NewFromJSON creates an Endpoint from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Endpoint, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(ctx, cfg)
}

func (e *Endpoint) key(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if e.prefix == "" {
		return p
	}
	if p == "" || p == "." {
		return e.prefix
	}
	return e.prefix + "/" + p
}

// Connect verifies the bucket is reachable.
func (e *Endpoint) Connect(ctx context.Context) error {
	start := time.Now()
	_, err := e.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(e.bucket),
	})
	metrics.RecordEndpointOperation("s3", "connect", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", e.bucket, err)
	}
	return nil
}

// ListDirectory lists objects under the key prefix. Directories are
// synthesized from common prefixes. A missing prefix yields an empty slice.
func (e *Endpoint) ListDirectory(ctx context.Context, p string, recursive bool, maxDepth int) ([]models.FileMetadata, error) {
	start := time.Now()
	entries, err := e.list(ctx, p, recursive, maxDepth)
	metrics.RecordEndpointOperation("s3", "list_directory", time.Since(start), err == nil)
	return entries, err
}

func (e *Endpoint) list(ctx context.Context, p string, recursive bool, maxDepth int) ([]models.FileMetadata, error) {
	prefix := e.key(p)
	if prefix != "" {
		prefix += "/"
	}

	baseDepth := strings.Count(prefix, "/")
	result := []models.FileMetadata{}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(e.bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		input.Delimiter = aws.String("/")
	}

	paginator := s3.NewListObjectsV2Paginator(e.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", p, err)
		}

		for _, cp := range page.CommonPrefixes {
			dir := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
			result = append(result, models.FileMetadata{
				Path:   e.relPath(dir),
				Exists: true,
				IsDir:  true,
			})
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix || strings.HasSuffix(key, "/") {
				continue
			}
			if recursive && maxDepth > 0 && strings.Count(key, "/")-baseDepth >= maxDepth {
				continue
			}
			meta := models.FileMetadata{
				Path:   e.relPath(key),
				Size:   aws.ToInt64(obj.Size),
				Exists: true,
			}
			if obj.LastModified != nil {
				mod := *obj.LastModified
				meta.Modified = &mod
			}
			result = append(result, meta)
		}
	}

	if recursive {
		result = append(result, e.syntheticDirs(prefix, baseDepth, maxDepth, result)...)
	}

	return result, nil
}

// syntheticDirs derives directory entries from object keys in a recursive
// listing, since S3 has no real directories.
func (e *Endpoint) syntheticDirs(prefix string, baseDepth, maxDepth int, files []models.FileMetadata) []models.FileMetadata {
	seen := map[string]bool{}
	var dirs []models.FileMetadata
	for _, f := range files {
		if f.IsDir {
			continue
		}
		rel := strings.TrimPrefix(e.key(f.Path), prefix)
		parts := strings.Split(rel, "/")
		for i := 1; i < len(parts); i++ {
			if maxDepth > 0 && i > maxDepth {
				break
			}
			dir := prefix + strings.Join(parts[:i], "/")
			if seen[dir] {
				continue
			}
			seen[dir] = true
			dirs = append(dirs, models.FileMetadata{
				Path:   e.relPath(dir),
				Exists: true,
				IsDir:  true,
			})
		}
	}
	return dirs
}

func (e *Endpoint) relPath(key string) string {
	if e.prefix != "" {
		key = strings.TrimPrefix(key, e.prefix+"/")
	}
	return key
}

// GetFileInfo heads an object. S3 has no real directories, so on a miss
// it probes the key as a prefix: any object under it counts as a
// directory. Absent keys yield Exists=false.
func (e *Endpoint) GetFileInfo(ctx context.Context, p string) (models.FileMetadata, error) {
	start := time.Now()
	out, err := e.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(e.key(p)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			metrics.RecordEndpointOperation("s3", "head_object", time.Since(start), true)
			return e.dirInfo(ctx, p)
		}
		metrics.RecordEndpointOperation("s3", "head_object", time.Since(start), false)
		return models.FileMetadata{Path: p}, fmt.Errorf("head object %s: %w", p, err)
	}
	metrics.RecordEndpointOperation("s3", "head_object", time.Since(start), true)

	meta := models.FileMetadata{
		Path:   p,
		Size:   aws.ToInt64(out.ContentLength),
		Exists: true,
	}
	if out.LastModified != nil {
		mod := *out.LastModified
		meta.Modified = &mod
	}
	return meta, nil
}

// dirInfo checks whether any object lives under p, treating it as a
// directory prefix.
func (e *Endpoint) dirInfo(ctx context.Context, p string) (models.FileMetadata, error) {
	prefix := e.key(p)
	if prefix != "" {
		prefix += "/"
	}

	out, err := e.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(e.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return models.FileMetadata{Path: p}, fmt.Errorf("list prefix %s: %w", p, err)
	}
	if len(out.Contents) == 0 {
		return models.FileMetadata{Path: p}, nil
	}
	return models.FileMetadata{Path: p, Exists: true, IsDir: true}, nil
}

// DownloadFile streams an object to a local file via temp + rename.
func (e *Endpoint) DownloadFile(ctx context.Context, remotePath, localPath string, progress models.ProgressFunc) error {
	start := time.Now()

	out, err := e.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(e.key(remotePath)),
	})
	if err != nil {
		metrics.RecordEndpointOperation("s3", "get_object", time.Since(start), false)
		return fmt.Errorf("get object %s: %w", remotePath, err)
	}
	defer out.Body.Close()

	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", localPath, err)
	}

	tmp, err := os.CreateTemp(dir, ".shotsync-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", localPath, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(io.MultiWriter(tmp, models.NewProgressWriter(progress)), out.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordEndpointOperation("s3", "get_object", time.Since(start), false)
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

	metrics.RecordEndpointOperation("s3", "get_object", time.Since(start), true)
	logging.Debug("s3 download",
		zap.String("key", e.key(remotePath)),
		zap.String("local", localPath))
	return nil
}

// UploadFile puts a local file as an object. A single PutObject is atomic
// on the S3 side: the key appears only once the put succeeds.
func (e *Endpoint) UploadFile(ctx context.Context, localPath, remotePath string, progress models.ProgressFunc) error {
	start := time.Now()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(e.key(remotePath)),
		Body:          models.NewProgressReader(f, progress),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		metrics.RecordEndpointOperation("s3", "put_object", time.Since(start), false)
		return fmt.Errorf("put object %s: %w", remotePath, err)
	}

	metrics.RecordEndpointOperation("s3", "put_object", time.Since(start), true)
	logging.Debug("s3 upload",
		zap.String("key", e.key(remotePath)),
		zap.Int64("size", info.Size()))
	return nil
}

// DeleteFile removes an object. S3 deletes are idempotent by protocol.
func (e *Endpoint) DeleteFile(ctx context.Context, p string) error {
	start := time.Now()
	_, err := e.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(e.key(p)),
	})
	metrics.RecordEndpointOperation("s3", "delete_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", p, err)
	}
	return nil
}

// HealthCheck heads the bucket.
func (e *Endpoint) HealthCheck(ctx context.Context) models.HealthStatus {
	start := time.Now()
	_, err := e.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(e.bucket),
	})
	metrics.RecordEndpointOperation("s3", "head_bucket", time.Since(start), err == nil)
	if err != nil {
		return models.HealthStatus{Success: false, Message: fmt.Sprintf("bucket unreachable: %v", err)}
	}
	return models.HealthStatus{
		Success: true,
		Message: "ok",
		Details: map[string]string{"bucket": e.bucket},
	}
}

// Type returns "s3".
func (e *Endpoint) Type() string { return "s3" }

// Close is a no-op for S3 endpoints.
func (e *Endpoint) Close() error { return nil }
