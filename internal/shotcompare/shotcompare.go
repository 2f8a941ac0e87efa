// Package shotcompare decides whether a shot/department pair needs
// updating by comparing its versioned content on a remote endpoint
// against the local side.
package shotcompare

import (
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/katha-begin/shotsync/internal/compare"
	"github.com/katha-begin/shotsync/internal/endpoint"
	"github.com/katha-begin/shotsync/internal/logging"
	"github.com/katha-begin/shotsync/internal/metrics"
	"github.com/katha-begin/shotsync/internal/models"
	"github.com/katha-begin/shotsync/internal/shotpath"
)

// Status classifies the outcome of one shot comparison.
type Status string

const (
	StatusUpToDate        Status = "up_to_date"
	StatusUpdateAvailable Status = "update_available"
	StatusNewDownload     Status = "new_download"
	StatusRemoteMissing   Status = "ftp_missing"
	StatusError           Status = "error"
)

// ShotComparison is the result for one (shot, department) pair. A result
// is produced even on failure so batch operations stay total.
type ShotComparison struct {
	Episode    string
	Sequence   string
	Shot       string
	Department shotpath.Department

	RemotePath    string
	LocalPath     string
	RemoteVersion string
	LocalVersion  string

	NeedsUpdate     bool
	Status          Status
	FilesToDownload []models.FileMetadata
	FileCount       int
	TotalSize       int64
	ErrorMessage    string
}

// ShotRef names one shot/department pair for batch comparison.
type ShotRef struct {
	Episode    string
	Sequence   string
	Shot       string
	Department shotpath.Department
}

// ProgressFunc reports batch comparison progress.
type ProgressFunc func(done, total int, current ShotComparison)

// Config holds the project roots on both sides.
type Config struct {
	RemoteRoot string
	LocalRoot  string
}

// Engine compares shots between a remote endpoint and the local side.
type Engine struct {
	remote endpoint.Manager
	local  endpoint.Manager
	cfg    Config
}

// NewEngine creates a shot comparison engine.
func NewEngine(remote, local endpoint.Manager, cfg Config) *Engine {
	return &Engine{remote: remote, local: local, cfg: cfg}
}

// sideContent is what one endpoint holds for a shot/department.
type sideContent struct {
	exists        bool
	latestVersion int    // anim: highest vNNN directory (0 = none)
	versionDir    string // anim: name of that directory
	files         []models.FileMetadata
}

// CompareShot compares one shot/department pair. It never returns an
// error: I/O failures yield a result with Status=StatusError.
func (e *Engine) CompareShot(ctx context.Context, ref ShotRef) ShotComparison {
	paths := shotpath.Paths(e.cfg.RemoteRoot, e.cfg.LocalRoot, ref.Episode, ref.Sequence, ref.Shot, ref.Department)
	result := ShotComparison{
		Episode:    ref.Episode,
		Sequence:   ref.Sequence,
		Shot:       ref.Shot,
		Department: ref.Department,
		RemotePath: paths.RemotePath,
		LocalPath:  paths.LocalPath,
	}

	defer func() {
		metrics.RecordComparison(string(result.Status))
	}()

	remote, err := e.loadSide(ctx, e.remote, paths.RemotePath, ref.Department)
	if err != nil {
		result.Status = StatusError
		result.ErrorMessage = fmt.Sprintf("remote: %v", err)
		logging.Warn("shot comparison failed",
			zap.String("shot", ref.Shot),
			zap.String("department", string(ref.Department)),
			zap.Error(err))
		return result
	}

	local, err := e.loadSide(ctx, e.local, paths.LocalPath, ref.Department)
	if err != nil {
		result.Status = StatusError
		result.ErrorMessage = fmt.Sprintf("local: %v", err)
		return result
	}

	if !remote.exists {
		result.Status = StatusRemoteMissing
		return result
	}

	result.RemoteVersion = versionString(remote.latestVersion)

	if !local.exists {
		result.Status = StatusNewDownload
		result.NeedsUpdate = true
		result.FilesToDownload = remote.files
		result.fillTotals()
		return result
	}

	result.LocalVersion = versionString(local.latestVersion)

	switch ref.Department {
	case shotpath.DeptAnim:
		e.compareAnim(&result, remote, local)
	case shotpath.DeptLighting:
		e.compareLighting(&result, remote, local)
	default:
		result.Status = StatusError
		result.ErrorMessage = fmt.Sprintf("unknown department %q", ref.Department)
		return result
	}

	result.fillTotals()
	return result
}

// compareAnim compares the latest whole-directory version on each side.
// A newer remote version directory means all of its files come down.
func (e *Engine) compareAnim(result *ShotComparison, remote, local sideContent) {
	if remote.latestVersion > local.latestVersion {
		result.Status = StatusUpdateAvailable
		result.NeedsUpdate = true
		result.FilesToDownload = remote.files
		return
	}
	result.Status = StatusUpToDate
}

// compareLighting compares per-file embedded versions; files whose
// versions don't parse fall back to modification time comparison.
func (e *Engine) compareLighting(result *ShotComparison, remote, local sideContent) {
	localByName := make(map[string]models.FileMetadata, len(local.files))
	for _, f := range local.files {
		localByName[path.Base(f.Path)] = f
	}

	for _, rf := range remote.files {
		name := path.Base(rf.Path)
		lf, ok := localByName[name]
		if !ok {
			result.FilesToDownload = append(result.FilesToDownload, rf)
			continue
		}

		rv, rok := shotpath.FileVersion(name)
		lv, lok := shotpath.FileVersion(path.Base(lf.Path))
		if rok && lok {
			if rv > lv {
				result.FilesToDownload = append(result.FilesToDownload, rf)
			}
			continue
		}

		// No parseable versions: defer to the metadata engine's
		// timestamp comparison.
		decision := compare.Decide(&rf, &lf, compare.Options{Direction: compare.SourceToDest})
		if decision.Operation == compare.OpDownload {
			result.FilesToDownload = append(result.FilesToDownload, rf)
		}
	}

	if len(result.FilesToDownload) > 0 {
		result.Status = StatusUpdateAvailable
		result.NeedsUpdate = true
		return
	}
	result.Status = StatusUpToDate
}

// loadSide fetches one side's content: for anim the files of the latest
// version directory, for lighting the version files directly.
func (e *Engine) loadSide(ctx context.Context, mgr endpoint.Manager, deptPath string, dept shotpath.Department) (sideContent, error) {
	info, err := mgr.GetFileInfo(ctx, deptPath)
	if err != nil {
		return sideContent{}, err
	}
	if !info.Exists {
		return sideContent{}, nil
	}

	content := sideContent{exists: true}

	switch dept {
	case shotpath.DeptAnim:
		entries, err := mgr.ListDirectory(ctx, deptPath, false, 1)
		if err != nil {
			return sideContent{}, err
		}
		var versions []string
		for _, entry := range entries {
			if entry.IsDir && shotpath.VersionRe.MatchString(path.Base(entry.Path)) {
				versions = append(versions, path.Base(entry.Path))
			}
		}
		latest := shotpath.LatestVersion(versions)
		if latest == "" {
			return content, nil
		}
		n, _ := shotpath.VersionNumber(latest)
		content.latestVersion = n
		content.versionDir = latest

		files, err := mgr.ListDirectory(ctx, path.Join(deptPath, latest), false, 1)
		if err != nil {
			return sideContent{}, err
		}
		for _, f := range files {
			if !f.IsDir {
				content.files = append(content.files, f)
			}
		}

	default: // lighting
		entries, err := mgr.ListDirectory(ctx, deptPath, false, 1)
		if err != nil {
			return sideContent{}, err
		}
		best := 0
		for _, entry := range entries {
			if entry.IsDir {
				continue
			}
			content.files = append(content.files, entry)
			if v, ok := shotpath.FileVersion(path.Base(entry.Path)); ok && v > best {
				best = v
			}
		}
		content.latestVersion = best
	}

	return content, nil
}

// CompareBatch compares many shots, reporting progress per shot. One
// shot's failure never aborts the batch.
func (e *Engine) CompareBatch(ctx context.Context, refs []ShotRef, progress ProgressFunc) []ShotComparison {
	results := make([]ShotComparison, 0, len(refs))
	for i, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		res := e.CompareShot(ctx, ref)
		results = append(results, res)
		if progress != nil {
			progress(i+1, len(refs), res)
		}
	}
	return results
}

func (c *ShotComparison) fillTotals() {
	c.FileCount = len(c.FilesToDownload)
	c.TotalSize = 0
	for _, f := range c.FilesToDownload {
		c.TotalSize += f.Size
	}
}

func versionString(n int) string {
	if n == 0 {
		return ""
	}
	return shotpath.FormatVersion(n)
}
