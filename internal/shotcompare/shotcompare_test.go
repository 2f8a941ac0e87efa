package shotcompare

import (
	"context"
	"fmt"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/katha-begin/shotsync/internal/models"
	"github.com/katha-begin/shotsync/internal/shotpath"
)

// fakeManager serves a fixed tree from memory. Keys are absolute paths;
// directories are entries with IsDir=true.
type fakeManager struct {
	files map[string]models.FileMetadata
	// failOn makes operations touching this path prefix return an error.
	failOn string
}

func newFakeManager() *fakeManager {
	return &fakeManager{files: make(map[string]models.FileMetadata)}
}

func (f *fakeManager) addDir(p string) {
	f.files[p] = models.FileMetadata{Path: p, Exists: true, IsDir: true}
	// Parents exist implicitly.
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		if _, ok := f.files[dir]; !ok {
			f.files[dir] = models.FileMetadata{Path: dir, Exists: true, IsDir: true}
		}
	}
}

func (f *fakeManager) addFile(p string, size int64, mtime time.Time) {
	f.addDir(path.Dir(p))
	f.files[p] = models.FileMetadata{Path: p, Size: size, Modified: &mtime, Exists: true}
}

func (f *fakeManager) Connect(ctx context.Context) error { return nil }

func (f *fakeManager) ListDirectory(ctx context.Context, dir string, recursive bool, maxDepth int) ([]models.FileMetadata, error) {
	if f.failOn != "" && strings.HasPrefix(dir, f.failOn) {
		return nil, fmt.Errorf("forced failure on %s", dir)
	}
	var out []models.FileMetadata
	for p, meta := range f.files {
		if path.Dir(p) == dir {
			out = append(out, meta)
		}
	}
	return out, nil
}

func (f *fakeManager) GetFileInfo(ctx context.Context, p string) (models.FileMetadata, error) {
	if f.failOn != "" && strings.HasPrefix(p, f.failOn) {
		return models.FileMetadata{}, fmt.Errorf("forced failure on %s", p)
	}
	meta, ok := f.files[p]
	if !ok {
		return models.FileMetadata{Path: p, Exists: false}, nil
	}
	return meta, nil
}

func (f *fakeManager) DownloadFile(ctx context.Context, remotePath, localPath string, progress models.ProgressFunc) error {
	return nil
}

func (f *fakeManager) UploadFile(ctx context.Context, localPath, remotePath string, progress models.ProgressFunc) error {
	return nil
}

func (f *fakeManager) DeleteFile(ctx context.Context, p string) error { return nil }

func (f *fakeManager) HealthCheck(ctx context.Context) models.HealthStatus {
	return models.HealthStatus{Success: true}
}

func (f *fakeManager) Type() string { return "fake" }
func (f *fakeManager) Close() error { return nil }

var testCfg = Config{RemoteRoot: "/remote", LocalRoot: "/local"}

func animRef() ShotRef {
	return ShotRef{Episode: "Ep01", Sequence: "sq010", Shot: "SH0010", Department: shotpath.DeptAnim}
}

func TestCompareShotAnimUpdateAvailable(t *testing.T) {
	now := time.Now()
	remote := newFakeManager()
	remote.addFile("/remote/Ep01/sq010/SH0010/anim/publish/v003/shot.ma", 100, now)
	remote.addFile("/remote/Ep01/sq010/SH0010/anim/publish/v005/shot.ma", 120, now)
	remote.addFile("/remote/Ep01/sq010/SH0010/anim/publish/v005/cache.abc", 900, now)

	local := newFakeManager()
	local.addFile("/local/Ep01/sq010/SH0010/anim/publish/v003/shot.ma", 100, now)

	engine := NewEngine(remote, local, testCfg)
	res := engine.CompareShot(context.Background(), animRef())

	if res.Status != StatusUpdateAvailable {
		t.Fatalf("status = %s, want %s (%s)", res.Status, StatusUpdateAvailable, res.ErrorMessage)
	}
	if !res.NeedsUpdate {
		t.Error("NeedsUpdate not set")
	}
	if res.RemoteVersion != "v005" || res.LocalVersion != "v003" {
		t.Errorf("versions = %q / %q", res.RemoteVersion, res.LocalVersion)
	}
	if res.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2 (files of v005)", res.FileCount)
	}
	if res.TotalSize != 1020 {
		t.Errorf("TotalSize = %d, want 1020", res.TotalSize)
	}
}

func TestCompareShotAnimUpToDate(t *testing.T) {
	now := time.Now()
	remote := newFakeManager()
	remote.addFile("/remote/Ep01/sq010/SH0010/anim/publish/v005/shot.ma", 100, now)
	local := newFakeManager()
	local.addFile("/local/Ep01/sq010/SH0010/anim/publish/v005/shot.ma", 100, now)

	engine := NewEngine(remote, local, testCfg)
	res := engine.CompareShot(context.Background(), animRef())
	if res.Status != StatusUpToDate {
		t.Fatalf("status = %s", res.Status)
	}
	if res.NeedsUpdate || len(res.FilesToDownload) != 0 {
		t.Errorf("unexpected work: %+v", res)
	}
}

func TestCompareShotRemoteMissing(t *testing.T) {
	engine := NewEngine(newFakeManager(), newFakeManager(), testCfg)
	res := engine.CompareShot(context.Background(), animRef())
	if res.Status != StatusRemoteMissing {
		t.Fatalf("status = %s, want %s", res.Status, StatusRemoteMissing)
	}
}

func TestCompareShotNewDownload(t *testing.T) {
	now := time.Now()
	remote := newFakeManager()
	remote.addFile("/remote/Ep01/sq010/SH0010/anim/publish/v001/shot.ma", 100, now)

	engine := NewEngine(remote, newFakeManager(), testCfg)
	res := engine.CompareShot(context.Background(), animRef())
	if res.Status != StatusNewDownload {
		t.Fatalf("status = %s, want %s", res.Status, StatusNewDownload)
	}
	if res.FileCount != 1 {
		t.Errorf("FileCount = %d", res.FileCount)
	}
}

func TestCompareShotLightingPerFile(t *testing.T) {
	now := time.Now()
	ref := ShotRef{Episode: "Ep01", Sequence: "sq010", Shot: "SH0010", Department: shotpath.DeptLighting}

	remote := newFakeManager()
	remote.addFile("/remote/Ep01/sq010/SH0010/lighting/version/SH0010_lighting_v002.ma", 100, now)
	remote.addFile("/remote/Ep01/sq010/SH0010/lighting/version/SH0010_beauty_v005.exr", 500, now)
	remote.addFile("/remote/Ep01/sq010/SH0010/lighting/version/notes.txt", 10, now.Add(2*time.Second))

	local := newFakeManager()
	local.addFile("/local/Ep01/sq010/SH0010/lighting/version/SH0010_lighting_v002.ma", 100, now)
	local.addFile("/local/Ep01/sq010/SH0010/lighting/version/SH0010_beauty_v003.exr", 480, now)
	local.addFile("/local/Ep01/sq010/SH0010/lighting/version/notes.txt", 10, now)

	engine := NewEngine(remote, local, testCfg)
	res := engine.CompareShot(context.Background(), ref)

	if res.Status != StatusUpdateAvailable {
		t.Fatalf("status = %s (%s)", res.Status, res.ErrorMessage)
	}
	// beauty v005 beats local v003; lighting v002 matches; notes.txt is
	// newer remote beyond tolerance so the timestamp fallback takes it.
	got := make(map[string]bool)
	for _, f := range res.FilesToDownload {
		got[path.Base(f.Path)] = true
	}
	if !got["SH0010_beauty_v005.exr"] {
		t.Error("missing beauty v005")
	}
	if got["SH0010_lighting_v002.ma"] {
		t.Error("lighting v002 should not transfer")
	}
	if !got["notes.txt"] {
		t.Error("newer unversioned file should transfer")
	}
}

func TestCompareShotErrorStaysTotal(t *testing.T) {
	remote := newFakeManager()
	remote.failOn = "/remote"

	engine := NewEngine(remote, newFakeManager(), testCfg)
	res := engine.CompareShot(context.Background(), animRef())
	if res.Status != StatusError {
		t.Fatalf("status = %s, want %s", res.Status, StatusError)
	}
	if res.ErrorMessage == "" {
		t.Error("expected an error message")
	}
}

func TestCompareBatchProgress(t *testing.T) {
	now := time.Now()
	remote := newFakeManager()
	remote.addFile("/remote/Ep01/sq010/SH0010/anim/publish/v001/a.ma", 1, now)

	refs := []ShotRef{
		animRef(),
		{Episode: "Ep01", Sequence: "sq010", Shot: "SH0020", Department: shotpath.DeptAnim},
	}

	var calls int
	engine := NewEngine(remote, newFakeManager(), testCfg)
	results := engine.CompareBatch(context.Background(), refs, func(done, total int, current ShotComparison) {
		calls++
		if total != 2 {
			t.Errorf("total = %d", total)
		}
		if done != calls {
			t.Errorf("done = %d at call %d", done, calls)
		}
	})

	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Status != StatusNewDownload {
		t.Errorf("first = %s", results[0].Status)
	}
	if results[1].Status != StatusRemoteMissing {
		t.Errorf("second = %s", results[1].Status)
	}
	if calls != 2 {
		t.Errorf("progress calls = %d", calls)
	}
}

func TestCompareBatchHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(newFakeManager(), newFakeManager(), testCfg)
	results := engine.CompareBatch(ctx, []ShotRef{animRef()}, nil)
	if len(results) != 0 {
		t.Fatalf("expected no results after cancellation, got %d", len(results))
	}
}
