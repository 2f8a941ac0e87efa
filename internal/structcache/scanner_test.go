package structcache

import (
	"context"
	"fmt"
	"path"
	"testing"
	"time"

	"github.com/katha-begin/shotsync/internal/models"
)

// fakeStore is an in-memory cacheStore.
type fakeStore struct {
	meta     map[string]Meta
	entries  map[string][]Entry
	replaces int
	now      time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		meta:    make(map[string]Meta),
		entries: make(map[string][]Entry),
		now:     time.Now(),
	}
}

func (s *fakeStore) IsCacheValid(ctx context.Context, endpointID string) (bool, error) {
	m, ok := s.meta[endpointID]
	return ok && m.ValidAt(s.now), nil
}

func (s *fakeStore) Meta(ctx context.Context, endpointID string) (Meta, bool, error) {
	m, ok := s.meta[endpointID]
	return m, ok, nil
}

func (s *fakeStore) ReplaceEntries(ctx context.Context, endpointID string, entries []Entry, meta Meta) error {
	s.entries[endpointID] = entries
	s.meta[endpointID] = meta
	s.replaces++
	return nil
}

// treeManager serves a fixed directory tree of endpoint-relative paths.
type treeManager struct {
	dirs  map[string]bool
	lists int
}

func newTreeManager(paths ...string) *treeManager {
	m := &treeManager{dirs: make(map[string]bool)}
	for _, p := range paths {
		for ; p != "." && p != ""; p = path.Dir(p) {
			m.dirs[p] = true
		}
	}
	return m
}

func (m *treeManager) Connect(ctx context.Context) error { return nil }

func (m *treeManager) ListDirectory(ctx context.Context, dir string, recursive bool, maxDepth int) ([]models.FileMetadata, error) {
	m.lists++
	var out []models.FileMetadata
	for p := range m.dirs {
		parent := path.Dir(p)
		if parent == "." {
			parent = ""
		}
		if parent == dir {
			out = append(out, models.FileMetadata{Path: p, Exists: true, IsDir: true})
		}
	}
	return out, nil
}

func (m *treeManager) GetFileInfo(ctx context.Context, p string) (models.FileMetadata, error) {
	if m.dirs[p] {
		return models.FileMetadata{Path: p, Exists: true, IsDir: true}, nil
	}
	return models.FileMetadata{Path: p, Exists: false}, nil
}

func (m *treeManager) DownloadFile(ctx context.Context, remotePath, localPath string, progress models.ProgressFunc) error {
	return nil
}

func (m *treeManager) UploadFile(ctx context.Context, localPath, remotePath string, progress models.ProgressFunc) error {
	return nil
}

func (m *treeManager) DeleteFile(ctx context.Context, p string) error { return nil }

func (m *treeManager) HealthCheck(ctx context.Context) models.HealthStatus {
	return models.HealthStatus{Success: true}
}

func (m *treeManager) Type() string { return "fake" }
func (m *treeManager) Close() error { return nil }

func TestScanWalksHierarchy(t *testing.T) {
	remote := newTreeManager(
		"Ep01/sq010/SH0010/anim/publish",
		"Ep01/sq010/SH0020/lighting/version",
		"Ep01/sq020/SH0010",
		"Ep02/sq010/SH0010/anim/publish",
		// Names outside the convention are ignored at every level.
		"reference/sq010/SH0010",
		"Ep01/editorial/SH0010",
		"Ep01/sq010/plates",
	)
	local := newTreeManager("Ep01/sq010/SH0010")

	store := newFakeStore()
	scanner := newScanner(store, 24*time.Hour)

	meta, err := scanner.Scan(context.Background(), "studio-ftp", remote, local, "", false)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if meta.TotalEpisodes != 2 {
		t.Errorf("episodes = %d, want 2", meta.TotalEpisodes)
	}
	if meta.TotalSequences != 3 {
		t.Errorf("sequences = %d, want 3", meta.TotalSequences)
	}
	if meta.TotalShots != 4 {
		t.Errorf("shots = %d, want 4", meta.TotalShots)
	}

	byKey := make(map[string]Entry)
	for _, e := range store.entries["studio-ftp"] {
		byKey[e.Episode+"/"+e.Sequence+"/"+e.Shot] = e
		if e.EndpointID != "studio-ftp" {
			t.Errorf("entry endpoint = %q", e.EndpointID)
		}
		if !e.ExistsRemote {
			t.Errorf("entry %s/%s/%s not marked remote", e.Episode, e.Sequence, e.Shot)
		}
	}

	e := byKey["Ep01/sq010/SH0010"]
	if !e.HasAnim || e.HasLighting {
		t.Errorf("SH0010 departments: anim=%v lighting=%v", e.HasAnim, e.HasLighting)
	}
	if !e.ExistsLocal {
		t.Error("SH0010 should exist locally")
	}

	e = byKey["Ep01/sq010/SH0020"]
	if e.HasAnim || !e.HasLighting {
		t.Errorf("SH0020 departments: anim=%v lighting=%v", e.HasAnim, e.HasLighting)
	}
	if e.ExistsLocal {
		t.Error("SH0020 should not exist locally")
	}

	e = byKey["Ep01/sq020/SH0010"]
	if e.HasAnim || e.HasLighting {
		t.Error("bare shot should have no departments")
	}
}

func TestScanWalksUnderRemoteRoot(t *testing.T) {
	remote := newTreeManager(
		"projects/show/Ep01/sq010/SH0010/anim/publish",
		"projects/show/Ep01/sq010/SH0020",
		// A sibling tree outside the root must not leak into the cache.
		"projects/other/Ep09/sq090/SH0090",
	)
	local := newTreeManager("Ep01/sq010/SH0010")

	store := newFakeStore()
	scanner := newScanner(store, time.Hour)

	meta, err := scanner.Scan(context.Background(), "ep", remote, local, "projects/show", false)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if meta.TotalEpisodes != 1 || meta.TotalShots != 2 {
		t.Fatalf("episodes = %d shots = %d, want 1 and 2", meta.TotalEpisodes, meta.TotalShots)
	}

	byKey := make(map[string]Entry)
	for _, e := range store.entries["ep"] {
		byKey[e.Episode+"/"+e.Sequence+"/"+e.Shot] = e
	}
	e, ok := byKey["Ep01/sq010/SH0010"]
	if !ok {
		t.Fatal("SH0010 missing from cache")
	}
	// Entry names stay root-relative while probes go through the root.
	if !e.HasAnim {
		t.Error("SH0010 anim not detected under the remote root")
	}
	if !e.ExistsLocal {
		t.Error("SH0010 local probe should use the root-relative path")
	}
	if _, ok := byKey["Ep09/sq090/SH0090"]; ok {
		t.Error("shot outside the remote root leaked into the cache")
	}
}

func TestScanValidCacheSkipsEndpoint(t *testing.T) {
	remote := newTreeManager("Ep01/sq010/SH0010")
	store := newFakeStore()
	scanner := newScanner(store, time.Hour)

	if _, err := scanner.Scan(context.Background(), "ep", remote, nil, "", false); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	listsAfterFirst := remote.lists

	meta, err := scanner.Scan(context.Background(), "ep", remote, nil, "", false)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if remote.lists != listsAfterFirst {
		t.Error("valid cache still touched the endpoint")
	}
	if store.replaces != 1 {
		t.Errorf("replaces = %d, want 1", store.replaces)
	}
	if !meta.ValidAt(store.now) {
		t.Error("returned meta should be valid")
	}
}

func TestScanForceBypassesValidity(t *testing.T) {
	remote := newTreeManager("Ep01/sq010/SH0010")
	store := newFakeStore()
	scanner := newScanner(store, time.Hour)

	if _, err := scanner.Scan(context.Background(), "ep", remote, nil, "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := scanner.Scan(context.Background(), "ep", remote, nil, "", true); err != nil {
		t.Fatal(err)
	}
	if store.replaces != 2 {
		t.Errorf("replaces = %d, want 2", store.replaces)
	}
}

func TestScanExpiredCacheRescans(t *testing.T) {
	remote := newTreeManager("Ep01/sq010/SH0010")
	store := newFakeStore()
	scanner := newScanner(store, time.Hour)

	if _, err := scanner.Scan(context.Background(), "ep", remote, nil, "", false); err != nil {
		t.Fatal(err)
	}

	// Move the store's clock past the TTL.
	store.now = store.now.Add(2 * time.Hour)

	if _, err := scanner.Scan(context.Background(), "ep", remote, nil, "", false); err != nil {
		t.Fatal(err)
	}
	if store.replaces != 2 {
		t.Errorf("replaces = %d, want 2", store.replaces)
	}
}

func TestMetaValidAt(t *testing.T) {
	now := time.Now()
	m := Meta{NextFullScan: now.Add(time.Minute)}
	if !m.ValidAt(now) {
		t.Error("should be valid before NextFullScan")
	}
	if m.ValidAt(now.Add(time.Minute)) {
		t.Error("should be invalid at NextFullScan")
	}
	if m.ValidAt(now.Add(2 * time.Minute)) {
		t.Error("should be invalid after NextFullScan")
	}
}

// failingStore provokes the error path.
type failingStore struct{ fakeStore }

func (s *failingStore) ReplaceEntries(ctx context.Context, endpointID string, entries []Entry, meta Meta) error {
	return fmt.Errorf("disk full")
}

func TestScanSurfacesStoreFailure(t *testing.T) {
	remote := newTreeManager("Ep01/sq010/SH0010")
	store := &failingStore{*newFakeStore()}
	scanner := newScanner(store, time.Hour)

	if _, err := scanner.Scan(context.Background(), "ep", remote, nil, "", false); err == nil {
		t.Fatal("expected error")
	}
}
