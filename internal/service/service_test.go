package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/katha-begin/shotsync/internal/endpoint/local"
	"github.com/katha-begin/shotsync/internal/orchestrator"
	"github.com/katha-begin/shotsync/internal/shotcompare"
	"github.com/katha-begin/shotsync/internal/task"
)

// memTaskStore is an in-memory taskStore for service tests.
type memTaskStore struct {
	mu     sync.Mutex
	tasks  map[string]task.Task
	items  map[string][]task.Item
	nextID int
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{
		tasks: make(map[string]task.Task),
		items: make(map[string][]task.Item),
	}
}

func (m *memTaskStore) Create(ctx context.Context, t *task.Task, items []task.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = fmt.Sprintf("task-%d", m.nextID)
	t.Status = task.StatusPending
	t.TotalItems = len(items)
	t.CreatedAt = time.Now()
	for i := range items {
		items[i].ID = int64(m.nextID*100 + i)
		items[i].TaskID = t.ID
		items[i].Status = task.ItemPending
	}
	m.tasks[t.ID] = *t
	m.items[t.ID] = items
	return nil
}

func (m *memTaskStore) Get(ctx context.Context, id string) (task.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok, nil
}

func (m *memTaskStore) List(ctx context.Context, status task.Status, limit int) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTaskStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	delete(m.items, id)
	return nil
}

func (m *memTaskStore) Items(ctx context.Context, taskID string) ([]task.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.Item(nil), m.items[taskID]...), nil
}

func (m *memTaskStore) UpdateStatus(ctx context.Context, id string, status task.Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	t.Status = status
	t.ErrorMessage = errMsg
	m.tasks[id] = t
	return nil
}

func (m *memTaskStore) UpdateProgress(ctx context.Context, id string, completed, failed, skipped int, bytesDone int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	t.CompletedItems = completed
	t.FailedItems = failed
	t.SkippedItems = skipped
	t.BytesDone = bytesDone
	m.tasks[id] = t
	return nil
}

func (m *memTaskStore) UpdateItem(ctx context.Context, id int64, status task.ItemStatus, bytesDone int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for taskID, items := range m.items {
		for i := range items {
			if items[i].ID == id {
				items[i].Status = status
				items[i].BytesDone = bytesDone
				items[i].ErrorMessage = errMsg
				m.items[taskID] = items
				return nil
			}
		}
	}
	return fmt.Errorf("unknown item %d", id)
}

func (m *memTaskStore) RetrySkipped(ctx context.Context, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i, it := range m.items[taskID] {
		if it.Status == task.ItemSkipped {
			m.items[taskID][i].Status = task.ItemPending
			n++
		}
	}
	return n, nil
}

// fixture wires a Service the way the daemon does: a local endpoint
// rooted at LocalRoot and one registered remote, here a second
// filesystem endpoint standing in for FTP/SFTP/S3.
type fixture struct {
	svc       *Service
	store     *memTaskStore
	remoteDir string
	localDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	remoteDir := t.TempDir()
	localDir := t.TempDir()

	localEP, err := local.New(local.Config{RootPath: localDir, CreateDirs: true})
	if err != nil {
		t.Fatalf("local endpoint: %v", err)
	}
	remoteEP, err := local.New(local.Config{RootPath: remoteDir, CreateDirs: true})
	if err != nil {
		t.Fatalf("remote endpoint: %v", err)
	}

	pool := orchestrator.NewPool(2, 10*time.Millisecond)
	t.Cleanup(pool.Shutdown)

	store := newMemTaskStore()
	svc := newService(Config{
		RemoteRoot:      "",
		LocalRoot:       localDir,
		TransferWorkers: 2,
	}, localEP, store, nil, nil, pool)
	svc.RegisterEndpoint("vault", remoteEP)
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, store: store, remoteDir: remoteDir, localDir: localDir}
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return full
}

func waitForTaskStatus(t *testing.T, f *fixture, id string, want task.Status) task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, ok, err := f.svc.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if ok && got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _, _ := f.svc.GetTask(context.Background(), id)
	t.Fatalf("task %s status = %q, want %q", id, got.Status, want)
	return task.Task{}
}

func animRef() shotcompare.ShotRef {
	return shotcompare.ShotRef{
		Episode:    "Ep01",
		Sequence:   "sq010",
		Shot:       "SH0010",
		Department: "anim",
	}
}

func TestCompareShotIdenticalTreesUpToDate(t *testing.T) {
	f := newFixture(t)

	// The same published version on both sides must read as up to date;
	// the rooted local endpoint is addressed with root-relative paths.
	writeFile(t, f.remoteDir, "Ep01/sq010/SH0010/anim/publish/v005/cache.abc", "cache")
	writeFile(t, f.localDir, "Ep01/sq010/SH0010/anim/publish/v005/cache.abc", "cache")

	cmp, err := f.svc.CompareShot(context.Background(), "vault", animRef())
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if cmp.Status != shotcompare.StatusUpToDate {
		t.Fatalf("status = %q (local %q, remote %q), want %q",
			cmp.Status, cmp.LocalVersion, cmp.RemoteVersion, shotcompare.StatusUpToDate)
	}
	if cmp.LocalVersion != "v005" || cmp.RemoteVersion != "v005" {
		t.Errorf("versions local=%q remote=%q, want v005/v005", cmp.LocalVersion, cmp.RemoteVersion)
	}
}

func TestExecuteTaskDownloadsNewVersion(t *testing.T) {
	f := newFixture(t)

	writeFile(t, f.remoteDir, "Ep01/sq010/SH0010/anim/publish/v003/cache.abc", "cache-v3")
	writeFile(t, f.remoteDir, "Ep01/sq010/SH0010/anim/publish/v003/notes.txt", "notes")

	created, err := f.svc.CreateDownloadTask(context.Background(), CreateTaskRequest{
		EndpointID: "vault",
		Shots:      []shotcompare.ShotRef{animRef()},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, err := f.svc.ExecuteTask(context.Background(), created.ID); err != nil {
		t.Fatalf("execute task: %v", err)
	}
	waitForTaskStatus(t, f, created.ID, task.StatusCompleted)

	for _, rel := range []string{
		"Ep01/sq010/SH0010/anim/publish/v003/cache.abc",
		"Ep01/sq010/SH0010/anim/publish/v003/notes.txt",
	} {
		dest := filepath.Join(f.localDir, filepath.FromSlash(rel))
		if _, err := os.Stat(dest); err != nil {
			t.Errorf("expected %s after download: %v", rel, err)
		}
	}

	items, err := f.svc.TaskItems(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Status != task.ItemCompleted {
		t.Errorf("items = %+v, want one completed item", items)
	}
}

func TestExecuteTaskUploadsLocalContent(t *testing.T) {
	f := newFixture(t)

	writeFile(t, f.localDir, "Ep01/sq010/SH0010/anim/publish/v002/cache.abc", "local-cache")

	created, err := f.svc.CreateUploadTask(context.Background(), CreateTaskRequest{
		EndpointID: "vault",
		Shots:      []shotcompare.ShotRef{animRef()},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, err := f.svc.ExecuteTask(context.Background(), created.ID); err != nil {
		t.Fatalf("execute task: %v", err)
	}
	waitForTaskStatus(t, f, created.ID, task.StatusCompleted)

	dest := filepath.Join(f.remoteDir, "Ep01", "sq010", "SH0010", "anim", "publish", "v002", "cache.abc")
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("expected uploaded file: %v", err)
	}
	if string(got) != "local-cache" {
		t.Errorf("uploaded content = %q", got)
	}
}

func TestExecuteTaskSkipsUpToDateShot(t *testing.T) {
	f := newFixture(t)

	writeFile(t, f.remoteDir, "Ep01/sq010/SH0010/anim/publish/v005/cache.abc", "cache")
	writeFile(t, f.localDir, "Ep01/sq010/SH0010/anim/publish/v005/cache.abc", "cache")

	created, err := f.svc.CreateDownloadTask(context.Background(), CreateTaskRequest{
		EndpointID: "vault",
		Shots:      []shotcompare.ShotRef{animRef()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ExecuteTask(context.Background(), created.ID); err != nil {
		t.Fatalf("execute task: %v", err)
	}
	waitForTaskStatus(t, f, created.ID, task.StatusCompleted)

	items, err := f.svc.TaskItems(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Status != task.ItemSkipped {
		t.Errorf("items = %+v, want one skipped item", items)
	}
}

func TestExecuteTaskMarksMissingShotFailed(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.CreateDownloadTask(context.Background(), CreateTaskRequest{
		EndpointID: "vault",
		Shots:      []shotcompare.ShotRef{animRef()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ExecuteTask(context.Background(), created.ID); err != nil {
		t.Fatalf("execute task: %v", err)
	}
	waitForTaskStatus(t, f, created.ID, task.StatusCompleted)

	items, err := f.svc.TaskItems(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Status != task.ItemFailed {
		t.Fatalf("items = %+v, want one failed item", items)
	}
	if items[0].ErrorMessage == "" {
		t.Error("failed item should carry a message")
	}
}

func TestCreateTaskRejectsUnknownEndpointAndBadShot(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateDownloadTask(context.Background(), CreateTaskRequest{
		EndpointID: "nowhere",
		Shots:      []shotcompare.ShotRef{animRef()},
	})
	if err == nil {
		t.Error("unknown endpoint should be rejected")
	}

	_, err = f.svc.CreateDownloadTask(context.Background(), CreateTaskRequest{
		EndpointID: "vault",
		Shots: []shotcompare.ShotRef{{
			Episode: "season1", Sequence: "sq010", Shot: "SH0010", Department: "anim",
		}},
	})
	if err == nil {
		t.Error("shot outside the naming convention should be rejected")
	}

	_, err = f.svc.CreateDownloadTask(context.Background(), CreateTaskRequest{EndpointID: "vault"})
	if err == nil {
		t.Error("empty shot list should be rejected")
	}
}

func TestKeepBothName(t *testing.T) {
	cases := map[string]string{
		"a/b/cache.abc": "a/b/cache.new.abc",
		"a/b/noext":     "a/b/noext.new",
	}
	for in, want := range cases {
		if got := keepBothName(in); got != want {
			t.Errorf("keepBothName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRelOf(t *testing.T) {
	if got := relOf("projects/show/Ep01/f.abc", "projects/show"); got != "Ep01/f.abc" {
		t.Errorf("relOf = %q", got)
	}
	if got := relOf("Ep01/f.abc", ""); got != "Ep01/f.abc" {
		t.Errorf("relOf empty root = %q", got)
	}
}
