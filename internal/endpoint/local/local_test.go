package local

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func newTestEndpoint(t *testing.T) (*Endpoint, string) {
	t.Helper()
	root := t.TempDir()
	ep, err := New(Config{RootPath: root})
	if err != nil {
		t.Fatal(err)
	}
	return ep, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestNewCreatesRootWhenAsked(t *testing.T) {
	root := filepath.Join(t.TempDir(), "projects", "show")

	if _, err := New(Config{RootPath: root}); err == nil {
		t.Error("expected error for missing root without create_dirs")
	}

	ep, err := New(Config{RootPath: root, CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := ep.Connect(context.Background()); err != nil {
		t.Errorf("connect: %v", err)
	}
}

func TestListDirectory(t *testing.T) {
	ep, root := newTestEndpoint(t)
	writeFile(t, filepath.Join(root, "Ep01", "sq010", "SH0010", "a.ma"), "aa")
	writeFile(t, filepath.Join(root, "Ep01", "sq010", "SH0010", "b.ma"), "bbb")
	writeFile(t, filepath.Join(root, "Ep01", "notes.txt"), "n")

	ctx := context.Background()

	entries, err := ep.ListDirectory(ctx, "Ep01", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Path)
	}
	sort.Strings(names)
	want := []string{"Ep01/notes.txt", "Ep01/sq010"}
	if len(names) != 2 || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("got %v, want %v", names, want)
	}

	// Recursive with depth bound stops below sq010.
	entries, err = ep.ListDirectory(ctx, "Ep01", true, 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Base(e.Path) == "a.ma" {
			t.Error("depth 2 listing should not reach files under SH0010")
		}
	}

	// Unlimited recursion reaches the files.
	entries, err = ep.ListDirectory(ctx, "Ep01", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e.Path == "Ep01/sq010/SH0010/b.ma" && e.Size == 3 && !e.IsDir {
			found = true
		}
	}
	if !found {
		t.Error("recursive listing missing Ep01/sq010/SH0010/b.ma")
	}
}

func TestListDirectoryMissingIsEmpty(t *testing.T) {
	ep, _ := newTestEndpoint(t)
	entries, err := ep.ListDirectory(context.Background(), "no/such/dir", false, 0)
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries", len(entries))
	}
}

func TestGetFileInfo(t *testing.T) {
	ep, root := newTestEndpoint(t)
	writeFile(t, filepath.Join(root, "shot.ma"), "content")

	info, err := ep.GetFileInfo(context.Background(), "shot.ma")
	if err != nil {
		t.Fatal(err)
	}
	if !info.Exists || info.IsDir || info.Size != 7 || info.Modified == nil {
		t.Errorf("info = %+v", info)
	}

	info, err = ep.GetFileInfo(context.Background(), "missing.ma")
	if err != nil {
		t.Fatalf("absent path should not error: %v", err)
	}
	if info.Exists {
		t.Error("missing file reported as existing")
	}
}

func TestDownloadFileCopiesAtomically(t *testing.T) {
	ep, root := newTestEndpoint(t)
	writeFile(t, filepath.Join(root, "src.ma"), "payload")
	dstDir := t.TempDir()
	dst := filepath.Join(dstDir, "deep", "nested", "dst.ma")

	var reported int64
	err := ep.DownloadFile(context.Background(), "src.ma", dst, func(n int64) { reported = n })
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("content = %q", data)
	}
	if reported != 7 {
		t.Errorf("progress = %d", reported)
	}

	// No temp droppings left behind.
	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 1 {
		t.Errorf("leftover files in destination dir: %d", len(entries))
	}
}

func TestDownloadMissingSourceLeavesDestination(t *testing.T) {
	ep, _ := newTestEndpoint(t)
	dst := filepath.Join(t.TempDir(), "dst.ma")
	writeFile(t, dst, "original")

	if err := ep.DownloadFile(context.Background(), "missing.ma", dst, nil); err == nil {
		t.Fatal("expected error")
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "original" {
		t.Errorf("destination clobbered: %q", data)
	}
}

func TestUploadFile(t *testing.T) {
	ep, root := newTestEndpoint(t)
	src := filepath.Join(t.TempDir(), "render.exr")
	writeFile(t, src, "pixels")

	if err := ep.UploadFile(context.Background(), src, "Ep01/sq010/render.exr", nil); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(root, "Ep01", "sq010", "render.exr"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "pixels" {
		t.Errorf("content = %q", data)
	}
}

func TestDeleteFileIdempotent(t *testing.T) {
	ep, root := newTestEndpoint(t)
	writeFile(t, filepath.Join(root, "gone.ma"), "x")

	if err := ep.DeleteFile(context.Background(), "gone.ma"); err != nil {
		t.Fatal(err)
	}
	// Second delete of the same path succeeds.
	if err := ep.DeleteFile(context.Background(), "gone.ma"); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
	if err := ep.DeleteFile(context.Background(), "never/existed.ma"); err != nil {
		t.Errorf("delete absent: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	ep, _ := newTestEndpoint(t)
	status := ep.HealthCheck(context.Background())
	if !status.Success {
		t.Errorf("health: %+v", status)
	}
}
