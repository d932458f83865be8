package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"easel/engine/internal/store"
)

func testObjects(n int) []store.Object {
	objects := make([]store.Object, 0, n)
	for i := 0; i < n; i++ {
		objects = append(objects, store.Object{
			ID:       fmt.Sprintf("obj-%d", i),
			CanvasID: "cnv-1",
			Type:     store.ObjectRectangle,
			X:        float64(i * 10),
			Width:    100,
			Height:   80,
			Fill:     "#123456",
		})
	}
	return objects
}

func TestCanvasRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureCanvasRepo("cnv-1", "Avery"); err != nil {
		t.Fatalf("EnsureCanvasRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "cnv-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	// Second call is a no-op.
	if err := svc.EnsureCanvasRepo("cnv-1", "Avery"); err != nil {
		t.Fatalf("EnsureCanvasRepo() repeat error = %v", err)
	}

	commit, err := svc.CommitSnapshot("cnv-1", testObjects(3), "Avery", "Add three rectangles")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}

	history, err := svc.History("cnv-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected baseline plus snapshot, got %d entries", len(history))
	}

	objects, err := svc.GetSnapshotByHash("cnv-1", commit.Hash)
	if err != nil {
		t.Fatalf("GetSnapshotByHash() error = %v", err)
	}
	if len(objects) != 3 || objects[0].ID != "obj-0" {
		t.Fatalf("unexpected snapshot objects: %+v", objects)
	}
}

func TestHeadReturnsLatestSnapshot(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureCanvasRepo("cnv-1", "Avery"); err != nil {
		t.Fatalf("EnsureCanvasRepo() error = %v", err)
	}
	if _, err := svc.CommitSnapshot("cnv-1", testObjects(1), "Avery", "One"); err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if _, err := svc.CommitSnapshot("cnv-1", testObjects(5), "Avery", "Five"); err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}

	objects, info, err := svc.Head("cnv-1")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if len(objects) != 5 {
		t.Fatalf("head has %d objects, want 5", len(objects))
	}
	if info.Message != "Five" {
		t.Fatalf("head message = %q", info.Message)
	}
}

func TestTagVersionResolvesByName(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureCanvasRepo("cnv-1", "Avery"); err != nil {
		t.Fatalf("EnsureCanvasRepo() error = %v", err)
	}
	commit, err := svc.CommitSnapshot("cnv-1", testObjects(2), "Avery", "Release layout")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if _, err := svc.CommitSnapshot("cnv-1", testObjects(4), "Avery", "Later work"); err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}

	if err := svc.TagVersion("cnv-1", commit.Hash, "v1"); err != nil {
		t.Fatalf("TagVersion() error = %v", err)
	}

	objects, err := svc.GetSnapshotByHash("cnv-1", "v1")
	if err != nil {
		t.Fatalf("GetSnapshotByHash(v1) error = %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("tagged snapshot has %d objects, want 2", len(objects))
	}
}

func TestConcurrentSnapshotsSameCanvas(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureCanvasRepo("cnv-1", "Avery"); err != nil {
		t.Fatalf("EnsureCanvasRepo() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, err := svc.CommitSnapshot("cnv-1", testObjects(idx+1), "Avery", fmt.Sprintf("Snapshot %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitSnapshot() concurrent error = %v", err)
		}
	}

	history, err := svc.History("cnv-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("expected %d commits in history, got %d", writers+1, len(history))
	}
}
