package patchtrack

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"doomcode/go-backend/internal/diffparse"
)

func writeFile(t *testing.T, root, path, content string) {
	t.Helper()
	abs := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func twentyLines() string {
	var b strings.Builder
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&b, "line %02d\n", i)
	}
	return b.String()
}

func modifyFooDiff() []diffparse.File {
	text := `diff --git a/foo.txt b/foo.txt
--- a/foo.txt
+++ b/foo.txt
@@ -9,3 +9,4 @@
 line 09
-line 10
+line 10 rewritten
+line 10b inserted
 line 11
`
	files, err := diffparse.Parse(text)
	if err != nil {
		panic(err)
	}
	return files
}

// applyPatch plays the agent's role: actually change the file.
func applyPatch(t *testing.T, root string, files []diffparse.File) {
	t.Helper()
	for _, f := range files {
		abs := filepath.Join(root, f.Path())
		content, err := os.ReadFile(abs)
		if err != nil && !os.IsNotExist(err) {
			t.Fatalf("read: %v", err)
		}
		next, err := diffparse.Apply(f, string(content))
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		writeFile(t, root, f.Path(), next)
	}
}

func TestPrepareFinalizeUndoRestoresOriginal(t *testing.T) {
	root := t.TempDir()
	original := twentyLines()
	writeFile(t, root, "foo.txt", original)
	beforeHash, err := HashFile(filepath.Join(root, "foo.txt"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	tracker := New(root)
	files := modifyFooDiff()

	record, err := tracker.Prepare("patch-1", "claude", "tweak line 10", files)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(record.Files) != 1 || record.Files[0].BeforeHash != beforeHash {
		t.Fatalf("prepare record wrong: %+v", record)
	}
	if record.Files[0].ReverseDiff == "" {
		t.Fatal("reverse diff must be captured at prepare time")
	}

	applyPatch(t, root, files)
	record, err = tracker.Finalize("patch-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if record.Files[0].AfterHash == "" || record.Files[0].AfterHash == beforeHash {
		t.Fatalf("after hash wrong: %+v", record.Files[0])
	}

	result := tracker.Undo("patch-1")
	if !result.Success {
		t.Fatalf("undo failed: %s", result.Error)
	}
	if len(result.RevertedFiles) != 1 || result.RevertedFiles[0] != "foo.txt" {
		t.Fatalf("reverted files: %v", result.RevertedFiles)
	}

	restoredHash, err := HashFile(filepath.Join(root, "foo.txt"))
	if err != nil {
		t.Fatalf("hash restored: %v", err)
	}
	if restoredHash != beforeHash {
		t.Fatal("undo must restore the pre-apply content exactly")
	}

	// The record is consumed by a successful undo.
	if res := tracker.Undo("patch-1"); res.Success {
		t.Fatal("second undo of the same patch must fail")
	}
}

func TestUndoRefusesOnDrift(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "foo.txt", twentyLines())
	tracker := New(root)
	files := modifyFooDiff()

	if _, err := tracker.Prepare("patch-1", "claude", "", files); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	applyPatch(t, root, files)
	if _, err := tracker.Finalize("patch-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// Someone edits the file after the apply.
	writeFile(t, root, "foo.txt", "drifted content\n")
	driftedHash, _ := HashFile(filepath.Join(root, "foo.txt"))

	result := tracker.Undo("patch-1")
	if result.Success {
		t.Fatal("undo must refuse a drifted file")
	}
	if !strings.Contains(result.Error, "foo.txt") {
		t.Fatalf("error must name the drifted file: %s", result.Error)
	}
	// Nothing reverted.
	nowHash, _ := HashFile(filepath.Join(root, "foo.txt"))
	if nowHash != driftedHash {
		t.Fatal("failed undo must leave the filesystem unchanged")
	}
}

func TestUndoRefusesOnMissingFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "foo.txt", twentyLines())
	tracker := New(root)
	files := modifyFooDiff()
	_, _ = tracker.Prepare("patch-1", "claude", "", files)
	applyPatch(t, root, files)
	_, _ = tracker.Finalize("patch-1")

	if err := os.Remove(filepath.Join(root, "foo.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	result := tracker.Undo("patch-1")
	if result.Success {
		t.Fatal("undo must refuse when a tracked file vanished")
	}
}

func TestUndoOfCreatedFileRemovesIt(t *testing.T) {
	root := t.TempDir()
	tracker := New(root)
	text := `diff --git a/fresh.txt b/fresh.txt
new file mode 100644
--- /dev/null
+++ b/fresh.txt
@@ -0,0 +1,2 @@
+hello
+world
`
	files, err := diffparse.Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, _ = tracker.Prepare("patch-new", "claude", "", files)
	writeFile(t, root, "fresh.txt", "hello\nworld\n")
	_, _ = tracker.Finalize("patch-new")

	result := tracker.Undo("patch-new")
	if !result.Success {
		t.Fatalf("undo: %s", result.Error)
	}
	if _, err := os.Stat(filepath.Join(root, "fresh.txt")); !os.IsNotExist(err) {
		t.Fatal("undoing a creation must remove the file")
	}
}

func TestUndoOfDeletedFileRestoresContent(t *testing.T) {
	root := t.TempDir()
	original := "keep me\nplease\n"
	writeFile(t, root, "victim.txt", original)
	tracker := New(root)
	text := `diff --git a/victim.txt b/victim.txt
deleted file mode 100644
--- a/victim.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-keep me
-please
`
	files, err := diffparse.Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	record, err := tracker.Prepare("patch-del", "claude", "", files)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if record.Files[0].DeletedOriginal != original {
		t.Fatal("prepare must store the full content of files the patch deletes")
	}
	if err := os.Remove(filepath.Join(root, "victim.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, _ = tracker.Finalize("patch-del")

	result := tracker.Undo("patch-del")
	if !result.Success {
		t.Fatalf("undo: %s", result.Error)
	}
	got, err := os.ReadFile(filepath.Join(root, "victim.txt"))
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if string(got) != original {
		t.Fatalf("restored content wrong: %q", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	root := t.TempDir()
	tracker := New(root)
	writeFile(t, root, "foo.txt", twentyLines())
	files := modifyFooDiff()
	for i := 0; i < HistoryLimit+10; i++ {
		if _, err := tracker.Prepare(fmt.Sprintf("p%d", i), "claude", "", files); err != nil {
			t.Fatalf("prepare: %v", err)
		}
	}
	ids := tracker.PatchIDs()
	if len(ids) != HistoryLimit {
		t.Fatalf("history length %d, want %d", len(ids), HistoryLimit)
	}
	// Newest first; the oldest ten were evicted.
	if ids[0] != fmt.Sprintf("p%d", HistoryLimit+9) {
		t.Fatalf("newest id wrong: %s", ids[0])
	}
	if _, ok := tracker.Get("p0"); ok {
		t.Fatal("overflowed record must be evicted")
	}
}

func TestUndoUnknownPatch(t *testing.T) {
	tracker := New(t.TempDir())
	result := tracker.Undo("nope")
	if result.Success || !strings.Contains(result.Error, "not found") {
		t.Fatalf("unknown patch: %+v", result)
	}
}
