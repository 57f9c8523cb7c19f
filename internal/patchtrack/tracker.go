// Package patchtrack gives the controller deterministic undo for
// patches the agent applies. Before a patch reaches the operator, the
// tracker snapshots each touched file (hash plus reverse diff, and
// the full original for deletions, which a reverse diff cannot
// reconstruct); after the agent applies it, the post-apply hashes are
// recorded. Undo refuses to touch anything unless every file is still
// exactly where the apply left it.
package patchtrack

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"doomcode/go-backend/internal/diffparse"
	"doomcode/go-backend/pkg/models"
)

// HistoryLimit bounds how many applied patches stay undoable.
const HistoryLimit = 50

var (
	ErrPatchNotFound = errors.New("patch not found")
	ErrFileDrifted   = errors.New("file changed since patch was applied")
	ErrFileMissing   = errors.New("file missing since patch was applied")
	ErrReverseApply  = errors.New("reverse apply failed")
)

// Tracker owns the bounded applied-patch history. All mutations
// serialize behind one mutex; undo writes files one at a time.
type Tracker struct {
	root string

	mu      sync.Mutex
	history []models.AppliedPatch
}

func New(root string) *Tracker {
	return &Tracker{root: root}
}

// Prepare snapshots the pre-apply state of every file in the patch
// and pushes the record to the front of the history.
func (t *Tracker) Prepare(patchID, agentID, prompt string, files []diffparse.File) (models.AppliedPatch, error) {
	record := models.AppliedPatch{
		PatchID:   patchID,
		Timestamp: time.Now().UnixMilli(),
		AgentID:   agentID,
		Prompt:    prompt,
	}
	reversed := diffparse.Reverse(files)
	for i, f := range files {
		path := f.Path()
		entry := models.AppliedFile{
			Path:        path,
			ReverseDiff: diffparse.Format(reversed[i : i+1]),
		}
		content, err := os.ReadFile(t.abs(path))
		switch {
		case err == nil:
			entry.BeforeHash = hashBytes(content)
			if f.IsDelete {
				// The diff alone cannot resurrect a deleted file.
				entry.DeletedOriginal = string(content)
			}
		case os.IsNotExist(err):
			// Absent before apply; BeforeHash stays empty.
		default:
			return models.AppliedPatch{}, fmt.Errorf("prepare %s: %w", path, err)
		}
		record.Files = append(record.Files, entry)
	}

	t.mu.Lock()
	t.history = append([]models.AppliedPatch{record}, t.history...)
	if len(t.history) > HistoryLimit {
		t.history = t.history[:HistoryLimit]
	}
	t.mu.Unlock()
	return record, nil
}

// Finalize re-reads each file after the agent applied the patch and
// records the post-apply hashes.
func (t *Tracker) Finalize(patchID string) (models.AppliedPatch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.indexLocked(patchID)
	if idx < 0 {
		return models.AppliedPatch{}, ErrPatchNotFound
	}
	record := &t.history[idx]
	for i := range record.Files {
		content, err := os.ReadFile(t.abs(record.Files[i].Path))
		switch {
		case err == nil:
			record.Files[i].AfterHash = hashBytes(content)
		case os.IsNotExist(err):
			record.Files[i].AfterHash = ""
		default:
			return models.AppliedPatch{}, fmt.Errorf("finalize %s: %w", record.Files[i].Path, err)
		}
	}
	return *record, nil
}

// Get returns a copy of a tracked record.
func (t *Tracker) Get(patchID string) (models.AppliedPatch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.indexLocked(patchID)
	if idx < 0 {
		return models.AppliedPatch{}, false
	}
	return t.history[idx], true
}

// PatchIDs lists tracked ids, newest first.
func (t *Tracker) PatchIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.history))
	for _, rec := range t.history {
		out = append(out, rec.PatchID)
	}
	return out
}

// Undo reverts one applied patch. Verification runs over every file
// first; on any drift nothing is reverted. Reverse diffs apply in
// reverse file order, preferring the system patch tool with a
// check-then-apply pair and falling back to the manual hunk applier.
func (t *Tracker) Undo(patchID string) models.UndoResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexLocked(patchID)
	if idx < 0 {
		return failure(patchID, ErrPatchNotFound.Error())
	}
	record := t.history[idx]

	for _, f := range record.Files {
		content, err := os.ReadFile(t.abs(f.Path))
		switch {
		case os.IsNotExist(err):
			if f.AfterHash != "" {
				return failure(patchID, fmt.Sprintf("%s: %v", f.Path, ErrFileMissing))
			}
		case err != nil:
			return failure(patchID, fmt.Sprintf("%s: %v", f.Path, err))
		default:
			if f.AfterHash == "" {
				return failure(patchID, fmt.Sprintf("%s: expected file to be absent after apply", f.Path))
			}
			if hashBytes(content) != f.AfterHash {
				return failure(patchID, fmt.Sprintf("%s: %v", f.Path, ErrFileDrifted))
			}
		}
	}

	reverted := make([]string, 0, len(record.Files))
	for i := len(record.Files) - 1; i >= 0; i-- {
		f := record.Files[i]
		if err := t.revertFile(f); err != nil {
			return failure(patchID, fmt.Sprintf("%s: %v", f.Path, err))
		}
		reverted = append(reverted, f.Path)
	}

	t.history = append(t.history[:idx], t.history[idx+1:]...)
	return models.UndoResult{
		Type:          models.TypeUndoResult,
		PatchID:       patchID,
		Success:       true,
		RevertedFiles: reverted,
	}
}

func (t *Tracker) revertFile(f models.AppliedFile) error {
	// Patch deleted the file: restore the stored original.
	if f.AfterHash == "" && f.BeforeHash != "" {
		if f.DeletedOriginal == "" && f.BeforeHash != hashBytes(nil) {
			return fmt.Errorf("%w: original content of deleted file was not captured", ErrReverseApply)
		}
		return t.writeFile(f.Path, []byte(f.DeletedOriginal))
	}
	// Patch created the file: the reverse is removal.
	if f.BeforeHash == "" {
		if err := os.Remove(t.abs(f.Path)); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	if err := t.applyWithPatchTool(f.ReverseDiff); err == nil {
		return nil
	}
	return t.applyManually(f)
}

// applyWithPatchTool shells out to patch(1): a dry-run check first,
// then the real apply only if the check passes.
func (t *Tracker) applyWithPatchTool(reverseDiff string) error {
	tool, err := exec.LookPath("patch")
	if err != nil {
		return err
	}
	check := exec.Command(tool, "--dry-run", "-p1", "-s", "-d", t.rootOrDot())
	check.Stdin = strings.NewReader(reverseDiff)
	if err := check.Run(); err != nil {
		return fmt.Errorf("%w: check: %v", ErrReverseApply, err)
	}
	apply := exec.Command(tool, "-p1", "-s", "-d", t.rootOrDot())
	apply.Stdin = strings.NewReader(reverseDiff)
	if err := apply.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrReverseApply, err)
	}
	return nil
}

// applyManually uses the in-process hunk applier.
func (t *Tracker) applyManually(f models.AppliedFile) error {
	files, err := diffparse.Parse(f.ReverseDiff)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReverseApply, err)
	}
	content, err := os.ReadFile(t.abs(f.Path))
	if err != nil {
		return err
	}
	next := string(content)
	for _, df := range files {
		next, err = diffparse.Apply(df, next)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReverseApply, err)
		}
	}
	return t.writeFile(f.Path, []byte(next))
}

func (t *Tracker) writeFile(path string, content []byte) error {
	abs := t.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, content, 0o644)
}

func (t *Tracker) indexLocked(patchID string) int {
	for i, rec := range t.history {
		if rec.PatchID == patchID {
			return i
		}
	}
	return -1
}

func (t *Tracker) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(t.root, path)
}

func (t *Tracker) rootOrDot() string {
	if t.root == "" {
		return "."
	}
	return t.root
}

func failure(patchID, reason string) models.UndoResult {
	return models.UndoResult{
		Type:          models.TypeUndoResult,
		PatchID:       patchID,
		Success:       false,
		Error:         reason,
		RevertedFiles: []string{},
	}
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashFile exposes the tracker's hashing for callers that report
// before/after hashes alongside patches.
func HashFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return hashBytes(content), nil
}
