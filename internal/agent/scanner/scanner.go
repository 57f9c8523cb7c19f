// Package scanner watches the agent's PTY output for approval prompts
// and unified diffs. Both detectors share one rolling window; the diff
// extractor is stateful and, while inside a diff, owns the bytes so a
// window truncation can never bisect a patch.
package scanner

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"doomcode/go-backend/internal/diffparse"
	"doomcode/go-backend/pkg/models"
)

// Risk levels attached to extracted patches.
const (
	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"
)

const (
	windowMax  = 10000
	windowTail = 5000

	// A diff in flight is never truncated; this cap only stops a
	// runaway buffer when the end heuristics miss entirely.
	diffBufferMax = 256 << 10
)

// Patch is one extracted diff: the wire payload plus the parsed form
// the patch tracker needs for its prepare pass.
type Patch struct {
	Payload models.DiffPatch
	Files   []diffparse.File
	Raw     string
}

// Events is everything one Feed call detected.
type Events struct {
	Permissions []models.PermissionRequest
	Patches     []Patch
}

type permPattern struct {
	re       *regexp.Regexp
	action   string
	describe func(m []string) (string, map[string]string)
}

// Ordered: the first matching pattern wins, so specific prompts must
// precede the generic [y/n] catch-all.
var permPatterns = []permPattern{
	{
		re:     regexp.MustCompile(`Do you want to (?:write to|create|edit|overwrite) ([^\s?]+)\?`),
		action: "file_write",
		describe: func(m []string) (string, map[string]string) {
			return "Write to file: " + m[1], map[string]string{"path": m[1]}
		},
	},
	{
		re:     regexp.MustCompile(`Do you want to (?:read|open) ([^\s?]+)\?`),
		action: "file_read",
		describe: func(m []string) (string, map[string]string) {
			return "Read file: " + m[1], map[string]string{"path": m[1]}
		},
	},
	{
		re:     regexp.MustCompile("Do you want to (?:run|execute) `?([^`?\n]+?)`?\\?"),
		action: "shell_command",
		describe: func(m []string) (string, map[string]string) {
			cmd := strings.TrimSpace(m[1])
			return "Run command: " + cmd, map[string]string{"command": cmd}
		},
	},
	{
		re:     regexp.MustCompile(`(?m)^\s*([^\n?]+\?)\s*[\[(]y/n[\])]`),
		action: "other",
		describe: func(m []string) (string, map[string]string) {
			return strings.TrimSpace(m[1]), nil
		},
	},
}

var (
	diffStart     = regexp.MustCompile(`(?m)^(diff --git |--- a/)`)
	shellPrompt   = regexp.MustCompile(`(?m)^[\w.@~/:-]*[$#%>] ?$`)
	applySentence = regexp.MustCompile(`(?mi)^[^+\- @\n].*\b(applied|applying|apply the patch|\d+ files? changed)`)

	sensitivePath = regexp.MustCompile(`(?i)(^|/)(\.?env(\..+)?|[^/]*secret[^/]*|[^/]*key[^/]*|[^/]*password[^/]*|[^/]*auth[^/]*|[^/]*config[^/]*|[^/]*\.pem|makefile|dockerfile|go\.mod|go\.sum|package(-lock)?\.json|cargo\.toml|pom\.xml|build\.gradle(\.kts)?)$`)
)

// Scanner is not safe for concurrent use; the supervisor feeds it from
// its single output goroutine.
type Scanner struct {
	window  []byte
	inDiff  bool
	diffBuf []byte
}

func New() *Scanner {
	return &Scanner{}
}

// Feed appends a PTY output chunk and returns everything it detected.
func (s *Scanner) Feed(chunk []byte) Events {
	var out Events
	if s.inDiff {
		s.diffBuf = append(s.diffBuf, chunk...)
	} else {
		s.window = append(s.window, chunk...)
	}

	for {
		if s.inDiff {
			end, ok := diffEnd(s.diffBuf)
			if !ok && len(s.diffBuf) <= diffBufferMax {
				break
			}
			if !ok {
				end = len(s.diffBuf)
			}
			if patch, ok := s.leaveDiff(end); ok {
				out.Patches = append(out.Patches, patch)
			}
			continue
		}
		loc := diffStart.FindIndex(s.window)
		if loc == nil {
			break
		}
		s.diffBuf = append(s.diffBuf[:0], s.window[loc[0]:]...)
		s.window = s.window[:loc[0]]
		s.inDiff = true
	}

	if req, ok := s.detectPermission(); ok {
		out.Permissions = append(out.Permissions, req)
	}

	if !s.inDiff && len(s.window) > windowMax {
		s.window = append([]byte(nil), s.window[len(s.window)-windowTail:]...)
	}
	return out
}

// InDiff reports whether the extractor is mid-patch; the supervisor
// uses it to hold terminal chunk flushing heuristics off the stream.
func (s *Scanner) InDiff() bool {
	return s.inDiff
}

func (s *Scanner) detectPermission() (models.PermissionRequest, bool) {
	text := string(s.window)
	for _, p := range permPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		desc, details := p.describe(m)
		s.window = s.window[:0]
		return models.PermissionRequest{
			Type:        models.TypePermissionRequest,
			RequestID:   uuid.NewString(),
			Action:      p.action,
			Description: desc,
			Details:     details,
		}, true
	}
	return models.PermissionRequest{}, false
}

// leaveDiff parses diffBuf[:end], returns the extracted patch if the
// buffer held any files, and pushes the remainder back to the window.
func (s *Scanner) leaveDiff(end int) (Patch, bool) {
	raw := string(s.diffBuf[:end])
	rest := s.diffBuf[end:]
	s.window = append(s.window, rest...)
	s.diffBuf = nil
	s.inDiff = false

	files, err := diffparse.Parse(raw)
	if err != nil || len(files) == 0 {
		return Patch{}, false
	}
	return Patch{Payload: buildPayload(files), Files: files, Raw: raw}, true
}

func buildPayload(files []diffparse.File) models.DiffPatch {
	payload := models.DiffPatch{
		Type:    models.TypeDiffPatch,
		PatchID: uuid.NewString(),
	}
	for _, f := range files {
		adds, dels := f.Stats()
		payload.Files = append(payload.Files, models.PatchFile{
			Path:      f.Path(),
			Additions: adds,
			Deletions: dels,
			Diff:      diffparse.Format([]diffparse.File{f}),
		})
		payload.TotalAdditions += adds
		payload.TotalDeletions += dels
	}
	payload.EstimatedRisk = EstimateRisk(files)
	payload.Summary = summarize(files, payload.TotalAdditions, payload.TotalDeletions)
	return payload
}

// EstimateRisk grades a patch: high for sensitive paths, wide patches
// (>10 files) or big ones (>500 lines); medium past 5 files or 100
// lines; low otherwise.
func EstimateRisk(files []diffparse.File) string {
	adds, dels := diffparse.Totals(files)
	total := adds + dels
	for _, f := range files {
		if sensitivePath.MatchString(f.Path()) {
			return RiskHigh
		}
	}
	switch {
	case len(files) > 10 || total > 500:
		return RiskHigh
	case len(files) > 5 || total > 100:
		return RiskMedium
	default:
		return RiskLow
	}
}

func summarize(files []diffparse.File, adds, dels int) string {
	noun := "files"
	if len(files) == 1 {
		noun = "file"
	}
	return fmt.Sprintf("%d %s changed, +%d -%d", len(files), noun, adds, dels)
}

// diffEnd finds the first end-of-diff heuristic hit after the diff
// content has started: a triple newline, a bare shell prompt line, or
// an apply/summary sentence.
func diffEnd(buf []byte) (int, bool) {
	best := -1
	if i := bytes.Index(buf, []byte("\n\n\n")); i >= 0 {
		best = i + 1
	}
	if loc := shellPrompt.FindIndex(buf); loc != nil && loc[0] > 0 {
		if best < 0 || loc[0] < best {
			best = loc[0]
		}
	}
	if i := applyEnd(buf); i > 0 {
		if best < 0 || i < best {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// applyEnd finds the first apply/summary sentence that may end the
// diff. Hunk body lines start with +, -, space or @ and never count,
// whatever words they carry; nor do "diff --git" headers naming a
// file like applied.go.
func applyEnd(buf []byte) int {
	for _, loc := range applySentence.FindAllIndex(buf, -1) {
		if loc[0] == 0 || bytes.HasPrefix(buf[loc[0]:], []byte("diff ")) {
			continue
		}
		return loc[0]
	}
	return -1
}
