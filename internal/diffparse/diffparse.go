// Package diffparse parses and formats unified diffs. The controller
// uses it three ways: to structure diffs scraped from agent output,
// to build reverse diffs for undo, and to apply hunks manually when
// the system patch tool is unavailable. Parse and Format are exact
// inverses for any file set this package produces, which is what
// makes reverse-diff undo trustworthy.
package diffparse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Line kinds inside a hunk.
const (
	LineContext  = "context"
	LineAddition = "addition"
	LineDeletion = "deletion"
	LineHeader   = "header"
)

var (
	ErrEmptyDiff   = errors.New("no diff content")
	ErrBadHunk     = errors.New("malformed hunk header")
	ErrHunkOverrun = errors.New("hunk does not fit the file")
)

// Line is one typed line of a hunk. Content excludes the prefix.
type Line struct {
	Kind    string
	Content string
}

// Hunk is one @@ block.
type Hunk struct {
	OldStart, OldLines int
	NewStart, NewLines int
	Section            string
	Lines              []Line
}

// File is one file's change within a diff.
type File struct {
	OldPath string
	NewPath string
	IsNew   bool
	IsDelete bool
	IsRename bool
	IsBinary bool
	Hunks   []Hunk
}

// Path returns the file's effective path: the new side unless the
// file was deleted.
func (f File) Path() string {
	if f.IsDelete || f.NewPath == "" {
		return f.OldPath
	}
	return f.NewPath
}

// Stats counts additions and deletions across hunks.
func (f File) Stats() (additions, deletions int) {
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			switch l.Kind {
			case LineAddition:
				additions++
			case LineDeletion:
				deletions++
			}
		}
	}
	return additions, deletions
}

// Totals sums stats over a file set.
func Totals(files []File) (additions, deletions int) {
	for _, f := range files {
		a, d := f.Stats()
		additions += a
		deletions += d
	}
	return additions, deletions
}

// Parse structures a textual unified diff. Unknown leading lines
// (index, mode, similarity) are tolerated and skipped.
func Parse(text string) ([]File, error) {
	lines := strings.Split(text, "\n")
	var files []File
	var cur *File

	flush := func() {
		if cur != nil {
			files = append(files, *cur)
			cur = nil
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			cur = &File{}
			if old, new_, ok := splitGitPaths(line); ok {
				cur.OldPath, cur.NewPath = old, new_
			}
		case strings.HasPrefix(line, "new file mode"):
			if cur != nil {
				cur.IsNew = true
			}
		case strings.HasPrefix(line, "deleted file mode"):
			if cur != nil {
				cur.IsDelete = true
			}
		case strings.HasPrefix(line, "rename from "):
			if cur != nil {
				cur.IsRename = true
				cur.OldPath = strings.TrimPrefix(line, "rename from ")
			}
		case strings.HasPrefix(line, "rename to "):
			if cur != nil {
				cur.IsRename = true
				cur.NewPath = strings.TrimPrefix(line, "rename to ")
			}
		case strings.HasPrefix(line, "Binary files "):
			if cur == nil {
				cur = &File{}
			}
			cur.IsBinary = true
		case strings.HasPrefix(line, "--- "):
			if cur == nil {
				cur = &File{}
			}
			path := stripPathMarker(strings.TrimPrefix(line, "--- "))
			if path == "" {
				// /dev/null on the old side means a brand new file.
				cur.IsNew = true
			} else if cur.OldPath == "" {
				cur.OldPath = path
			}
		case strings.HasPrefix(line, "+++ "):
			if cur == nil {
				cur = &File{}
			}
			path := stripPathMarker(strings.TrimPrefix(line, "+++ "))
			if path == "" {
				// /dev/null on the new side means a deletion.
				cur.IsDelete = true
			} else if cur.NewPath == "" {
				cur.NewPath = path
			}
		case strings.HasPrefix(line, "@@"):
			if cur == nil {
				cur = &File{}
			}
			hunk, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			consumed, err := collectHunkLines(&hunk, lines[i+1:])
			if err != nil {
				return nil, err
			}
			i += consumed
			cur.Hunks = append(cur.Hunks, hunk)
		}
	}
	flush()
	if len(files) == 0 {
		return nil, ErrEmptyDiff
	}
	return files, nil
}

// collectHunkLines pulls body lines until both side counts are
// satisfied; returns how many input lines were consumed.
func collectHunkLines(h *Hunk, rest []string) (int, error) {
	oldLeft, newLeft := h.OldLines, h.NewLines
	consumed := 0
	for _, line := range rest {
		if oldLeft <= 0 && newLeft <= 0 {
			break
		}
		consumed++
		if line == `\ No newline at end of file` {
			continue
		}
		if line == "" {
			// Some producers trim the trailing space from blank
			// context lines.
			h.Lines = append(h.Lines, Line{Kind: LineContext, Content: ""})
			oldLeft--
			newLeft--
			continue
		}
		switch line[0] {
		case '+':
			h.Lines = append(h.Lines, Line{Kind: LineAddition, Content: line[1:]})
			newLeft--
		case '-':
			h.Lines = append(h.Lines, Line{Kind: LineDeletion, Content: line[1:]})
			oldLeft--
		case ' ':
			h.Lines = append(h.Lines, Line{Kind: LineContext, Content: line[1:]})
			oldLeft--
			newLeft--
		default:
			return consumed - 1, nil
		}
	}
	return consumed, nil
}

// Format renders files back to unified diff text; the inverse of
// Parse for anything this package produced.
func Format(files []File) string {
	var b strings.Builder
	for _, f := range files {
		oldPath, newPath := f.OldPath, f.NewPath
		if oldPath == "" {
			oldPath = newPath
		}
		if newPath == "" {
			newPath = oldPath
		}
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n", oldPath, newPath)
		if f.IsRename {
			fmt.Fprintf(&b, "rename from %s\n", f.OldPath)
			fmt.Fprintf(&b, "rename to %s\n", f.NewPath)
		}
		if f.IsNew {
			b.WriteString("new file mode 100644\n")
		}
		if f.IsDelete {
			b.WriteString("deleted file mode 100644\n")
		}
		if f.IsBinary {
			fmt.Fprintf(&b, "Binary files a/%s and b/%s differ\n", oldPath, newPath)
			continue
		}
		if len(f.Hunks) == 0 {
			continue
		}
		if f.IsNew {
			b.WriteString("--- /dev/null\n")
		} else {
			fmt.Fprintf(&b, "--- a/%s\n", oldPath)
		}
		if f.IsDelete {
			b.WriteString("+++ /dev/null\n")
		} else {
			fmt.Fprintf(&b, "+++ b/%s\n", newPath)
		}
		for _, h := range f.Hunks {
			b.WriteString(formatHunkHeader(h))
			b.WriteByte('\n')
			for _, l := range h.Lines {
				switch l.Kind {
				case LineAddition:
					b.WriteByte('+')
				case LineDeletion:
					b.WriteByte('-')
				default:
					b.WriteByte(' ')
				}
				b.WriteString(l.Content)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

// Reverse flips a change: additions become deletions, hunk ranges and
// paths swap sides, new-file becomes deletion and vice versa.
func Reverse(files []File) []File {
	out := make([]File, 0, len(files))
	for _, f := range files {
		r := File{
			OldPath:  f.NewPath,
			NewPath:  f.OldPath,
			IsNew:    f.IsDelete,
			IsDelete: f.IsNew,
			IsRename: f.IsRename,
			IsBinary: f.IsBinary,
		}
		if r.OldPath == "" {
			r.OldPath = f.OldPath
		}
		if r.NewPath == "" {
			r.NewPath = f.NewPath
		}
		for _, h := range f.Hunks {
			rh := Hunk{
				OldStart: h.NewStart, OldLines: h.NewLines,
				NewStart: h.OldStart, NewLines: h.OldLines,
				Section: h.Section,
			}
			for _, l := range h.Lines {
				switch l.Kind {
				case LineAddition:
					rh.Lines = append(rh.Lines, Line{Kind: LineDeletion, Content: l.Content})
				case LineDeletion:
					rh.Lines = append(rh.Lines, Line{Kind: LineAddition, Content: l.Content})
				default:
					rh.Lines = append(rh.Lines, l)
				}
			}
			r.Hunks = append(r.Hunks, rh)
		}
		out = append(out, r)
	}
	return out
}

// Apply patches content with one file's hunks. Hunks are matched at
// their stated positions first, then by sliding the context window,
// so slightly shifted diffs still apply.
func Apply(f File, content string) (string, error) {
	if f.IsBinary {
		return "", errors.New("cannot apply binary diff")
	}
	srcLines := splitKeepingFinalNewline(content)
	var out []string
	cursor := 0
	for _, h := range f.Hunks {
		start, err := locateHunk(h, srcLines, cursor)
		if err != nil {
			return "", err
		}
		out = append(out, srcLines[cursor:start]...)
		idx := start
		for _, l := range h.Lines {
			switch l.Kind {
			case LineContext:
				if idx >= len(srcLines) || srcLines[idx] != l.Content {
					return "", fmt.Errorf("%w: context mismatch near line %d", ErrHunkOverrun, idx+1)
				}
				out = append(out, l.Content)
				idx++
			case LineDeletion:
				if idx >= len(srcLines) || srcLines[idx] != l.Content {
					return "", fmt.Errorf("%w: deletion mismatch near line %d", ErrHunkOverrun, idx+1)
				}
				idx++
			case LineAddition:
				out = append(out, l.Content)
			}
		}
		cursor = idx
	}
	out = append(out, srcLines[cursor:]...)
	if len(out) == 0 {
		return "", nil
	}
	return strings.Join(out, "\n") + "\n", nil
}

// locateHunk finds where a hunk's old side matches, preferring the
// header position.
func locateHunk(h Hunk, src []string, cursor int) (int, error) {
	want := oldSide(h)
	tryAt := func(pos int) bool {
		if pos < cursor || pos+len(want) > len(src) {
			return false
		}
		for i, w := range want {
			if src[pos+i] != w {
				return false
			}
		}
		return true
	}
	stated := h.OldStart - 1
	if stated < 0 {
		stated = 0
	}
	if tryAt(stated) {
		return stated, nil
	}
	for pos := cursor; pos+len(want) <= len(src); pos++ {
		if tryAt(pos) {
			return pos, nil
		}
	}
	return 0, fmt.Errorf("%w: hunk @@ -%d,%d not found", ErrHunkOverrun, h.OldStart, h.OldLines)
}

func oldSide(h Hunk) []string {
	var out []string
	for _, l := range h.Lines {
		if l.Kind == LineContext || l.Kind == LineDeletion {
			out = append(out, l.Content)
		}
	}
	return out
}

func parseHunkHeader(line string) (Hunk, error) {
	rest := strings.TrimPrefix(line, "@@")
	end := strings.Index(rest, "@@")
	if end < 0 {
		return Hunk{}, fmt.Errorf("%w: %q", ErrBadHunk, line)
	}
	ranges := strings.Fields(rest[:end])
	if len(ranges) != 2 || !strings.HasPrefix(ranges[0], "-") || !strings.HasPrefix(ranges[1], "+") {
		return Hunk{}, fmt.Errorf("%w: %q", ErrBadHunk, line)
	}
	oldStart, oldLines, err := parseRange(ranges[0][1:])
	if err != nil {
		return Hunk{}, fmt.Errorf("%w: %q", ErrBadHunk, line)
	}
	newStart, newLines, err := parseRange(ranges[1][1:])
	if err != nil {
		return Hunk{}, fmt.Errorf("%w: %q", ErrBadHunk, line)
	}
	return Hunk{
		OldStart: oldStart, OldLines: oldLines,
		NewStart: newStart, NewLines: newLines,
		Section: strings.TrimSpace(rest[end+2:]),
	}, nil
}

// parseRange reads "start[,count]"; an omitted count is the implicit
// one-line hunk.
func parseRange(s string) (start, count int, err error) {
	if comma := strings.Index(s, ","); comma >= 0 {
		start, err = strconv.Atoi(s[:comma])
		if err != nil {
			return 0, 0, err
		}
		count, err = strconv.Atoi(s[comma+1:])
		return start, count, err
	}
	start, err = strconv.Atoi(s)
	return start, 1, err
}

func formatHunkHeader(h Hunk) string {
	var b strings.Builder
	b.WriteString("@@ -")
	writeRange(&b, h.OldStart, h.OldLines)
	b.WriteString(" +")
	writeRange(&b, h.NewStart, h.NewLines)
	b.WriteString(" @@")
	if h.Section != "" {
		b.WriteByte(' ')
		b.WriteString(h.Section)
	}
	return b.String()
}

func writeRange(b *strings.Builder, start, count int) {
	b.WriteString(strconv.Itoa(start))
	if count != 1 {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(count))
	}
}

func splitGitPaths(line string) (oldPath, newPath string, ok bool) {
	rest := strings.TrimPrefix(line, "diff --git ")
	parts := strings.Fields(rest)
	if len(parts) != 2 {
		return "", "", false
	}
	return strings.TrimPrefix(parts[0], "a/"), strings.TrimPrefix(parts[1], "b/"), true
}

func stripPathMarker(s string) string {
	s = strings.TrimSpace(s)
	// Timestamps after a tab are legal in unified diffs.
	if tab := strings.IndexByte(s, '\t'); tab >= 0 {
		s = s[:tab]
	}
	if s == "/dev/null" {
		return ""
	}
	s = strings.TrimPrefix(s, "a/")
	s = strings.TrimPrefix(s, "b/")
	return s
}

func splitKeepingFinalNewline(content string) []string {
	if content == "" {
		return nil
	}
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}
