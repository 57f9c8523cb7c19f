package diffparse

import (
	"strings"
	"testing"
)

const modifyDiff = `diff --git a/foo.txt b/foo.txt
--- a/foo.txt
+++ b/foo.txt
@@ -1,3 +1,4 @@
 line one
-line two
+line two changed
+line two half
 line three
`

func TestParseModification(t *testing.T) {
	files, err := Parse(modifyDiff)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("file count: %d", len(files))
	}
	f := files[0]
	if f.Path() != "foo.txt" || f.IsNew || f.IsDelete {
		t.Fatalf("file flags wrong: %+v", f)
	}
	adds, dels := f.Stats()
	if adds != 2 || dels != 1 {
		t.Fatalf("stats: +%d -%d", adds, dels)
	}
	if len(f.Hunks) != 1 {
		t.Fatalf("hunk count: %d", len(f.Hunks))
	}
	h := f.Hunks[0]
	if h.OldStart != 1 || h.OldLines != 3 || h.NewStart != 1 || h.NewLines != 4 {
		t.Fatalf("hunk header: %+v", h)
	}
	kinds := []string{}
	for _, l := range h.Lines {
		kinds = append(kinds, l.Kind)
	}
	want := []string{LineContext, LineDeletion, LineAddition, LineAddition, LineContext}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Fatalf("line kinds: %v", kinds)
	}
}

func TestParseNewDeleteRenameBinary(t *testing.T) {
	text := `diff --git a/new.txt b/new.txt
new file mode 100644
--- /dev/null
+++ b/new.txt
@@ -0,0 +1,2 @@
+alpha
+beta
diff --git a/gone.txt b/gone.txt
deleted file mode 100644
--- a/gone.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-old alpha
-old beta
diff --git a/before.txt b/after.txt
rename from before.txt
rename to after.txt
diff --git a/pic.png b/pic.png
Binary files a/pic.png and b/pic.png differ
`
	files, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("file count: %d", len(files))
	}
	if !files[0].IsNew || files[0].Path() != "new.txt" {
		t.Fatalf("new file: %+v", files[0])
	}
	if !files[1].IsDelete || files[1].Path() != "gone.txt" {
		t.Fatalf("deleted file: %+v", files[1])
	}
	if !files[2].IsRename || files[2].OldPath != "before.txt" || files[2].NewPath != "after.txt" {
		t.Fatalf("rename: %+v", files[2])
	}
	if !files[3].IsBinary {
		t.Fatalf("binary: %+v", files[3])
	}
	adds, dels := Totals(files)
	if adds != 2 || dels != 2 {
		t.Fatalf("totals: +%d -%d", adds, dels)
	}
}

func TestParseImplicitOneLineHunk(t *testing.T) {
	text := `diff --git a/one.txt b/one.txt
--- a/one.txt
+++ b/one.txt
@@ -1 +1 @@
-only line
+only line v2
`
	files, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	h := files[0].Hunks[0]
	if h.OldLines != 1 || h.NewLines != 1 {
		t.Fatalf("omitted counts must default to 1: %+v", h)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, text := range []string{modifyDiff} {
		files, err := Parse(text)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		formatted := Format(files)
		again, err := Parse(formatted)
		if err != nil {
			t.Fatalf("reparse: %v\n%s", err, formatted)
		}
		if len(again) != len(files) {
			t.Fatalf("round trip changed file count")
		}
		if Format(again) != formatted {
			t.Fatalf("format not stable:\n%s\nvs\n%s", Format(again), formatted)
		}
	}
}

func TestApplyAndReverseRestoreOriginal(t *testing.T) {
	original := "line one\nline two\nline three\n"
	files, err := Parse(modifyDiff)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	patched, err := Apply(files[0], original)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := "line one\nline two changed\nline two half\nline three\n"
	if patched != want {
		t.Fatalf("apply result:\n%q\nwant\n%q", patched, want)
	}

	reversed := Reverse(files)
	restored, err := Apply(reversed[0], patched)
	if err != nil {
		t.Fatalf("apply reverse: %v", err)
	}
	if restored != original {
		t.Fatalf("reverse did not restore original:\n%q", restored)
	}
}

func TestApplyLocatesShiftedHunk(t *testing.T) {
	// Two extra lines on top shift the hunk away from its stated
	// position; context matching must still find it.
	shifted := "prefix a\nprefix b\nline one\nline two\nline three\n"
	files, _ := Parse(modifyDiff)
	patched, err := Apply(files[0], shifted)
	if err != nil {
		t.Fatalf("apply shifted: %v", err)
	}
	if !strings.Contains(patched, "line two changed") || !strings.HasPrefix(patched, "prefix a\n") {
		t.Fatalf("shifted apply wrong:\n%q", patched)
	}
}

func TestApplyRejectsContextMismatch(t *testing.T) {
	files, _ := Parse(modifyDiff)
	if _, err := Apply(files[0], "completely\ndifferent\ncontent\n"); err == nil {
		t.Fatal("apply must fail on unmatched context")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("just some prose\nwith no diff markers\n"); err == nil {
		t.Fatal("non-diff input must fail")
	}
	if _, err := Parse("--- a/x\n+++ b/x\n@@ bogus @@\n"); err == nil {
		t.Fatal("malformed hunk header must fail")
	}
}
