package fs

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
}

func relPaths(files []LocalFile) []string {
	var out []string
	for _, f := range files {
		out = append(out, f.RelPath)
	}
	slices.Sort(out)
	return out
}

func TestScanner_Collect(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"plan.docx":             "plan",
		"budget.xlsx":           "budget",
		"~$plan.docx":           "lock",
		"notes.tmp":             "scratch",
		"2024/q1.xlsx":          "q1",
		"2024/cache/blob.bin":   "blob",
		"2024/deep/slides.pptx": "slides",
		IgnoreFileName:          "cache/\n",
	})

	s := NewScanner([]string{"*.tmp"})

	t.Run("top level only", func(t *testing.T) {
		files, err := s.Collect(root, false)
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		want := []string{"budget.xlsx", "plan.docx"}
		if got := relPaths(files); !slices.Equal(got, want) {
			t.Errorf("Collect() = %v, want %v", got, want)
		}
	})

	t.Run("recursive", func(t *testing.T) {
		files, err := s.Collect(root, true)
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		want := []string{"2024/deep/slides.pptx", "2024/q1.xlsx", "budget.xlsx", "plan.docx"}
		if got := relPaths(files); !slices.Equal(got, want) {
			t.Errorf("Collect() = %v, want %v", got, want)
		}
	})

	t.Run("single file", func(t *testing.T) {
		files, err := s.Collect(filepath.Join(root, "2024", "q1.xlsx"), false)
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		if len(files) != 1 || files[0].RelPath != "q1.xlsx" || files[0].Size != 2 {
			t.Fatalf("Collect() = %+v", files)
		}
		if files[0].Dir() != "" {
			t.Errorf("Dir() = %q, want empty", files[0].Dir())
		}

		rc, err := s.Open(files[0])
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer rc.Close()
		data, _ := io.ReadAll(rc)
		if string(data) != "q1" {
			t.Errorf("Open() content = %q, want %q", data, "q1")
		}
	})
}

func TestLocalFile_Dir(t *testing.T) {
	f := LocalFile{RelPath: "2024/deep/slides.pptx"}
	if got := f.Dir(); got != "2024/deep" {
		t.Errorf("Dir() = %q, want %q", got, "2024/deep")
	}
}

func TestScanner_ResolveRejectsSymlink(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.docx")
	if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	link := filepath.Join(root, "link.docx")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, _, err := NewScanner(nil).Resolve(link); err == nil {
		t.Error("Resolve() expected error for symlink")
	}
}

func TestScanner_ResolveMissing(t *testing.T) {
	if _, _, err := NewScanner(nil).Resolve(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Resolve() expected error for missing path")
	}
}
