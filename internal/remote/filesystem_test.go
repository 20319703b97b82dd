package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dv-go/internal/dv"
)

func TestFileSystemRemote_UploadDownload(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r, err := NewFileSystemRemote(root, "")
	if err != nil {
		t.Fatalf("NewFileSystemRemote() error = %v", err)
	}

	content := "quarterly numbers"
	got, err := r.Upload(ctx, strings.NewReader(content), int64(len(content)), "q1.xlsx", "Reports/2024")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if got != "Reports/2024/q1.xlsx" {
		t.Errorf("Upload() path = %q, want %q", got, "Reports/2024/q1.xlsx")
	}

	if _, err := os.Stat(filepath.Join(root, "Reports", "2024", "q1.xlsx")); err != nil {
		t.Fatalf("file not written under root: %v", err)
	}

	rc, err := r.Download(ctx, got)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if data := readAll(t, rc); data != content {
		t.Errorf("Download() = %q, want %q", data, content)
	}

	exists, err := r.Exists(ctx, got)
	if err != nil || !exists {
		t.Errorf("Exists() = %v, %v; want true, nil", exists, err)
	}
}

func TestFileSystemRemote_OverwriteKeepsLatest(t *testing.T) {
	ctx := context.Background()
	r, err := NewFileSystemRemote(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFileSystemRemote() error = %v", err)
	}

	for _, content := range []string{"first", "second"} {
		if _, err := r.Upload(ctx, strings.NewReader(content), int64(len(content)), "a.docx", "Docs"); err != nil {
			t.Fatalf("Upload(%q) error = %v", content, err)
		}
	}

	rc, err := r.Download(ctx, "Docs/a.docx")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if data := readAll(t, rc); data != "second" {
		t.Errorf("Download() = %q, want %q", data, "second")
	}
}

func TestFileSystemRemote_SizeMismatchLeavesNothing(t *testing.T) {
	ctx := context.Background()
	r, err := NewFileSystemRemote(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFileSystemRemote() error = %v", err)
	}

	if _, err := r.Upload(ctx, strings.NewReader("abc"), 99, "a.docx", ""); err == nil {
		t.Fatal("Upload() expected size mismatch error")
	}
	exists, err := r.Exists(ctx, "a.docx")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("partial upload left a file behind")
	}
}

func TestFileSystemRemote_NotFound(t *testing.T) {
	ctx := context.Background()
	r, err := NewFileSystemRemote(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFileSystemRemote() error = %v", err)
	}

	if _, err := r.Download(ctx, "nope.docx"); !errors.Is(err, dv.ErrRemoteNotFound) {
		t.Errorf("Download() error = %v, want ErrRemoteNotFound", err)
	}
	if _, err := r.LastModified(ctx, "nope.docx"); !errors.Is(err, dv.ErrRemoteNotFound) {
		t.Errorf("LastModified() error = %v, want ErrRemoteNotFound", err)
	}
	deleted, err := r.Delete(ctx, "nope.docx")
	if err != nil || deleted {
		t.Errorf("Delete() = %v, %v; want false, nil", deleted, err)
	}
}

func TestFileSystemRemote_PathsStayUnderRoot(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	root := filepath.Join(base, "remote")
	r, err := NewFileSystemRemote(root, "")
	if err != nil {
		t.Fatalf("NewFileSystemRemote() error = %v", err)
	}

	got, err := r.Upload(ctx, strings.NewReader("x"), 1, "escape.txt", "../..")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "escape.txt")); !os.IsNotExist(err) {
		t.Errorf("upload escaped the root: stat error = %v", err)
	}

	rc, err := r.Download(ctx, got)
	if err != nil {
		t.Fatalf("Download(%q) error = %v", got, err)
	}
	rc.Close()
}

func TestFileSystemRemote_LastModified(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r, err := NewFileSystemRemote(root, "")
	if err != nil {
		t.Fatalf("NewFileSystemRemote() error = %v", err)
	}
	if _, err := r.Upload(ctx, strings.NewReader("x"), 1, "a.docx", ""); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	edited := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(root, "a.docx"), edited, edited); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	got, err := r.LastModified(ctx, "a.docx")
	if err != nil {
		t.Fatalf("LastModified() error = %v", err)
	}
	if !got.Equal(edited) {
		t.Errorf("LastModified() = %v, want %v", got, edited)
	}
	if got.Location() != time.UTC {
		t.Errorf("LastModified() location = %v, want UTC", got.Location())
	}
}

func TestFileSystemRemote_Links(t *testing.T) {
	ctx := context.Background()

	t.Run("base url", func(t *testing.T) {
		r, err := NewFileSystemRemote(t.TempDir(), "https://docs.example.com/")
		if err != nil {
			t.Fatalf("NewFileSystemRemote() error = %v", err)
		}
		if _, err := r.Upload(ctx, strings.NewReader("x"), 1, "Q1 report.docx", "Team Docs"); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}

		got, err := r.EditLink(ctx, "Team Docs/Q1 report.docx")
		if err != nil {
			t.Fatalf("EditLink() error = %v", err)
		}
		want := "https://docs.example.com/edit/Team%20Docs/Q1%20report.docx"
		if got != want {
			t.Errorf("EditLink() = %q, want %q", got, want)
		}
	})

	t.Run("file url", func(t *testing.T) {
		r, err := NewFileSystemRemote(t.TempDir(), "")
		if err != nil {
			t.Fatalf("NewFileSystemRemote() error = %v", err)
		}
		if _, err := r.Upload(ctx, strings.NewReader("x"), 1, "a.docx", ""); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}

		got, err := r.DownloadLink(ctx, "a.docx")
		if err != nil {
			t.Fatalf("DownloadLink() error = %v", err)
		}
		if !strings.HasPrefix(got, "file://") || !strings.HasSuffix(got, "/a.docx") {
			t.Errorf("DownloadLink() = %q, want file:// URL ending in /a.docx", got)
		}
	})

	t.Run("missing object", func(t *testing.T) {
		r, err := NewFileSystemRemote(t.TempDir(), "https://docs.example.com")
		if err != nil {
			t.Fatalf("NewFileSystemRemote() error = %v", err)
		}
		if _, err := r.EditLink(ctx, "gone.docx"); !errors.Is(err, dv.ErrRemoteNotFound) {
			t.Errorf("EditLink() error = %v, want ErrRemoteNotFound", err)
		}
	})
}
