package remote

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"dv-go/internal/dv"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return string(data)
}

func TestMemoryRemote_UploadDownload(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRemote(fixedClock{testTime})

	tests := []struct {
		name       string
		folderPath string
		fileName   string
		content    string
		wantPath   string
	}{
		{"root folder", "", "a.docx", "hello", "a.docx"},
		{"nested folder", "Reports/2024", "q1.xlsx", "numbers", "Reports/2024/q1.xlsx"},
		{"empty content", "Reports", "empty.txt", "", "Reports/empty.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Upload(ctx, strings.NewReader(tt.content), int64(len(tt.content)), tt.fileName, tt.folderPath)
			if err != nil {
				t.Fatalf("Upload() error = %v", err)
			}
			if got != tt.wantPath {
				t.Errorf("Upload() path = %q, want %q", got, tt.wantPath)
			}

			rc, err := m.Download(ctx, got)
			if err != nil {
				t.Fatalf("Download() error = %v", err)
			}
			if data := readAll(t, rc); data != tt.content {
				t.Errorf("Download() = %q, want %q", data, tt.content)
			}

			modified, err := m.LastModified(ctx, got)
			if err != nil {
				t.Fatalf("LastModified() error = %v", err)
			}
			if !modified.Equal(testTime) {
				t.Errorf("LastModified() = %v, want %v", modified, testTime)
			}
		})
	}
}

func TestMemoryRemote_SizeMismatch(t *testing.T) {
	m := NewMemoryRemote(fixedClock{testTime})
	_, err := m.Upload(context.Background(), strings.NewReader("abc"), 10, "a.txt", "")
	if err == nil {
		t.Fatal("Upload() expected size mismatch error")
	}
	if len(m.Paths()) != 0 {
		t.Errorf("Paths() = %v, want empty", m.Paths())
	}
}

func TestMemoryRemote_UnknownSize(t *testing.T) {
	m := NewMemoryRemote(fixedClock{testTime})
	if _, err := m.Upload(context.Background(), strings.NewReader("abc"), -1, "a.txt", ""); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
}

func TestMemoryRemote_NotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRemote(fixedClock{testTime})

	if _, err := m.Download(ctx, "missing.docx"); !errors.Is(err, dv.ErrRemoteNotFound) {
		t.Errorf("Download() error = %v, want ErrRemoteNotFound", err)
	}
	if _, err := m.LastModified(ctx, "missing.docx"); !errors.Is(err, dv.ErrRemoteNotFound) {
		t.Errorf("LastModified() error = %v, want ErrRemoteNotFound", err)
	}
	if _, err := m.EditLink(ctx, "missing.docx"); !errors.Is(err, dv.ErrRemoteNotFound) {
		t.Errorf("EditLink() error = %v, want ErrRemoteNotFound", err)
	}
	deleted, err := m.Delete(ctx, "missing.docx")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if deleted {
		t.Error("Delete() = true for missing object")
	}
}

func TestMemoryRemote_PutAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRemote(fixedClock{testTime})
	later := testTime.Add(time.Hour)

	m.Put("Reports/a.docx", []byte("edited"), later)

	modified, err := m.LastModified(ctx, "Reports/a.docx")
	if err != nil {
		t.Fatalf("LastModified() error = %v", err)
	}
	if !modified.Equal(later) {
		t.Errorf("LastModified() = %v, want %v", modified, later)
	}

	link, err := m.EditLink(ctx, "Reports/a.docx")
	if err != nil {
		t.Fatalf("EditLink() error = %v", err)
	}
	if link != "memory://edit/Reports/a.docx" {
		t.Errorf("EditLink() = %q", link)
	}

	deleted, err := m.Delete(ctx, "Reports/a.docx")
	if err != nil || !deleted {
		t.Fatalf("Delete() = %v, %v; want true, nil", deleted, err)
	}
	exists, err := m.Exists(ctx, "Reports/a.docx")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("Exists() = true after delete")
	}
}

func TestMemoryRemote_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMemoryRemote(fixedClock{testTime})
	if _, err := m.Upload(ctx, strings.NewReader("x"), 1, "a.txt", ""); !errors.Is(err, context.Canceled) {
		t.Errorf("Upload() error = %v, want context.Canceled", err)
	}
}
