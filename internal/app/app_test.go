package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"dv-go/internal/config"
	"dv-go/internal/dv"
)

// newTestConfig returns a config rooted in a temp dir with a memory database
// and a plain filesystem archive.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig(t.TempDir())
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Archive.Encrypt = false
	cfg.Encryption.Type = "none"
	return cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestNewDVApp(t *testing.T) {
	ctx := context.Background()

	t.Run("wires and closes", func(t *testing.T) {
		a, err := NewDVApp(ctx, newTestConfig(t), "test", false)
		if err != nil {
			t.Fatalf("NewDVApp() error = %v", err)
		}
		if a.Service() == nil {
			t.Fatal("Service() = nil")
		}
		if a.NeedsPassphrase() {
			t.Error("NeedsPassphrase() = true for a plain archive")
		}
		if err := a.Unlock(""); err != nil {
			t.Errorf("Unlock() on plain archive error = %v", err)
		}
		if err := a.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Remote.Type = "ftp"
		if _, err := NewDVApp(ctx, cfg, "test", false); err == nil {
			t.Fatal("NewDVApp() expected error")
		}
	})

	t.Run("encrypted archive needs keys", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Archive.Encrypt = true
		cfg.Encryption = config.NewConfig(cfg.BaseDir).Encryption
		if _, err := NewDVApp(ctx, cfg, "test", false); err == nil {
			t.Fatal("NewDVApp() expected error without keys")
		}
	})

	t.Run("sqlite database must be migrated first", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(cfg.BaseDir, "db")}
		if _, err := NewDVApp(ctx, cfg, "test", false); err == nil {
			t.Fatal("NewDVApp() expected error on unmigrated database")
		}

		if err := MigrateDatabase(cfg); err != nil {
			t.Fatalf("MigrateDatabase() error = %v", err)
		}
		a, err := NewDVApp(ctx, cfg, "test", false)
		if err != nil {
			t.Fatalf("NewDVApp() after migrate error = %v", err)
		}
		a.Close()
	})
}

func TestDVApp_UploadPath(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	a, err := NewDVApp(ctx, cfg, "test", false)
	if err != nil {
		t.Fatalf("NewDVApp() error = %v", err)
	}
	defer a.Close()

	svc := a.Service()
	alice, err := svc.CreateUser(ctx, "alice@example.com", "", false)
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	root, err := svc.CreateFolder(ctx, "Team", "", alice.ID, "")
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}

	src := filepath.Join(t.TempDir(), "src")
	writeFile(t, filepath.Join(src, "plan.docx"), "plan")
	writeFile(t, filepath.Join(src, "q1", "numbers.xlsx"), "numbers")
	writeFile(t, filepath.Join(src, "q1", "raw", "dump.csv"), "a,b")
	writeFile(t, filepath.Join(src, "scratch.tmp"), "ignored")

	uploaded, err := a.UploadPath(ctx, src, root.ID, alice.ID, true, "import")
	if err != nil {
		t.Fatalf("UploadPath() error = %v", err)
	}
	if len(uploaded) != 3 {
		t.Fatalf("uploaded %d files, want 3", len(uploaded))
	}

	q1, err := svc.ListFolder(ctx, root.ID, alice.ID)
	if err != nil {
		t.Fatalf("ListFolder() error = %v", err)
	}
	if len(q1.Subfolders) != 1 || q1.Subfolders[0].Name != "q1" {
		t.Fatalf("subfolders = %v, want q1", q1.Subfolders)
	}
	if len(q1.Files) != 1 || q1.Files[0].Name != "plan.docx" {
		t.Errorf("files = %v, want plan.docx", q1.Files)
	}

	for _, f := range uploaded {
		if f.Name == "dump.csv" && f.RemotePath != "Team/q1/raw/dump.csv" {
			t.Errorf("dump.csv remote path = %q", f.RemotePath)
		}
	}
	remoteCopy := filepath.Join(cfg.Remote.FSRoot, "Team", "q1", "numbers.xlsx")
	if b, err := os.ReadFile(remoteCopy); err != nil || string(b) != "numbers" {
		t.Errorf("remote copy = %q, %v", b, err)
	}

	// A second upload reuses the folders and suffixes the file names.
	again, err := a.UploadPath(ctx, filepath.Join(src, "q1"), q1.Subfolders[0].ID, alice.ID, false, "")
	if err != nil {
		t.Fatalf("second UploadPath() error = %v", err)
	}
	if len(again) != 1 || again[0].Name != "numbers_1.xlsx" {
		t.Errorf("second upload = %v, want numbers_1.xlsx", again)
	}
}

func TestDVApp_UploadPathDenied(t *testing.T) {
	ctx := context.Background()
	a, err := NewDVApp(ctx, newTestConfig(t), "test", false)
	if err != nil {
		t.Fatalf("NewDVApp() error = %v", err)
	}
	defer a.Close()

	svc := a.Service()
	alice, _ := svc.CreateUser(ctx, "alice@example.com", "", false)
	bob, _ := svc.CreateUser(ctx, "bob@example.com", "", false)
	root, err := svc.CreateFolder(ctx, "Private", "", alice.ID, "")
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "note.docx")
	writeFile(t, path, "x")
	_, err = a.UploadPath(ctx, path, root.ID, bob.ID, false, "")
	if !errors.Is(err, dv.ErrAccessDenied) {
		t.Fatalf("UploadPath() error = %v, want ErrAccessDenied", err)
	}
}

func TestDVApp_EncryptedArchive(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	cfg.Archive.Encrypt = true
	cfg.Encryption = config.NewConfig(cfg.BaseDir).Encryption

	created, err := SetupEncryption(cfg, "correct horse")
	if err != nil || !created {
		t.Fatalf("SetupEncryption() = %v, %v, want keys created", created, err)
	}
	if created, err := SetupEncryption(cfg, "correct horse"); err != nil || created {
		t.Fatalf("second SetupEncryption() = %v, %v, want no-op", created, err)
	}

	a, err := NewDVApp(ctx, cfg, "test", false)
	if err != nil {
		t.Fatalf("NewDVApp() error = %v", err)
	}
	defer a.Close()
	if !a.NeedsPassphrase() {
		t.Fatal("NeedsPassphrase() = false for an encrypted archive")
	}

	svc := a.Service()
	alice, _ := svc.CreateUser(ctx, "alice@example.com", "", false)
	root, _ := svc.CreateFolder(ctx, "Team", "", alice.ID, "")
	path := filepath.Join(t.TempDir(), "secret.docx")
	writeFile(t, path, "top secret")

	// Writing needs only the public key.
	files, err := a.UploadPath(ctx, path, root.ID, alice.ID, false, "")
	if err != nil {
		t.Fatalf("UploadPath() error = %v", err)
	}

	if _, _, err := svc.OpenVersion(ctx, files[0].ID, 1, alice.ID); err == nil {
		t.Fatal("OpenVersion() before Unlock expected error")
	}
	if err := a.Unlock("wrong"); err == nil {
		t.Fatal("Unlock(wrong) expected error")
	}
	if err := a.Unlock("correct horse"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	rc, _, err := svc.OpenVersion(ctx, files[0].ID, 1, alice.ID)
	if err != nil {
		t.Fatalf("OpenVersion() error = %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(b) != "top secret" {
		t.Errorf("version 1 = %q, want %q", b, "top secret")
	}
}

func TestDVApp_Serve(t *testing.T) {
	tests := []struct {
		name          string
		retentionDays int
		wantLoops     string
	}{
		{"all loops", 365, "[audit_cleanup cleanup reconcile]"},
		{"audit kept forever", 0, "[cleanup reconcile]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig(t)
			cfg.Reconcile.Interval = config.Duration(time.Hour)
			cfg.Cleanup.Interval = config.Duration(time.Hour)
			cfg.Audit.RetentionDays = tt.retentionDays
			cfg.Audit.Cleanup.Interval = config.Duration(time.Hour)

			a, err := NewDVApp(context.Background(), cfg, "serve", false)
			if err != nil {
				t.Fatalf("NewDVApp() error = %v", err)
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- a.Serve(ctx) }()

			time.Sleep(50 * time.Millisecond)
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("Serve() error = %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Serve() did not stop after cancel")
			}

			runs, err := a.Service().ListLoopRuns(context.Background(), 10)
			if err != nil {
				t.Fatalf("ListLoopRuns() error = %v", err)
			}
			var loops []string
			for _, r := range runs {
				loops = append(loops, r.Loop)
			}
			sort.Strings(loops)
			if fmt.Sprint(loops) != tt.wantLoops {
				t.Errorf("loops run = %v, want %s", loops, tt.wantLoops)
			}
		})
	}
}

func TestReadPassphrase_FromEnv(t *testing.T) {
	t.Setenv(EnvPassphrase, "from-env")
	got, err := ReadPassphrase("Passphrase: ", true)
	if err != nil {
		t.Fatalf("ReadPassphrase() error = %v", err)
	}
	if got != "from-env" {
		t.Errorf("ReadPassphrase() = %q, want %q", got, "from-env")
	}
}

func TestDVApp_ResolveUser(t *testing.T) {
	ctx := context.Background()
	a, err := NewDVApp(ctx, newTestConfig(t), "test", false)
	if err != nil {
		t.Fatalf("NewDVApp() error = %v", err)
	}
	defer a.Close()

	alice, err := a.Service().CreateUser(ctx, "alice@example.com", "", false)
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	for _, ref := range []string{"alice@example.com", "Alice@Example.com", alice.ID} {
		got, err := a.ResolveUser(ctx, ref)
		if err != nil {
			t.Fatalf("ResolveUser(%q) error = %v", ref, err)
		}
		if got.ID != alice.ID {
			t.Errorf("ResolveUser(%q) = %s, want %s", ref, got.ID, alice.ID)
		}
	}

	if err := a.Service().DeactivateUser(ctx, alice.ID); err != nil {
		t.Fatalf("DeactivateUser() error = %v", err)
	}
	if _, err := a.ResolveUser(ctx, alice.ID); !errors.Is(err, dv.ErrNotFound) {
		t.Errorf("ResolveUser(inactive) error = %v, want ErrNotFound", err)
	}
}
