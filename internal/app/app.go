package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"dv-go/internal/archive"
	"dv-go/internal/audit"
	"dv-go/internal/config"
	"dv-go/internal/database"
	"dv-go/internal/dv"
	"dv-go/internal/encryption"
	"dv-go/internal/fs"
	"dv-go/internal/remote"
)

// DVApp is the application layer between the CLI and DVService.
// It constructs all dependencies from config, exposes the operations that
// take local paths, runs the background loops, and releases everything on
// Close.
type DVApp struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	remote    dv.RemoteProvider
	archive   archive.Archive
	encryptor dv.Encryptor
	scanner   *fs.Scanner
	service   *dv.DVService
	logger    dv.Logger
	logCloser io.Closer
}

// NewDVApp creates a fully wired DVApp from the given config.
// command names the CLI command being run and tags every log line; echo
// copies log output to stderr. The caller must call Close when done.
func NewDVApp(ctx context.Context, cfg *config.Config, command string, echo bool) (*DVApp, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	runID := command + "-" + time.Now().UTC().Format("20060102T150405Z")
	slogger, logCloser, err := newLogger(cfg.Log, runID, echo)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &DVApp{
		cfg:       cfg,
		scanner:   fs.NewScanner(cfg.Upload.Ignore),
		logger:    logger,
		logCloser: logCloser,
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *DVApp) wire(ctx context.Context) error {
	db, err := database.NewDatabaseFromConfig(a.cfg.Database)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db

	if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date (run dv db migrate): %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	a.encryptor = enc

	arch, err := archive.NewArchiveFromConfig(a.cfg.Archive, enc)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	if arch.Encrypted() && !enc.IsConfigured() {
		return fmt.Errorf("archive encryption keys missing (run dv config init)")
	}
	a.archive = arch

	clock := dv.RealClock{}
	rem, err := remote.NewRemoteFromConfig(ctx, a.cfg.Remote, clock)
	if err != nil {
		return fmt.Errorf("creating remote: %w", err)
	}
	a.remote = rem

	idgen := dv.UUIDGenerator{}
	recorder := audit.NewRecorder(db, a.logger, clock, idgen)
	a.service = dv.NewDVService(db, rem, arch, recorder, a.logger, clock, idgen, dv.Options{
		RemoteTimeout: a.cfg.Remote.Timeout.D(),
	})
	return nil
}

// Service returns the wired service.
func (a *DVApp) Service() *dv.DVService {
	return a.service
}

// ResolveUser finds the active user named by ref, an email address or a
// user ID.
func (a *DVApp) ResolveUser(ctx context.Context, ref string) (*dv.User, error) {
	var (
		user *dv.User
		err  error
	)
	if strings.Contains(ref, "@") {
		user, err = a.db.FindUserByEmail(ctx, strings.ToLower(strings.TrimSpace(ref)))
	} else {
		user, err = a.db.FindUserByID(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("finding user: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, fmt.Errorf("user %s: %w", ref, dv.ErrNotFound)
	}
	return user, nil
}

// NeedsPassphrase reports whether reading archived versions requires Unlock.
func (a *DVApp) NeedsPassphrase() bool {
	return a.archive.Encrypted()
}

// Unlock opens the private key so archived versions can be read back.
func (a *DVApp) Unlock(passphrase string) error {
	if !a.archive.Encrypted() {
		return nil
	}
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking archive: %w", err)
	}
	a.archive.Unlock(dc)
	return nil
}

// UploadPath uploads a local file, or the files of a local directory, into
// folderID. With recursive set, subdirectories become subfolders, created
// as needed. Files that fail are reported together after the rest have been
// tried.
func (a *DVApp) UploadPath(ctx context.Context, rawPath, folderID, userID string, recursive bool, comment string) ([]*dv.FileItem, error) {
	files, err := a.scanner.Collect(rawPath, recursive)
	if err != nil {
		return nil, fmt.Errorf("collecting files: %w", err)
	}

	folders := map[string]string{"": folderID}
	var uploaded []*dv.FileItem
	var errs []error
	for _, f := range files {
		target, err := a.ensureFolder(ctx, folders, f.Dir(), userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.RelPath, err))
			continue
		}
		item, err := a.uploadOne(ctx, f, target, userID, comment)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.RelPath, err))
			continue
		}
		uploaded = append(uploaded, item)
	}
	return uploaded, errors.Join(errs...)
}

func (a *DVApp) uploadOne(ctx context.Context, f fs.LocalFile, folderID, userID, comment string) (*dv.FileItem, error) {
	rc, err := a.scanner.Open(f)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer rc.Close()

	return a.service.Upload(ctx, dv.UploadInput{
		Content:  rc,
		Size:     f.Size,
		Name:     path.Base(f.RelPath),
		FolderID: folderID,
		Comment:  comment,
	}, userID)
}

// ensureFolder returns the folder ID for relDir below the upload target,
// creating missing folders. known caches relDir -> folder ID.
func (a *DVApp) ensureFolder(ctx context.Context, known map[string]string, relDir, userID string) (string, error) {
	if id, ok := known[relDir]; ok {
		return id, nil
	}

	parentID, err := a.ensureFolder(ctx, known, parentDir(relDir), userID)
	if err != nil {
		return "", err
	}

	name := path.Base(relDir)
	existing, err := a.db.FindFolderByName(ctx, parentID, name)
	if err != nil {
		return "", fmt.Errorf("finding folder %s: %w", relDir, err)
	}
	if existing != nil {
		known[relDir] = existing.ID
		return existing.ID, nil
	}

	created, err := a.service.CreateFolder(ctx, name, parentID, userID, "")
	if err != nil {
		return "", fmt.Errorf("creating folder %s: %w", relDir, err)
	}
	known[relDir] = created.ID
	return created.ID, nil
}

func parentDir(relDir string) string {
	d := path.Dir(relDir)
	if d == "." {
		return ""
	}
	return d
}

// Reconciler returns the edit reconciliation loop.
func (a *DVApp) Reconciler() *dv.EditReconciler {
	return dv.NewEditReconciler(a.service)
}

// Cleaner returns the retention cleanup loop configured from [versioning].
func (a *DVApp) Cleaner() *dv.RetentionCleaner {
	return dv.NewRetentionCleaner(a.service, a.cfg.Versioning.RetentionDays, a.cfg.Versioning.MaxVersionsPerFile)
}

// AuditCleaner returns the audit retention loop configured from [audit].
func (a *DVApp) AuditCleaner() *dv.AuditCleaner {
	return dv.NewAuditCleaner(a.service, a.cfg.Audit.RetentionDays)
}

// Serve runs the background loops until ctx is cancelled. Each loop is
// single-flight and runs independently of the others. The audit loop is
// left out when audit entries are kept forever.
func (a *DVApp) Serve(ctx context.Context) error {
	reconcileSched, err := dv.ParseSchedule(a.cfg.Reconcile.Interval.D(), a.cfg.Reconcile.Schedule)
	if err != nil {
		return fmt.Errorf("reconcile schedule: %w", err)
	}
	cleanupSched, err := dv.ParseSchedule(a.cfg.Cleanup.Interval.D(), a.cfg.Cleanup.Schedule)
	if err != nil {
		return fmt.Errorf("cleanup schedule: %w", err)
	}

	var auditSched cron.Schedule
	if a.cfg.Audit.RetentionDays > 0 {
		auditSched, err = dv.ParseSchedule(a.cfg.Audit.Cleanup.Interval.D(), a.cfg.Audit.Cleanup.Schedule)
		if err != nil {
			return fmt.Errorf("audit cleanup schedule: %w", err)
		}
	}

	reconciler := a.Reconciler()
	cleaner := a.Cleaner()
	auditCleaner := a.AuditCleaner()

	a.logger.Info("serving", "reconcile", a.cfg.Reconcile.Interval.D(), "cleanup", a.cfg.Cleanup.Interval.D(),
		"audit_retention_days", a.cfg.Audit.RetentionDays)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reconciler.Run(gctx, reconcileSched) })
	g.Go(func() error { return cleaner.Run(gctx, cleanupSched) })
	if auditSched != nil {
		g.Go(func() error { return auditCleaner.Run(gctx, auditSched) })
	}
	err = g.Wait()
	a.logger.Info("stopped serving")
	return err
}

// Close releases the database and the log file.
func (a *DVApp) Close() error {
	var errs []error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing log: %w", err))
		}
	}
	return errors.Join(errs...)
}

// MigrateDatabase applies pending schema migrations.
func MigrateDatabase(cfg *config.Config) error {
	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	return db.Migrate()
}

// SetupEncryption generates archive keys if encryption is enabled and no
// keys exist yet. It reports whether keys were created.
func SetupEncryption(cfg *config.Config, passphrase string) (bool, error) {
	if !cfg.Archive.Encrypt {
		return false, nil
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return false, err
	}
	if enc == nil || enc.IsConfigured() {
		return false, nil
	}
	if err := enc.Setup(passphrase); err != nil {
		return false, fmt.Errorf("setting up encryption: %w", err)
	}
	return true, nil
}
