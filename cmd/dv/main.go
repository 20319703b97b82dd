package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dv-go/internal/app"
	"dv-go/internal/config"
	"dv-go/internal/dv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a DVApp. The caller must defer app.Close().
// command identifies the CLI command being run (e.g. "upload", "serve").
func newApp(ctx context.Context, command string, echo bool) (*app.DVApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewDVApp(ctx, cfg, command, echo)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// actor resolves the --as flag to a user.
func actor(cmd *cobra.Command, a *app.DVApp) (*dv.User, error) {
	ref, _ := cmd.Flags().GetString("as")
	if ref == "" {
		return nil, fmt.Errorf("--as is required (email or user ID)")
	}
	return a.ResolveUser(cmd.Context(), ref)
}

// unlock prompts for the passphrase when archived bytes are encrypted.
func unlock(a *app.DVApp) error {
	if !a.NeedsPassphrase() {
		return nil
	}
	passphrase, err := app.ReadPassphrase("Archive passphrase: ", false)
	if err != nil {
		return err
	}
	return a.Unlock(passphrase)
}

func target(cmd *cobra.Command, id string) dv.Target {
	if folder, _ := cmd.Flags().GetBool("folder"); folder {
		return dv.FolderTarget(id)
	}
	return dv.FileTarget(id)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

var rootCmd = &cobra.Command{
	Use:          "dv",
	Short:        "Shared versioned document manager",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration, database and archive keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults.BaseDir)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)

		if err := app.MigrateDatabase(cfg); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}

		if cfg.Archive.Encrypt {
			passphrase, err := app.ReadPassphrase("New archive passphrase: ", true)
			if err != nil {
				return err
			}
			created, err := app.SetupEncryption(cfg, passphrase)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Archive keys written to %s\n", filepath.Dir(cfg.Encryption.PublicKeyPath))
			}
		}

		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		m := &config.Manager{}
		return m.Write(os.Stdout, cfg)
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the metadata database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := app.MigrateDatabase(cfg); err != nil {
			return err
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

// user command
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userAddCmd = &cobra.Command{
	Use:   "add EMAIL",
	Short: "Register a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		admin, _ := cmd.Flags().GetBool("admin")

		a, err := newApp(cmd.Context(), "user-add", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := a.Service().CreateUser(cmd.Context(), args[0], name, admin)
		if err != nil {
			return err
		}
		fmt.Printf("User %s created: %s\n", u.Email, u.ID)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "user-list", false)
		if err != nil {
			return err
		}
		defer a.Close()

		users, err := a.Service().ListUsers(cmd.Context())
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users.")
			return nil
		}
		for _, u := range users {
			flags := ""
			if u.IsAdmin {
				flags += " [admin]"
			}
			if !u.IsActive {
				flags += " [inactive]"
			}
			fmt.Printf("%s  %-30s  %s%s\n", u.ID, u.Email, u.FullName, flags)
		}
		return nil
	},
}

var userDeactivateCmd = &cobra.Command{
	Use:   "deactivate USER",
	Short: "Disable a user and revoke their grants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "user-deactivate", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := a.ResolveUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := a.Service().DeactivateUser(cmd.Context(), u.ID); err != nil {
			return err
		}
		fmt.Printf("User %s deactivated\n", u.Email)
		return nil
	},
}

var userPromoteCmd = &cobra.Command{
	Use:   "promote USER",
	Short: "Grant or remove administrator status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		revoke, _ := cmd.Flags().GetBool("revoke")

		a, err := newApp(cmd.Context(), "user-promote", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := a.ResolveUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := a.Service().SetAdmin(cmd.Context(), u.ID, !revoke); err != nil {
			return err
		}
		fmt.Printf("User %s admin: %t\n", u.Email, !revoke)
		return nil
	},
}

// group command
var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage groups",
}

var groupAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "group-add", false)
		if err != nil {
			return err
		}
		defer a.Close()

		g, err := a.Service().CreateGroup(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Group %s created: %s\n", g.Name, g.ID)
		return nil
	},
}

// folder command
var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Manage folders",
}

var folderCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetString("parent")
		description, _ := cmd.Flags().GetString("description")

		a, err := newApp(cmd.Context(), "folder-create", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		f, err := a.Service().CreateFolder(cmd.Context(), args[0], parent, u.ID, description)
		if err != nil {
			return err
		}
		fmt.Printf("Folder %s created: %s\n", f.RemotePath, f.ID)
		return nil
	},
}

var folderMoveCmd = &cobra.Command{
	Use:   "move FOLDER [NEW_PARENT]",
	Short: "Move a folder; without NEW_PARENT it becomes a root folder",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		newParent := ""
		if len(args) > 1 {
			newParent = args[1]
		}

		a, err := newApp(cmd.Context(), "folder-move", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		if err := a.Service().MoveFolder(cmd.Context(), args[0], newParent, u.ID); err != nil {
			return err
		}
		fmt.Println("Folder moved.")
		return nil
	},
}

var folderDeleteCmd = &cobra.Command{
	Use:   "delete FOLDER",
	Short: "Delete a folder with everything in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "folder-delete", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		if err := a.Service().DeleteFolder(cmd.Context(), args[0], u.ID); err != nil {
			return err
		}
		fmt.Println("Folder deleted.")
		return nil
	},
}

var folderLsCmd = &cobra.Command{
	Use:   "ls [FOLDER]",
	Short: "List a folder, or the root folders",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "folder-ls", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}

		if len(args) == 0 {
			roots, err := a.Service().ListRootFolders(cmd.Context(), u.ID)
			if err != nil {
				return err
			}
			if len(roots) == 0 {
				fmt.Println("No folders.")
			}
			for _, f := range roots {
				fmt.Printf("%s  %s/\n", f.ID, f.Name)
			}
			return nil
		}

		listing, err := a.Service().ListFolder(cmd.Context(), args[0], u.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", listing.Folder.RemotePath)
		for _, f := range listing.Subfolders {
			fmt.Printf("%s  %s/\n", f.ID, f.Name)
		}
		for _, f := range listing.Files {
			fmt.Printf("%s  %-30s  %8s  %-10s  %s\n", f.ID, f.Name, humanize.Bytes(uint64(f.Size)), f.Status, humanize.Time(f.UpdatedAt))
		}
		return nil
	},
}

// file command
var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Manage files and their versions",
}

var fileUploadCmd = &cobra.Command{
	Use:   "upload PATH FOLDER",
	Short: "Upload a file, or the files of a directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")
		comment, _ := cmd.Flags().GetString("comment")

		a, err := newApp(cmd.Context(), "upload", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}

		files, err := a.UploadPath(cmd.Context(), args[0], args[1], u.ID, recursive, comment)
		for _, f := range files {
			fmt.Printf("%s  %s  %s\n", f.ID, f.RemotePath, humanize.Bytes(uint64(f.Size)))
		}
		fmt.Printf("Uploaded %d file(s)\n", len(files))
		return err
	},
}

var fileVersionsCmd = &cobra.Command{
	Use:   "versions FILE",
	Short: "View version history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "versions", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		versions, err := a.Service().ListVersions(cmd.Context(), args[0], u.ID)
		if err != nil {
			return err
		}
		for _, v := range versions {
			current := ""
			if v.IsActive {
				current = "  [current]"
			}
			fmt.Printf("v%-4d  %s  %8s  %s  %s%s\n",
				v.Version,
				formatTime(v.CreatedAt),
				humanize.Bytes(uint64(v.Size)),
				shortHash(v.Hash),
				v.Comment,
				current,
			)
		}
		return nil
	},
}

var fileGetCmd = &cobra.Command{
	Use:   "get FILE VERSION",
	Short: "Write an archived version to stdout or --output",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		var number int64
		if _, err := fmt.Sscan(args[1], &number); err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}

		a, err := newApp(cmd.Context(), "get", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		if err := unlock(a); err != nil {
			return err
		}

		rc, _, err := a.Service().OpenVersion(cmd.Context(), args[0], number, u.ID)
		if err != nil {
			return err
		}
		defer rc.Close()

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output: %w", err)
			}
			defer f.Close()
			w = f
		}
		_, err = io.Copy(w, rc)
		return err
	},
}

var fileRollbackCmd = &cobra.Command{
	Use:   "rollback FILE VERSION",
	Short: "Make an older version current again",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		comment, _ := cmd.Flags().GetString("comment")
		var number int64
		if _, err := fmt.Sscan(args[1], &number); err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}

		a, err := newApp(cmd.Context(), "rollback", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		if err := unlock(a); err != nil {
			return err
		}
		v, err := a.Service().Rollback(cmd.Context(), args[0], number, u.ID, comment)
		if err != nil {
			return err
		}
		fmt.Printf("Rolled back to version %d as version %d\n", number, v.Version)
		return nil
	},
}

var fileRestoreCmd = &cobra.Command{
	Use:   "restore FILE",
	Short: "Undelete a file from its newest version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "restore", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		if err := unlock(a); err != nil {
			return err
		}
		f, err := a.Service().Restore(cmd.Context(), args[0], u.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Restored %s\n", f.RemotePath)
		return nil
	},
}

var fileDeleteCmd = &cobra.Command{
	Use:   "delete FILE",
	Short: "Delete a file; versions are kept for restore",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "delete", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		if err := a.Service().DeleteFile(cmd.Context(), args[0], u.ID); err != nil {
			return err
		}
		fmt.Println("File deleted.")
		return nil
	},
}

var fileMoveCmd = &cobra.Command{
	Use:   "move FILE FOLDER",
	Short: "Move a file to another folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "move", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		f, err := a.Service().MoveFile(cmd.Context(), args[0], args[1], u.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Moved to %s\n", f.RemotePath)
		return nil
	},
}

var fileEditCmd = &cobra.Command{
	Use:   "edit FILE",
	Short: "Open a file for online editing and print the edit link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "edit", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		link, err := a.Service().OpenForEditing(cmd.Context(), args[0], u.ID)
		if err != nil {
			return err
		}
		fmt.Println(link)
		return nil
	},
}

var fileDoneCmd = &cobra.Command{
	Use:   "done FILE",
	Short: "Finish editing and record a version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		comment, _ := cmd.Flags().GetString("comment")

		a, err := newApp(cmd.Context(), "done", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		v, err := a.Service().FinishEditing(cmd.Context(), args[0], u.ID, comment)
		if err != nil {
			return err
		}
		fmt.Printf("Version %d recorded\n", v.Version)
		return nil
	},
}

var fileCancelCmd = &cobra.Command{
	Use:   "cancel FILE",
	Short: "Cancel editing without recording a version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "cancel", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		if err := a.Service().CancelEditing(cmd.Context(), args[0], u.ID); err != nil {
			return err
		}
		fmt.Println("Editing cancelled.")
		return nil
	},
}

var fileVerifyCmd = &cobra.Command{
	Use:   "verify FILE",
	Short: "Check the newest archived version against its hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "verify", false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlock(a); err != nil {
			return err
		}
		ok, err := a.Service().CheckIntegrity(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return dv.ErrIntegrity
		}
		fmt.Println("OK")
		return nil
	},
}

var fileLinkCmd = &cobra.Command{
	Use:   "link FILE",
	Short: "Print a download link for the current version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "link", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		link, err := a.Service().DownloadLink(cmd.Context(), args[0], u.ID)
		if err != nil {
			return err
		}
		fmt.Println(link)
		return nil
	},
}

var fileStatsCmd = &cobra.Command{
	Use:   "stats FILE",
	Short: "Show version totals for a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "stats", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		stats, err := a.Service().FileStats(cmd.Context(), args[0], u.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Versions:      %d\n", stats.TotalVersions)
		fmt.Printf("Archived size: %s\n", humanize.Bytes(uint64(stats.TotalSize)))
		fmt.Printf("Latest:        v%d (%s)\n", stats.LastVersion, humanize.Time(stats.LastModified))
		return nil
	},
}

// access command
var accessCmd = &cobra.Command{
	Use:   "access",
	Short: "Manage permissions",
}

var accessGrantCmd = &cobra.Command{
	Use:   "grant TARGET USER LEVEL",
	Short: "Set a user's level on a file (or --folder) replacing any previous grant",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		expires, _ := cmd.Flags().GetDuration("expires")
		level, err := dv.ParseAccessLevel(args[2])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "access-grant", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := actor(cmd, a)
		if err != nil {
			return err
		}
		subject, err := a.ResolveUser(cmd.Context(), args[1])
		if err != nil {
			return err
		}

		var expiresAt sql.NullTime
		if expires > 0 {
			expiresAt = sql.NullTime{Time: time.Now().UTC().Add(expires), Valid: true}
		}
		t := target(cmd, args[0])
		if err := a.Service().Access().SetAccess(cmd.Context(), t, subject.ID, level, u.ID, expiresAt); err != nil {
			return err
		}
		fmt.Printf("%s now has %s on %s\n", subject.Email, level, t)
		return nil
	},
}

var accessShowCmd = &cobra.Command{
	Use:   "show TARGET",
	Short: "List the active rules on a file (or --folder)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "access-show", false)
		if err != nil {
			return err
		}
		defer a.Close()

		rules, err := a.Service().Access().ListRules(cmd.Context(), target(cmd, args[0]))
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Println("No rules.")
			return nil
		}
		for _, r := range rules {
			expiry := "never"
			if r.ExpiresAt.Valid {
				expiry = humanize.Time(r.ExpiresAt.Time)
			}
			fmt.Printf("%s:%s  %-6s  expires %s  by %s\n", r.Subject.Kind, r.Subject.ID, r.Level, expiry, r.CreatedBy)
		}
		return nil
	},
}

var accessCheckCmd = &cobra.Command{
	Use:   "check TARGET USER",
	Short: "Show a user's effective level on a file (or --folder)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "access-check", false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := a.ResolveUser(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		fmt.Println(a.Service().Access().Resolve(cmd.Context(), target(cmd, args[0]), u.ID))
		return nil
	},
}

// audit command
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View the audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		entity, _ := cmd.Flags().GetString("entity")
		user, _ := cmd.Flags().GetString("user")

		a, err := newApp(cmd.Context(), "audit-cleanup", false)
		if err != nil {
			return err
		}
		defer a.Close()

		filter := dv.AuditFilter{EntityID: entity, Limit: limit}
		if user != "" {
			u, err := a.ResolveUser(cmd.Context(), user)
			if err != nil {
				return err
			}
			filter.UserID = u.ID
		}

		entries, err := a.Service().ListAudit(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries.")
			return nil
		}
		for _, e := range entries {
			status := "ok"
			if !e.Success {
				status = "FAILED: " + e.ErrorMessage
			}
			who := e.UserID
			if who == "" {
				who = "system"
			}
			fmt.Printf("%s  %-16s  %-8s  %s %s  %s  (%s)\n",
				formatTime(e.CreatedAt), e.Action, who, e.EntityType, e.EntityName, e.Description, status)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View background loop runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "history", false)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.Service().ListLoopRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No loop runs recorded.")
			return nil
		}
		for _, r := range runs {
			duration := ""
			if r.FinishedAt.Valid {
				duration = r.FinishedAt.Time.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-10s  %s  %-10s  processed:%d failed:%d  %s\n",
				r.ID, r.Loop, formatTime(r.StartedAt), r.Status, r.Processed, r.Failed, duration)
		}
		return nil
	},
}

// maint command
var maintCmd = &cobra.Command{
	Use:   "maint",
	Short: "Run a background loop once",
}

var maintReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Version files whose online edits have been saved",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "reconcile", false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Reconciler().RunOnce(cmd.Context())
		fmt.Printf("Checked %d, versioned %d, failed %d\n", res.Checked, res.Processed, res.Failed)
		return err
	},
}

var maintCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete versions outside the retention policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "cleanup", false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Cleaner().RunOnce(cmd.Context())
		fmt.Printf("Checked %d files, deleted %d versions, failed %d\n", res.Checked, res.Processed, res.Failed)
		return err
	},
}

var maintAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Delete audit entries older than [audit] retention_days",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "audit-cleanup", false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.AuditCleaner().RunOnce(cmd.Context())
		fmt.Printf("Deleted %d audit entries\n", res.Processed)
		return err
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background loops until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("as", os.Getenv("DV_USER"), "Acting user (email or ID)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)

	// user subcommands
	userCmd.AddCommand(userAddCmd)
	userAddCmd.Flags().String("name", "", "Full name")
	userAddCmd.Flags().Bool("admin", false, "Make the user an administrator")
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userDeactivateCmd)
	userCmd.AddCommand(userPromoteCmd)
	userPromoteCmd.Flags().Bool("revoke", false, "Remove administrator status instead")

	// group subcommands
	groupCmd.AddCommand(groupAddCmd)

	// folder subcommands
	folderCmd.AddCommand(folderCreateCmd)
	folderCreateCmd.Flags().String("parent", "", "Parent folder ID (empty for a root folder)")
	folderCreateCmd.Flags().String("description", "", "Folder description")
	folderCmd.AddCommand(folderMoveCmd)
	folderCmd.AddCommand(folderDeleteCmd)
	folderCmd.AddCommand(folderLsCmd)

	// file subcommands
	fileCmd.AddCommand(fileUploadCmd)
	fileUploadCmd.Flags().BoolP("recursive", "r", false, "Recurse into subdirectories")
	fileUploadCmd.Flags().StringP("comment", "m", "", "Comment for the first version")
	fileCmd.AddCommand(fileVersionsCmd)
	fileCmd.AddCommand(fileGetCmd)
	fileGetCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	fileCmd.AddCommand(fileRollbackCmd)
	fileRollbackCmd.Flags().StringP("comment", "m", "", "Comment appended to the rollback version")
	fileCmd.AddCommand(fileRestoreCmd)
	fileCmd.AddCommand(fileDeleteCmd)
	fileCmd.AddCommand(fileMoveCmd)
	fileCmd.AddCommand(fileEditCmd)
	fileCmd.AddCommand(fileDoneCmd)
	fileDoneCmd.Flags().StringP("comment", "m", "", "Version comment")
	fileCmd.AddCommand(fileCancelCmd)
	fileCmd.AddCommand(fileVerifyCmd)
	fileCmd.AddCommand(fileLinkCmd)
	fileCmd.AddCommand(fileStatsCmd)

	// access subcommands
	accessCmd.PersistentFlags().Bool("folder", false, "TARGET is a folder ID")
	accessCmd.AddCommand(accessGrantCmd)
	accessGrantCmd.Flags().Duration("expires", 0, "Expire the grant after this long")
	accessCmd.AddCommand(accessShowCmd)
	accessCmd.AddCommand(accessCheckCmd)

	// maint subcommands
	maintCmd.AddCommand(maintReconcileCmd)
	maintCmd.AddCommand(maintCleanupCmd)
	maintCmd.AddCommand(maintAuditCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(folderCmd)
	rootCmd.AddCommand(fileCmd)
	rootCmd.AddCommand(accessCmd)
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries to show")
	auditCmd.Flags().String("entity", "", "Only entries about this file or folder ID")
	auditCmd.Flags().String("user", "", "Only entries by this user")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(maintCmd)
	rootCmd.AddCommand(serveCmd)
}
