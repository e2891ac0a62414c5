package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"debpub/internal/app"
	"debpub/internal/config"
	"debpub/internal/dirhash"
	"debpub/internal/model"
	"debpub/internal/publisher"
	"debpub/internal/signing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// readConfig reads and validates the config file.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// archiveNames returns the archives a command acts on: the --archive flags
// if given, otherwise every configured archive.
func archiveNames(cmd *cobra.Command, cfg *config.Config) []string {
	names, _ := cmd.Flags().GetStringSlice("archive")
	if len(names) > 0 {
		return names
	}
	for _, a := range cfg.Archives {
		names = append(names, a.Name)
	}
	return names
}

// singleArchive returns the one archive a command acts on.
func singleArchive(cmd *cobra.Command, cfg *config.Config) (string, error) {
	names := archiveNames(cmd, cfg)
	if len(names) != 1 {
		return "", errors.New("exactly one archive must be selected with --archive")
	}
	return names[0], nil
}

// newApp creates a DebpubApp for one archive. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Publish", "Prune").
func newApp(cmd *cobra.Command, cfg *config.Config, archiveName, operation string, opts app.Options) (*app.DebpubApp, error) {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		opts.LogLevel = slog.LevelDebug
	}
	opts.Passphrase = app.EnvPassphrase()

	a, err := app.NewDebpubApp(cmd.Context(), cfg, archiveName, operation, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "debpub",
	Short:        "Debian archive publisher",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [ARCHIVE]",
	Short: "Initialize configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		name := "main"
		if len(args) > 0 {
			name = args[0]
		}

		cfg := config.NewConfig(defaults["base_dir"])
		archive := config.NewArchiveConfig(defaults["base_dir"], name)
		archive.Series = []config.SeriesConfig{
			{Name: "unstable", Status: "development", Architectures: []string{"amd64"}, PublishByHash: true},
		}
		cfg.Archives = []config.ArchiveConfig{archive}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Printf("Archive:  %s (%s)\n", archive.Name, archive.Root)
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

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Database:  %s\n", cfg.Database.Type)
		fmt.Printf("Librarian: %s\n", cfg.Librarian.Type)
		for _, a := range cfg.Archives {
			fmt.Printf("\nArchive %s (%s) at %s\n", a.Name, a.Purpose, a.Root)
			for _, s := range a.Series {
				fmt.Printf("  %-12s %-12s %s\n", s.Name, s.Status, strings.Join(s.Architectures, " "))
			}
		}
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage archive databases",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		for _, name := range archiveNames(cmd, cfg) {
			if err := app.MigrateDatabase(cfg, name); err != nil {
				return fmt.Errorf("archive %s: %w", name, err)
			}
			fmt.Printf("Database of %s is up to date\n", name)
		}
		return nil
	},
}

// key command
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage archive signing keys",
}

var keyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate an archive signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		name, err := singleArchive(cmd, cfg)
		if err != nil {
			return err
		}
		keyName, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")

		passphrase, err := app.NewPassphrase()
		if err != nil {
			return err
		}
		fp, err := app.InitSigningKey(cfg, name, signing.KeyOptions{Name: keyName, Email: email}, passphrase)
		if err != nil {
			return err
		}
		fmt.Printf("Signing key for %s: %s\n", name, fp)
		fmt.Println("Set signing type = \"openpgp\" for the archive to use it.")
		return nil
	},
}

// publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish pending publications and refresh indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		careful, _ := cmd.Flags().GetBool("careful")
		suites, _ := cmd.Flags().GetStringSlice("suite")

		cfg, err := readConfig()
		if err != nil {
			return err
		}
		metrics := app.NewMetrics()
		defer func() {
			if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}()

		var errs []error
		for _, name := range archiveNames(cmd, cfg) {
			if err := publishArchive(cmd, cfg, name, careful, suites, metrics); err != nil {
				errs = append(errs, fmt.Errorf("archive %s: %w", name, err))
			}
		}
		return errors.Join(errs...)
	},
}

func publishArchive(cmd *cobra.Command, cfg *config.Config, name string, careful bool, suites []string, metrics *app.Metrics) error {
	a, err := newApp(cmd, cfg, name, "Publish", app.Options{AllowedSuites: suites, Metrics: metrics})
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Publish(cmd.Context(), careful)
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	fmt.Printf("%s: published %d, skipped %d, failed %d\n", name,
		report.Count(publisher.Published),
		report.Count(publisher.SkippedPocketViolation)+report.Count(publisher.SkippedDisabledArchitecture)+report.Count(publisher.SkippedSeriesStatus),
		report.Count(publisher.Failed))
	if len(report.ReleaseFilesWritten) > 0 {
		fmt.Printf("  releases: %s\n", strings.Join(report.ReleaseFilesWritten, " "))
	}
	if report.DeletionsScheduled+report.PublicationsRemoved+report.BindingsReaped > 0 {
		fmt.Printf("  scheduled %d deletion(s), removed %d publication(s), reaped %d by-hash file(s)\n",
			report.DeletionsScheduled, report.PublicationsRemoved, report.BindingsReaped)
	}
	return report.Err()
}

// prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired pool files and by-hash entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		metrics := app.NewMetrics()
		defer func() {
			if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}()

		var errs []error
		for _, name := range archiveNames(cmd, cfg) {
			a, err := newApp(cmd, cfg, name, "Prune", app.Options{Metrics: metrics})
			if err != nil {
				errs = append(errs, fmt.Errorf("archive %s: %w", name, err))
				continue
			}
			removed, reaped, err := a.Prune(cmd.Context())
			a.Close()
			if err != nil {
				errs = append(errs, fmt.Errorf("archive %s: %w", name, err))
				continue
			}
			fmt.Printf("%s: removed %d publication(s), reaped %d by-hash file(s)\n", name, removed, reaped)
		}
		return errors.Join(errs...)
	},
}

// upload command
var uploadCmd = &cobra.Command{
	Use:   "upload FILE...",
	Short: "Record a pending publication from local files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		name, err := singleArchive(cmd, cfg)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		kind, _ := flags.GetString("kind")
		u := app.Upload{Kind: model.PublicationKind(kind), Files: args}
		u.Name, _ = flags.GetString("name")
		u.BinaryName, _ = flags.GetString("binary")
		u.Version, _ = flags.GetString("version")
		u.Component, _ = flags.GetString("component")
		u.Section, _ = flags.GetString("section")
		u.Architecture, _ = flags.GetString("arch")
		u.Subcomponent, _ = flags.GetString("subcomponent")
		u.Suite, _ = flags.GetString("suite")
		u.Description, _ = flags.GetString("description")

		if stanzaFile, _ := flags.GetString("stanza-file"); stanzaFile != "" {
			data, err := os.ReadFile(stanzaFile)
			if err != nil {
				return fmt.Errorf("reading stanza: %w", err)
			}
			u.Stanza = strings.TrimSpace(string(data))
		}

		a, err := newApp(cmd, cfg, name, "Upload", app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		pub, err := a.Upload(cmd.Context(), u)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		fmt.Printf("Recorded publication #%d: %s %s in %s\n", pub.ID, pub.Name, pub.Version, pub.Suite())
		return nil
	},
}

// delete command
var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Request deletion of a publication",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid publication id: %w", err)
		}
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		name, err := singleArchive(cmd, cfg)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, cfg, name, "Delete", app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Delete(id); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deletion of publication #%d requested\n", id)
		return nil
	},
}

// custom-upload command
var customUploadCmd = &cobra.Command{
	Use:   "custom-upload TARBALL",
	Short: "Install an auxiliary tree such as installer images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		name, err := singleArchive(cmd, cfg)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		var u publisher.CustomUpload
		u.Suite, _ = flags.GetString("suite")
		u.Component, _ = flags.GetString("component")
		u.Kind, _ = flags.GetString("kind")
		u.Arch, _ = flags.GetString("arch")
		u.Version, _ = flags.GetString("version")

		a, err := newApp(cmd, cfg, name, "CustomUpload", app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		dir, err := a.InstallCustomUpload(u, args[0])
		if err != nil {
			return fmt.Errorf("custom upload failed: %w", err)
		}
		fmt.Printf("Installed %s\n", dir)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View publishing run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := readConfig()
		if err != nil {
			return err
		}
		name, err := singleArchive(cmd, cfg)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, cfg, name, "History", app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt.Valid {
				d := r.FinishedAt.Time.Sub(r.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-13s  %s  %-8s  %-9s  %s\n",
				r.ID,
				r.Operation,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.RunID[:min(8, len(r.RunID))],
				r.Status,
				duration,
			)
		}
		return nil
	},
}

// checksums command
var checksumsCmd = &cobra.Command{
	Use:   "checksums DIR",
	Short: "Write or verify a directory's SHA256SUMS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verify, _ := cmd.Flags().GetBool("verify")
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		if verify {
			if err := dirhash.Verify(dir); err != nil {
				return err
			}
			fmt.Printf("%s: OK\n", filepath.Join(dir, dirhash.ManifestName))
			return nil
		}

		h := dirhash.New(dir)
		if err := h.AddDir(dir); err != nil {
			return err
		}
		if err := h.Close(); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", filepath.Join(dir, dirhash.ManifestName))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Log debug messages")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)
	dbMigrateCmd.Flags().StringSlice("archive", nil, "Archive to migrate (default: all)")

	// key subcommands
	keyCmd.AddCommand(keyInitCmd)
	keyInitCmd.Flags().StringSlice("archive", nil, "Archive to create the key for")
	keyInitCmd.Flags().String("name", "", "Key user ID name")
	keyInitCmd.Flags().String("email", "", "Key user ID email")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(keyCmd)

	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringSlice("archive", nil, "Archive to publish (default: all)")
	publishCmd.Flags().Bool("careful", false, "Republish and rewrite every suite")
	publishCmd.Flags().StringSlice("suite", nil, "Only process these suites")

	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().StringSlice("archive", nil, "Archive to prune (default: all)")

	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringSlice("archive", nil, "Target archive")
	uploadCmd.Flags().String("kind", string(model.KindSource), "Publication kind: source or binary")
	uploadCmd.Flags().String("name", "", "Source package name")
	uploadCmd.Flags().String("binary", "", "Binary package name")
	uploadCmd.Flags().String("version", "", "Package version")
	uploadCmd.Flags().String("component", "main", "Archive component")
	uploadCmd.Flags().String("section", "misc", "Package section")
	uploadCmd.Flags().String("arch", "", "Architecture of a binary")
	uploadCmd.Flags().String("subcomponent", "", "debian-installer or debug")
	uploadCmd.Flags().String("suite", "", "Target suite")
	uploadCmd.Flags().String("stanza-file", "", "File holding the index stanza")
	uploadCmd.Flags().String("description", "", "Long description for Translation-en")

	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().StringSlice("archive", nil, "Archive holding the publication")

	rootCmd.AddCommand(customUploadCmd)
	customUploadCmd.Flags().StringSlice("archive", nil, "Target archive")
	customUploadCmd.Flags().String("suite", "", "Target suite")
	customUploadCmd.Flags().String("component", "main", "Archive component")
	customUploadCmd.Flags().String("kind", "installer", "Upload kind, e.g. installer or dist-upgrader")
	customUploadCmd.Flags().String("arch", "", "Architecture")
	customUploadCmd.Flags().String("version", "", "Upload version")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringSlice("archive", nil, "Archive to show")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")

	rootCmd.AddCommand(checksumsCmd)
	checksumsCmd.Flags().Bool("verify", false, "Verify instead of writing")
}
