package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"hsbackup/internal/app"
	"hsbackup/internal/backup"
	"hsbackup/internal/config"
	"hsbackup/internal/encryption"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file, writing the defaults first if none
// exists yet.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, created, err := config.Load(defaults["config_path"], defaults["base_dir"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "Wrote default configuration to %s\n", defaults["config_path"])
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "create", "restore").
func newApp(cmd *cobra.Command, operation string, args []string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	opts := app.Options{}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		opts.Console = os.Stderr
	}

	a, err := app.New(cfg, operation, strings.Join(args, " "), opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "hsbackup",
	Short:        "Encrypted home server backup and restore",
	SilenceUsage: true,
}

// create command
var createCmd = &cobra.Command{
	Use:   "create [--items PATH,...]",
	Short: "Create a backup package and upload it to every enabled provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		flagItems, _ := cmd.Flags().GetStringSlice("items")
		paths := append(flagItems, args...)

		a, err := newApp(cmd, "create", paths)
		if err != nil {
			return err
		}
		defer a.Close()

		items := make([]string, 0, len(paths))
		for _, arg := range paths {
			abs, err := filepath.Abs(arg)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			items = append(items, abs)
		}

		report, err := a.Backup(cmd.Context(), items)
		if report != nil {
			printSummary(os.Stdout, report)
		}
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		if report.Status != backup.StatusCompleted {
			return fmt.Errorf("backup %s", report.Status)
		}
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List packages in the local store or at a provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")

		a, err := newApp(cmd, "list", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if providerName != "" {
			files, err := a.ListRemote(cmd.Context(), providerName)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Println("No packages found.")
				return nil
			}
			for _, f := range files {
				fmt.Printf("%s  %10d  %s\n", f.ModifiedAt.Local().Format(time.DateTime), f.Size, f.Name)
			}
			return nil
		}

		pkgs, err := a.ListLocal()
		if err != nil {
			return err
		}
		if len(pkgs) == 0 {
			fmt.Println("No packages found.")
			return nil
		}
		for _, p := range pkgs {
			sealed := " "
			if p.Sealed {
				sealed = "E"
			}
			fmt.Printf("%s %s  %10d  %s\n", sealed, p.ModifiedAt.Local().Format(time.DateTime), p.Size, p.Name)
		}
		return nil
	},
}

// contents command
var contentsCmd = &cobra.Command{
	Use:   "contents PACKAGE",
	Short: "Show the items recorded in a package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")

		a, err := newApp(cmd, "contents", args)
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.Contents(cmd.Context(), args[0], providerName)
		if err != nil {
			return err
		}

		fmt.Printf("Package:  %s\nCreated:  %s\nHost:     %s\nVersion:  %s\n\n",
			m.PackageName, m.CreatedAt.Local().Format(time.DateTime), m.Hostname, m.ToolVersion)
		for _, it := range m.Items {
			fmt.Printf("%-8s %04o  %-16s %10d  %s  <- %s\n",
				it.Kind, it.PermissionBits, it.Owner, it.SizeBytes, it.ArchiveName, it.SourcePath)
		}
		return nil
	},
}

// extract command
var extractCmd = &cobra.Command{
	Use:   "extract PACKAGE",
	Short: "Unpack a whole package into a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		dest, _ := cmd.Flags().GetString("to")

		absDest, err := filepath.Abs(dest)
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		a, err := newApp(cmd, "extract", args)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.Extract(cmd.Context(), args[0], providerName, absDest)
		if err != nil {
			return err
		}
		fmt.Printf("Extracted %d item(s) to %s\n", len(entries), absDest)
		return nil
	},
}

// download command
var downloadCmd = &cobra.Command{
	Use:   "download PACKAGE",
	Short: "Copy a package from a provider without decrypting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		dest, _ := cmd.Flags().GetString("to")

		a, err := newApp(cmd, "download", args)
		if err != nil {
			return err
		}
		defer a.Close()

		path, err := a.Download(cmd.Context(), args[0], providerName, dest)
		if err != nil {
			return err
		}
		fmt.Printf("Downloaded to %s\n", path)
		return nil
	},
}

// test-providers command
var testProvidersCmd = &cobra.Command{
	Use:   "test-providers",
	Short: "Check connectivity to every enabled provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "test-providers", args)
		if err != nil {
			return err
		}
		defer a.Close()

		results := a.TestProviders(cmd.Context())
		if len(results) == 0 {
			fmt.Println("No providers enabled.")
			return nil
		}
		for _, r := range results {
			printProviderResult(r)
		}
		if a.Failed() {
			return errors.New("one or more providers failed")
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore PACKAGE --item SRC=TARGET[:OWNER[:MODE]]...",
	Short: "Restore items from a package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		raw, _ := cmd.Flags().GetStringArray("item")
		if len(raw) == 0 {
			return errors.New("at least one --item is required")
		}

		items := make([]backup.RestoreItemSpec, 0, len(raw))
		for _, r := range raw {
			spec, err := app.ParseItemSpec(r)
			if err != nil {
				return err
			}
			items = append(items, spec)
		}

		a, err := newApp(cmd, "restore", append(args, raw...))
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Restore(cmd.Context(), args[0], providerName, items)
		if result != nil {
			printSummary(os.Stdout, result)
		}
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		if !result.Success {
			return fmt.Errorf("restore %s", result.Status)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View backup and restore run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "history", args)
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
			duration := r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond)
			fmt.Printf("%s  %-7s  %-31s  %-8s  %s\n",
				r.StartedAt.Local().Format(time.DateTime),
				r.Operation,
				r.Status,
				duration,
				r.PackageName,
			)
			for _, u := range r.Uploads {
				fmt.Print("    ")
				printProviderResult(u)
			}
		}
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		if err := config.Init(defaults["config_path"], config.Default(defaults["base_dir"])); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		m := &config.Manager{}
		return m.Write(os.Stdout, cfg)
	},
}

// secret command
var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the master secret",
}

var secretInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the master secret used to derive the encryption key",
	RunE: func(cmd *cobra.Command, args []string) error {
		generate, _ := cmd.Flags().GetBool("generate")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.MasterSecretPath == "" {
			return fmt.Errorf("%w: master_secret_path is not set", backup.ErrConfig)
		}

		var secret []byte
		if generate {
			if secret, err = encryption.GenerateSecret(); err != nil {
				return err
			}
		} else {
			if secret, err = readSecret(); err != nil {
				return err
			}
		}

		if err := encryption.WriteMasterSecret(cfg.MasterSecretPath, secret); err != nil {
			return err
		}
		fmt.Printf("Master secret written to %s\n", cfg.MasterSecretPath)
		if generate {
			fmt.Println("Keep a copy of this file somewhere safe: packages cannot be decrypted without it.")
		}
		return nil
	},
}

// readSecret prompts for the master secret twice without echoing it.
func readSecret() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal; use --generate")
	}

	fmt.Fprint(os.Stderr, "Master secret: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	fmt.Fprint(os.Stderr, "Repeat: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	if string(first) != string(second) {
		return nil, errors.New("secrets do not match")
	}
	return first, nil
}

// printSummary writes a run summary. The summary already lists every
// upload, failure and warning.
func printSummary(w io.Writer, r interface{ Summary() string }) {
	fmt.Fprint(w, r.Summary())
}

func printProviderResult(r backup.ProviderResult) {
	if r.OK {
		fmt.Printf("  %-20s %-8s ok      %s\n", r.Provider, r.Kind, r.Duration.Truncate(time.Millisecond))
		return
	}
	fmt.Printf("  %-20s %-8s FAILED  %s\n", r.Provider, r.Kind, r.Reason)
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Copy log output to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	// secret subcommands
	secretCmd.AddCommand(secretInitCmd)
	secretInitCmd.Flags().Bool("generate", false, "Generate a random secret instead of prompting")

	// root commands
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringSlice("items", nil, "Paths to back up instead of the configured backup_items")
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringP("provider", "p", "", "List packages at this provider instead of the local store")
	rootCmd.AddCommand(contentsCmd)
	contentsCmd.Flags().StringP("provider", "p", "", "Fetch the package from this provider if it is not stored locally")
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringP("provider", "p", "", "Fetch the package from this provider if it is not stored locally")
	extractCmd.Flags().String("to", "", "Directory to extract into")
	extractCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().StringP("provider", "p", "", "Provider to download from")
	downloadCmd.MarkFlagRequired("provider")
	downloadCmd.Flags().String("to", ".", "Directory to download into")
	rootCmd.AddCommand(testProvidersCmd)
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringP("provider", "p", "", "Fetch the package from this provider if it is not stored locally")
	restoreCmd.Flags().StringArrayP("item", "i", nil, "Item to restore as SRC=TARGET[:OWNER[:MODE]] (repeatable)")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(secretCmd)
}
