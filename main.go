package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/oncotrack/symptom-engine/catalog"
	"github.com/oncotrack/symptom-engine/config"
	"github.com/oncotrack/symptom-engine/data"
	"github.com/oncotrack/symptom-engine/health"
	"github.com/oncotrack/symptom-engine/interfaces"
	"github.com/oncotrack/symptom-engine/logging"
	"github.com/oncotrack/symptom-engine/scheduler"
	"github.com/oncotrack/symptom-engine/server"
	"github.com/oncotrack/symptom-engine/service"
	"github.com/oncotrack/symptom-engine/store"
	"github.com/oncotrack/symptom-engine/validation"
)

// errDegraded makes diagnose and validate exit non-zero without an extra
// error line; the report already says what is wrong.
var errDegraded = errors.New("catalog has degraded regimens")

// repository is what both SQL stores provide
type repository interface {
	store.QuestionnaireRepository
	store.CatalogRepository
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "symptom-engine",
		Short:         "Oncology symptom questionnaire engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(diagnoseCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(importCatalogCmd())

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errDegraded) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func diagnoseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose [regimen-code]",
		Short: "Resolve every regimen (or one) against the drug catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			_, snap, err := loadForCLI(cmd.Context())
			if err != nil {
				return err
			}

			validator := validation.NewCatalogValidator()
			var diagnoses []interfaces.RegimenDiagnosis
			if len(args) == 1 {
				regimen, ok := snap.FindByCode(args[0])
				if !ok {
					return fmt.Errorf("unknown regimen code %q", args[0])
				}
				diagnoses = append(diagnoses, validator.DiagnoseRegimen(snap, regimen))
			} else {
				for _, r := range snap.Regimens() {
					diagnoses = append(diagnoses, validator.DiagnoseRegimen(snap, &r))
				}
			}

			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), diagnoses); err != nil {
					return err
				}
			} else {
				printDiagnoses(cmd.OutOrStdout(), diagnoses)
			}

			for _, d := range diagnoses {
				if d.Degraded {
					return errDegraded
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print diagnoses as JSON")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Print the catalog quality report",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, snap, err := loadForCLI(cmd.Context())
			if err != nil {
				return err
			}

			report := validation.NewCatalogValidator().ReportCatalogQuality(snap)
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if len(report.DegradedRegimens()) > 0 || report.HasAmbiguity() {
				return errDegraded
			}
			return nil
		},
	}
}

func importCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-catalog",
		Short: "Load the YAML catalog into the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.CatalogDir
			}

			ctx := cmd.Context()
			snap, err := catalog.NewYAMLLoader(dir).Load(ctx)
			if err != nil {
				return err
			}

			repo, err := openRepository(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.ReplaceCatalog(ctx, snap.Modules(), snap.Regimens()); err != nil {
				return fmt.Errorf("import failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d drug modules and %d regimens (version %s) into %s.\n",
				len(snap.Modules()), len(snap.Regimens()), snap.Version(), cfg.StoreDriver)
			return nil
		},
	}
	cmd.Flags().String("dir", "", "Catalog directory (defaults to CATALOG_DIR)")
	return cmd
}

// loadConfig reads .env when present, then the environment
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env file: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.InitLogger(logging.Options{
		Dir:            cfg.LogDir,
		RetentionWeeks: cfg.LogRetentionWeeks,
		MaxFileSize:    cfg.MaxLogFileSize,
		Level:          level,
	})
	return cfg, nil
}

// loadForCLI loads the catalog from the configured source
func loadForCLI(ctx context.Context) (*config.Config, *catalog.Snapshot, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	if cfg.CatalogSource == config.CatalogSourceYAML {
		snap, err := catalog.NewYAMLLoader(cfg.CatalogDir).Load(ctx)
		return cfg, snap, err
	}

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	defer repo.Close()

	snap, err := store.NewDBCatalogLoader(repo, cfg.StoreDriver).Load(ctx)
	return cfg, snap, err
}

func openRepository(ctx context.Context, cfg *config.Config) (repository, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return store.NewSQLiteStore(cfg.SQLitePath)
	}
}

func newCatalogLoader(cfg *config.Config, repo repository) interfaces.CatalogLoader {
	if cfg.CatalogSource == config.CatalogSourceDB {
		return store.NewDBCatalogLoader(repo, cfg.StoreDriver)
	}
	return catalog.NewYAMLLoader(cfg.CatalogDir)
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Close()

	ctx := context.Background()

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		logging.Error("Failed to open questionnaire store", "driver", cfg.StoreDriver, "error", err)
		return err
	}
	defer repo.Close()

	dataContainer := data.NewDataContainer()
	dataContainer.SetServerStartTime(time.Now())
	validator := validation.NewCatalogValidator()

	healthChecker := health.NewHealthChecker(dataContainer, cfg.CatalogReloadTimes).
		WithDependency(cfg.StoreDriver, repo)

	var locker store.Locker = store.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		redisLocker := store.NewRedisLocker(store.NewRedisClient(cfg.RedisAddr), cfg.LockTTL)
		defer redisLocker.Close()
		locker = redisLocker
		healthChecker.WithDependency("redis", redisLocker)
		logging.Info("Using Redis submission lock", "addr", cfg.RedisAddr)
	}

	sched := scheduler.NewScheduler(dataContainer, newCatalogLoader(cfg, repo), validator, cfg.ReloadSchedule())
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	svc := service.NewService(dataContainer, repo, locker, validator)
	srv := server.NewServer(cfg, dataContainer, svc, validator, healthChecker)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-serverErr:
			if err != nil {
				logging.Error("Server failed", "error", err)
			}
			return err

		case sig := <-quit:
			if sig == syscall.SIGHUP {
				logging.Info("SIGHUP received, reloading catalog")
				if err := sched.Reload(ctx); err != nil {
					logging.Error("Manual catalog reload failed", "error", err)
				}
				continue
			}

			logging.Info("Shutdown signal received", "signal", sig.String())
			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := srv.Shutdown(shutdownCtx)
			cancel()
			return err
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printDiagnoses(w io.Writer, diagnoses []interfaces.RegimenDiagnosis) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGIMEN\tSTATUS\tITEMS\tACTIVE DRUGS\tUNRESOLVED")
	for _, d := range diagnoses {
		status := "ok"
		switch {
		case len(d.AmbiguousDrugs) > 0:
			status = "ambiguous"
		case d.Degraded:
			status = "degraded"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			d.RegimenCode, status, d.TotalItems,
			strings.Join(d.ActiveDrugs, ", "), strings.Join(d.UnresolvedDrugs, ", "))
	}
	tw.Flush()
}
