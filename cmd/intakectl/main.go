package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/retina-intake/internal/auditlog"
	"github.com/dharsanguruparan/retina-intake/internal/config"
	"github.com/dharsanguruparan/retina-intake/internal/database"
	"github.com/dharsanguruparan/retina-intake/internal/ingest"
	"github.com/dharsanguruparan/retina-intake/internal/logging"
	"github.com/dharsanguruparan/retina-intake/internal/pipeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "intakectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intakectl",
		Short: "Retina screening intake CLI",
		Long: `intakectl runs the intake pipeline in batch mode: it can create the database schema,
ingest every archive waiting in the upload inbox, OCR pending report PDFs and summarize the
security incident log.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newMigrateCmd(),
		newIngestCmd(),
		newOCRCmd(),
		newIncidentsCmd(),
	)
	return cmd
}

// env is what every pipeline command needs.
type env struct {
	cfg    *config.Config
	logger zerolog.Logger
	p      *pipeline.Pipeline
	close  func()
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	logger := logging.New(cfg.IsDev())
	store, closeStore, err := pipeline.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	objects, err := pipeline.OpenObjects(ctx, cfg)
	if err != nil {
		closeStore()
		return nil, err
	}
	p := pipeline.New(cfg, store, objects, logger)
	return &env{cfg: cfg, logger: logger, p: p, close: func() {
		p.Close()
		closeStore()
	}}, nil
}

func newMigrateCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the intake tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				fmt.Fprint(cmd.OutOrStdout(), database.Schema)
				return nil
			}
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print the schema instead of applying it")
	return cmd
}

// inboxArchives lists the zip files waiting in dir, skipping resource forks.
func inboxArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "._") || !strings.EqualFold(filepath.Ext(name), ".zip") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

func newIngestCmd() *cobra.Command {
	var skipOCR bool
	cmd := &cobra.Command{
		Use:   "ingest [archive.zip...]",
		Short: "Ingest archives from the upload inbox, then OCR the PDFs they produced",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			paths := args
			if len(paths) == 0 {
				if paths, err = inboxArchives(e.cfg.UploadDir); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			if len(paths) == 0 {
				fmt.Fprintf(out, "No new ZIP files found in %s.\n", e.cfg.UploadDir)
				return nil
			}

			var pdfs []string
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, path := range paths {
				if ctx.Err() != nil {
					break
				}
				res, err := e.p.Ingest.Process(ctx, path)
				if res == nil {
					fmt.Fprintf(tw, "%s\t%s\t%v\n", filepath.Base(path), ingest.OutcomeStructural, err)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", res.Archive, res.Outcome, res.Detail)
				if res.Outcome == ingest.OutcomeSuccess {
					pdfs = append(pdfs, res.PDFs...)
				}
			}
			tw.Flush()

			if skipOCR || len(pdfs) == 0 {
				return ctx.Err()
			}
			sum, err := e.p.OCR.Run(ctx, pdfs)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "OCR: %d processed, %d skipped, %d failed\n", sum.Processed, sum.Skipped, sum.Failed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipOCR, "skip-ocr", false, "Only ingest; leave PDFs for a later ocr run")
	return cmd
}

func newOCRCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ocr [file.pdf...]",
		Short: "OCR every pending PDF, or only the named ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()
			sum, err := e.p.OCR.Run(ctx, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d processed, %d skipped, %d failed\n", sum.Processed, sum.Skipped, sum.Failed)
			return nil
		},
	}
	return cmd
}

func newIncidentsCmd() *cobra.Command {
	var (
		asJSON  bool
		logPath string
	)
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Summarize the malicious upload log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if logPath == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				logPath = cfg.MaliciousLog
			}
			report, err := auditlog.ReadIncidentReport(logPath)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printIncidents(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().StringVar(&logPath, "log", "", "Incident log to read (defaults to MALICIOUS_UPLOAD_LOG)")
	return cmd
}

func printIncidents(w io.Writer, r *auditlog.IncidentReport) {
	if r.Missing {
		fmt.Fprintf(w, "No incident log at %s.\n", r.Path)
		return
	}
	fmt.Fprintf(w, "%d incident(s) in %s\n\n", r.Total, r.Path)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tZIP\tUSER\tIP\tREASON\tENTRY")
	for _, in := range r.Incidents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", in.Time, in.Zip, in.User, in.IP, in.Reason, in.Entry)
	}
	tw.Flush()
	for _, section := range []struct {
		title  string
		counts []auditlog.Count
	}{
		{"Top users", r.TopUsers},
		{"Top reasons", r.TopReasons},
		{"Top IPs", r.TopIPs},
	} {
		fmt.Fprintf(w, "\n%s:\n", section.title)
		for _, c := range section.counts {
			fmt.Fprintf(w, "  %-30s %d\n", c.Key, c.Count)
		}
	}
}
