package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zinspection/riskengine/internal/artifact"
	"github.com/zinspection/riskengine/internal/assign"
	"github.com/zinspection/riskengine/internal/catalog"
	"github.com/zinspection/riskengine/internal/handler"
	appI18n "github.com/zinspection/riskengine/internal/i18n"
	"github.com/zinspection/riskengine/internal/keylock"
	"github.com/zinspection/riskengine/internal/model"
	"github.com/zinspection/riskengine/internal/render"
	"github.com/zinspection/riskengine/internal/reports"
	"github.com/zinspection/riskengine/internal/risk"
	"github.com/zinspection/riskengine/internal/scoring"
	"github.com/zinspection/riskengine/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "riskengine",
		Short:        "Ethical risk aggregation and report versioning service",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, recomputeCmd(), reportsCmd(), importCmd(), hashTokenCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `riskengine --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// engineFlags are shared by every command that opens the database.
func engineFlags(f *pflag.FlagSet) {
	f.String("db", "riskengine.db", "SQLite database path")
	f.String("taxonomy-file", "", "YAML file with taxonomy tables (default: built-in tables)")
	f.String("taxonomy-version", "", "Taxonomy version for new reports (default: registry default)")
	f.Int("high-importance", 3, "Importance at or above which a question counts as high importance")
	f.Int("top-k", 5, "Number of top risk drivers kept per group")
	f.String("artifact-dir", "artifacts", "Local directory for report artifacts")
	f.String("gcs-bucket", "", "Store report artifacts in this GCS bucket instead of the local directory")
	f.String("gcs-prefix", "", "Object name prefix inside the GCS bucket")
	f.String("gcs-credentials", "", "Service account JSON for GCS (default: application default credentials)")
	f.String("renderer-url", "", "Base URL of the document rendering service (empty disables generation)")
	f.Duration("renderer-timeout", 30*time.Second, "Timeout for a single render request")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	engineFlags(f)
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("questions", "q", nil, "Paths to question catalog JSON files (repeatable)")
	f.StringP("lang", "l", "en", "Default language for messages (en, de)")
	f.String("api-token-hash", "", "bcrypt hash of the API bearer token (or set RISKENGINE_API_TOKEN_HASH)")
	f.Bool("metrics", true, "Expose Prometheus metrics on /metrics")
	f.Bool("audit-on-start", true, "Audit report histories for invariant violations at startup")
	return cmd
}

func recomputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recompute PROJECT",
		Short: "Recompute and print a project's score record",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecompute,
	}
	f := cmd.Flags()
	engineFlags(f)
	f.String("respondent", risk.Combined, "User id, or \"combined\" for submitted answers of all respondents")
	f.String("questionnaire", risk.AllQuestionnaires, "Questionnaire key, or \"*\" for all")
	return cmd
}

func reportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Inspect and repair report version histories",
	}

	audit := &cobra.Command{
		Use:   "audit",
		Short: "Report structural violations in every project's report history",
		Args:  cobra.NoArgs,
		RunE:  runAudit,
	}
	engineFlags(audit.Flags())

	promote := &cobra.Command{
		Use:   "promote PROJECT",
		Short: "Mark the highest ready version of a project as latest",
		Args:  cobra.ExactArgs(1),
		RunE:  runPromote,
	}
	engineFlags(promote.Flags())

	generate := &cobra.Command{
		Use:   "generate PROJECT",
		Short: "Generate a new report version for a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runGenerate,
	}
	engineFlags(generate.Flags())

	cmd.AddCommand(audit, promote, generate)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import question catalog files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	engineFlags(cmd.Flags())
	return cmd
}

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token TOKEN",
		Short: "Print the bcrypt hash to configure as api-token-hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := handler.HashToken(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("RISKENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("riskengine")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/riskengine")
	v.AddConfigPath("/etc/riskengine")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// engine is the set of services every command builds on.
type engine struct {
	store      *store.Store
	taxonomies *risk.Registry
	locks      *keylock.Locker
	guard      *assign.Guard
	scorer     *scoring.Service
	reports    *reports.Manager
	closers    []func() error
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			slog.Warn("close", "error", err)
		}
	}
}

func openEngine(ctx context.Context, v *viper.Viper) (*engine, error) {
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	e := &engine{store: db, closers: []func() error{db.Close}}

	e.taxonomies = risk.DefaultRegistry()
	if path := v.GetString("taxonomy-file"); path != "" {
		if e.taxonomies, err = risk.LoadRegistry(path); err != nil {
			e.Close()
			return nil, fmt.Errorf("load taxonomy: %w", err)
		}
	}

	// role-limits is only settable from the config file, e.g.
	//   role-limits: { ethical-expert: { min: 1, max: 1 } }
	var limits map[model.Role]model.RoleLimit
	if v.IsSet("role-limits") {
		if err := v.UnmarshalKey("role-limits", &limits); err != nil {
			e.Close()
			return nil, fmt.Errorf("parse role-limits: %w", err)
		}
	}
	e.locks = keylock.New()
	if e.guard, err = assign.New(ctx, db, limits, e.locks); err != nil {
		e.Close()
		return nil, fmt.Errorf("role limits: %w", err)
	}

	e.scorer = scoring.New(db, risk.AggregateOptions{
		HighImportanceThreshold: v.GetInt("high-importance"),
		TopK:                    v.GetInt("top-k"),
	})

	files, err := openStorage(ctx, v)
	if err != nil {
		e.Close()
		return nil, err
	}
	if c, ok := files.(interface{ Close() error }); ok {
		e.closers = append(e.closers, c.Close)
	}

	var renderer render.Renderer
	if url := v.GetString("renderer-url"); url != "" {
		renderer = render.NewClient(url, v.GetDuration("renderer-timeout"))
	} else {
		slog.Warn("no renderer-url configured; report generation is disabled")
	}

	e.reports, err = reports.New(reports.Config{
		Store:           db,
		Files:           files,
		Renderer:        renderer,
		Scorer:          e.scorer,
		Guard:           e.guard,
		Taxonomies:      e.taxonomies,
		Locks:           e.locks,
		TaxonomyVersion: v.GetString("taxonomy-version"),
		LinkPrefix:      handler.APIPrefix,
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("reports: %w", err)
	}
	return e, nil
}

func openStorage(ctx context.Context, v *viper.Viper) (artifact.Storage, error) {
	if bucket := v.GetString("gcs-bucket"); bucket != "" {
		g, err := artifact.NewGCS(ctx, bucket, v.GetString("gcs-prefix"), v.GetString("gcs-credentials"))
		if err != nil {
			return nil, fmt.Errorf("open GCS bucket %s: %w", bucket, err)
		}
		slog.Info("storing artifacts in GCS", "bucket", bucket, "prefix", v.GetString("gcs-prefix"))
		return g, nil
	}
	l, err := artifact.NewLocal(v.GetString("artifact-dir"))
	if err != nil {
		return nil, fmt.Errorf("open artifact dir: %w", err)
	}
	return l, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	e, err := openEngine(ctx, v)
	if err != nil {
		return err
	}
	defer e.Close()

	if paths := v.GetStringSlice("questions"); len(paths) > 0 {
		imp := catalog.NewImporter(e.store, validator.New(validator.WithRequiredStructEnabled()))
		if _, err := imp.ImportFiles(ctx, paths); err != nil {
			return fmt.Errorf("load questions: %w", err)
		}
	}

	if v.GetBool("audit-on-start") {
		violations, err := e.reports.Audit(ctx)
		if err != nil {
			return fmt.Errorf("audit reports: %w", err)
		}
		if len(violations) > 0 {
			slog.Error("report histories need attention; see `riskengine reports promote`", "violations", len(violations))
		}
	}

	cfg := model.Config{
		HighImportance:  v.GetInt("high-importance"),
		TopK:            v.GetInt("top-k"),
		TaxonomyVersion: e.reports.TaxonomyVersion(),
		APITokenHash:    v.GetString("api-token-hash"),
		Lang:            lang,
	}
	h, err := handler.New(e.store, e.scorer, e.guard, e.reports, e.taxonomies, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if v.GetBool("metrics") {
		r.Handle("/metrics", promhttp.Handler())
	}
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"lang", lang,
		"taxonomy_version", cfg.TaxonomyVersion,
		"renderer_url", v.GetString("renderer-url"),
		"gcs_bucket", v.GetString("gcs-bucket"),
		"auth", cfg.APITokenHash != "",
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runRecompute(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	e, err := openEngine(cmd.Context(), v)
	if err != nil {
		return err
	}
	defer e.Close()

	rec, err := e.scorer.Recompute(cmd.Context(), scoring.Key{
		ProjectID:        args[0],
		Respondent:       v.GetString("respondent"),
		QuestionnaireKey: v.GetString("questionnaire"),
	})
	if err != nil {
		return fmt.Errorf("recompute: %w", err)
	}
	return printJSON(cmd, rec)
}

func runAudit(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	e, err := openEngine(cmd.Context(), viperForCmd(cmd))
	if err != nil {
		return err
	}
	defer e.Close()

	violations, err := e.reports.Audit(cmd.Context())
	if err != nil {
		return err
	}
	if violations == nil {
		violations = []reports.Violation{}
	}
	if err := printJSON(cmd, violations); err != nil {
		return err
	}
	if len(violations) > 0 {
		return fmt.Errorf("%d violation(s) found", len(violations))
	}
	return nil
}

func runPromote(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	e, err := openEngine(cmd.Context(), viperForCmd(cmd))
	if err != nil {
		return err
	}
	defer e.Close()

	rep, err := e.reports.Promote(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("promote %s: %w", args[0], err)
	}
	return printJSON(cmd, rep)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	e, err := openEngine(cmd.Context(), viperForCmd(cmd))
	if err != nil {
		return err
	}
	defer e.Close()

	rep, err := e.reports.Generate(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("generate report for %s: %w", args[0], err)
	}
	return printJSON(cmd, rep)
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	e, err := openEngine(cmd.Context(), viperForCmd(cmd))
	if err != nil {
		return err
	}
	defer e.Close()

	imp := catalog.NewImporter(e.store, validator.New(validator.WithRequiredStructEnabled()))
	results, err := imp.ImportFiles(cmd.Context(), args)
	if err != nil {
		return err
	}
	return printJSON(cmd, results)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
