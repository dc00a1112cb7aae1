package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/kyc-flow/internal/auth"
	"github.com/example/kyc-flow/internal/capture"
	"github.com/example/kyc-flow/internal/config"
	"github.com/example/kyc-flow/internal/flow"
	"github.com/example/kyc-flow/internal/grpcclient"
	"github.com/example/kyc-flow/internal/handlers"
	"github.com/example/kyc-flow/internal/kycapi"
	"github.com/example/kyc-flow/internal/logging"
	"github.com/example/kyc-flow/internal/metrics"
	"github.com/example/kyc-flow/internal/reference"
	"github.com/example/kyc-flow/internal/repository"
	"github.com/example/kyc-flow/internal/session"
	"github.com/example/kyc-flow/internal/wizard"
)

type cli struct {
	v   *viper.Viper
	cfg *config.Config
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if err := config.BindFlags(c.v, cmd.Flags()); err != nil {
		return err
	}
	c.cfg, err = config.Load(c.v, configFile)
	return err
}

func (c *cli) serve(cmd *cobra.Command, args []string) error {
	cfg := c.cfg

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.Development {
		logger, err = logging.NewDevelopmentLogger()
	} else {
		logger, err = logging.NewLogger()
	}
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	table, err := loadReference(cfg.Reference.File)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.KYC.Timeout}
	backend := kycapi.NewClient(cfg.KYC.BaseURL, httpClient, logger)

	var classifier capture.Classifier = backend
	if cfg.Classifier.Transport == config.TransportGRPC {
		grpcClassifier, conn, err := grpcclient.DialClassifier(ctx, cfg.Classifier.GRPCAddr, logger)
		if err != nil {
			return fmt.Errorf("connect to classifier: %w", err)
		}
		defer conn.Close()
		classifier = grpcClassifier
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deps := wizard.Dependencies{
		Templates:  wizard.NewCachedTemplates(backend, cfg.Cache.TemplateTTL),
		Classifier: classifier,
		Submitter:  backend,
		OCR:        backend,
		Reference:  table,
		Previews:   session.NewPreviewCache(cfg.Cache.PreviewTTL),
		Metrics:    metrics.New(reg),
		StatusTTL:  cfg.Cache.StatusTTL,
	}

	if cfg.Database.DSN != "" {
		db, err := initDatabase(ctx, cfg.Database.DSN, cfg.Log.Development)
		if err != nil {
			return err
		}
		repo := repository.NewAttemptRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		deps.Attempts = repo
	} else {
		logger.Warn("database DSN empty, capture attempts will not be persisted")
	}

	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient, err := initRedis(redisCtx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		deps.Status = wizard.NewRedisCache(redisClient)
	} else {
		logger.Warn("redis address empty, status snapshots are disabled")
	}

	svc := wizard.NewService(deps, logger)
	defer svc.Shutdown()

	r := gin.Default()
	r.MaxMultipartMemory = cfg.HTTP.MaxFrameBytes
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	authMiddleware := auth.JWTMiddleware(cfg.JWT.Secret, cfg.JWT.Audience)
	handlers.RegisterRoutes(r, svc, authMiddleware, logger, cfg.HTTP.MaxFrameBytes)

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: r,
	}

	logger.Info("kyc flow API listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("classifier_transport", cfg.Classifier.Transport),
		zap.Int("reference_entries", table.Len()),
	)
	return serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger)
}

type flowOptions struct {
	template      string
	country       string
	documentType  string
	referenceFile string
}

func (o *flowOptions) run(cmd *cobra.Command, args []string) error {
	table, err := loadReference(o.referenceFile)
	if err != nil {
		return err
	}
	return printFlow(cmd.OutOrStdout(), table, o.template, o.country, o.documentType)
}

// printFlow writes the effective flow for a comma separated template and a
// selection, one step per line.
func printFlow(w io.Writer, table *reference.Table, template, country, documentType string) error {
	var tokens []string
	for _, token := range strings.Split(template, ",") {
		if token = strings.TrimSpace(token); token != "" {
			tokens = append(tokens, token)
		}
	}
	steps := flow.Recompute(flow.ParseTemplate(tokens), country, documentType, table)
	if len(steps) == 0 {
		_, err := fmt.Fprintln(w, "empty flow")
		return err
	}

	res := flow.Resolve(table, country, documentType)
	if _, err := fmt.Fprintf(w, "modality=%s requires_back=%t found=%t\n", res.Modality, res.RequiresBack, res.Found); err != nil {
		return err
	}
	for i, step := range steps {
		screen := flow.Describe(step)
		if _, err := fmt.Fprintf(w, "%d\t%s\t%s\n", i, step.ID(), screen.Name); err != nil {
			return err
		}
	}
	return nil
}

func newRootCommand() *cobra.Command {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:           "kycflow",
		Short:         "Identity verification wizard service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the wizard HTTP API",
		PreRunE: c.setupConfig,
		RunE:    c.serve,
	}
	config.RegisterFlags(serveCmd.Flags())

	opts := &flowOptions{}
	flowCmd := &cobra.Command{
		Use:   "flow",
		Short: "Print the effective flow for a template and selection",
		RunE:  opts.run,
	}
	flowCmd.Flags().StringVar(&opts.template, "template", "country_selection,document_type,selfie,captureidfront,document_back,scanning,thankyou", "comma separated flow template")
	flowCmd.Flags().StringVar(&opts.country, "country", "", "ISO alpha-3 country code")
	flowCmd.Flags().StringVar(&opts.documentType, "document-type", "", "document type code")
	flowCmd.Flags().StringVar(&opts.referenceFile, "reference-file", "", "reference table JSON; empty uses the embedded table")

	root.AddCommand(serveCmd, flowCmd)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadReference(path string) (*reference.Table, error) {
	if path == "" {
		return reference.Default(), nil
	}
	table, err := reference.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load reference table: %w", err)
	}
	return table, nil
}

func initDatabase(ctx context.Context, dsn string, verbose bool) (*gorm.DB, error) {
	level := gormlogger.Warn
	if verbose {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
