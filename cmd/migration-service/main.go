package main

import (
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/lmittmann/tint"

	"github.com/driftworks/migration-service/internal"
	"github.com/driftworks/migration-service/internal/api"
	"github.com/driftworks/migration-service/internal/engine"
	"github.com/driftworks/migration-service/internal/registry"
	"github.com/driftworks/migration-service/internal/server"
	"github.com/driftworks/migration-service/internal/sink"
	"github.com/driftworks/migration-service/internal/sink/clickhouse"
	mysqlsink "github.com/driftworks/migration-service/internal/sink/mysql"
	postgressink "github.com/driftworks/migration-service/internal/sink/postgres"
	"github.com/driftworks/migration-service/internal/source"
	"github.com/driftworks/migration-service/internal/source/devops"
	"github.com/driftworks/migration-service/internal/source/mssql"
	mysqlsource "github.com/driftworks/migration-service/internal/source/mysql"
	postgressource "github.com/driftworks/migration-service/internal/source/postgres"
	"github.com/driftworks/migration-service/internal/source/zoho"
)

//nolint:gochecknoglobals,revive // build variables
var (
	commit string = "unspecified"
	app    string = "unspecified"
)

type config struct {
	LogFormat    string     `default:"json" split_words:"true"`
	LogLevel     slog.Level `default:"info" split_words:"true"`
	LogAddSource bool       `default:"false" split_words:"true"`
	LogFilePath  string     `split_words:"true"`

	ServerAddr            string        `default:"0.0.0.0:5011" split_words:"true"`
	ServerReadTimeout     time.Duration `default:"30s" split_words:"true"`
	ServerWriteTimeout    time.Duration `default:"4h" split_words:"true"`
	ServerIdleTimeout     time.Duration `default:"5m" split_words:"true"`
	ServerShutdownTimeout time.Duration `default:"30s" split_words:"true"`
}

func main() {
	var cfg config
	err := envconfig.Process("migration", &cfg)
	if err != nil {
		slog.Error("unable to parse config", slog.Any("error", err))
		os.Exit(1)
	}

	if err := mainErr(&cfg); err != nil {
		slog.Error("Service stopped with error", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("Service terminated gracefully")
}

func mainErr(cfg *config) error {
	var logOut io.Writer
	var logFile io.WriteCloser
	var err error

	switch cfg.LogFilePath {
	case "":
		logOut = os.Stdout
	default:
		fileflags := os.O_WRONLY | os.O_APPEND | os.O_CREATE
		logFile, err = os.OpenFile(cfg.LogFilePath, fileflags, os.FileMode(0o600))
		if err != nil {
			slog.Error("unable to setup logfile", slog.Any("error", err))
			os.Exit(1)
		}
		defer logFile.Close()

		logOut = io.MultiWriter(os.Stdout, logFile)
	}

	log := configureLogger(cfg, logOut)

	reg := newRegistry(log)
	eng := engine.New(reg, engine.DefaultConfig(), log)

	handler := api.NewRouter(log, reg, eng)

	apiServer := server.New(
		cfg.ServerAddr,
		server.Timeouts{
			Read:  cfg.ServerReadTimeout,
			Write: cfg.ServerWriteTimeout,
			Idle:  cfg.ServerIdleTimeout,
		},
		log,
		handler,
	)

	log.Info("starting migration service",
		slog.Any("available_sources", reg.Sources()),
		slog.Any("available_destinations", reg.Sinks()),
	)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
		return nil
	case <-shutdown:
		log.Info("Received termination signal - service will shutdown")

		if err := apiServer.Shutdown(cfg.ServerShutdownTimeout); err != nil {
			log.Error("failed to shutdown server", slog.Any("error", err))
		}

		return nil
	}
}

func newRegistry(log *slog.Logger) *registry.Registry {
	reg := registry.New(log)

	reg.RegisterSource(internal.SourcePostgres, func(log *slog.Logger) source.Source { return postgressource.New(log) })
	reg.RegisterSource(internal.SourceMySQL, func(log *slog.Logger) source.Source { return mysqlsource.New(log) })
	reg.RegisterSource(internal.SourceSQLServer, func(log *slog.Logger) source.Source { return mssql.New(log) })
	reg.RegisterSource(internal.SourceZoho, func(log *slog.Logger) source.Source { return zoho.New(log) })
	reg.RegisterSource(internal.SourceDevOps, func(log *slog.Logger) source.Source { return devops.New(log) })

	reg.RegisterSink(internal.DestClickHouse, func(log *slog.Logger) sink.Sink { return clickhouse.New(log) })
	reg.RegisterSink(internal.DestPostgres, func(log *slog.Logger) sink.Sink { return postgressink.New(log) })
	reg.RegisterSink(internal.DestMySQL, func(log *slog.Logger) sink.Sink { return mysqlsink.New(log) })

	return reg
}

func configureLogger(cfg *config, logOut io.Writer) *slog.Logger {
	//nolint: exhaustruct // optional config
	logOpts := &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogAddSource,
	}

	var logHandler slog.Handler
	switch cfg.LogFormat {
	case "json":
		logHandler = slog.NewJSONHandler(logOut, logOpts)
	default:
		//nolint:exhaustruct // optional config
		logHandler = tint.NewHandler(logOut, &tint.Options{
			AddSource:  cfg.LogAddSource,
			Level:      cfg.LogLevel,
			TimeFormat: time.Kitchen,
		})
	}

	log := slog.New(logHandler)

	return log.With(
		slog.String("app", app),
		slog.String("commit_hash", commit),
		slog.String("goversion", runtime.Version()),
	)
}
