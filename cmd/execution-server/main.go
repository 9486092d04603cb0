package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/administration"
	"github.com/Aidin1998/pincex_execution/internal/clock"
	"github.com/Aidin1998/pincex_execution/internal/compliance"
	"github.com/Aidin1998/pincex_execution/internal/config"
	"github.com/Aidin1998/pincex_execution/internal/definitions"
	"github.com/Aidin1998/pincex_execution/internal/trading/driver"
	"github.com/Aidin1998/pincex_execution/internal/trading/messaging"
	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/repository"
	"github.com/Aidin1998/pincex_execution/internal/trading/servlet"
	"github.com/Aidin1998/pincex_execution/internal/trading/transport"
	"github.com/Aidin1998/pincex_execution/internal/trading/uid"
	"github.com/Aidin1998/pincex_execution/pkg/logger"
	"github.com/Aidin1998/pincex_execution/pkg/telemetry"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	issueToken := flag.String("issue-token", "", "print a token for the named account and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if *issueToken != "" {
		token, err := transport.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, nil).
			IssueToken(*issueToken)
		if err != nil {
			zapLogger.Fatal("Failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("Execution server failed", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
}

// closer collects shutdown steps and runs them in reverse order.
type closer struct {
	logger *zap.Logger
	steps  []func() error
	names  []string
}

func (c *closer) add(name string, step func() error) {
	c.names = append(c.names, name)
	c.steps = append(c.steps, step)
}

func (c *closer) run() {
	for i := len(c.steps) - 1; i >= 0; i-- {
		if err := c.steps[i](); err != nil {
			c.logger.Error("Failed to stop component", zap.String("component", c.names[i]), zap.Error(err))
		}
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	shutdown := &closer{logger: zapLogger}
	defer shutdown.run()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Tracing:     cfg.Tracing.Enabled,
		Metrics:     cfg.Tracing.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	shutdown.add("telemetry", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdownTelemetry(ctx)
	})

	directory, err := administration.LoadDirectory(cfg.Directory)
	if err != nil {
		return fmt.Errorf("failed to load directory: %w", err)
	}
	store, db, err := openStore(cfg.Database, zapLogger)
	if err != nil {
		return err
	}
	uids, err := openUIDs(ctx, cfg.Redis, shutdown)
	if err != nil {
		return err
	}
	var feed messaging.Feed = messaging.NopFeed{}
	if cfg.Kafka.Enabled {
		feed = messaging.NewKafkaFeed(messaging.DefaultKafkaFeedConfig(cfg.Kafka.Brokers, cfg.Kafka.Topic), zapLogger)
	}

	c := clock.System{}
	var orderDriver driver.Driver = driver.NewSimulationDriver(c, zapLogger)
	if cfg.Compliance.Enabled {
		orderDriver, err = openCompliance(ctx, cfg.Compliance, directory, db, orderDriver, c, zapLogger, shutdown)
		if err != nil {
			return err
		}
	}

	sessionStart, err := cfg.Session.StartOn(time.Now())
	if err != nil {
		return err
	}
	s := servlet.New(servlet.Dependencies{
		Locator:        directory,
		Administration: directory,
		UIDs:           uids,
		Driver:         orderDriver,
		Store:          store,
		Feed:           feed,
		Clock:          c,
		Markets:        definitions.NewMarketDatabase(cfg.Definitions.Markets),
		Destinations:   definitions.NewDestinationDatabase(cfg.Definitions.Markets),
		SessionStart:   sessionStart,
	}, zapLogger)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	if cfg.Server.GRPCHealthAddr != "" {
		listener, err := net.Listen("tcp", cfg.Server.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCHealthAddr, err)
		}
		go func() {
			if err := grpcServer.Serve(listener); err != nil {
				zapLogger.Error("gRPC health server failed", zap.Error(err))
			}
		}()
		shutdown.add("grpc health", func() error {
			grpcServer.GracefulStop()
			return nil
		})
	}

	if err := s.Open(ctx); err != nil {
		return err
	}
	shutdown.add("servlet", s.Close)

	auth := transport.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, directory)
	server := transport.NewServer(s, auth, transport.ServerConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Server.SendBuffer,
		Tracing:        cfg.Tracing.Enabled,
	}, zapLogger)
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	shutdown.add("transport", func() error {
		server.Close()
		return nil
	})
	shutdown.add("http", func() error {
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(ctx)
	})

	errCh := make(chan error, 1)
	go func() {
		zapLogger.Info("Starting execution server", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	select {
	case <-ctx.Done():
		zapLogger.Info("Shutting down server...")
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}
}

func openStore(cfg config.DatabaseConfig, zapLogger *zap.Logger) (repository.DataStore, *gorm.DB, error) {
	if cfg.Driver == "memory" {
		return repository.NewInMemoryRepository(), nil, nil
	}
	db, err := repository.OpenDatabase(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	store, err := repository.NewGormRepository(db, zapLogger)
	if err != nil {
		return nil, nil, err
	}
	return store, db, nil
}

func openUIDs(ctx context.Context, cfg config.RedisConfig, shutdown *closer) (uid.Client, error) {
	if !cfg.Enabled {
		return uid.NewLocalClient(1), nil
	}
	client, err := uid.NewRedisConnection(ctx, cfg.Address, cfg.Password, cfg.DB)
	if err != nil {
		return nil, err
	}
	shutdown.add("redis", client.Close)
	return uid.NewRedisClient(client, cfg.UIDKey), nil
}

// openCompliance wraps inner with the compliance rule set. Violations are audited in the order
// database, or in a separate SQLite database when orders are kept in memory.
func openCompliance(ctx context.Context, cfg config.ComplianceConfig, directory *administration.Directory,
	db *gorm.DB, inner driver.Driver, c clock.Clock, zapLogger *zap.Logger, shutdown *closer) (driver.Driver, error) {
	if db == nil {
		dsn := cfg.AuditDSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		var err error
		if db, err = repository.OpenDatabase("sqlite", dsn); err != nil {
			return nil, err
		}
	}
	violations, err := compliance.NewGormViolationStore(db, zapLogger)
	if err != nil {
		return nil, err
	}
	rules, err := compliance.NewBadgerRuleStore(cfg.BadgerPath)
	if err != nil {
		return nil, err
	}
	service := compliance.NewService(rules, violations, zapLogger)
	if err := service.Open(ctx); err != nil {
		rules.Close()
		return nil, err
	}
	shutdown.add("compliance service", service.Close)
	for _, rule := range cfg.Rules {
		entry, err := findSeedEntry(ctx, directory, rule)
		if err != nil {
			return nil, err
		}
		if err := service.Seed(ctx, entry, rule.State, rule.Schema); err != nil {
			return nil, fmt.Errorf("failed to seed %s rule on %s: %w", rule.Schema.Name, entry, err)
		}
	}
	var groupNames []string
	if len(cfg.TradingGroups) > 0 {
		groupNames = cfg.TradingGroups
	}
	ruleSet := compliance.NewRuleSet(service, directory, compliance.NewBuilder(c), c, groupNames, zapLogger)
	shutdown.add("compliance rule set", func() error {
		ruleSet.Close()
		return nil
	})
	return compliance.NewCheckDriver(inner, ruleSet, c, zapLogger), nil
}

func findSeedEntry(ctx context.Context, directory *administration.Directory, rule config.SeedRule) (model.DirectoryEntry, error) {
	if rule.Account != "" {
		return directory.FindAccount(ctx, rule.Account)
	}
	return directory.FindDirectory(ctx, rule.Directory)
}

func init() {
	if os.Getenv("GIN_MODE") == "" {
		os.Setenv("GIN_MODE", "release")
	}
}
