package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	protocol "irsvenue/config"
	"irsvenue/core/events"
	"irsvenue/crypto"
	"irsvenue/internal/passphrase"
	"irsvenue/native/funding"
	"irsvenue/native/irs"
	"irsvenue/native/rateindex"
	"irsvenue/observability"
	"irsvenue/observability/logging"
	telemetry "irsvenue/observability/otel"
	"irsvenue/services/irsd/config"
	"irsvenue/services/irsd/feeder"
	"irsvenue/services/irsd/indexer"
	"irsvenue/services/irsd/server"
	"irsvenue/storage"
)

var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/irsd/config.yaml", "path to irsd config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("irsd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("IRS_ENV"))
	logger, logCloser := logging.SetupFile("irsd", env, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   true,
	}, logging.ParseLevel(cfg.Log.Level))
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "irsd",
		Environment: env,
		Version:     version,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	proto, err := protocol.Load(cfg.Protocol)
	if err != nil {
		return fmt.Errorf("load protocol config: %w", err)
	}
	owner, _, operator, err := proto.Principals()
	if err != nil {
		return err
	}
	if err := verifyOwnerKey(cfg, proto, owner); err != nil {
		return err
	}

	dataDir := cfg.DataDir
	if strings.TrimSpace(dataDir) == "" {
		dataDir = proto.DataDir
	}
	db, err := storage.NewLevelDB(filepath.Join(dataDir, "venue"))
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	venue := irs.NewVenue(db, operator)
	pauses := proto.Global.PauseSet()
	venue.SetPauses(pauses)
	venue.SetQuota(proto.Global.QuotaLimits())

	idx, err := indexer.Open(cfg.Indexer.Driver, cfg.Indexer.DSN, logger)
	if err != nil {
		return err
	}
	defer idx.Close()
	hub := server.NewHub()
	venue.SetEmitter(events.NewFanout(idx, hub, observability.NewEventMetrics()))

	if err := bootstrap(venue, proto, owner, logger); err != nil {
		return err
	}

	secret := os.Getenv(cfg.Auth.HMACSecretEnv)
	logger.Info("irsd configured",
		slog.String("owner", owner.String()),
		slog.String("operator", operator.String()),
		logging.MaskField("jwt_secret", secret),
		slog.Int("sources", len(cfg.Feeder.Sources)))

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Owner:         owner,
		RateLimit:     server.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		Auth: server.AuthConfig{
			HMACSecret: secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
	}, venue, idx, hub, pauses, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var feed *feeder.Feeder
	if len(cfg.Feeder.Sources) > 0 {
		var closeFeed func()
		if feed, closeFeed, err = buildFeeder(cfg, venue, logger); err != nil {
			return err
		}
		defer closeFeed()
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Run(ctx) })
	if feed != nil {
		group.Go(func() error { return feed.Run(ctx) })
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("irsd stopped")
	return nil
}

// verifyOwnerKey decrypts the owner keystore and checks it matches the
// configured owner address.
func verifyOwnerKey(cfg config.Config, proto *protocol.Config, owner crypto.Address) error {
	path := cfg.Keystore.Path
	if strings.TrimSpace(path) == "" {
		path = proto.OwnerKeystorePath
	}
	source := passphrase.NewSource(cfg.Keystore.PassphraseEnv, passphrase.WithLabel("owner keystore passphrase"), passphrase.AllowEmpty())
	pass, err := source.Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return fmt.Errorf("load owner keystore: %w", err)
	}
	if got := key.PubKey().Address(); !got.Equal(owner) {
		return fmt.Errorf("owner keystore holds %s, config names %s", got, owner)
	}
	return nil
}

// bootstrap applies the protocol config on first start and registers any
// configured pools that are not yet known.
func bootstrap(venue *irs.Venue, proto *protocol.Config, owner crypto.Address, logger *slog.Logger) error {
	boot, err := proto.Bootstrap()
	if err != nil {
		return err
	}
	switch err := venue.Bootstrap(boot); {
	case err == nil:
		logger.Info("venue bootstrapped", slog.Int("collateral", len(boot.Collateral)))
	case errors.Is(err, rateindex.ErrAlreadyInitialized):
		logger.Info("venue already bootstrapped")
	default:
		return err
	}
	pools, err := proto.PoolConfigs()
	if err != nil {
		return err
	}
	for _, entry := range pools {
		_, err := venue.InitializePool(owner, entry.Key, entry.Config)
		switch {
		case err == nil:
			logger.Info("pool initialized", slog.String("pool", events.IDString(entry.Key.ID())))
		case errors.Is(err, funding.ErrPoolExists):
		default:
			return fmt.Errorf("initialize pool %s: %w", events.IDString(entry.Key.ID()), err)
		}
	}
	return nil
}

func buildFeeder(cfg config.Config, venue *irs.Venue, logger *slog.Logger) (*feeder.Feeder, func(), error) {
	cache, err := feeder.OpenCache(cfg.Feeder.CachePath, &bolt.Options{Timeout: cfg.Feeder.Timeout.Duration})
	if err != nil {
		return nil, nil, err
	}
	client := &http.Client{Timeout: cfg.Feeder.Timeout.Duration}
	sources := make([]feeder.Source, 0, len(cfg.Feeder.Sources))
	for _, src := range cfg.Feeder.Sources {
		reporter, err := crypto.DecodeAddress(src.Reporter)
		if err != nil {
			_ = cache.Close()
			return nil, nil, fmt.Errorf("feeder source %s: %w", src.Name, err)
		}
		sources = append(sources, feeder.NewHTTPSource(client, src.Name, reporter, src.Endpoint, src.RateKey, src.TimeKey, src.Headers))
	}
	feed, err := feeder.New(venue, cache, sources, cfg.Feeder.Interval.Duration, cfg.Feeder.Timeout.Duration, feeder.WithLogger(logger))
	if err != nil {
		_ = cache.Close()
		return nil, nil, err
	}
	return feed, func() { _ = cache.Close() }, nil
}
