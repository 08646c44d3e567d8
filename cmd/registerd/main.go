package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/bond-register/internal/access"
	"github.com/example/bond-register/internal/api"
	"github.com/example/bond-register/internal/archive"
	"github.com/example/bond-register/internal/auth"
	"github.com/example/bond-register/internal/blob"
	"github.com/example/bond-register/internal/broker"
	"github.com/example/bond-register/internal/config"
	"github.com/example/bond-register/internal/crypto"
	"github.com/example/bond-register/internal/register"
	"github.com/example/bond-register/internal/security"
	"github.com/example/bond-register/internal/settlement"
	"github.com/example/bond-register/internal/stream"
	"github.com/example/bond-register/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("registerd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	bond, err := config.LoadBondFile(cfg.BondFile)
	if err != nil {
		return err
	}
	terms, err := bond.Terms()
	if err != nil {
		return err
	}

	acl := access.NewManager()
	if err := bond.Apply(acl); err != nil {
		return fmt.Errorf("seed access: %w", err)
	}

	// Postgres serves both the archive and the OAuth client table.
	var pool *pgxpool.Pool
	if cfg.Archive.Driver == "postgres" {
		pool, err = pgxpool.New(ctx, cfg.Archive.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
	}

	var sinks []register.EventSink
	var arch *archive.Archive
	switch cfg.Archive.Driver {
	case "sqlite":
		backend, err := archive.OpenSQLite(ctx, cfg.Archive.SQLitePath)
		if err != nil {
			return err
		}
		defer backend.Close()
		if arch, err = archive.Open(ctx, backend, logger); err != nil {
			return err
		}
	case "postgres":
		backend := archive.NewPostgresBackend(pool)
		if err := backend.Migrate(ctx); err != nil {
			return err
		}
		if arch, err = archive.Open(ctx, backend, logger); err != nil {
			return err
		}
	}
	if arch != nil {
		if prior, err := arch.Entries(ctx, 0, 1); err == nil && len(prior) > 0 {
			logger.Warn("archive holds events from an earlier run; register starts from the bond file and archived snapshots stay authoritative")
		}
		sinks = append(sinks, arch)
	}

	if cfg.NATS.URL != "" {
		nc, err := broker.Connect(broker.Config{URL: cfg.NATS.URL, Name: "registerd"}, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		sinks = append(sinks, broker.NewSink(nc, cfg.NATS.SubjectPrefix))
	}

	if cfg.S3.Bucket != "" {
		client, err := blob.NewClient(ctx, blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		opts := []blob.PublisherOption{blob.WithPrefix(cfg.S3.Prefix), blob.WithLogger(logger)}
		if cfg.S3.ExportKey != "" {
			keyring, err := crypto.ParseKeyring(cfg.S3.ExportKeyID, cfg.S3.ExportKey)
			if err != nil {
				return err
			}
			opts = append(opts, blob.WithKeyring(keyring))
		}
		sinks = append(sinks, blob.NewPublisher(client, cfg.S3.Bucket, opts...))
	}

	hub := stream.NewHub(logger)
	sinks = append(sinks, hub)

	opts := []register.Option{register.WithLogger(logger), register.WithSinks(sinks...)}
	if bond.PrimaryAccount != "" {
		opts = append(opts, register.WithPrimaryAccount(bond.PrimaryAccount))
	}
	reg, err := register.New(terms, acl, opts...)
	if err != nil {
		return err
	}
	acl.OnChange(func(c access.Change) {
		reg.Emit(context.Background(), accessEvent(c))
	})

	store, err := clientStore(ctx, pool, bond.Clients)
	if err != nil {
		return err
	}
	keys, err := loadKeys(cfg.Auth.SigningKeyFile, logger)
	if err != nil {
		return err
	}

	allowlist, err := security.ParseAllowlist(cfg.IPAllowlist)
	if err != nil {
		return fmt.Errorf("REGISTER_IP_ALLOWLIST: %w", err)
	}

	var limiter *security.RateLimiter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rdb.Close()
		limiter = &security.RateLimiter{
			Redis:      rdb,
			Prefix:     "registerd",
			Capacity:   cfg.Redis.RateLimitBurst,
			RefillRate: cfg.Redis.RateLimitRPS,
		}
	}

	deps := api.Dependencies{
		Logger: logger,
		OAuth: &auth.OAuthServer{
			Store:          store,
			Keys:           keys,
			Issuer:         cfg.Auth.Issuer,
			Audience:       cfg.Auth.Audience,
			AccessTokenTTL: cfg.Auth.TokenTTL,
		},
		JWTValidator: &auth.JWTValidator{KeySet: keys, Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience},
		Register:     reg,
		Access:       acl,
		Book:         settlement.NewBook(),
		Stream:       hub.HandleWS,
		Auditor:      audit.NewChainLogger(),
		RateLimiter:  limiter,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
	if arch != nil {
		deps.Archive = arch
	}
	router, err := api.NewRouter(deps)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	tlsCfg := security.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile, ClientCAFile: cfg.TLS.ClientCAFile}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if tlsCfg.Enabled() {
		if srv.TLSConfig, err = security.LoadServerTLSConfig(tlsCfg); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := hub.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("bond register listening",
			"addr", cfg.HTTPAddr,
			"tls", tlsCfg.Enabled(),
			"isin", terms.ISIN,
			"archive", cfg.Archive.Driver,
		)
		var err error
		if tlsCfg.Enabled() {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// clientStore returns the OAuth client store, seeded from the bond file.
func clientStore(ctx context.Context, pool *pgxpool.Pool, specs []config.ClientSpec) (auth.ClientStore, error) {
	clients := make([]auth.Client, 0, len(specs))
	for _, s := range specs {
		clients = append(clients, auth.Client{ID: s.ClientID, SecretHash: s.SecretHash, Account: s.Account, Scopes: s.Scopes})
	}
	if pool == nil {
		return auth.NewMemoryClientStore(clients...), nil
	}

	store := &auth.PostgresClientStore{Pool: pool}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	for _, c := range clients {
		if err := store.Upsert(ctx, c); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func loadKeys(path string, logger *slog.Logger) (*auth.KeySet, error) {
	if path != "" {
		return auth.LoadKeySet(path)
	}
	logger.Warn("no signing key configured, generating an ephemeral one")
	return auth.NewKeySet()
}

func accessEvent(c access.Change) register.Event {
	e := register.Event{To: c.Account}
	switch {
	case c.Role != "" && c.Granted:
		e.Kind, e.Detail = register.EventRoleGranted, string(c.Role)
	case c.Role != "":
		e.Kind, e.Detail = register.EventRoleRevoked, string(c.Role)
	case c.Granted:
		e.Kind, e.Detail = register.EventWhitelisted, string(c.List)
	default:
		e.Kind, e.Detail = register.EventUnwhitelisted, string(c.List)
	}
	return e
}
