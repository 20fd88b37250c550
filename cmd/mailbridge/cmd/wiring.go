package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/mailbridge/bridge"
	"github.com/jmcleod/mailbridge/crypto"
	"github.com/jmcleod/mailbridge/internal/config"
	"github.com/jmcleod/mailbridge/session"
	"github.com/jmcleod/mailbridge/storage"
	bboltstorage "github.com/jmcleod/mailbridge/storage/bbolt"
	"github.com/jmcleod/mailbridge/storage/memory"
	"github.com/jmcleod/mailbridge/storage/postgres"
	"github.com/jmcleod/mailbridge/storage/sqlite"
	"github.com/jmcleod/mailbridge/vault"
	"github.com/jmcleod/mailbridge/webmail"
)

// openRepository opens the configured credential store. The returned close
// function is never nil.
func openRepository(ctx context.Context, cfg config.Config) (storage.Repository, func() error, error) {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		return memory.NewRepository(), func() error { return nil }, nil
	case config.StorageBbolt:
		if err := ensureDir(cfg.Storage.Path); err != nil {
			return nil, nil, err
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Storage.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bbolt storage: %w", err)
		}
		return repo, repo.Close, nil
	case config.StorageSQLite:
		if err := ensureDir(cfg.Storage.Path); err != nil {
			return nil, nil, err
		}
		repo, err := sqlite.Open(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite storage: %w", err)
		}
		return repo, repo.Close, nil
	case config.StoragePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres storage: %w", err)
		}
		return repo, func() error { repo.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// openSessions builds the host session provider. The returned close
// function is never nil.
func openSessions(ctx context.Context, cfg config.Config, logger *slog.Logger) (session.Provider, func(), error) {
	switch cfg.Session.Backend {
	case config.SessionMemory:
		p := session.NewMemoryProvider(cfg.Session.MaxAge, cfg.Session.IdleTimeout)
		return p, p.Close, nil
	case config.SessionRedis:
		key, err := cfg.Session.Redis.Key()
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.Redis.Addr,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		p, err := session.NewRedisProvider(client, key, cfg.Session.IdleTimeout, logger.With("component", "sessions"))
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return p, func() {
			p.Close()
			client.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session backend %q", cfg.Session.Backend)
	}
}

func newVault(cfg config.Config, repo storage.Repository, logger *slog.Logger) (*vault.CredentialVault, error) {
	params, err := crypto.Argon2idProfile(cfg.Crypto.KDFProfile)
	if err != nil {
		return nil, err
	}
	return vault.New(repo,
		vault.WithKeyBits(cfg.Crypto.KeyBits),
		vault.WithKDFParams(params),
		vault.WithLogger(logger.With("component", "vault")),
	), nil
}

// newBridge builds the webmail bridge. All Roundcube clients share one HTTP
// transport.
func newBridge(cfg *config.Config, logger *slog.Logger) *bridge.Bridge {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Webmail.NoSSLVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	clientLogger := slog.New(slog.DiscardHandler)
	if cfg.Webmail.Debug {
		clientLogger = logger.With("component", "webmail")
	}
	factory := webmail.RoundcubeFactory(
		webmail.WithHTTPClient(&http.Client{Transport: transport}),
		webmail.WithTimeout(cfg.Webmail.Timeout),
		webmail.WithLogger(clientLogger),
		webmail.WithUserAgent("mailbridge/"+Version),
	)
	policy := bridge.Policy{MaxAttempts: bridge.DefaultPolicy.MaxAttempts, Delay: cfg.Webmail.RetryDelay}
	return bridge.New(factory, cfg,
		bridge.WithLoginPolicy(policy),
		bridge.WithRefreshPolicy(policy),
		bridge.WithLogger(logger.With("component", "bridge")),
	)
}
