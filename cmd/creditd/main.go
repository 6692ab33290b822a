package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"creditnet/config"
	"creditnet/core/node"
	"creditnet/crypto"
	"creditnet/network"
	"creditnet/observability/logging"
	"creditnet/storage"
	"creditnet/storage/sqlstore"
)

func main() {
	configPath := flag.String("config", "creditnet.toml", "path to the configuration file")
	memory := flag.Bool("memory", false, "use the in-memory store (state is lost on exit)")
	flag.Parse()

	if err := run(*configPath, *memory); err != nil {
		fmt.Fprintln(os.Stderr, "creditd:", err)
		os.Exit(1)
	}
}

func run(configPath string, memory bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.Setup("creditd", cfg.Environment)

	key, err := hubIdentity(cfg)
	if err != nil {
		return fmt.Errorf("hub identity: %w", err)
	}
	log.Info("hub identity loaded", "pid", key.PubKey().PID())

	var store storage.Store
	if memory {
		store = storage.NewMemStore()
	} else {
		dsn := cfg.StorageDSN
		if dsn == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return err
			}
			dsn = filepath.Join(cfg.DataDir, "creditnet.db")
		}
		store, err = sqlstore.Open(dsn)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
	}
	defer store.Close()

	dynamic := config.NewDynamic(cfg)
	hub := node.New(log, dynamic, store)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer hub.Stop()

	server := network.NewServer(cfg.ListenAddress, cfg.MetricsAddress, hub, log)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// hubIdentity loads the hub's signing key from the keystore, creating one on
// first start. The passphrase comes from CREDITNET_KEYSTORE_PASSPHRASE.
func hubIdentity(cfg *config.Config) (*crypto.PrivateKey, error) {
	path := cfg.KeystorePath
	if path == "" {
		path = filepath.Join(cfg.DataDir, "keystore.json")
	}
	passphrase := os.Getenv("CREDITNET_KEYSTORE_PASSPHRASE")
	key, err := crypto.LoadFromKeystore(path, passphrase)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	key, err = crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveToKeystore(path, key, passphrase); err != nil {
		return nil, err
	}
	return key, nil
}
