package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/colorfulnotion/shieldsync/config"
	"github.com/colorfulnotion/shieldsync/kernel"
	"github.com/colorfulnotion/shieldsync/kernel/devkernel"
	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/orchard/store"
	"github.com/colorfulnotion/shieldsync/orchard/syncer"
	"github.com/colorfulnotion/shieldsync/orchard/wallet"
	"github.com/colorfulnotion/shieldsync/telemetry"
)

// app holds the process-wide resources shared by subcommands. Resources are
// opened lazily and released by close.
type app struct {
	configPath   string
	logLevel     string
	debugModules string

	cfg     *config.Config
	store   *store.Store
	bridge  *kernel.Bridge
	client  *kernel.Client
	closers []func(context.Context) error
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	if _, err := log.ParseLevel(level); err != nil {
		return err
	}
	log.InitLogger(level)
	log.EnableModules(cfg.DebugModules)
	log.EnableModules(a.debugModules)

	shutdown, err := telemetry.Init(ctx, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(log.CLIMonitoring, "metrics server failed", "addr", cfg.MetricsAddress, "err", err)
			}
		}()
		a.closers = append(a.closers, srv.Shutdown)
	}
	return nil
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Warn(log.CLIMonitoring, "shutdown", "err", err)
		}
	}
	a.closers = nil
}

func (a *app) openStore() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := os.MkdirAll(a.cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	st, err := store.Open(a.cfg.StorePath())
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })
	return st, nil
}

// dialKernel connects to the configured kernel.
func dialKernel(ctx context.Context, url string) (kernel.Conn, error) {
	if url == config.DevKernelURL {
		return kernel.NewLocalConn(devkernel.New()), nil
	}
	return kernel.DialWS(ctx, url)
}

func (a *app) kernelClient(ctx context.Context) (*kernel.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	conn, err := dialKernel(ctx, a.cfg.KernelURL)
	if err != nil {
		return nil, fmt.Errorf("connect kernel %s: %w", a.cfg.KernelURL, err)
	}
	a.bridge = kernel.NewBridge(conn)
	a.client = kernel.NewClient(a.bridge, a.cfg.KernelTimeout())
	a.closers = append(a.closers, func(context.Context) error { return a.bridge.Close() })
	return a.client, nil
}

func (a *app) keyPath(id string) string {
	return filepath.Join(a.cfg.DataDir, "keys", id+".key")
}

func (a *app) writeSpendingKey(id, sk string) error {
	path := a.keyPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sk+"\n"), 0o600)
}

// resolveWalletID returns args[0], or the only stored wallet when no id is
// given.
func (a *app) resolveWalletID(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	st, err := a.openStore()
	if err != nil {
		return "", err
	}
	ids, err := st.ListWallets()
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", errors.New("no wallets; run init first")
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("%d wallets stored, specify one of: %s", len(ids), strings.Join(ids, ", "))
}

func (a *app) loadWallet(ctx context.Context, args []string) (*wallet.Wallet, error) {
	id, err := a.resolveWalletID(args)
	if err != nil {
		return nil, err
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	snap, err := st.GetSnapshot(id)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", id, err)
	}
	if snap.IsTestnet != a.cfg.IsTestnet() {
		return nil, fmt.Errorf("wallet %s does not belong to %s", id, a.cfg.Network)
	}
	client, err := a.kernelClient(ctx)
	if err != nil {
		return nil, err
	}
	return wallet.Restore(client, snap)
}

// loadSpendingKey attaches the key written by init, if any.
func (a *app) loadSpendingKey(ctx context.Context, w *wallet.Wallet) error {
	data, err := os.ReadFile(a.keyPath(w.ID))
	if err != nil {
		return fmt.Errorf("read spending key: %w", err)
	}
	return w.LoadSpendingKey(ctx, strings.TrimSpace(string(data)))
}

func (a *app) persist(w *wallet.Wallet) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	return st.PutSnapshot(w.ID, w.Save(), false)
}

func (a *app) runner(w *wallet.Wallet, blocksDir string) (*syncer.Runner, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return syncer.NewRunner(w, syncer.DirSource{Dir: blocksDir}, st, syncer.Config{
		CheckpointInterval: a.cfg.CheckpointInterval,
		KeepCheckpoints:    a.cfg.KeepCheckpoints,
		PollInterval:       a.cfg.PollInterval(),
	}), nil
}
