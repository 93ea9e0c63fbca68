// shieldsync - shielded wallet sync and transaction lifecycle CLI
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/shieldsync/kernel"
	"github.com/colorfulnotion/shieldsync/kernel/devkernel"
	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/orchard/wallet"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.close(closeCtx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shieldsync",
		Short: "Shielded wallet sync and transaction lifecycle engine",
		Long: `shieldsync tracks shielded balances by applying confirmed blocks through a
cryptographic kernel, derives receiving addresses, and builds, finalizes or
discards shielded transactions.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "shieldsync.toml", "Path to the TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVar(&a.debugModules, "debug", "", "Comma separated modules to enable debug logging for")

	rootCmd.AddCommand(
		newInitCmd(a),
		newListCmd(a),
		newSyncCmd(a),
		newAddressCmd(a),
		newBalanceCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newRewindCmd(a),
		newConsoleCmd(a),
		newDevKernelCmd(a),
	)
	return rootCmd
}

func newInitCmd(a *app) *cobra.Command {
	var (
		seed       string
		viewingKey string
		account    uint32
		birthday   uint64
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a wallet from a seed, or a view-only wallet from a viewing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := a.kernelClient(ctx)
			if err != nil {
				return err
			}
			var w *wallet.Wallet
			if viewingKey != "" {
				if seed != "" {
					return errors.New("--seed and --viewing-key are mutually exclusive")
				}
				w, err = wallet.NewViewOnly(ctx, client, viewingKey, birthday, a.cfg.IsTestnet())
			} else {
				if seed == "" {
					if seed, err = wallet.GenerateSeed(); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Generated seed: %s\n", seed)
				}
				w, err = wallet.New(ctx, client, wallet.FreshParams{
					Seed:         seed,
					AccountIndex: account,
					Birthday:     birthday,
					IsTestnet:    a.cfg.IsTestnet(),
				})
			}
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			if _, err := st.GetSnapshot(w.ID); err == nil {
				return fmt.Errorf("wallet %s already exists", w.ID)
			}
			if err := st.PutSnapshot(w.ID, w.Save(), true); err != nil {
				return err
			}
			if w.HasSpendingKey() {
				sk, err := client.DeriveSpendingKey(ctx, seed, kernel.CoinType(a.cfg.IsTestnet()), account)
				if err != nil {
					return err
				}
				if err := a.writeSpendingKey(w.ID, sk); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wallet %s created at height %d\n", w.ID, w.LastProcessedBlock())
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "Hex seed (random when omitted)")
	cmd.Flags().StringVar(&viewingKey, "viewing-key", "", "Create a view-only wallet for this viewing key")
	cmd.Flags().Uint32Var(&account, "account", 0, "Account index")
	cmd.Flags().Uint64Var(&birthday, "birthday", 0, "Height to start scanning from")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored wallets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			ids, err := st.ListWallets()
			if err != nil {
				return err
			}
			for _, id := range ids {
				snap, err := st.GetSnapshot(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s height=%d notes=%d testnet=%t\n", id, snap.LastProcessedBlock, len(snap.UnspentNotes), snap.IsTestnet)
			}
			return nil
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	var (
		blocksDir string
		to        uint64
		follow    bool
	)
	cmd := &cobra.Command{
		Use:   "sync [wallet-id]",
		Short: "Apply confirmed blocks from a block directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := a.loadWallet(ctx, args)
			if err != nil {
				return err
			}
			r, err := a.runner(w, blocksDir)
			if err != nil {
				return err
			}
			if follow {
				err := r.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			var applied int
			if to > 0 {
				applied, err = r.SyncTo(ctx, to)
			} else {
				applied, err = r.Sync(ctx)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d blocks, height %d, balance %d\n", applied, w.LastProcessedBlock(), w.ConfirmedBalance())
			return err
		},
	}
	cmd.Flags().StringVar(&blocksDir, "blocks", "blocks", "Directory of <height>.json blocks")
	cmd.Flags().Uint64Var(&to, "to", 0, "Stop at this height (default: highest available)")
	cmd.Flags().BoolVar(&follow, "follow", false, "Keep polling for new blocks")
	return cmd
}

func newAddressCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "address [wallet-id]",
		Short: "Derive a new receiving address",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := a.loadWallet(ctx, args)
			if err != nil {
				return err
			}
			addr, err := w.GetNewAddress(ctx)
			if err != nil {
				return err
			}
			if err := a.persist(w); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr)
			return nil
		},
	}
}

func newBalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [wallet-id]",
		Short: "Show confirmed balance and sync height",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.loadWallet(cmd.Context(), args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wallet %s height %d confirmed %d notes %d\n",
				w.ID, w.LastProcessedBlock(), w.ConfirmedBalance(), len(w.UnspentNotes()))
			return nil
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file> [wallet-id]",
		Short: "Write a wallet snapshot to a JSON file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.loadWallet(cmd.Context(), args[1:])
			if err != nil {
				return err
			}
			if err := wallet.SaveSnapshotToFile(w.Save(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported wallet %s at height %d\n", w.ID, w.LastProcessedBlock())
			return nil
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a wallet snapshot (view-only until a spending key is loaded)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := wallet.LoadSnapshotFromFile(args[0])
			if err != nil {
				return err
			}
			if snap.IsTestnet != a.cfg.IsTestnet() {
				return fmt.Errorf("snapshot does not belong to %s", a.cfg.Network)
			}
			client, err := a.kernelClient(cmd.Context())
			if err != nil {
				return err
			}
			w, err := wallet.Restore(client, snap)
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			if err := st.PutSnapshot(w.ID, w.Save(), true); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported wallet %s at height %d\n", w.ID, w.LastProcessedBlock())
			return nil
		},
	}
}

func newRewindCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rewind <height> [wallet-id]",
		Short: "Reset a wallet to its newest checkpoint at or below height",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			height, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid height: %w", err)
			}
			id, err := a.resolveWalletID(args[1:])
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			cp, err := st.CheckpointAtOrBelow(id, height)
			if err != nil {
				return fmt.Errorf("checkpoint for %s at or below %d: %w", id, height, err)
			}
			if err := st.PutSnapshot(id, cp, false); err != nil {
				return err
			}
			log.Info(log.CLIMonitoring, "Rewound wallet", "wallet", id, "height", cp.LastProcessedBlock)
			fmt.Fprintf(cmd.OutOrStdout(), "Wallet %s rewound to height %d\n", id, cp.LastProcessedBlock)
			return nil
		},
	}
}

func newDevKernelCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "devkernel",
		Short: "Serve the development kernel over websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := &http.Server{Addr: listen, Handler: kernel.ServeWS(devkernel.New()), ReadHeaderTimeout: 5 * time.Second}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			log.Info(log.CLIMonitoring, "Development kernel listening", "addr", listen)

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8546", "Listen address")
	return cmd
}
