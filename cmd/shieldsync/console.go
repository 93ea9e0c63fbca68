package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dop251/goja"
	"github.com/spf13/cobra"

	"github.com/colorfulnotion/shieldsync/log"
	"github.com/colorfulnotion/shieldsync/orchard/syncer"
	"github.com/colorfulnotion/shieldsync/orchard/wallet"
)

// console binds one wallet to a JavaScript VM. Pending transactions only
// live as long as the console, since snapshots never carry them.
type console struct {
	ctx     context.Context
	wallet  *wallet.Wallet
	runner  *syncer.Runner
	persist func(*wallet.Wallet) error
	out     io.Writer
	vm      *goja.Runtime
}

func newConsole(ctx context.Context, w *wallet.Wallet, r *syncer.Runner, persist func(*wallet.Wallet) error, out io.Writer) *console {
	c := &console{ctx: ctx, wallet: w, runner: r, persist: persist, out: out, vm: goja.New()}
	c.bind()
	return c
}

// throw raises err as a JavaScript exception.
func (c *console) throw(err error) {
	panic(c.vm.NewGoError(err))
}

func (c *console) bind() {
	w := c.wallet
	c.vm.Set("print", func(args ...goja.Value) {
		for _, arg := range args {
			fmt.Fprintln(c.out, arg.Export())
		}
	})
	c.vm.Set("id", func() string { return w.ID })
	c.vm.Set("height", func() uint64 { return w.LastProcessedBlock() })
	c.vm.Set("balance", func() map[string]interface{} {
		return map[string]interface{}{
			"confirmed": w.ConfirmedBalance(),
			"pending":   w.PendingBalance(),
		}
	})
	c.vm.Set("pending", func() []string { return w.PendingTransactions() })
	c.vm.Set("address", func() string {
		addr, err := w.GetNewAddress(c.ctx)
		if err != nil {
			c.throw(err)
		}
		if err := c.persist(w); err != nil {
			c.throw(err)
		}
		return addr
	})
	c.vm.Set("sync", func(call goja.FunctionCall) goja.Value {
		var (
			applied int
			err     error
		)
		if h := call.Argument(0); goja.IsUndefined(h) {
			applied, err = c.runner.Sync(c.ctx)
		} else {
			applied, err = c.runner.SyncTo(c.ctx, uint64(h.ToInteger()))
		}
		if err != nil {
			c.throw(err)
		}
		return c.vm.ToValue(applied)
	})
	c.vm.Set("send", func(to string, amount int64, change string) map[string]interface{} {
		if amount <= 0 {
			c.throw(fmt.Errorf("amount must be positive"))
		}
		created, err := w.CreateTransaction(c.ctx, wallet.TxRequest{
			Destination:   to,
			Amount:        uint64(amount),
			Inputs:        wallet.ShieldedInputs,
			ChangeAddress: change,
		})
		if err != nil {
			c.throw(err)
		}
		return map[string]interface{}{
			"txid":       created.TxID,
			"raw":        created.Raw,
			"nullifiers": created.Nullifiers,
		}
	})
	c.vm.Set("finalize", func(txid string) {
		if err := w.FinalizeTransaction(c.ctx, txid); err != nil {
			c.throw(err)
		}
		if err := c.persist(w); err != nil {
			c.throw(err)
		}
	})
	c.vm.Set("discard", func(txid string) { w.DiscardTransaction(txid) })
	c.vm.Set("progress", func() float64 {
		p, err := w.ProofProgress(c.ctx)
		if err != nil {
			c.throw(err)
		}
		return p
	})
	c.vm.Set("save", func() {
		if err := c.persist(w); err != nil {
			c.throw(err)
		}
	})
}

// eval runs one line of JavaScript.
func (c *console) eval(line string) (goja.Value, error) {
	return c.vm.RunString(line)
}

func newConsoleCmd(a *app) *cobra.Command {
	var (
		blocksDir string
		spend     bool
	)
	cmd := &cobra.Command{
		Use:   "console [wallet-id]",
		Short: "Interactive JavaScript console bound to a wallet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := a.loadWallet(ctx, args)
			if err != nil {
				return err
			}
			if spend {
				if err := a.loadSpendingKey(ctx, w); err != nil {
					return err
				}
			}
			r, err := a.runner(w, blocksDir)
			if err != nil {
				return err
			}
			c := newConsole(ctx, w, r, a.persist, cmd.OutOrStdout())

			rl, err := readline.NewEx(&readline.Config{
				Prompt:      "shieldsync> ",
				HistoryFile: filepath.Join(os.TempDir(), "shieldsync_console_history.txt"),
			})
			if err != nil {
				return fmt.Errorf("failed to start readline: %w", err)
			}
			defer rl.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Wallet %s at height %d (spending: %t)\n", w.ID, w.LastProcessedBlock(), w.HasSpendingKey())
			fmt.Fprintln(cmd.OutOrStdout(), "Functions: id height balance pending address sync send finalize discard progress save print. Type 'exit' to quit.")
			for {
				line, err := rl.Readline()
				if err != nil {
					break
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if line == "exit" {
					break
				}
				value, err := c.eval(line)
				if err != nil {
					fmt.Fprintln(cmd.OutOrStdout(), "error:", err)
					continue
				}
				if value != nil && !goja.IsUndefined(value) {
					fmt.Fprintln(cmd.OutOrStdout(), value.Export())
				}
			}
			if pending := w.PendingTransactions(); len(pending) > 0 {
				log.Warn(log.CLIMonitoring, "Exiting with pending transactions; they are not persisted", "wallet", w.ID, "pending", len(pending))
			}
			return a.persist(w)
		},
	}
	cmd.Flags().StringVar(&blocksDir, "blocks", "blocks", "Directory of <height>.json blocks")
	cmd.Flags().BoolVar(&spend, "spend", false, "Load the wallet's spending key")
	return cmd
}
