package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/session"
)

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach to a session and host its broker",
	Long: `Attach to an existing session and host its broker in this process.

A durable debug session that is no longer live is recreated from the state
a previous 'sessionbroker start --durable' left on disk. Attaching fails if
another live process still hosts it.

The debug session id is -1; pass it after "--" so it is not read as a flag:
  sessionbroker attach --durable -- -1`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

var (
	attachDurable  bool
	attachDetach   bool
	attachHeadNode string
)

func init() {
	attachCmd.Flags().BoolVar(&attachDurable, "durable", false, "Attach as a durable client (overrides broker.mode)")
	attachCmd.Flags().BoolVar(&attachDetach, "detach", false, "Exit after attaching to a durable session instead of hosting it")
	attachCmd.Flags().StringVar(&attachHeadNode, "head-node", "", "Head node to target (overrides broker.head_node)")
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(sessionOverrides(attachDurable, attachHeadNode))
	if err != nil {
		return err
	}
	if attachDetach && cfg.Broker.Kind() != session.KindDurable {
		return fmt.Errorf("--detach requires a durable session")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.launcher.Restore(ctx); err != nil {
		return withRetryHint(fmt.Errorf("failed to restore session state: %w", err))
	}

	info := session.AttachInfo{
		Identity:  cfg.Broker.Identity(),
		SessionID: args[0],
	}
	s, err := a.launcher.Attach(ctx, info)
	if err != nil {
		if errors.IsNotFound(err) {
			return fmt.Errorf("session %s has finished, start a new one with 'sessionbroker start': %w", args[0], err)
		}
		return withRetryHint(fmt.Errorf("failed to attach: %w", err))
	}

	printSummary(cmd.OutOrStdout(), "Attached to session", sessionFields(s))
	return host(ctx, cmd, a, s, attachDetach)
}
