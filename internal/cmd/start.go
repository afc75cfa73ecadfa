package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hpcgrid/sessionbroker/internal/broker"
	"github.com/hpcgrid/sessionbroker/internal/config"
	"github.com/hpcgrid/sessionbroker/internal/errors"
	"github.com/hpcgrid/sessionbroker/internal/session"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Create a session and host its broker",
	Long: `Create a new session on the head node and host its broker in this process.

The session is closed when the process is interrupted. A durable session
can instead be detached with --detach: its state is kept on disk and a
later 'sessionbroker attach' recreates the broker from it.

Only one debug session may be live at a time.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var (
	startDurable  bool
	startDetach   bool
	startHeadNode string
	startService  string
	startMinUnits int
	startMaxUnits int
)

func init() {
	startCmd.Flags().BoolVar(&startDurable, "durable", false, "Create a durable session (overrides broker.mode)")
	startCmd.Flags().BoolVar(&startDetach, "detach", false, "Exit after creating a durable session instead of hosting it")
	startCmd.Flags().StringVar(&startHeadNode, "head-node", "", "Head node to target (overrides broker.head_node)")
	startCmd.Flags().StringVar(&startService, "service", "", "Service name the session runs")
	startCmd.Flags().IntVar(&startMinUnits, "min-units", 0, "Minimum resource units")
	startCmd.Flags().IntVar(&startMaxUnits, "max-units", 0, "Maximum resource units (0 = unbounded)")
	rootCmd.AddCommand(startCmd)
}

// sessionOverrides applies the flags start and attach share.
func sessionOverrides(durable bool, headNode string) func(*config.Config) {
	return func(c *config.Config) {
		if durable {
			c.Broker.Mode = session.KindDurable.String()
		}
		if headNode != "" {
			c.Broker.HeadNode = headNode
		}
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(sessionOverrides(startDurable, startHeadNode))
	if err != nil {
		return err
	}
	if startDetach && cfg.Broker.Kind() != session.KindDurable {
		return fmt.Errorf("--detach requires a durable session")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	info := session.StartInfo{
		Identity:    cfg.Broker.Identity(),
		ServiceName: startService,
		MinUnits:    startMinUnits,
		MaxUnits:    startMaxUnits,
	}
	s, err := a.launcher.Create(ctx, info)
	if err != nil {
		return withRetryHint(fmt.Errorf("failed to start session: %w", err))
	}

	printSummary(cmd.OutOrStdout(), "Session started", sessionFields(s))
	return host(ctx, cmd, a, s, startDetach)
}

// host keeps s alive until ctx ends or its broker goes idle and then closes
// it, or detaches it at once when detach is set.
func host(ctx context.Context, cmd *cobra.Command, a *app, s *session.Session, detach bool) error {
	w := cmd.OutOrStdout()

	if detach {
		if err := a.launcher.Detach(context.WithoutCancel(ctx), s.ID); err != nil {
			return fmt.Errorf("failed to detach session: %w", err)
		}
		fmt.Fprintf(w, "Session %s detached. Reattach with: sessionbroker attach --durable -- %s\n", s.ID, s.ID)
		return nil
	}

	var idle <-chan struct{}
	if b, ok := s.Broker.(broker.Idler); ok {
		idle = b.Idle()
	}

	fmt.Fprintf(w, "Hosting session %s. Press Ctrl+C to close it.\n", s.ID)
	select {
	case <-ctx.Done():
	case <-idle:
		fmt.Fprintf(w, "Session %s had no attach for %s.\n", s.ID, a.cfg.Broker.IdleTimeout)
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.launcher.Close(closeCtx, s.ID); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	fmt.Fprintf(w, "Session %s closed.\n", s.ID)
	return nil
}

// withRetryHint tells the user whether running the command again can help.
func withRetryHint(err error) error {
	switch {
	case errors.IsFatal(err):
		return fmt.Errorf("%w (fatal, do not retry)", err)
	case errors.IsRetryable(err):
		return fmt.Errorf("%w (retryable)", err)
	}
	return err
}
