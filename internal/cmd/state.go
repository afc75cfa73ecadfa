package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hpcgrid/sessionbroker/internal/config"
	"github.com/hpcgrid/sessionbroker/internal/session/persist"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect persisted durable session state",
	Long: `Inspect the state durable sessions leave on disk.

State files live in persist.dir (default: ~/.config/sessionbroker/state).
Files written by a newer, unsupported schema version are reported but
never interpreted.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions with persisted state",
	Args:  cobra.NoArgs,
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the persisted state of a session as YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a state file and print it as YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateCheck,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateCheckCmd)
}

func openStore() (*persist.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return persist.NewOsStore(cfg.Persist.ResolveDir(), nil)
}

func runStateList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	ids, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintf(w, "No persisted sessions in %s\n", store.Dir())
		return nil
	}

	for _, id := range ids {
		st, err := store.Load(cmd.Context(), id)
		if err != nil {
			printWarning(w, fmt.Sprintf("%s\tunreadable: %v", id, err))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.SessionID, st.Kind, st.SavedAt.Local().Format(time.RFC3339), hostStatus(store, id))
	}
	return nil
}

// hostStatus describes which process, if any, hosts id.
func hostStatus(store *persist.Store, id string) string {
	lock, alive := persist.HostedBy(store.Fs(), store.Dir(), id)
	switch {
	case lock == nil:
		return "detached"
	case alive:
		return fmt.Sprintf("hosted by PID %d on %s", lock.PID, lock.Hostname)
	default:
		return "stale host lock"
	}
}

func runStateShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	st, err := store.Load(cmd.Context(), args[0])
	if err != nil {
		return withRetryHint(err)
	}
	return writeYAML(cmd, st)
}

func runStateCheck(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}
	st, err := persist.Decode("", data)
	if err != nil {
		return withRetryHint(err)
	}
	return writeYAML(cmd, st)
}

func writeYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return enc.Close()
}
