package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pabawi/pabawi/config"
	"github.com/pabawi/pabawi/errors"
	"github.com/pabawi/pabawi/execution"
)

// StatusCmd queries a running server for its queue snapshot
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the queue status of a running Pabawi server",
	Long: `Query a running server's /api/queue/status endpoint and print the
running count, free slots and waiting executions. The server address
comes from the same configuration the serve command uses, or --addr.`,
	RunE: runStatus,
}

var (
	statusAddr string
	statusJSON bool
)

func init() {
	StatusCmd.Flags().StringVar(&statusAddr, "addr", "", "Server address (default from config, e.g. http://127.0.0.1:8040)")
	StatusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "Print the raw snapshot as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}
		addr = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/api/queue/status")
	if err != nil {
		return errors.Wrapf(err, "failed to reach server at %s", addr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("server returned %s", resp.Status)
	}

	var snap execution.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return errors.Wrap(err, "failed to decode queue status")
	}

	if statusJSON {
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to format JSON")
		}
		fmt.Println(string(out))
		return nil
	}

	printSnapshot(snap)
	return nil
}

func printSnapshot(snap execution.Snapshot) {
	pterm.DefaultSection.Println("Queue Status")
	pterm.Printf("  Running:   %d / %d\n", snap.Running, snap.Limit)
	pterm.Printf("  Available: %d\n", snap.Available)
	pterm.Printf("  Queued:    %d\n", snap.Queued)

	if len(snap.QueuedList) == 0 {
		return
	}

	pterm.Println()
	rows := pterm.TableData{{"ID", "Kind", "Targets", "Waiting"}}
	for _, item := range snap.QueuedList {
		rows = append(rows, []string{
			shortID(item.ID),
			item.Kind,
			item.Targets,
			(time.Duration(item.WaitTimeMs) * time.Millisecond).Round(time.Second).String(),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
