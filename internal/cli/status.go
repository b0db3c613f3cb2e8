package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/runlocal/infergate/internal/daemon"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's pool status",
	Long:  `Queries GET /status on a running Infergate daemon and prints slot state, queue depth, and in-flight requests.`,
	RunE:  runStatus,
}

type statusResponse struct {
	Slots []struct {
		Model   string    `json:"model"`
		State   string    `json:"state"`
		LastUse time.Time `json:"last_use"`
	} `json:"slots"`
	QueueDepth int `json:"queue_depth"`
	InFlight   int `json:"in_flight"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/status", cfg.API.Host, cfg.API.Port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is it running? try `infergate serve`): %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, body)
	}

	var status statusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	fmt.Printf("queue depth: %d   in flight: %d\n", status.QueueDepth, status.InFlight)
	if len(status.Slots) == 0 {
		fmt.Println("no model slots loaded")
		return nil
	}
	fmt.Println("MODEL\tSTATE\tLAST USE")
	for _, s := range status.Slots {
		fmt.Printf("%s\t%s\t%s\n", s.Model, s.State, s.LastUse.Format(time.RFC3339))
	}
	return nil
}
