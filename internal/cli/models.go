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
	rootCmd.AddCommand(modelsCmd)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models configured on the running daemon",
	Long:  `Queries GET /v1/models on a running Infergate daemon and prints each configured model name.`,
	RunE:  runModels,
}

type modelsResponse struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
		Created int64  `json:"created"`
	} `json:"data"`
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/v1/models", cfg.API.Host, cfg.API.Port)
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

	var list modelsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if len(list.Data) == 0 {
		fmt.Println("no models configured")
		return nil
	}
	for _, m := range list.Data {
		if m.Created > 0 {
			fmt.Printf("%s\t(pulled %s)\n", m.ID, time.Unix(m.Created, 0).Format(time.RFC3339))
		} else {
			fmt.Println(m.ID)
		}
	}
	return nil
}
