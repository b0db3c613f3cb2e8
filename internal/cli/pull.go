package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/runlocal/infergate/internal/daemon"
	"github.com/runlocal/infergate/internal/domain"
	"github.com/runlocal/infergate/internal/downloader"
	"github.com/runlocal/infergate/internal/store"
)

func init() {
	rootCmd.AddCommand(pullCmd)
}

var pullCmd = &cobra.Command{
	Use:   "pull <model>",
	Short: "Download a configured model's weight file",
	Long: `Downloads the weight file for a model named in config.toml to the
models directory and records it in the local model index. Models with a
URL are also fetched on demand the first time a request needs them;
pull just does it ahead of time.`,
	Args: cobra.ExactArgs(1),
	RunE: runPull,
}

func runPull(cmd *cobra.Command, args []string) error {
	name := args[0]

	cfg, err := daemon.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mc, ok := cfg.Models[name]
	if !ok {
		return fmt.Errorf("model %q is not configured; add a [models.%s] table to config.toml", name, name)
	}
	dc := mc.ToDomain(name, cfg.ModelsDir)

	st, err := store.Open(cfg.ModelsDir)
	if err != nil {
		return fmt.Errorf("open model index: %w", err)
	}
	defer st.Close()

	if _, err := os.Stat(dc.File); err == nil {
		fmt.Printf("%s already present at %s\n", name, dc.File)
		return recordPull(st, name, dc.File)
	}

	if dc.URL == "" {
		return fmt.Errorf("model %q has no url configured and %s does not exist", name, dc.File)
	}

	dl := downloader.New()
	lastPct := -1.0
	err = dl.Ensure(cmd.Context(), dc.URL, dc.File, func(status string, pct float64) {
		if pct-lastPct >= 1 {
			fmt.Printf("\r%s %.0f%%", status, pct)
			lastPct = pct
		}
	})
	fmt.Println()
	if err != nil {
		return fmt.Errorf("download %q: %w", name, err)
	}

	fmt.Printf("pulled %s to %s\n", name, dc.File)
	return recordPull(st, name, dc.File)
}

func recordPull(st *store.Store, name, path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}
	return st.Upsert(domain.ModelFileRecord{
		Name:      name,
		Path:      path,
		SizeBytes: stat.Size(),
		PulledAt:  time.Now(),
	})
}
