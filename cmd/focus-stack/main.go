package main

import (
	"os"

	"github.com/charlie-x/focus-stack/internal/cli"
	"github.com/charlie-x/focus-stack/internal/config"
	"github.com/charlie-x/focus-stack/internal/logging"
	"github.com/charlie-x/focus-stack/internal/storage"
)

func main() {
	cfg, err := config.Load(os.Getenv("FOCUS_STACK_CONFIG"))
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	var store *storage.Store
	if cfg.Paths.HistoryDB != "" {
		store, err = storage.New(config.ExpandHome(cfg.Paths.HistoryDB))
		if err != nil {
			log.Warn("run history disabled", "error", err)
			store = nil
		} else {
			defer store.Close()
		}
	}

	rootCmd := cli.NewRootCmd(cfg, log, store)
	if err := rootCmd.Execute(); err != nil {
		log.Error("command failed", "error", err)
		os.Exit(1)
	}
}
