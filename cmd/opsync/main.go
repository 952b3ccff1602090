// opsync is the admin surface for the sync engine's local storage:
// inspect queue health, rebuild the entity index, and retry or purge
// archived operations.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Wei-Shaw/opsync/internal/config"
	infraerrors "github.com/Wei-Shaw/opsync/internal/pkg/errors"
	"github.com/Wei-Shaw/opsync/internal/pkg/logger"
)

// sysexits-style codes so scripts can tell operator mistakes from data
// problems from our own bugs.
const (
	exitOK       = 0
	exitUsage    = 64
	exitDataErr  = 65
	exitSoftware = 70
)

var (
	errUsage   = errors.New("usage error")
	errConfirm = errors.New("confirmation failed")
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		dbPath     string
	)

	root := &cobra.Command{
		Use:           "opsync",
		Short:         "Admin tooling for the offline operation sync queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "override storage.path from config")

	loadCfg := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		if dbPath != "" {
			cfg.Storage.Path = dbPath
		}
		if cfg.Storage.Path == "" {
			return config.Config{}, fmt.Errorf("no storage path: set storage.path or --db")
		}
		return *cfg, nil
	}

	root.AddCommand(
		newInspectCmd(loadCfg),
		newRebuildIndexCmd(loadCfg),
		newRetryFailedCmd(loadCfg),
		newPurgeFailedCmd(loadCfg),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "opsync:", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	if errors.Is(err, errUsage) {
		return exitUsage
	}
	if errors.Is(err, errConfirm) {
		return exitDataErr
	}
	switch infraerrors.Reason(err) {
	case "STORAGE", "STORE_SCHEMA_VERSION", "STORE_KEY_NOT_FOUND":
		return exitDataErr
	case "OP_NOT_FOUND", "LOCK_HELD":
		return exitDataErr
	}
	return exitSoftware
}

func initLogging(cfg config.Config) func() {
	err := logger.Init(logger.InitOptions{
		Level:  cfg.Log.Level,
		Format: "console",
		Output: logger.OutputOptions{ToStdout: false, ToFile: false},
	})
	if err != nil {
		// CLI output stays usable even if logging cannot start.
		return func() {}
	}
	return func() { logger.Sync() }
}
