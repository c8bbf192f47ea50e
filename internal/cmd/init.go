package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nshotdev/nshot/internal/config"
	"github.com/nshotdev/nshot/internal/store"
	"github.com/nshotdev/nshot/internal/workspace"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize nshot in the current repository",
	Long: `Initialize nshot in the current git repository.
This creates a .nshot data directory for task manifests, checkpoints, and
workspaces, and writes a starter config file if none exists.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	// Find the git repository root (may be in a parent directory)
	repoRoot, err := workspace.FindGitRoot(cwd)
	if err != nil {
		return fmt.Errorf("not a git repository (or any parent up to mount point)")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dataDir := cfg.Paths.ResolveDataDir(repoRoot)
	if _, err := store.New(dataDir); err != nil {
		return fmt.Errorf("failed to initialize data directory: %w", err)
	}

	// Write a starter config unless one already exists.
	cfgPath := config.ConfigFile()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := os.MkdirAll(config.ConfigDir(), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := viper.SafeWriteConfigAs(cfgPath); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Printf("Config file written: %s\n", cfgPath)
	}

	fmt.Println("nshot initialized successfully!")
	fmt.Printf("Data directory: %s\n", dataDir)
	return nil
}
