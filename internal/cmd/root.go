package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nshotdev/nshot/internal/config"
	"github.com/nshotdev/nshot/internal/errors"
)

var rootCmd = &cobra.Command{
	Use:   "nshot",
	Short: "N-approach pipeline orchestrator",
	Long: `Nshot fans a planning spec out into N independent candidate approaches,
builds each in an isolated git worktree, reviews and tests them in
parallel, and pauses at durable checkpoints for the operator to approve,
revise, or select.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// Process exit codes of the command surface.
const (
	ExitOK                   = 0
	ExitError                = 1
	ExitInvalidInput         = 2
	ExitNoSuchTask           = 3
	ExitCheckpointNotReached = 4
)

// ExitCode maps an error from Execute to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errors.ErrTaskNotFound):
		return ExitNoSuchTask
	case errors.Is(err, errors.ErrCheckpointNotReached):
		return ExitCheckpointNotReached
	case errors.Is(err, errors.ErrInvalidInput),
		errors.Is(err, errors.ErrDecisionInvalid),
		errors.Classify(err) == errors.ClassValidation:
		return ExitInvalidInput
	default:
		return ExitError
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/nshot/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/nshot")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("NSHOT")
	// Replace dots with underscores for nested keys in env vars
	// e.g., NSHOT_PIPELINE_MAX_PARALLEL for pipeline.max_parallel
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
