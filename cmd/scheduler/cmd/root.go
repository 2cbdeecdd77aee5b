package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/batchflow/internal/common"
	commonconfig "github.com/G-Research/batchflow/internal/common/config"
	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/scheduler/configuration"
)

const (
	CustomConfigLocation string = "config"
	LogLevel             string = "logLevel"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scheduler",
		SilenceUsage: true,
		Short:        "The batchflow job and recipe scheduler",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			common.SetLogLevel(viper.GetString(LogLevel))
		},
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	cmd.PersistentFlags().String(LogLevel, "info", "Log level (debug, info, warn or error)")
	common.BindCommandlineArguments(cmd.PersistentFlags())

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		pruneDbCmd(),
		validateRecipeCmd(),
		sendCmd(),
		purgeCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	if _, err := common.LoadConfig(&config, "./config/scheduler", userSpecifiedConfigs); err != nil {
		return config, err
	}

	err := commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}

// useCommandLineFormatter logs bare messages, for commands run by hand.
func useCommandLineFormatter(_ *cobra.Command, _ []string) {
	log.SetFormatter(&logging.CommandLineFormatter{})
}
