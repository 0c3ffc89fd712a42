package main

import (
	"os"
	"strings"

	"github.com/rewardmesh/rewardmesh/pkg/engine/engineConfig"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the reward accounting and payout authorization engine",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

var configFile string
var Config *engineConfig.EngineConfig

func init() {
	cobra.OnInitialize(initConfigIfPresent)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	rootCmd.PersistentFlags().Bool(engineConfig.Debug, false, `"true" or "false"`)
	rootCmd.PersistentFlags().Lookup(engineConfig.Debug)

	viper.SetEnvPrefix(engineConfig.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
}

func initConfigIfPresent() {
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			panic(err)
		}
		config, err := engineConfig.NewEngineConfigFromYamlBytes(data)
		if err != nil {
			panic(err)
		}
		Config = config
	} else {
		Config = engineConfig.NewEngineConfig()
	}
}

func main() {
	Execute()
}
