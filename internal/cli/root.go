package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultServer = "http://localhost:8080"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "inpaintctl",
	Short: "inpaintctl - control an inpainting orchestrator",
	Long: `inpaintctl submits inpainting jobs to an orchestrator, follows their
progress and inspects failures and retries.

The server address comes from --server, INPAINTD_SERVER or the config file.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.inpaintctl.yaml)")
	rootCmd.PersistentFlags().String("server", defaultServer, "orchestrator API URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.SetDefault("server", defaultServer)
}

func initConfig() {
	viper.SetEnvPrefix("INPAINTD")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".inpaintctl")
	}

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// GetServerURL returns the configured orchestrator URL
func GetServerURL() string {
	return strings.TrimRight(viper.GetString("server"), "/")
}

// IsVerbose returns whether verbose mode is enabled
func IsVerbose() bool {
	return verbose
}
