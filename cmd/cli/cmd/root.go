package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "srmctl",
	Short: "srmctl is a command line tool for the srmjobs request engine",
	Long: `srmctl is the command-line interface for the srmjobs storage request engine.

srmjobs persists storage requests as jobs. A controller accepts submissions
and answers status queries; schedulers claim the queued work, run it under a
lease and retry it on transient failures.

Common workflows:

  Stage files (a container request with one file request per target):
    srmctl submit --type get --owner alice --file srm://se.example.org/data/a --file srm://se.example.org/data/b

  Reserve space:
    srmctl submit --type reserve --owner alice --attr size=1073741824

  Check a request or a single file request:
    srmctl status <id>

  List unfinished requests of an owner:
    srmctl list --owner alice --state queued,running,retrywait

  Cancel a request and its unfinished file requests:
    srmctl cancel <id> --reason "no longer needed"

Configuration:
  Set the controller endpoint via flag, environment variable or config file:
    SRM_URL    Controller URL (default: http://localhost:6161)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".srmctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".srmctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "SRM_VARNAME"
	viper.SetEnvPrefix("SRM")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.srmctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "srmjobs controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
