package main

import (
	"fmt"
	"os"

	"github.com/kaibyao/pgrest/pkg/config"
	"github.com/spf13/cobra"
)

var cfgFile string
var logLevel string
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "pgrest",
	Short: "pgrest serves a PostgreSQL database as a schema-less REST API",
	Long:  `pgrest exposes every reachable table of a PostgreSQL database over HTTP, with foreign-key traversal via dotted-path notation and no schema configuration required.`,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(config.Version)
			return
		}
		cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pgrest.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log level (debug, info, warn, error, none)")
	rootCmd.PersistentFlags().BoolP("version", "v", false, "print the version number")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}
}
