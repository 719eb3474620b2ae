package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "hookd",
		Short: "hookd - hook coordination engine daemon",
		Long:  "hookd runs the persistent background process that plugins and the CLI contact to execute configured hooks.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (optional, flags/env override)")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
