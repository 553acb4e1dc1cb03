package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "revtun",
	Short: "revtun - reverse HTTP tunnel",
	Long:  `A reverse HTTP tunnel: a public server and an outbound-dialing agent that exposes a loopback service through it.`,
}

func init() {
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewAgentCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
