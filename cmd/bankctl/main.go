// Command bankctl is the operator tool for a settlement node: key generation, key-set
// inspection, central bank registration and one-off reconciliation sweeps.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "bankctl",
		Short:         "Operate a settlement bank node",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(jwksCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(banksCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
