// Command veriflow runs the OpenID Connect / OAuth2 authorization server:
// wiring the actor store, crypto key ring, client registry, flow engine,
// and every protocol endpoint (C1-C14) behind a single HTTP surface.
//
// Grounded on dex's cmd/dex: the commandRoot/commandServe/
// commandVersion cobra scaffolding and the oklog/run graceful multi-
// listener shutdown pattern in serve.go survive unchanged in spirit;
// logging is rebuilt on logrus (pkg/log.Logger) rather than dex's
// log/slog, since every internal component here already speaks that
// interface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "veriflow",
		Short: "An OpenID Connect identity provider",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	rootCmd.AddCommand(commandServe())
	rootCmd.AddCommand(commandVersion())
	return rootCmd
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
}
