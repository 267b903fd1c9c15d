// Command starling is the host process for the runtime: it loads a JS
// script, wires up the event loop and fetch pipeline, and serves
// incoming HTTP requests as FetchEvents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bytecodealliance/starling-go/internal/buildinfo"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "starling",
	Short: "starling-go — a JS runtime for the WASI HTTP proxy world",
	Long: `starling-go embeds a JS engine behind the WASI 0.2 HTTP proxy
shape: a script registers a "fetch" listener on self, and every
incoming request is dispatched to it as a FetchEvent.

Run 'starling run <script.js>' to serve a script, or 'starling version'
to print build information.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (searches default locations if unset)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.Info() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
