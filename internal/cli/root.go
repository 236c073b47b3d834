// Package cli implements the engine command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	noColor bool
)

var (
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "TIARA automation engine",
	Long: `engine receives encrypted task envelopes over HTTP, runs them on a worker
pool and reports each outcome back to the deployment manager.

Run "engine serve" to start the HTTP server. The encrypt, decrypt and keygen
commands help operators produce and inspect envelopes.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version string for the CLI
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func success(w io.Writer, format string, args ...any) {
	successColor.Fprintf(w, "✓ "+format+"\n", args...)
}

func warn(w io.Writer, format string, args ...any) {
	warnColor.Fprintf(w, "! "+format+"\n", args...)
}

func info(w io.Writer, format string, args ...any) {
	infoColor.Fprintf(w, format+"\n", args...)
}

func plain(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}
