package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "accepticon",
	Short: "Collect mixed notes and render them into Mermaid diagrams",
	Long: `accepticon collects text, audio, and image notes, transcribes and
captions them in the background, and renders selected sets of notes into
Mermaid diagrams through an OpenAI-compatible API.

Start the server with "accepticon serve", then add notes and request
diagrams with the other subcommands or over the HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the accepticon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("accepticon", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(
		serveCmd,
		stopCmd,
		statusCmd,
		messageCmd,
		importCmd,
		transcribeCmd,
		diagramCmd,
		jobsCmd,
		configCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
