package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/prepstream/interview-engine/internal/bootstrap"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "interviewctl",
	Short: "Interview session engine",
	Long:  `interviewctl runs the client-side real-time engine for a voice-driven interview: transport, audio, video, recording and upload.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an interview session until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bootstrap.Run(cfgFile)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("interviewctl v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars with prefix INTERVIEW_ override")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
