package cmd

import (
	"fmt"
	"github.com/ValentinKolb/smtc/cmd/send"
	"github.com/ValentinKolb/smtc/cmd/serve"
	"github.com/ValentinKolb/smtc/cmd/stat"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "smtc",
		Short: "queue decoupled tcp message transport",
		Long: fmt.Sprintf(`smtc (v%s)

A bidirectional message transport for linux services. Receive services
accept tcp connections and hand every message to a handler through a
bounded set of shared queues, send services queue messages locally and
move them to their peer over self healing connections.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of smtc",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("smtc v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(send.SendCommands)
	RootCmd.AddCommand(stat.StatCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
