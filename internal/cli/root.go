// Package cli is the fleetsched command line: it runs a node and talks to a
// running node's HTTP API.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"fleetsched/internal/app"
	"fleetsched/pkg/logx"
)

// globals holds the persistent flags and what PersistentPreRun builds from them.
type globals struct {
	server   string
	debug    bool
	logLevel string

	log    logx.Logger
	client *Client
}

// defaultServer returns the API base URL, preferring FLEETSCHED_SERVER.
func defaultServer() string {
	if s := os.Getenv("FLEETSCHED_SERVER"); s != "" {
		return s
	}
	return "http://127.0.0.1:8080"
}

// NewRootCmd builds the command tree. opts reach the node built by "run",
// which is how an embedding binary adds its own executors.
func NewRootCmd(opts ...app.Option) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "fleetsched",
		Short: "Distributed job scheduler",
		Long:  "fleetsched runs scheduler nodes that share a task store and submits, inspects and links tasks on a running fleet.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.debug {
				g.logLevel = "debug"
			}
			g.log = logx.NewWriter(cmd.ErrOrStderr(), g.logLevel)
			g.client = NewClient(g.server, g.log)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&g.server, "server", defaultServer(), "node API URL (or FLEETSCHED_SERVER env)")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "client log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(opts),
		newConfigCmd(),
		newSubmitCmd(g),
		newGetCmd(g),
		newListCmd(g),
		newDepsCmd(g),
		newStatsCmd(g),
		newNodesCmd(g),
		newErrorsCmd(g),
	)
	return root
}
