package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatvault/internal/api"
	"github.com/matheus3301/chatvault/internal/session"
)

type globals struct {
	Session string
	JSON    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		errorColor.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "chatvaultctl",
		Short:         "Control a chatvault archive daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.Session, "session", "", "session name (overrides config default)")
	root.PersistentFlags().BoolVar(&g.JSON, "json", false, "output in JSON format")

	root.AddCommand(
		newStatusCmd(g),
		newSyncCmd(g),
		newEmbedCmd(g),
		newSearchCmd(g),
		newJobsCmd(g),
		newChatsCmd(g),
		newCursorCmd(g),
		newFolderCmd(g),
		newRemoveCmd(g),
		newWatchCmd(g),
	)
	return root
}

// connect dials the daemon of the selected session. The returned func closes
// the connection.
func connect(g *globals) (*api.Client, func(), error) {
	name := session.Resolve(g.Session)
	if err := session.ValidateName(name); err != nil {
		return nil, nil, err
	}
	conn, err := api.Dial(session.SocketPath(name))
	if err != nil {
		return nil, nil, fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	return api.NewClient(conn), func() { _ = conn.Close() }, nil
}

// run connects and calls fn with the client.
func run(cmd *cobra.Command, g *globals, fn func(ctx context.Context, c *api.Client) error) error {
	c, closeConn, err := connect(g)
	if err != nil {
		return err
	}
	defer closeConn()
	return fn(cmd.Context(), c)
}
