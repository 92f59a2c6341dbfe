// Package cli builds the hivemindd command tree. The heavy lifting lives in
// pkg/comms; what is here is flag handling, config resolution and output
// formatting.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var help = `Hivemind is a coordination bus for multi-agent sessions. Agents connect to
a local WebSocket hub, register a role, and exchange targeted sends and
broadcasts with delivery acknowledgements. Traffic that cannot be routed is
queued on disk and replayed when its target registers, and a bridge relay can
forward messages between devices.

The hub is started in the foreground with:

hivemindd serve

Log output goes to stderr. Queued state and config.yml live under the
coordination root (see "hivemindd serve --help").`

// OnlySubcommands is a cobra.PositionalArgs that is similar to cobra.NoArgs,
// but prints a better error message.
func OnlySubcommands(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return nil
	}
	err := fmt.Errorf("invalid subcommand %q", args[0])
	if cmd.SuggestionsMinimumDistance <= 0 {
		cmd.SuggestionsMinimumDistance = 2
	}
	if suggestions := cmd.SuggestionsFor(args[0]); len(suggestions) > 0 {
		err = fmt.Errorf("%w\nDid you mean one of these?\n\t%s", err, strings.Join(suggestions, "\n\t"))
	}
	return cmd.FlagErrorFunc()(cmd, err)
}

// RunSubcommands is for use as a cobra.Command.RunE for commands that don't
// do anything themselves but have subcommands. In such cases, it is important
// to set RunE even though there's nothing to run, because otherwise cobra
// will treat that as "success", and it shouldn't be "success" if the user
// typos a command and types something invalid.
func RunSubcommands(cmd *cobra.Command, args []string) error {
	cmd.HelpFunc()(cmd, args)
	return nil
}

// Command returns the top level "hivemindd" CLI command.
func Command(ctx context.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hivemindd",
		Args:          OnlySubcommands,
		Short:         "Coordination bus for multi-agent sessions",
		Long:          help,
		RunE:          RunSubcommands,
		SilenceErrors: true, // main() will handle it after .ExecuteContext() returns
		SilenceUsage:  true, // https://github.com/spf13/cobra/issues/340
	}
	rootCmd.AddCommand(
		serveCommand(ctx),
		workerCommand(),
		statusCommand(),
		versionCommand(),
	)
	rootCmd.InitDefaultHelpCmd()
	return rootCmd
}
