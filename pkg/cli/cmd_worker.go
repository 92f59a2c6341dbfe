package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/anamnesos/hivemind/pkg/comms"
	"github.com/anamnesos/hivemind/pkg/config"
	"github.com/anamnesos/hivemind/pkg/log"
	"github.com/anamnesos/hivemind/pkg/version"
)

// workerCommand returns the hidden sub-command that hosts the comms service
// for a parent hivemindd process. It is spawned by comms.Worker and driven
// entirely over stdin/stdout; there is no reason to run it by hand.
func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    comms.WorkerCommand,
		Args:   cobra.NoArgs,
		Short:  "Host the comms service for a parent process (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(c context.Context) error {
	// stdout is the control pipe to the parent. logrus writes to stderr, so
	// logging stays off the pipe.
	env, err := config.LoadEnv(c)
	if err != nil {
		return err
	}
	c = log.MakeBaseLogger(c, env.LogLevel)
	c = dgroup.WithGoroutineName(c, "/"+comms.WorkerCommand)

	dlog.Infof(c, "%s comms worker, PID %d", version.DisplayVersion(), os.Getpid())
	return comms.RunWorker(c, os.Stdin, os.Stdout)
}
