package cli

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/anamnesos/hivemind/pkg/comms"
	"github.com/anamnesos/hivemind/pkg/config"
	"github.com/anamnesos/hivemind/pkg/filelocation"
	"github.com/anamnesos/hivemind/pkg/log"
	"github.com/anamnesos/hivemind/pkg/version"
)

type serveOptions struct {
	port      int
	coordRoot string
	inProcess bool
}

func serveCommand(ctx context.Context) *cobra.Command {
	defaultRoot, _ := filelocation.AppUserConfigDir(ctx)
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:  "serve",
		Args: cobra.NoArgs,

		Short: "Run the coordination hub in the foreground",
		Long: `The hub is a long-lived foreground process that agents connect to. It routes
targeted sends and broadcasts between registered roles, acknowledges every
delivery, queues what it cannot route, and relays cross-device traffic when a
bridge relay is configured.

Unless overridden, config.yml and queued state live under
    ` + defaultRoot + `
`,
		RunE: opts.run,
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func (o *serveOptions) addFlags(flags *pflag.FlagSet) {
	flags.IntVarP(&o.port, "port", "p", 0,
		"Listen port for the WebSocket hub. Defaults to the configured port.")
	flags.StringVarP(&o.coordRoot, "coord-root", "", "",
		"Coordination root directory holding config.yml and queued state.")
	flags.BoolVarP(&o.inProcess, "in-process", "", false,
		"Run the comms service inside this process instead of a supervised child.")
}

func (o *serveOptions) run(cmd *cobra.Command, _ []string) error {
	c := cmd.Context()
	if o.coordRoot != "" {
		root, err := filepath.Abs(o.coordRoot)
		if err != nil {
			return err
		}
		c = filelocation.WithAppUserConfigDir(c, root)
	}
	cfg, err := config.LoadConfig(c)
	if err != nil {
		return err
	}
	if o.port != 0 {
		cfg.Comms.Port = o.port
	}
	if o.inProcess {
		cfg.Comms.InProcess = true
	}
	c = config.WithConfig(c, cfg)
	c = log.MakeBaseLogger(c, cfg.LogLevel)
	c = dgroup.WithGoroutineName(c, "/hivemindd")

	dlog.Info(c, "---")
	dlog.Infof(c, "%s starting...", version.DisplayVersion())
	dlog.Infof(c, "PID is %d", os.Getpid())
	dlog.Info(c, "")

	runner := comms.NewRunner(c, comms.Options{})
	g := dgroup.NewGroup(c, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})
	g.Go("comms", func(c context.Context) error {
		info, err := runner.Start(c)
		if err != nil {
			return err
		}
		dlog.Infof(c, "hub listening on %s (session scope %s)", info.Addr, info.Scope)
		<-c.Done()
		return runner.Stop(dcontext.HardContext(c))
	})
	return g.Wait()
}
