package cli

import (
	"github.com/spf13/cobra"

	"github.com/anamnesos/hivemind/pkg/ioutil"
	"github.com/anamnesos/hivemind/pkg/version"
)

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:  "version",
		Args: cobra.NoArgs,

		Short: "Show version",
		RunE:  printVersion,
	}
}

func printVersion(cmd *cobra.Command, _ []string) error {
	kvf := ioutil.DefaultKeyValueFormatter()
	kvf.Add("Client", version.Version)

	c := cmd.Context()
	port, err := hubPort(c, 0)
	if err != nil {
		return err
	}
	if hc, err := dialHub(c, port); err != nil {
		kvf.Add("Hub", "not running")
	} else {
		kvf.Add("Hub", hc.serverVersion)
		hc.close()
	}
	kvf.Println(cmd.OutOrStdout())
	return nil
}
