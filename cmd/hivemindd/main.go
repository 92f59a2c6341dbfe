package main

import (
	"context"
	"fmt"
	"os"

	"github.com/anamnesos/hivemind/pkg/cli"
	"github.com/anamnesos/hivemind/pkg/filelocation"
)

func main() {
	ctx := context.Background()
	if dir := os.Getenv("DEV_HIVEMIND_COORD_ROOT"); dir != "" {
		ctx = filelocation.WithAppUserConfigDir(ctx, dir)
	}

	cmd := cli.Command(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %v\n", cmd.CommandPath(), err)
		os.Exit(1)
	}
}
