// Command envsync refreshes non-production environments from their source.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/envsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "envsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
