// wonderctl is the authoring CLI for workflow definitions: check and
// validate definition files locally, deploy and pull them against the
// resources store, diff local files against deployed versions, and start
// runs on a coordinator.
//
// Exit codes: 0 success, 1 validation findings or command failure, 2 network
// error reaching the resources store or a coordinator.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer done()

	app := newApp()
	root := &ff.Command{
		Name:     "wonderctl",
		Usage:    "wonderctl <command> [flags]",
		LongHelp: "Authoring tool for workflow definitions.",
		Flags:    app.globalFlags(),
		Subcommands: []*ff.Command{
			app.checkCommand(),
			app.validateCommand(),
			app.testCommand(),
			app.deployCommand(),
			app.pullCommand(),
			app.diffCommand(),
			app.runCommand(),
		},
	}

	if err := root.Parse(os.Args[1:], ff.WithEnvVarPrefix("WONDERCTL")); err != nil {
		fmt.Fprintln(os.Stderr, ffhelp.Command(root))
		if !errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}
	defer app.close()

	if err := root.Run(ctx); err != nil {
		if errors.Is(err, ff.ErrHelp) || errors.Is(err, ff.ErrNoExec) {
			fmt.Fprintln(os.Stderr, ffhelp.Command(root))
			return
		}
		if !errors.Is(err, errFindings) {
			fmt.Fprintf(os.Stderr, "wonderctl: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command failure onto the CLI contract: validation findings
// and local failures exit 1, transport failures exit 2.
func exitCode(err error) int {
	var nerr *networkError
	if errors.As(err, &nerr) {
		return 2
	}
	return 1
}
