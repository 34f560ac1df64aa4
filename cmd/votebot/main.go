// Command votebot drives scripted creator, voter and adversarial agents
// against a blockchain voting contract and its metadata backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	commands "github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newCommand().Run(ctx, os.Args)
	if err == nil {
		return
	}
	var exit commands.ExitCoder
	if errors.As(err, &exit) {
		if msg := exit.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		stop()
		os.Exit(exit.ExitCode())
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	stop()
	os.Exit(1)
}

func newCommand() *commands.Command {
	return &commands.Command{
		Name:  "votebot",
		Usage: "Exercise a voting contract and its backend with scripted agents",
		Flags: []commands.Flag{
			&commands.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file (keys are the environment variable names)",
				Sources: commands.EnvVars("VOTEBOT_CONFIG"),
			},
			&commands.StringFlag{Name: "rpc-url", Usage: "chain JSON-RPC endpoint (RPC_URL)"},
			&commands.StringFlag{Name: "backend-url", Usage: "election backend base URL (BACKEND_URL)"},
			&commands.StringFlag{Name: "db", Usage: "SQLite database path (DATABASE_PATH)"},
			&commands.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (LOG_LEVEL)"},
		},
		Commands: []*commands.Command{
			{
				Name:  "run",
				Usage: "Run the harness phases",
				Flags: []commands.Flag{
					&commands.StringFlag{
						Name:    "mode",
						Aliases: []string{"m"},
						Usage:   "full, create, vote or security",
						Value:   "full",
					},
					&commands.IntFlag{Name: "creators", Usage: "number of creator agents (NUM_CREATORS)"},
					&commands.IntFlag{Name: "eligible", Usage: "number of eligible voters (NUM_ELIGIBLE)"},
					&commands.IntFlag{Name: "ineligible", Usage: "number of ineligible voters (NUM_INELIGIBLE)"},
					&commands.BoolFlag{Name: "skip-funding", Usage: "do not fund the identity pool"},
					&commands.StringFlag{Name: "election", Usage: "only target the election with this UUID"},
					&commands.BoolFlag{Name: "active-only", Usage: "only target elections that are currently open"},
					&commands.BoolFlag{Name: "require-proof", Usage: "reject voter data without a Merkle proof before submitting"},
					&commands.StringFlag{Name: "listen", Usage: "serve the status API on this address (LISTEN_ADDR)"},
					&commands.StringFlag{Name: "json", Usage: "also write the report as JSON to this path (- for stdout)"},
				},
				Action: runAction,
			},
			{
				Name:  "fund",
				Usage: "Provision the identity pool and fund every unfunded identity",
				Flags: []commands.Flag{
					&commands.IntFlag{Name: "creators", Usage: "number of creator identities"},
					&commands.IntFlag{Name: "eligible", Usage: "number of eligible voter identities"},
					&commands.IntFlag{Name: "ineligible", Usage: "number of ineligible voter identities"},
				},
				Action: fundAction,
			},
			{
				Name:  "identities",
				Usage: "List the persisted identity pool",
				Flags: []commands.Flag{
					&commands.BoolFlag{Name: "balances", Usage: "query on-chain balances"},
					&commands.BoolFlag{Name: "reset", Usage: "delete the persisted pool for this chain"},
				},
				Action: identitiesAction,
			},
			{
				Name:  "history",
				Usage: "List persisted runs",
				Flags: []commands.Flag{
					&commands.IntFlag{Name: "limit", Usage: "runs per page", Value: 20},
					&commands.IntFlag{Name: "offset", Usage: "runs to skip"},
				},
				Action: historyAction,
				Commands: []*commands.Command{
					{
						Name:      "show",
						Usage:     "Print the report of one run",
						ArgsUsage: "<run-id>",
						Flags: []commands.Flag{
							&commands.BoolFlag{Name: "json", Usage: "print the report as JSON"},
						},
						Action: historyShowAction,
					},
					{
						Name:      "delete",
						Usage:     "Delete one run",
						ArgsUsage: "<run-id>",
						Action:    historyDeleteAction,
					},
				},
			},
		},
	}
}
