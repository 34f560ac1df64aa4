package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"

	commands "github.com/urfave/cli/v3"

	"github.com/gateway-fm/votebot/internal/orchestrator"
	"github.com/gateway-fm/votebot/internal/report"
	"github.com/gateway-fm/votebot/internal/storage"
	"github.com/gateway-fm/votebot/internal/transport"
	"github.com/gateway-fm/votebot/internal/wallet"
	"github.com/gateway-fm/votebot/pkg/types"
)

func runAction(ctx context.Context, cmd *commands.Command) error {
	mode, err := types.ParseRunMode(cmd.String("mode"))
	if err != nil {
		return err
	}

	a, err := openApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()
	a.logger.Info("configuration loaded", slog.Any("config", a.cfg.Redacted()))

	if err := a.connect(ctx); err != nil {
		return err
	}
	wallets, err := a.wallets()
	if err != nil {
		return err
	}
	svc, err := a.backend()
	if err != nil {
		return err
	}
	chainClient, err := a.chain()
	if err != nil {
		return err
	}

	var orch *orchestrator.Orchestrator
	progress := func() types.Progress { return orch.Progress() }

	observers := []orchestrator.Observer{a.collector}
	var hub *transport.Hub
	if a.cfg.ListenAddr != "" {
		hub = transport.NewHub(progress, a.logger)
		observers = append(observers, hub)
	}

	orch, err = orchestrator.New(orchestrator.Config{
		Provisioner:       wallets,
		Backend:           svc,
		Chain:             chainClient,
		Store:             a.store,
		Observers:         observers,
		ChainID:           a.cfg.ChainID,
		Contract:          a.cfg.ContractAddress,
		Counts:            a.cfg.Counts,
		FundingAmount:     a.cfg.FundingAmount,
		BatchSize:         a.cfg.BatchSize,
		BatchDelay:        a.cfg.BatchDelay,
		Retry:             a.cfg.RetryPolicy(),
		VotersPerElection: a.cfg.VotersPerElection,
		StartDelay:        a.cfg.ElectionStartDelay,
		Duration:          a.cfg.ElectionDuration,
		MaxStartWait:      a.cfg.MaxStartWait,
		AttemptVote:       a.cfg.SecurityAttemptVote,
		RequireProof:      cmd.Bool("require-proof"),
		Logger:            a.logger,
	})
	if err != nil {
		return err
	}

	if hub != nil {
		checks := []transport.Check{
			{Name: "chain-rpc", Probe: func(ctx context.Context) error {
				_, err := a.rpc.GetBlockNumber(ctx)
				return err
			}},
			{Name: "contract", Probe: chainClient.VerifyDeployment},
			{Name: "backend", Probe: func(ctx context.Context) error {
				_, err := svc.ListElections(ctx)
				return err
			}},
		}
		shutdown := a.serveStatus(statusSource{progress: progress, collector: a.collector}, hub, checks)
		defer shutdown()
	}

	rep, runErr := orch.Run(ctx, orchestrator.RunOptions{
		Mode:         mode,
		SkipFunding:  a.cfg.SkipFunding,
		ElectionUUID: cmd.String("election"),
		ActiveOnly:   cmd.Bool("active-only"),
	})
	if runErr != nil {
		a.logger.Error("run did not complete", slog.String("run", rep.ID), slog.String("error", runErr.Error()))
	}

	fmt.Println()
	report.Print(os.Stdout, rep)

	if path := cmd.String("json"); path != "" {
		if err := writeReport(path, rep); err != nil {
			a.logger.Error("writing JSON report failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	if code := report.ExitCode(rep); code != report.ExitOK {
		return commands.Exit("", code)
	}
	return nil
}

func writeReport(path string, rep *types.RunReport) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return report.WriteJSON(w, rep)
}

func fundAction(ctx context.Context, cmd *commands.Command) error {
	a, err := openApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.connect(ctx); err != nil {
		return err
	}
	wallets, err := a.wallets()
	if err != nil {
		return err
	}

	pool, err := wallets.EnsurePool(ctx, a.cfg.Counts)
	if err != nil {
		return err
	}
	rep, err := wallets.Fund(ctx, pool, a.cfg.FundingAmount)
	if err != nil {
		return err
	}
	report.PrintFunding(os.Stdout, rep)

	if rep.Failed > 0 {
		return commands.Exit("", report.ExitFailures)
	}
	return nil
}

func identitiesAction(ctx context.Context, cmd *commands.Command) error {
	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.connect(ctx); err != nil {
		return err
	}

	if cmd.Bool("reset") {
		if err := a.store.DeleteIdentities(ctx, a.cfg.ChainID); err != nil {
			return err
		}
		fmt.Printf("deleted identities for chain %d\n", a.cfg.ChainID)
		return nil
	}

	wallets, err := a.wallets()
	if err != nil {
		return err
	}
	pool, err := wallets.Load(ctx)
	if err != nil {
		return err
	}
	var ids []*wallet.Identity
	if pool != nil {
		ids = pool.All()
	}

	balances := make([]*big.Int, len(ids))
	if cmd.Bool("balances") && len(ids) > 0 {
		balances = wallets.Balances(ctx, ids)
	}

	rows := make([]report.IdentityRow, len(ids))
	for i, id := range ids {
		rows[i] = report.IdentityRow{
			Role:    id.Role,
			Index:   id.Index,
			Address: id.Hex(),
			Funded:  id.Funded(),
			Balance: balances[i],
		}
	}
	report.PrintIdentities(os.Stdout, a.cfg.ChainID, rows)
	return nil
}

func historyAction(ctx context.Context, cmd *commands.Command) error {
	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	page, err := a.store.ListRuns(ctx, int(cmd.Int("limit")), int(cmd.Int("offset")))
	if err != nil {
		return err
	}
	report.PrintRuns(os.Stdout, page.Runs)
	if page.Total > page.Offset+len(page.Runs) {
		fmt.Printf("... %d of %d runs shown, use --offset %d for more\n", len(page.Runs), page.Total, page.Offset+len(page.Runs))
	}
	return nil
}

func historyShowAction(ctx context.Context, cmd *commands.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("run id is required\nUsage: votebot history show <run-id>")
	}

	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.store.GetRun(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no run with id %s", id)
	}
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return report.WriteJSON(os.Stdout, rep)
	}
	report.Print(os.Stdout, rep)
	return nil
}

func historyDeleteAction(ctx context.Context, cmd *commands.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("run id is required\nUsage: votebot history delete <run-id>")
	}

	a, err := openApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteRun(ctx, id); err != nil {
		return err
	}
	fmt.Printf("deleted run %s\n", id)
	return nil
}
