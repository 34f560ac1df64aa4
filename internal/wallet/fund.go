package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/votebot/internal/retry"
	"github.com/gateway-fm/votebot/internal/rpc"
	"github.com/gateway-fm/votebot/internal/txbuilder"
	"github.com/gateway-fm/votebot/pkg/types"
)

// ErrNoOperator is returned by Fund when unfunded identities exist but no
// funding key was configured.
var ErrNoOperator = errors.New("no funding key configured")

// underpricedBump is the price increase applied when a transfer is rejected as underpriced.
const underpricedBump = 1.2

// transfer tracks one identity through a funding pass.
type transfer struct {
	id       *Identity
	nonce    uint64
	hash     string
	landed   bool // balance already covered the amount, no receipt needed
	attempts int
	err      error
}

// Fund sends amount to every unfunded identity in pool. Identities already
// marked funded, or whose balance already covers amount, are skipped, so a
// repeated call never sends a second transfer to the same identity. A failed
// transfer is recorded in the report and does not abort the rest.
func (m *Manager) Fund(ctx context.Context, pool *Pool, amount *big.Int) (*types.FundingReport, error) {
	start := time.Now()
	if pool == nil {
		return nil, fmt.Errorf("nil pool")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("funding amount must be positive")
	}

	report := &types.FundingReport{
		Required: RequiredFunds(pool, amount).String(),
		Sent:     "0",
	}
	pending := pool.Unfunded()
	report.Skipped = pool.Len() - len(pending)
	if len(pending) == 0 {
		report.Duration = time.Since(start)
		m.logger.Info("all identities already funded", slog.Int("skipped", report.Skipped))
		return report, nil
	}
	if m.cfg.Operator == nil {
		return nil, ErrNoOperator
	}

	var todo []*Identity
	for i, bal := range m.Balances(ctx, pending) {
		id := pending[i]
		if bal != nil && bal.Cmp(amount) >= 0 {
			m.markFunded(ctx, id, "")
			report.Skipped++
			continue
		}
		todo = append(todo, id)
	}
	if len(todo) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	op := m.cfg.Operator
	required := new(big.Int).Mul(amount, big.NewInt(int64(len(todo))))
	if bal, err := m.cfg.Client.GetBalance(ctx, op.Hex()); err == nil && bal.Cmp(required) < 0 {
		m.logger.Warn("operator balance below required funding",
			slog.String("operator", op.Hex()),
			slog.String("balance", bal.String()),
			slog.String("required", required.String()))
	}

	if err := op.Resync(ctx, m.cfg.Client); err != nil {
		return nil, fmt.Errorf("sync operator nonce: %w", err)
	}
	price := m.cfg.Gas.Price(ctx, m.cfg.Client)

	m.logger.Info("funding identities",
		slog.Int("count", len(todo)),
		slog.String("amount", amount.String()),
		slog.Bool("parallel", m.cfg.Parallel))

	var results []*transfer
	if m.cfg.Parallel {
		results = m.fundParallel(ctx, todo, amount, price)
	} else {
		results = m.fundSequential(ctx, todo, amount, price)
	}
	m.confirm(ctx, results)

	sent := new(big.Int)
	for _, t := range results {
		if t.err != nil {
			report.Failed++
			report.Failures = append(report.Failures, types.FundingFailure{
				Role:    t.id.Role,
				Index:   t.id.Index,
				Address: t.id.Hex(),
				Error:   t.err.Error(),
			})
			continue
		}
		report.Successful++
		if !t.landed {
			sent.Add(sent, amount)
		}
	}
	report.Sent = sent.String()
	report.Duration = time.Since(start)

	m.logger.Info("funding complete",
		slog.Int("successful", report.Successful),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Duration("duration", report.Duration))
	return report, nil
}

func (m *Manager) fundSequential(ctx context.Context, todo []*Identity, amount *big.Int, price txbuilder.Price) []*transfer {
	results := make([]*transfer, len(todo))
	for i, id := range todo {
		if err := ctx.Err(); err != nil {
			results[i] = &transfer{id: id, err: err}
			continue
		}
		results[i] = m.sendWithRetry(ctx, id, amount, price, nil)
		if n := i + 1; n <= 5 || n%100 == 0 {
			m.logger.Info("funding progress", slog.Int("sent", n), slog.Int("total", len(todo)))
		}
	}
	return results
}

// fundParallel allocates a contiguous nonce range up front so concurrent
// sends never race on the operator nonce.
func (m *Manager) fundParallel(ctx context.Context, todo []*Identity, amount *big.Int, price txbuilder.Price) []*transfer {
	op := m.cfg.Operator
	base := op.PeekNonce()
	op.SetNonce(base + uint64(len(todo)))

	results := make([]*transfer, len(todo))
	var g errgroup.Group
	g.SetLimit(m.cfg.Parallelism)
	for i, id := range todo {
		nonce := base + uint64(i)
		g.Go(func() error {
			results[i] = m.sendWithRetry(ctx, id, amount, price, &nonce)
			return nil
		})
	}
	_ = g.Wait()

	// A failed transfer leaves a hole in the allocated range that would block
	// every later nonce. Fill it with a zero-value self transfer.
	for _, t := range results {
		if t.err == nil || t.landed {
			continue
		}
		if _, err := m.sendTransfer(ctx, t.nonce, op.Address.Hex(), new(big.Int), price); err != nil && !errors.Is(err, rpc.ErrAlreadyKnown) {
			m.logger.Warn("failed to fill nonce gap",
				slog.Uint64("nonce", t.nonce),
				slog.String("err", err.Error()))
		}
	}
	return results
}

// sendWithRetry sends one funding transfer. With fixed set the nonce is
// pinned; otherwise it is reserved from the operator for each attempt.
func (m *Manager) sendWithRetry(ctx context.Context, id *Identity, amount *big.Int, price txbuilder.Price, fixed *uint64) *transfer {
	op := m.cfg.Operator
	t := &transfer{id: id}
	p := price

	attempts, err := retry.Do(ctx, m.cfg.Retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			// an earlier attempt may have landed despite reporting an error
			if bal, err := m.cfg.Client.GetBalance(ctx, id.Hex()); err == nil && bal.Cmp(amount) >= 0 {
				t.landed = true
				return nil
			}
		}

		var reserved *Nonce
		nonce := uint64(0)
		if fixed != nil {
			nonce = *fixed
		} else {
			reserved = op.ReserveNonce()
			nonce = reserved.Value()
		}
		release := func() {
			if reserved != nil {
				reserved.Rollback()
			}
		}

		hash, err := m.sendTransfer(ctx, nonce, id.Hex(), amount, p)
		switch {
		case err == nil, errors.Is(err, rpc.ErrAlreadyKnown):
			if reserved != nil {
				reserved.Commit()
			}
			t.nonce = nonce
			t.hash = hash
			return nil
		case errors.Is(err, rpc.ErrNonceTooLow):
			release()
			if reserved != nil {
				if syncErr := op.Resync(ctx, m.cfg.Client); syncErr != nil {
					m.logger.Warn("failed to resync operator nonce", slog.String("err", syncErr.Error()))
				}
			}
			return retry.Transient(err)
		case errors.Is(err, rpc.ErrUnderpriced):
			release()
			p = p.Bump(underpricedBump)
			return retry.Transient(err)
		default:
			release()
			return err
		}
	}, func(attempt int, err error, delay time.Duration) {
		m.logger.Debug("funding transfer failed, retrying",
			slog.String("to", id.Hex()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("err", err.Error()))
	})
	t.attempts = attempts
	if err != nil {
		t.err = fmt.Errorf("fund %s after %d attempts: %w", id, attempts, err)
		if fixed != nil {
			t.nonce = *fixed
		}
	}
	return t
}

// sendTransfer signs and sends a value transfer from the operator. The
// transaction hash is returned even when the node rejects it.
func (m *Manager) sendTransfer(ctx context.Context, nonce uint64, to string, amount *big.Int, price txbuilder.Price) (string, error) {
	op := m.cfg.Operator
	tx, err := txbuilder.Transfer(m.chainID, nonce, common.HexToAddress(to), amount, price, m.cfg.Legacy)
	if err != nil {
		return "", retry.Terminal(err)
	}
	signed, raw, err := txbuilder.Sign(tx, m.chainID, op.PrivateKey())
	if err != nil {
		return "", retry.Terminal(err)
	}
	hash := signed.Hash().Hex()
	if _, err := m.cfg.Client.SendRawTransaction(ctx, raw); err != nil {
		return hash, err
	}
	return hash, nil
}

// confirm waits until the operator's confirmed nonce covers every sent
// transfer. On timeout each transfer is checked by receipt instead.
func (m *Manager) confirm(ctx context.Context, results []*transfer) {
	var sent []*transfer
	var expected uint64
	for _, t := range results {
		if t.err != nil {
			continue
		}
		if t.landed {
			m.markFunded(ctx, t.id, "")
			continue
		}
		sent = append(sent, t)
		expected = max(expected, t.nonce+1)
	}
	if len(sent) == 0 {
		return
	}

	err := m.waitForNonceConfirmation(ctx, expected)
	if err == nil {
		for _, t := range sent {
			m.markFunded(ctx, t.id, t.hash)
		}
		return
	}

	m.logger.Warn("funding confirmation incomplete, checking receipts",
		slog.Uint64("expectedNonce", expected),
		slog.String("err", err.Error()))
	for _, t := range sent {
		receipt, rerr := m.cfg.Client.GetTransactionReceipt(context.WithoutCancel(ctx), t.hash)
		switch {
		case rerr != nil:
			t.err = fmt.Errorf("funding tx %s: %w", t.hash, rerr)
		case receipt == nil:
			t.err = fmt.Errorf("funding tx %s not confirmed: %w", t.hash, err)
		case !receipt.Succeeded():
			t.err = fmt.Errorf("funding tx %s failed on chain", t.hash)
		default:
			m.markFunded(ctx, t.id, t.hash)
		}
	}
}

func (m *Manager) waitForNonceConfirmation(ctx context.Context, expected uint64) error {
	op := m.cfg.Operator
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		// the confirmed nonce reflects mined state, the pending one does not
		n, err := m.cfg.Client.GetConfirmedNonce(ctx, op.Hex())
		if err == nil && n >= expected {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for nonce %d: %w", expected, ctx.Err())
		case <-ticker.C:
		}
	}
}

// markFunded sets the flag in memory and in the store. Store writes survive
// cancellation so confirmed funding is never forgotten.
func (m *Manager) markFunded(ctx context.Context, id *Identity, txHash string) {
	id.markFunded(txHash)
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.MarkFunded(context.WithoutCancel(ctx), m.cfg.ChainID, id.Hex(), txHash); err != nil {
		m.logger.Warn("failed to persist funded flag",
			slog.String("address", id.Hex()),
			slog.String("err", err.Error()))
	}
}
