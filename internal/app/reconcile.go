package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/pkg/peerclient"
)

const (
	DefaultReconcileGrace = 10 * time.Minute
	DefaultReconcileBatch = 100
	reconcileConcurrency  = 4
)

// ReconcileReport summarizes one reconciliation sweep.
type ReconcileReport struct {
	Scanned      int `json:"scanned"`
	Completed    int `json:"completed"`
	Compensated  int `json:"compensated"`
	Unresolved   int `json:"unresolved"`
	StalePending int `json:"stalePending"`
}

// Reconciler settles external transfers left inProgress by a crash or a lost response,
// by asking the destination bank what it recorded.
type Reconciler struct {
	svc   *Service
	grace time.Duration
	batch int
}

func NewReconciler(svc *Service, grace time.Duration, batch int) *Reconciler {
	if grace <= 0 {
		grace = DefaultReconcileGrace
	}
	if batch <= 0 {
		batch = DefaultReconcileBatch
	}
	return &Reconciler{svc: svc, grace: grace, batch: batch}
}

// Run performs one sweep. Rows whose outcome cannot be determined are left for the
// next sweep.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if r.svc.directory == nil {
		return report, ErrDirectoryNotConfigured
	}
	cutoff := r.svc.now().Add(-r.grace)
	log := r.svc.logger.With("job", "reconcile")

	stale, err := r.svc.repo.FindStaleTransactions(ctx, domain.TypeExternal, domain.StatusInProgress, cutoff, r.batch)
	if err != nil {
		return report, fmt.Errorf("failed to load stale transactions: %w", err)
	}
	report.Scanned = len(stale)

	// Stale pending rows cannot be settled automatically: the debit may or may not
	// have happened. They are surfaced for manual review.
	pending, err := r.svc.repo.FindStaleTransactions(ctx, domain.TypeExternal, domain.StatusPending, cutoff, r.batch)
	if err != nil {
		log.Warn("failed to load stale pending transactions", "error", err)
	}
	for _, tx := range pending {
		log.Warn("transaction stuck in pending", "transaction_id", tx.TransactionID, "updated_at", tx.UpdatedAt)
	}
	report.StalePending = len(pending)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for i := range stale {
		tx := stale[i]
		g.Go(func() error {
			outcome := r.settle(gctx, &tx)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case domain.StatusCompleted:
				report.Completed++
			case domain.StatusFailed:
				report.Compensated++
			default:
				report.Unresolved++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if report.Scanned > 0 || report.StalePending > 0 {
		log.Info("reconciliation finished",
			"scanned", report.Scanned,
			"completed", report.Completed,
			"compensated", report.Compensated,
			"unresolved", report.Unresolved,
			"stale_pending", report.StalePending,
		)
	}
	return report, nil
}

// settle resolves a single transaction and returns its new status, or "" when it
// stays unresolved.
func (r *Reconciler) settle(ctx context.Context, tx *domain.Transaction) domain.TransactionStatus {
	log := r.svc.logger.With("job", "reconcile", "transaction_id", tx.TransactionID)

	prefix := domain.ExtractBankPrefix(tx.ToAccount)
	if tx.ReceiverBankPrefix != nil && *tx.ReceiverBankPrefix != "" {
		prefix = *tx.ReceiverBankPrefix
	}
	bank, err := r.svc.directory.LookupBank(ctx, prefix)
	if err != nil {
		log.Warn("cannot reach destination bank", "bank", prefix, "error", err)
		return ""
	}

	remote, err := r.svc.peers.GetStatus(ctx, bank.APIURL, tx.TransactionID)
	switch {
	case errors.Is(err, peerclient.ErrTransactionUnknown):
		return r.fail(ctx, tx, errors.New("reconciled: destination bank has no record of the transfer"))
	case err != nil:
		log.Warn("peer status query failed", "bank", prefix, "error", err)
		return ""
	}

	switch domain.TransactionStatus(remote.Status) {
	case domain.StatusCompleted:
		if _, err := r.svc.markCompleted(ctx, tx.TransactionID); err != nil {
			log.Error("failed to complete reconciled transaction", "error", err)
			return ""
		}
		return domain.StatusCompleted
	case domain.StatusFailed:
		reason := "reconciled: destination bank reports the transfer failed"
		if remote.ErrorMessage != nil && *remote.ErrorMessage != "" {
			reason += ": " + *remote.ErrorMessage
		}
		return r.fail(ctx, tx, errors.New(reason))
	default:
		log.Info("destination bank still processing", "remote_status", remote.Status)
		return ""
	}
}

// fail claims the row with the inProgress -> failed transition before crediting the
// source back, so a row is never compensated twice.
func (r *Reconciler) fail(ctx context.Context, tx *domain.Transaction, cause error) domain.TransactionStatus {
	if _, claimed := r.svc.failDebited(ctx, tx, cause); !claimed {
		return ""
	}
	return domain.StatusFailed
}
