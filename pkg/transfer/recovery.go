package transfer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Resumed   []string          `json:"resumed"`
	Completed []string          `json:"completed"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Recover resumes transfers that were running when a previous process stopped.
// PAUSED transfers are left alone; they were stopped on purpose.
func (m *Manager) Recover(ctx context.Context, parallelism int) (*RecoveryReport, error) {
	all, err := m.progress.ListProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}

	report := &RecoveryReport{Failed: make(map[string]string)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for _, p := range all {
		switch p.Status {
		case StatusPending, StatusRunning, StatusResumed, StatusCompensating:
		default:
			continue
		}
		if _, live := m.transfers.Load(p.OperationID); live {
			continue
		}
		id := p.OperationID
		g.Go(func() error {
			res, err := m.Resume(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			report.Resumed = append(report.Resumed, id)
			switch {
			case err != nil:
				report.Failed[id] = err.Error()
			case res.Succeeded():
				report.Completed = append(report.Completed, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("transfer recovery finished",
		"resumed", len(report.Resumed), "completed", len(report.Completed), "failed", len(report.Failed))
	return report, ctx.Err()
}
