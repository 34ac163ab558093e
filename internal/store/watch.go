package store

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"go.uber.org/zap"
)

// WatchDeployment emits the deployment's snapshot immediately and again after every committed
// change touching it. Notices that pile up while the consumer is busy collapse into a single
// reload. The stream closes when ctx is cancelled; watching again restarts it.
func (s *Store) WatchDeployment(ctx context.Context, deploymentID string) <-chan Snapshot {
	output := make(chan Snapshot, 1)
	notices, cancel := s.Subscribe(ctx, deploymentID)
	go func() {
		defer close(output)
		defer cancel()
		load := func() (Snapshot, bool) {
			snapshot, err := s.LoadSnapshot(ctx, deploymentID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				s.loggerOrDefault().Warn("deployment watch reload failed",
					zap.String(fieldDeploymentID, deploymentID),
					zap.Error(err))
				return Snapshot{}, false
			}
			return snapshot, true
		}
		watchLoop(ctx, notices, load, output)
	}()
	return output
}

// WatchDeployments emits the non-deleted deployment list immediately and after every
// committed change to any deployment header.
func (s *Store) WatchDeployments(ctx context.Context) <-chan []records.Deployment {
	output := make(chan []records.Deployment, 1)
	notices, cancel := s.Subscribe(ctx, wildcardTopic)
	go func() {
		defer close(output)
		defer cancel()
		load := func() ([]records.Deployment, bool) {
			deployments, err := s.ListDeployments(ctx, false)
			if err != nil {
				s.loggerOrDefault().Warn("deployment list watch reload failed", zap.Error(err))
				return nil, false
			}
			return deployments, true
		}
		watchLoop(ctx, notices, load, output)
	}()
	return output
}

func watchLoop[T any](ctx context.Context, notices <-chan ChangeNotice, load func() (T, bool), output chan<- T) {
	emit := func() bool {
		value, ok := load()
		if !ok {
			return true
		}
		select {
		case output <- value:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if !emit() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notices:
			if !ok {
				return
			}
			drainPending(notices)
			if !emit() {
				return
			}
		}
	}
}

func drainPending(notices <-chan ChangeNotice) {
	for {
		select {
		case _, ok := <-notices:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
