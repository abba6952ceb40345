package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
	"github.com/nganga-moses/overwatch-cloud/internal/observability"
	"github.com/nganga-moses/overwatch-cloud/internal/persistence"
)

// Pull returns the change log entries after req.Since. It never waits for new data.
func (s *Service) Pull(ctx context.Context, req domain.PullRequest) (domain.PullPage, error) {
	start := time.Now()
	if err := s.verifyWorkstation(ctx, req.CustomerID, req.WorkstationID); err != nil {
		return domain.PullPage{}, err
	}
	if req.Since < 0 {
		return domain.PullPage{}, fmt.Errorf("%w: %d", domain.ErrInvalidCursor, req.Since)
	}
	limit := persistence.ClampLimit(req.Limit, s.pullLimit, s.pullMaxLimit)

	entries, err := s.store.ReadSince(ctx, req.CustomerID, req.Since, limit)
	if err != nil {
		return domain.PullPage{}, domain.Transient("read change log", err)
	}
	if entries == nil {
		entries = []domain.ChangeEntry{}
	}
	page := domain.PullPage{
		Entries:    entries,
		NextCursor: req.Since,
		HasMore:    len(entries) == limit,
	}
	if n := len(entries); n > 0 {
		page.NextCursor = entries[n-1].Version
	}

	observability.RecordPulled(len(entries))
	s.touch(ctx, req.CustomerID, req.WorkstationID, false)
	s.audit(ctx, domain.SyncEvent{
		CustomerID:    req.CustomerID,
		WorkstationID: req.WorkstationID,
		Direction:     domain.DirectionPull,
		Counts:        map[string]int{"entries": len(entries)},
		Status:        "completed",
		VersionBefore: req.Since,
		VersionAfter:  page.NextCursor,
		Duration:      time.Since(start),
	})
	s.logger.WithFields(logrus.Fields{
		"customer_id":    req.CustomerID,
		"workstation_id": req.WorkstationID,
		"since":          req.Since,
		"entries":        len(entries),
	}).Debug("pull served")
	return page, nil
}

// Bootstrap returns the customer's full current state, tombstones included, as of one
// consistent version.
func (s *Service) Bootstrap(ctx context.Context, customerID, workstationID string) (domain.Snapshot, error) {
	start := time.Now()
	if err := s.verifyWorkstation(ctx, customerID, workstationID); err != nil {
		return domain.Snapshot{}, err
	}
	snapshot, err := s.store.Snapshot(ctx, customerID)
	if err != nil {
		return domain.Snapshot{}, domain.Transient("read snapshot", err)
	}
	if snapshot.Entities == nil {
		snapshot.Entities = []domain.Entity{}
	}

	counts := map[string]int{}
	for _, entity := range snapshot.Entities {
		counts[string(entity.Type)]++
	}
	observability.RecordBootstrap(len(snapshot.Entities))
	s.touch(ctx, customerID, workstationID, true)
	s.audit(ctx, domain.SyncEvent{
		CustomerID:    customerID,
		WorkstationID: workstationID,
		Direction:     domain.DirectionBootstrap,
		Counts:        counts,
		Status:        "completed",
		VersionAfter:  snapshot.AtVersion,
		Duration:      time.Since(start),
	})
	s.logger.WithFields(logrus.Fields{
		"customer_id":    customerID,
		"workstation_id": workstationID,
		"entities":       len(snapshot.Entities),
		"at_version":     snapshot.AtVersion,
	}).Info("bootstrap served")
	return snapshot, nil
}
