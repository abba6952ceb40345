package syncengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
	"github.com/nganga-moses/overwatch-cloud/internal/merge"
	"github.com/nganga-moses/overwatch-cloud/internal/observability"
)

// Push applies items in submission order. Items commit independently: a rejected or
// conflicting item never blocks the ones after it. A transient store failure or
// cancellation stops the batch and returns the outcomes of the items already resolved.
func (s *Service) Push(ctx context.Context, req domain.PushRequest) (domain.PushResult, error) {
	start := time.Now()
	defer func() { observability.ObservePushDuration(time.Since(start)) }()

	if err := s.verifyWorkstation(ctx, req.CustomerID, req.WorkstationID); err != nil {
		return domain.PushResult{}, err
	}
	if s.maxPushItems > 0 && len(req.Items) > s.maxPushItems {
		return domain.PushResult{}, fmt.Errorf("%w: %d > %d", domain.ErrBatchTooLarge, len(req.Items), s.maxPushItems)
	}

	logger := s.logger.WithFields(logrus.Fields{
		"customer_id":    req.CustomerID,
		"workstation_id": req.WorkstationID,
	})
	event := domain.SyncEvent{
		CustomerID:    req.CustomerID,
		WorkstationID: req.WorkstationID,
		Direction:     domain.DirectionPush,
		Counts:        map[string]int{},
	}

	before, err := s.store.CurrentVersion(ctx, req.CustomerID)
	if err != nil {
		return domain.PushResult{}, domain.Transient("read version", err)
	}
	event.VersionBefore = before

	outcomes := make([]domain.Outcome, 0, len(req.Items))
	fail := func(err error) (domain.PushResult, error) {
		event.Status = "failed"
		event.Error = err.Error()
		event.VersionAfter = before
		event.Duration = time.Since(start)
		s.audit(ctx, event)
		logger.WithError(err).WithField("resolved", len(outcomes)).Warn("push aborted")
		return domain.PushResult{Outcomes: outcomes, CloudVersion: before}, err
	}

	for _, item := range req.Items {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		outcome, err := s.pushItem(ctx, req, item)
		if err != nil {
			return fail(err)
		}
		outcomes = append(outcomes, outcome)
		event.Counts[string(outcome.Status)]++
		observability.RecordPushOutcome(string(item.EntityType), string(outcome.Status))
		for _, field := range outcome.Fields {
			observability.RecordManualConflict(string(item.EntityType), field)
		}
	}

	after, err := s.store.CurrentVersion(ctx, req.CustomerID)
	if err != nil {
		return fail(domain.Transient("read version", err))
	}

	s.touch(ctx, req.CustomerID, req.WorkstationID, true)
	event.Status = "completed"
	event.VersionAfter = after
	event.Duration = time.Since(start)
	s.audit(ctx, event)
	logger.WithFields(logrus.Fields{
		"items":          len(req.Items),
		"version_before": before,
		"version_after":  after,
	}).Info("push completed")

	return domain.PushResult{Outcomes: outcomes, CloudVersion: after}, nil
}

// decision is what a policy run concluded for one item: either a terminal outcome with
// nothing to write, or a resolution to commit.
type decision struct {
	terminal   *domain.Outcome
	op         domain.ChangeOp
	resolution merge.Resolution
}

func (s *Service) pushItem(ctx context.Context, req domain.PushRequest, item domain.PushItem) (domain.Outcome, error) {
	base := domain.Outcome{
		EntityType:     item.EntityType,
		EntityID:       item.EntityID,
		IdempotencyKey: item.IdempotencyKey,
	}
	if item.IdempotencyKey == "" {
		return rejected(base, domain.ErrMissingIdempotencyKey), nil
	}

	record, err := s.store.FindIdempotency(ctx, req.CustomerID, req.WorkstationID, item.IdempotencyKey)
	if err != nil {
		return domain.Outcome{}, domain.Transient("find idempotency record", err)
	}
	if record != nil {
		return replay(record.Outcome), nil
	}

	policy, err := s.registry.For(item.EntityType)
	if err != nil {
		return rejected(base, err), nil
	}

	op := item.Operation
	if op == "" {
		op = domain.OpUpsert
	}
	proposal := merge.Proposal{
		EntityType:    item.EntityType,
		EntityID:      item.EntityID,
		WorkstationID: req.WorkstationID,
		Payload:       item.Payload,
		ReceivedAt:    s.now(),
	}

	var id string
	switch op {
	case domain.OpUpsert:
		if id, err = policy.Identity(proposal); err != nil {
			return rejected(base, err), nil
		}
	case domain.OpDelete:
		if id, err = deleteTarget(policy, proposal); err != nil {
			return rejected(base, err), nil
		}
	default:
		return rejected(base, fmt.Errorf("%w: unknown operation %q", domain.ErrInvalidPayload, op)), nil
	}
	if id != item.EntityID {
		base.EntityID = id
		base.ClientEntityID = item.EntityID
	}
	ref := domain.EntityRef{Type: item.EntityType, ID: id}

	var (
		outcome    domain.Outcome
		latest     *domain.Entity
		prior      merge.Base
		priorFound bool
	)
	attempt := func() error {
		current, err := s.store.GetEntity(ctx, req.CustomerID, ref)
		if err != nil {
			return backoff.Permanent(domain.Transient("load entity", err))
		}
		latest = current

		if !priorFound && op == domain.OpUpsert && current != nil && !current.Deleted() && item.BaseVersion < current.Version {
			if prior, err = s.baseOf(ctx, req.CustomerID, ref, item.BaseVersion); err != nil {
				return backoff.Permanent(err)
			}
			priorFound = true
		}

		d, err := s.decide(current, policy, proposal, prior, item, op, base)
		if err != nil {
			return backoff.Permanent(err)
		}
		if d.terminal != nil {
			outcome = *d.terminal
			return nil
		}

		committed, err := s.commit(ctx, req, item, ref, current, d, base)
		switch {
		case err == nil:
			outcome = committed
			return nil
		case errors.Is(err, domain.ErrVersionConflict):
			return err
		case errors.Is(err, domain.ErrIdempotentReplay):
			// Another request carrying the same key committed first.
			record, err := s.store.FindIdempotency(ctx, req.CustomerID, req.WorkstationID, item.IdempotencyKey)
			if err != nil {
				return backoff.Permanent(domain.Transient("find idempotency record", err))
			}
			if record == nil {
				return backoff.Permanent(domain.Transient("find idempotency record", errors.New("ledger entry vanished")))
			}
			outcome = replay(record.Outcome)
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		default:
			return backoff.Permanent(domain.Transient("commit", err))
		}
	}

	policyBackoff := backoff.NewExponentialBackOff()
	policyBackoff.InitialInterval = s.initialBackoff
	policyBackoff.MaxInterval = s.maxBackoff
	policyBackoff.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policyBackoff, s.maxRetries), ctx)

	err = backoff.RetryNotify(attempt, retry, func(err error, wait time.Duration) {
		observability.RecordMergeRetry(string(item.EntityType))
		s.logger.WithFields(logrus.Fields{
			"customer_id": req.CustomerID,
			"entity_type": item.EntityType,
			"entity_id":   id,
			"wait":        wait,
		}).Debug("entity changed during commit, merging again")
	})

	switch {
	case err == nil:
		return outcome, nil
	case errors.Is(err, domain.ErrVersionConflict):
		if ctx.Err() != nil {
			return domain.Outcome{}, ctx.Err()
		}
		current, readErr := s.store.GetEntity(ctx, req.CustomerID, ref)
		if readErr != nil {
			return domain.Outcome{}, domain.Transient("load entity", readErr)
		}
		if current == nil {
			current = latest
		}
		return conflict(base, current, "concurrent writes kept changing the entity"), nil
	case domain.IsRetryable(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.Outcome{}, err
	default:
		return rejected(base, err), nil
	}
}

// decide runs the entity's policy against the loaded state.
func (s *Service) decide(current *domain.Entity, policy merge.Policy, p merge.Proposal, prior merge.Base, item domain.PushItem, op domain.ChangeOp, base domain.Outcome) (decision, error) {
	var currentVersion int64
	if current != nil {
		currentVersion = current.Version
	}
	if item.BaseVersion > currentVersion {
		return decision{}, fmt.Errorf("%w: base %d, server %d", domain.ErrBaseVersionAhead, item.BaseVersion, currentVersion)
	}
	if current != nil && current.Deleted() {
		out := conflict(base, current, "entity was deleted")
		return decision{terminal: &out}, nil
	}

	if op == domain.OpDelete {
		if current == nil {
			return decision{}, fmt.Errorf("%w: %s/%s", domain.ErrEntityNotFound, item.EntityType, base.EntityID)
		}
		if item.BaseVersion != currentVersion {
			out := conflict(base, current, "entity changed since base version")
			return decision{terminal: &out}, nil
		}
		return decision{op: domain.OpDelete, resolution: merge.Resolution{Payload: current.Payload}}, nil
	}

	var (
		res merge.Resolution
		err error
	)
	if current == nil || item.BaseVersion == currentVersion {
		res, err = policy.Apply(current, p)
	} else {
		res, err = policy.Merge(*current, p, prior)
	}
	if err != nil {
		return decision{}, err
	}
	if res.Conflict {
		out := conflict(base, current, res.Reason)
		return decision{terminal: &out}, nil
	}
	return decision{op: domain.OpUpsert, resolution: res}, nil
}

// deleteTarget resolves the id a delete addresses. Content-keyed types are stored under
// their key, never the client-local id, so a local id is translated through the payload.
func deleteTarget(policy merge.Policy, p merge.Proposal) (string, error) {
	prefix := merge.KeyPrefix(policy.Kind())
	switch {
	case prefix == "" && p.EntityID == "":
		return "", fmt.Errorf("%w: entity_id is required", domain.ErrInvalidPayload)
	case prefix == "", strings.HasPrefix(p.EntityID, prefix):
		return p.EntityID, nil
	case len(bytes.TrimSpace(p.Payload)) > 0 && !bytes.Equal(bytes.TrimSpace(p.Payload), []byte("null")):
		return policy.Identity(p)
	default:
		return "", fmt.Errorf("%w: deleting a %s needs its content key (%s...) or its payload", domain.ErrInvalidPayload, p.EntityType, prefix)
	}
}

// baseOf returns the entity as the pushing workstation saw it at version. Version 0 means
// the entity did not exist yet; a base write missing from the log yields an unknown base.
func (s *Service) baseOf(ctx context.Context, customerID string, ref domain.EntityRef, version int64) (merge.Base, error) {
	if version == 0 {
		return merge.KnownBase(nil), nil
	}
	entries, err := s.store.ReadSince(ctx, customerID, version-1, 1)
	if err != nil {
		return merge.Base{}, domain.Transient("read base version", err)
	}
	if len(entries) == 0 {
		return merge.Base{}, nil
	}
	entry := entries[0]
	if entry.Version != version || entry.Ref() != ref || entry.Operation != domain.OpUpsert {
		return merge.Base{}, nil
	}
	return merge.KnownBase(entry.Snapshot), nil
}

// commit writes the entity, its change log entry and the idempotency outcome atomically.
func (s *Service) commit(ctx context.Context, req domain.PushRequest, item domain.PushItem, ref domain.EntityRef, current *domain.Entity, d decision, base domain.Outcome) (domain.Outcome, error) {
	var (
		outcome  domain.Outcome
		expected int64
	)
	if current != nil {
		expected = current.Version
	}

	err := s.store.WithinTx(ctx, req.CustomerID, func(tx domain.Tx) error {
		version, err := tx.NextVersion(ctx, req.CustomerID)
		if err != nil {
			return err
		}
		now := s.now()
		entity := domain.Entity{
			CustomerID:    req.CustomerID,
			Type:          ref.Type,
			ID:            ref.ID,
			Version:       version,
			UpdatedAt:     d.resolution.UpdatedAt,
			WorkstationID: req.WorkstationID,
			Payload:       d.resolution.Payload,
		}
		if d.op == domain.OpDelete {
			entity.UpdatedAt = now
			entity.DeletedAt = &now
		}
		if entity.UpdatedAt.IsZero() {
			entity.UpdatedAt = now
		}
		if err := tx.CompareAndSwap(ctx, entity, expected); err != nil {
			return err
		}
		if err := tx.AppendChange(ctx, domain.ChangeEntry{
			CustomerID:    req.CustomerID,
			Version:       version,
			EntityType:    ref.Type,
			EntityID:      ref.ID,
			Operation:     d.op,
			Snapshot:      entity.Payload,
			UpdatedAt:     entity.UpdatedAt,
			WorkstationID: req.WorkstationID,
			RecordedAt:    now,
		}); err != nil {
			return err
		}

		outcome = base
		outcome.Status = domain.OutcomeAccepted
		outcome.Version = version
		outcome.Payload = entity.Payload
		if len(d.resolution.ManualFields) > 0 {
			outcome.Status = domain.OutcomeManualConflictWarning
			outcome.Fields = d.resolution.ManualFields
			outcome.Reason = d.resolution.Reason
		}
		return tx.SaveIdempotency(ctx, domain.IdempotencyRecord{
			CustomerID:    req.CustomerID,
			WorkstationID: req.WorkstationID,
			Key:           item.IdempotencyKey,
			Outcome:       outcome,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return domain.Outcome{}, err
	}
	observability.RecordCommit(s.now())
	return outcome, nil
}

func rejected(base domain.Outcome, err error) domain.Outcome {
	base.Status = domain.OutcomeRejected
	base.Reason = err.Error()
	return base
}

func conflict(base domain.Outcome, current *domain.Entity, reason string) domain.Outcome {
	base.Status = domain.OutcomeConflict
	base.Reason = reason
	if current != nil {
		base.Version = current.Version
		base.Payload = current.Payload
	}
	return base
}

func replay(recorded domain.Outcome) domain.Outcome {
	recorded.Replay = true
	return recorded
}
