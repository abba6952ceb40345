package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"

	idempotencyConstraint = "push_idempotency_pkey"
)

// classify maps driver errors onto the domain taxonomy. Conflicts the engine can merge
// through become ErrVersionConflict, a duplicate ledger key becomes ErrIdempotentReplay
// and everything else is transient.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrIdempotentReplay),
		errors.Is(err, context.Canceled):
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", domain.ErrVersionConflict, pgErr.Message)
		case codeUniqueViolation:
			if pgErr.ConstraintName == idempotencyConstraint {
				return domain.ErrIdempotentReplay
			}
		}
	}
	return domain.Transient(op, err)
}
