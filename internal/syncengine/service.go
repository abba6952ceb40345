// Package syncengine applies workstation pushes against the customer's versioned state and
// serves pull and bootstrap reads.
package syncengine

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
	"github.com/nganga-moses/overwatch-cloud/internal/merge"
)

const (
	defaultMaxRetries     = 5
	defaultInitialBackoff = 5 * time.Millisecond
	defaultMaxBackoff     = 100 * time.Millisecond
	defaultPullLimit      = 500
	defaultPullMaxLimit   = 1000
	defaultMaxPushItems   = 1000
)

// Service orchestrates push, pull and bootstrap for all customers.
type Service struct {
	store        domain.Store
	registry     *merge.Registry
	workstations domain.WorkstationRegistry
	auditor      domain.SyncAuditor
	logger       logrus.FieldLogger
	now          func() time.Time

	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
	pullLimit      int
	pullMaxLimit   int
	maxPushItems   int
}

// Option customises the Service.
type Option func(*Service)

// WithRegistry overrides the merge policy registry.
func WithRegistry(r *merge.Registry) Option {
	return func(s *Service) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithWorkstations enables workstation ownership checks and activity tracking.
func WithWorkstations(r domain.WorkstationRegistry) Option {
	return func(s *Service) {
		s.workstations = r
	}
}

// WithAuditor records a sync event for every request.
func WithAuditor(a domain.SyncAuditor) Option {
	return func(s *Service) {
		s.auditor = a
	}
}

// WithLogger overrides the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the server receipt clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetryPolicy bounds compare-and-swap retries.
func WithRetryPolicy(maxRetries uint64, initial, max time.Duration) Option {
	return func(s *Service) {
		s.maxRetries = maxRetries
		if initial > 0 {
			s.initialBackoff = initial
		}
		if max > 0 {
			s.maxBackoff = max
		}
	}
}

// WithPullLimits sets the default and maximum pull page sizes.
func WithPullLimits(defaultLimit, maxLimit int) Option {
	return func(s *Service) {
		if defaultLimit > 0 {
			s.pullLimit = defaultLimit
		}
		if maxLimit > 0 {
			s.pullMaxLimit = maxLimit
		}
	}
}

// WithMaxPushItems bounds the number of items in one push.
func WithMaxPushItems(n int) Option {
	return func(s *Service) {
		s.maxPushItems = n
	}
}

// NewService constructs a Service over store.
func NewService(store domain.Store, opts ...Option) *Service {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &Service{
		store:          store,
		registry:       merge.NewRegistry(),
		logger:         discard,
		now:            func() time.Time { return time.Now().UTC() },
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		pullLimit:      defaultPullLimit,
		pullMaxLimit:   defaultPullMaxLimit,
		maxPushItems:   defaultMaxPushItems,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) verifyWorkstation(ctx context.Context, customerID, workstationID string) error {
	if s.workstations == nil {
		return nil
	}
	return s.workstations.Verify(ctx, customerID, workstationID)
}

func (s *Service) touch(ctx context.Context, customerID, workstationID string, synced bool) {
	if s.workstations == nil {
		return
	}
	if err := s.workstations.Touch(ctx, customerID, workstationID, synced); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"customer_id":    customerID,
			"workstation_id": workstationID,
		}).Warn("touch workstation failed")
	}
}

// audit persists the sync event without failing the request it describes.
func (s *Service) audit(ctx context.Context, event domain.SyncEvent) {
	if s.auditor == nil {
		return
	}
	event.CreatedAt = s.now()
	if err := s.auditor.RecordSyncEvent(context.WithoutCancel(ctx), event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"customer_id":    event.CustomerID,
			"workstation_id": event.WorkstationID,
			"direction":      event.Direction,
		}).Warn("record sync event failed")
	}
}
