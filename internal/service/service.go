package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"pagina-vendedor/backend/internal/cache"
	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/metrics"
	"pagina-vendedor/backend/internal/money"
	"pagina-vendedor/backend/internal/store"
	"pagina-vendedor/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

type Options struct {
	Logger           *logrus.Logger
	Metrics          *metrics.Metrics
	SettingsCache    cache.SettingsCache
	SettingsCacheTTL time.Duration
	ReservationTTL   time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Service struct {
	repo           store.Repository
	log            *logrus.Entry
	metrics        *metrics.Metrics
	settingsCache  cache.SettingsCache
	settingsTTL    time.Duration
	settingsFill   singleflight.Group
	reservationTTL time.Duration
	validate       *validator.Validate
	now            func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	settingsCache := opts.SettingsCache
	if settingsCache == nil {
		settingsCache = cache.NoopSettingsCache{}
	}
	settingsTTL := opts.SettingsCacheTTL
	if settingsTTL <= 0 {
		settingsTTL = 30 * time.Second
	}
	reservationTTL := opts.ReservationTTL
	if reservationTTL <= 0 {
		reservationTTL = 15 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:           repo,
		log:            logger.WithField("component", "ledger"),
		metrics:        opts.Metrics,
		settingsCache:  settingsCache,
		settingsTTL:    settingsTTL,
		reservationTTL: reservationTTL,
		validate:       validator.New(),
		now:            now,
	}
}

// check runs the struct tag validation and folds any failure into
// ErrInvalidTransaction so callers see one validation error class.
func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %s", store.ErrInvalidTransaction, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{store.ErrInvalidTransaction}, args...)...)
}

// positiveAmount rejects zero, negative and sub-cent amounts before they reach
// the ledger.
func positiveAmount(field string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !money.IsPositive(amount) {
		return decimal.Zero, invalid("%s must be greater than zero", field)
	}
	if !money.Round(amount).Equal(amount) {
		return decimal.Zero, invalid("%s has more than %d decimal places", field, money.Places)
	}
	return amount, nil
}

func nonNegativeAmount(field string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, invalid("%s must not be negative", field)
	}
	if !money.Round(amount).Equal(amount) {
		return decimal.Zero, invalid("%s has more than %d decimal places", field, money.Places)
	}
	return amount, nil
}

// finish records the outcome of an operation: conflicts are counted, integrity
// failures are logged loudly. err is returned unchanged.
func (s *Service) finish(operation string, err error) error {
	if err == nil {
		s.metrics.Operation(operation)
		return nil
	}
	kind, code := store.Classify(err)
	switch kind {
	case store.KindConflict:
		s.metrics.Conflict(code)
	case store.KindIntegrity:
		s.log.WithFields(logrus.Fields{"action": operation, "code": code}).WithError(err).Error("ledger integrity failure")
	case store.KindInternal:
		s.log.WithField("action", operation).WithError(err).Warn("operation failed")
	}
	return err
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	// Without a date the window is the last 24 hours, including entries
	// written in the current second.
	to := s.now().Truncate(time.Second).Add(time.Second)
	from := to.Add(-24 * time.Hour)
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, invalid("date must be YYYY-MM-DD")
		}
		from = parsed.UTC()
		to = from.Add(24 * time.Hour)
	}

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := actorOrSystem(ctx)

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.log.WithFields(logrus.Fields{
			"action":      action,
			"entity_type": entityType,
			"entity_id":   entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}
