package cache

import (
	"context"
	"time"

	"pagina-vendedor/backend/internal/domain"
)

type SettingsCache interface {
	Get(ctx context.Context, key string) (*domain.Setting, bool, error)
	Set(ctx context.Context, setting domain.Setting, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopSettingsCache struct{}

func (NoopSettingsCache) Get(_ context.Context, _ string) (*domain.Setting, bool, error) {
	return nil, false, nil
}

func (NoopSettingsCache) Set(_ context.Context, _ domain.Setting, _ time.Duration) error {
	return nil
}

func (NoopSettingsCache) Delete(_ context.Context, _ string) error {
	return nil
}

// Locker hands out a cross-instance lease. ok is false when another holder
// already owns the key; release is only non-nil when ok is true.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// NoopLocker always grants the lease. A single instance needs nothing more.
type NoopLocker struct{}

func (NoopLocker) TryLock(_ context.Context, _ string, _ time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}
