package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
)

var defaultInventorySettings = domain.InventorySettings{LowStockThreshold: 3}

// GetSetting reads a settings blob, preferring the cache. Concurrent misses for
// the same key share one store read.
func (s *Service) GetSetting(ctx context.Context, key string) (domain.Setting, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Setting{}, invalid("setting key is required")
	}

	if cached, ok, err := s.settingsCache.Get(ctx, key); err != nil {
		s.log.WithField("key", key).WithError(err).Warn("settings cache read failed")
	} else if ok {
		return *cached, nil
	}

	v, err, _ := s.settingsFill.Do(key, func() (any, error) {
		setting, err := s.repo.GetSetting(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := s.settingsCache.Set(ctx, *setting, s.settingsTTL); err != nil {
			s.log.WithField("key", key).WithError(err).Warn("settings cache write failed")
		}
		return *setting, nil
	})
	if err != nil {
		return domain.Setting{}, err
	}
	return v.(domain.Setting), nil
}

// UpdateSetting is a compare-and-swap on the key's version. ExpectedVersion 0
// creates a key that does not exist yet.
func (s *Service) UpdateSetting(ctx context.Context, key string, req domain.SettingUpdateRequest) (domain.Setting, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Setting{}, invalid("setting key is required")
	}
	if err := s.check(req); err != nil {
		return domain.Setting{}, err
	}
	if !json.Valid(req.Value) {
		return domain.Setting{}, invalid("value must be valid JSON")
	}
	if key == domain.SettingInventory {
		if _, err := decodeInventorySettings(req.Value); err != nil {
			return domain.Setting{}, err
		}
	}

	actor := actorOrSystem(ctx)
	now := s.now()
	var saved domain.Setting
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockSetting(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if req.ExpectedVersion != 0 {
				return fmt.Errorf("setting %s does not exist yet, expected version 0: %w", key, store.ErrStaleVersion)
			}
		case err != nil:
			return err
		case current.Version != req.ExpectedVersion:
			return fmt.Errorf("setting %s is at version %d, not %d: %w", key, current.Version, req.ExpectedVersion, store.ErrStaleVersion)
		}

		saved = domain.Setting{
			Key:       key,
			Value:     append(json.RawMessage(nil), req.Value...),
			Version:   req.ExpectedVersion + 1,
			UpdatedBy: actor.Username,
			UpdatedAt: now,
		}
		return tx.SaveSetting(ctx, saved)
	})
	if err := s.finish("settings_update", err); err != nil {
		return domain.Setting{}, err
	}

	if err := s.settingsCache.Delete(ctx, key); err != nil {
		s.log.WithField("key", key).WithError(err).Warn("settings cache invalidation failed")
	}
	s.logAudit(ctx, "settings_update", "setting", key, fmt.Sprintf("version=%d", saved.Version))
	return saved, nil
}

func decodeInventorySettings(raw json.RawMessage) (domain.InventorySettings, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	settings := defaultInventorySettings
	if err := decoder.Decode(&settings); err != nil {
		return domain.InventorySettings{}, invalid("inventory settings: %v", err)
	}
	if settings.LowStockThreshold < 0 {
		return domain.InventorySettings{}, invalid("low_stock_threshold must not be negative")
	}
	return settings, nil
}

// inventorySettings must be called outside WithinTx.
func (s *Service) inventorySettings(ctx context.Context) (domain.InventorySettings, error) {
	setting, err := s.GetSetting(ctx, domain.SettingInventory)
	if errors.Is(err, store.ErrNotFound) {
		return defaultInventorySettings, nil
	}
	if err != nil {
		return domain.InventorySettings{}, err
	}
	settings, err := decodeInventorySettings(setting.Value)
	if err != nil {
		return domain.InventorySettings{}, fmt.Errorf("%w: stored inventory settings are unreadable: %v", store.ErrIntegrity, err)
	}
	return settings, nil
}
