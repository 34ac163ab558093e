package store

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Setting returns a persisted client setting. The boolean is false when the key is unset
// or the store is degraded.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	if !s.Available() {
		return "", false, nil
	}
	var setting records.ClientSetting
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opSettings, reasonLookupFailed, err, zap.String("key", key))
		return "", false, newServiceError(opSettings, reasonLookupFailed, err)
	}
	return setting.Value, true, nil
}

// SetSetting persists a client setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if !s.Available() {
		s.warnUnavailable(opSettings)
		return nil
	}
	setting := records.ClientSetting{Key: key, Value: value}
	if err := s.db.WithContext(ctx).Save(&setting).Error; err != nil {
		s.logError(opSettings, reasonSaveFailed, err, zap.String("key", key))
		return newServiceError(opSettings, reasonSaveFailed, err)
	}
	return nil
}
