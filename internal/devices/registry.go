// Package devices keeps the allow-list of client installations permitted to edit.
package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	deviceIDPrefix  = "device_"
	settingDeviceID = "device_id"
)

var (
	// ErrInvalidDevice indicates that a device registration lacks an identifier.
	ErrInvalidDevice = errors.New("devices: invalid device")
	// ErrNotRegistered indicates that the device is absent from the allow-list.
	ErrNotRegistered = errors.New("devices: device not registered")
)

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Registry manages device allow-list entries.
type Registry struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewRegistry constructs the registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// Register adds the device to the allow-list or refreshes an existing entry.
func (r *Registry) Register(ctx context.Context, device records.Device) (records.Device, error) {
	device.ID = normalize(device.ID)
	if device.ID == "" {
		return records.Device{}, ErrInvalidDevice
	}
	device.Name = normalize(device.Name)
	device.IP = normalize(device.IP)
	device.LastSeen = r.now().UTC()

	if err := r.db.WithContext(ctx).Save(&device).Error; err != nil {
		r.logger.Error("device registration failed", zap.String("device_id", device.ID), zap.Error(err))
		return records.Device{}, err
	}
	r.cache.Store(device.ID, true)
	return device, nil
}

// IsAuthorized reports whether the device is on the allow-list. Storage failures deny.
func (r *Registry) IsAuthorized(ctx context.Context, deviceID string) bool {
	deviceID = normalize(deviceID)
	if deviceID == "" {
		return false
	}
	if cached, ok := r.cache.Load(deviceID); ok {
		if authorized, ok := cached.(bool); ok && authorized {
			return true
		}
	}

	var device records.Device
	err := r.db.WithContext(ctx).Where("id = ?", deviceID).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if err != nil {
		r.logger.Warn("device lookup failed", zap.String("device_id", deviceID), zap.Error(err))
		return false
	}
	r.cache.Store(deviceID, true)
	return true
}

// Touch refreshes the device's lastSeen.
func (r *Registry) Touch(ctx context.Context, deviceID string) error {
	result := r.db.WithContext(ctx).
		Model(&records.Device{}).
		Where("id = ?", normalize(deviceID)).
		Update("last_seen", r.now().UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotRegistered
	}
	return nil
}

// Lookup returns the stored device entry.
func (r *Registry) Lookup(ctx context.Context, deviceID string) (records.Device, error) {
	var device records.Device
	err := r.db.WithContext(ctx).Where("id = ?", normalize(deviceID)).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.Device{}, ErrNotRegistered
	}
	if err != nil {
		return records.Device{}, err
	}
	return device, nil
}

// SettingStore persists client settings across runs.
type SettingStore interface {
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// LocalDeviceID returns this installation's stable device id, creating one on first use.
func LocalDeviceID(ctx context.Context, settings SettingStore) (string, error) {
	existing, ok, err := settings.Setting(ctx, settingDeviceID)
	if err != nil {
		return "", err
	}
	if ok && strings.HasPrefix(existing, deviceIDPrefix) {
		return existing, nil
	}
	deviceID := deviceIDPrefix + uuid.NewString()
	if err := settings.SetSetting(ctx, settingDeviceID, deviceID); err != nil {
		return "", err
	}
	return deviceID, nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
