package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device lookups with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache and kept in sync by
// the registry's own create and delete operations. Devices created through
// another node are picked up lazily on the first cache miss; concurrent
// misses for the same id share one repository query.
//
// Devices are deep-copied on the way in and out, so callers may modify
// what they receive without touching the cache.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Device // Cached devices by ID
	cacheMu sync.RWMutex       // Protects cache
	loads   singleflight.Group // Coalesces cache misses
	logger  Logger
}

// NewRegistry creates a new device registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	fresh := make(map[string]*Device, len(devices))
	for i := range devices {
		fresh[devices[i].ID] = devices[i].DeepCopy()
	}

	r.cacheMu.Lock()
	r.cache = fresh
	r.cacheMu.Unlock()

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	// Concurrent misses for the same id share one query. Each caller gets
	// its own copy of the result.
	v, err, _ := r.loads.Do(id, func() (any, error) {
		d, err := r.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		r.cacheMu.Lock()
		r.cache[id] = d.DeepCopy()
		r.cacheMu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Device).DeepCopy(), nil
}

// Exists reports whether the device is known. Errors other than
// ErrDeviceNotFound are returned as-is.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	_, err := r.GetDevice(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrDeviceNotFound):
		return false, nil
	default:
		return false, err
	}
}

// ListDevices retrieves all devices from the repository and refreshes the
// cache entries it sees.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	for i := range devices {
		r.cache[devices[i].ID] = devices[i].DeepCopy()
	}
	r.cacheMu.Unlock()
	return devices, nil
}

// CreateDevice validates and persists a new device, generating the ID and
// key when they are empty. Status defaults to online.
func (r *Registry) CreateDevice(ctx context.Context, device *Device) error {
	if device.ID == "" {
		device.ID = GenerateID()
	}
	if device.Key == "" {
		device.Key = GenerateKey()
	}
	if device.Status == "" {
		device.Status = StatusOnline
	}

	if err := ValidateDevice(device); err != nil {
		return err
	}
	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device created", "id", device.ID, "name", device.Name)
	return nil
}

// DeleteDevice removes a device.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}
