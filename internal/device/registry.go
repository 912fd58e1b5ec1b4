package device

import (
	"context"
	"fmt"
	"sync"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache keyed by UUID, kept
// in sync by the cache-invalidating CRUD operations.
type Registry struct {
	repo    Repository
	cache   map[string]*Device
	cacheMu sync.RWMutex
	logger  Logger
}

// NewRegistry creates a device registry on top of a repository.
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
// Call once on startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.UUID] = d.DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// Get retrieves a device by UUID. The returned device is a deep copy.
func (r *Registry) Get(uuid string) (*Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	dev, ok := r.cache[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return dev.DeepCopy(), nil
}

// List returns deep copies of all cached devices.
func (r *Registry) List() []Device {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	out := make([]Device, 0, len(r.cache))
	for _, dev := range r.cache {
		out = append(out, *dev.DeepCopy())
	}
	return out
}

// Count returns the number of cached devices.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Create persists a new device and caches it.
func (r *Registry) Create(ctx context.Context, dev *Device) error {
	if err := r.repo.Create(ctx, dev); err != nil {
		return err
	}
	r.cacheMu.Lock()
	r.cache[dev.UUID] = dev.DeepCopy()
	r.cacheMu.Unlock()
	r.logger.Info("device created", "uuid", dev.UUID, "name", dev.Name)
	return nil
}

// Update persists device changes and refreshes the cache entry. Used by
// the engine to store bind-time discoveries (abilities, firmware info).
func (r *Registry) Update(ctx context.Context, dev *Device) error {
	if err := r.repo.Update(ctx, dev); err != nil {
		return err
	}
	r.cacheMu.Lock()
	r.cache[dev.UUID] = dev.DeepCopy()
	r.cacheMu.Unlock()
	r.logger.Debug("device updated", "uuid", dev.UUID)
	return nil
}

// Delete removes a device from storage and cache.
func (r *Registry) Delete(ctx context.Context, uuid string) error {
	if err := r.repo.Delete(ctx, uuid); err != nil {
		return err
	}
	r.cacheMu.Lock()
	delete(r.cache, uuid)
	r.cacheMu.Unlock()
	r.logger.Info("device deleted", "uuid", uuid)
	return nil
}
