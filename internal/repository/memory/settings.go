package memory

import (
	"context"
	"sync"

	"unitmover.io/unitmover/internal/repository"
)

// SettingsRepository is a map of runtime toggles.
type SettingsRepository struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ repository.SettingsRepository = (*SettingsRepository)(nil)

// NewSettingsRepository creates an empty settings store.
func NewSettingsRepository() *SettingsRepository {
	return &SettingsRepository{values: make(map[string]string)}
}

func (r *SettingsRepository) Get(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.values[key]
	if !ok {
		return "", repository.ErrNotFound
	}
	return v, nil
}

func (r *SettingsRepository) Set(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
	return nil
}
