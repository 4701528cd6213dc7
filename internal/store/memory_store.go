package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-sessions/internal/session"
)

type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (ms *MemoryStore) Get(_ context.Context, name string) (*Profile, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	profile, ok := ms.profiles[name]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return profile.clone(), nil
}

func (ms *MemoryStore) Save(_ context.Context, name string, options session.Options) error {
	name, err := normalizeName(name)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.profiles[name] = &Profile{Name: name, Options: options.Clone(), UpdatedAt: time.Now()}
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, name string) error {
	name, err := normalizeName(name)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.profiles[name]; !ok {
		return ErrProfileNotFound
	}
	delete(ms.profiles, name)
	return nil
}

func (ms *MemoryStore) List(_ context.Context) ([]Profile, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	profiles := make([]Profile, 0, len(ms.profiles))
	for _, profile := range ms.profiles {
		profiles = append(profiles, *profile.clone())
	}
	slices.SortFunc(profiles, func(a, b Profile) int { return strings.Compare(a.Name, b.Name) })
	return profiles, nil
}
