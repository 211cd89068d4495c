// Package memory implements in-process EntityStore and SagaHistoryStore
// equivalents to internal/store/postgres, for unit tests and local
// development without a running database.
package memory

import (
	"context"
	"sync"

	"github.com/shaiso/sagaflow/internal/saga"
	"github.com/shaiso/sagaflow/internal/workflow"
)

// EntityStore is a mutex-guarded map implementing workflow.EntityService.
type EntityStore[T any, S comparable] struct {
	mu        sync.RWMutex
	items     map[string]T
	statusOf  func(T) S
	urnOf     func(T) string
	withState func(T, S) T
}

func NewEntityStore[T any, S comparable](statusOf func(T) S, urnOf func(T) string, withState func(T, S) T) *EntityStore[T, S] {
	return &EntityStore[T, S]{
		items:     make(map[string]T),
		statusOf:  statusOf,
		urnOf:     urnOf,
		withState: withState,
	}
}

// Seed pre-populates the store, useful for tests that need an entity to
// already exist before exercising Transit.
func (s *EntityStore[T, S]) Seed(entity T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[s.urnOf(entity)] = entity
}

func (s *EntityStore[T, S]) Load(_ context.Context, urn string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.items[urn]
	if !ok {
		var zero T
		return zero, workflow.ErrEntityNotFound
	}
	return entity, nil
}

func (s *EntityStore[T, S]) Update(_ context.Context, urn string, entity T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[urn] = entity
	return nil
}

func (s *EntityStore[T, S]) Status(entity T) S           { return s.statusOf(entity) }
func (s *EntityStore[T, S]) URN(entity T) string         { return s.urnOf(entity) }
func (s *EntityStore[T, S]) WithStatus(entity T, st S) T { return s.withState(entity, st) }

// SagaHistoryStore is a mutex-guarded map implementing saga.HistoryStore.
type SagaHistoryStore[T any, P any] struct {
	mu    sync.RWMutex
	items map[string]*saga.Context[T, P]
}

func NewSagaHistoryStore[T any, P any]() *SagaHistoryStore[T, P] {
	return &SagaHistoryStore[T, P]{items: make(map[string]*saga.Context[T, P])}
}

func (s *SagaHistoryStore[T, P]) Save(_ context.Context, sc *saga.Context[T, P]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.items[sc.ID] = &cp
	return nil
}

func (s *SagaHistoryStore[T, P]) Get(_ context.Context, id string) (*saga.Context[T, P], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.items[id]
	if !ok {
		return nil, workflow.ErrSagaNotFound
	}
	return sc, nil
}

func (s *SagaHistoryStore[T, P]) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}
