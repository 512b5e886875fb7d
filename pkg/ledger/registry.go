package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// LedgerFactory builds an unbootstrapped Ledger for a normalized user id.
type LedgerFactory func(userID UserID) (*Ledger, error)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxLedgers caps how many ledgers the registry holds at once. Lookups of
// a new user id beyond the cap fail with ErrRegistryFull. Zero means no cap.
func WithMaxLedgers(limit int) RegistryOption {
	return func(registry *Registry) {
		registry.maxLedgers = limit
	}
}

// Registry hands out one bootstrapped Ledger per normalized user id. Ledgers
// stay open until Close.
type Registry struct {
	factory    LedgerFactory
	bootstrap  BootstrapOptions
	maxLedgers int

	mutex   sync.Mutex
	entries map[string]*registryEntry
	closed  bool
}

type registryEntry struct {
	ledger *Ledger
	err    error
	ready  chan struct{}
}

// NewRegistry wires a Registry. Every new ledger is bootstrapped with
// bootstrap before it is handed out.
func NewRegistry(factory LedgerFactory, bootstrap BootstrapOptions, options ...RegistryOption) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: ledger factory is nil", ErrInvalidServiceConfig)
	}
	registry := &Registry{
		factory:   factory,
		bootstrap: bootstrap,
		entries:   make(map[string]*registryEntry),
	}
	for _, option := range options {
		if option != nil {
			option(registry)
		}
	}
	if registry.maxLedgers < 0 {
		return nil, fmt.Errorf("%w: max ledgers must be non-negative", ErrInvalidServiceConfig)
	}
	return registry, nil
}

// Get returns the ledger for rawUserID, creating and bootstrapping it on
// first use. A failed bootstrap is not cached.
func (registry *Registry) Get(ctx context.Context, rawUserID string) (*Ledger, error) {
	userID := NormalizeUserID(rawUserID)
	registry.mutex.Lock()
	if registry.closed {
		registry.mutex.Unlock()
		return nil, ErrLedgerClosed
	}
	entry, exists := registry.entries[userID.String()]
	if !exists && registry.maxLedgers > 0 && len(registry.entries) >= registry.maxLedgers {
		registry.mutex.Unlock()
		return nil, fmt.Errorf("%w: %d ledgers open", ErrRegistryFull, registry.maxLedgers)
	}
	if !exists {
		entry = &registryEntry{ready: make(chan struct{})}
		registry.entries[userID.String()] = entry
	}
	registry.mutex.Unlock()

	if !exists {
		registry.create(ctx, userID, entry)
	}
	select {
	case <-entry.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if entry.err != nil {
		return nil, entry.err
	}
	return entry.ledger, nil
}

func (registry *Registry) create(ctx context.Context, userID UserID, entry *registryEntry) {
	defer close(entry.ready)
	ledger, err := registry.factory(userID)
	if err == nil {
		if _, err = ledger.Bootstrap(ctx, registry.bootstrap); err != nil {
			ledger.Close()
		}
	}
	if err == nil {
		entry.ledger = ledger
		return
	}
	entry.err = err
	registry.mutex.Lock()
	if registry.entries[userID.String()] == entry {
		delete(registry.entries, userID.String())
	}
	registry.mutex.Unlock()
}

// UserIDs lists the ledgers currently held, sorted.
func (registry *Registry) UserIDs() []string {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	userIDs := make([]string, 0, len(registry.entries))
	for userID := range registry.entries {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)
	return userIDs
}

// Close closes every ledger and rejects further lookups.
func (registry *Registry) Close() {
	registry.mutex.Lock()
	registry.closed = true
	entries := registry.entries
	registry.entries = make(map[string]*registryEntry)
	registry.mutex.Unlock()

	for _, entry := range entries {
		<-entry.ready
		if entry.ledger != nil {
			entry.ledger.Close()
		}
	}
}
