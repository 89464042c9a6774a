package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/arrowgate/arrowgate/engine"
)

// HandleAllocator produces opaque, globally-unique statement handles.
// Injected into the Registry so token generation is owned by one
// component instead of ambient global state.
type HandleAllocator interface {
	NewHandle() (string, error)
}

// RandomHandleAllocator allocates 128-bit random hex handles.
type RandomHandleAllocator struct{}

func (RandomHandleAllocator) NewHandle() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate statement handle: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// StatementEntry is one prepared statement. Entries are immutable after
// creation; disposal removes the whole entry.
type StatementEntry struct {
	Handle          string
	Owner           string
	Query           string
	ParameterSchema *arrow.Schema
	ResultSchema    *arrow.Schema
	CreatedAt       time.Time
}

// Registry is the thread-safe store of server-side prepared statements.
// One mutual-exclusion domain guards the map: mutations (create/dispose)
// serialize against each other, lookups run concurrently.
type Registry struct {
	alloc HandleAllocator

	mu      sync.RWMutex
	entries map[string]*StatementEntry
}

// NewRegistry builds an empty registry using alloc for handle identity.
// A nil alloc falls back to RandomHandleAllocator.
func NewRegistry(alloc HandleAllocator) *Registry {
	if alloc == nil {
		alloc = RandomHandleAllocator{}
	}
	return &Registry{
		alloc:   alloc,
		entries: make(map[string]*StatementEntry),
	}
}

// Planner plans SQL without executing it. Satisfied by engine.Session
// and by the server's client sessions.
type Planner interface {
	Plan(ctx context.Context, sql string) (engine.Plan, error)
}

// Create prepares sql against p and stores the resulting entry under a
// fresh handle. Prepare is atomic: a plan failure leaves no entry behind.
func (r *Registry) Create(ctx context.Context, owner string, p Planner, sql string) (*StatementEntry, error) {
	plan, err := p.Plan(ctx, sql)
	if err != nil {
		return nil, err
	}

	entry := &StatementEntry{
		Owner:           owner,
		Query:           sql,
		ParameterSchema: plan.ParameterSchema,
		ResultSchema:    plan.ResultSchema,
		CreatedAt:       time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		handle, err := r.alloc.NewHandle()
		if err != nil {
			return nil, err
		}
		if _, taken := r.entries[handle]; taken {
			continue
		}
		entry.Handle = handle
		break
	}
	r.entries[entry.Handle] = entry
	preparedStatementsGauge.Set(float64(len(r.entries)))
	return entry, nil
}

// Lookup returns the entry for handle. Misses and handles owned by a
// different session both report NotFound, so handles stay opaque across
// sessions.
func (r *Registry) Lookup(handle, owner string) (*StatementEntry, error) {
	r.mu.RLock()
	entry, ok := r.entries[handle]
	r.mu.RUnlock()
	if !ok || entry.Owner != owner {
		return nil, notFoundf("prepared statement %q", handle)
	}
	return entry, nil
}

// Dispose removes the entry for handle if owner created it. Handles are
// never reused after disposal, so a lame caller fails with NotFound
// instead of being silently redirected to a newer statement.
func (r *Registry) Dispose(handle, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[handle]
	if !ok || entry.Owner != owner {
		return notFoundf("prepared statement %q", handle)
	}
	delete(r.entries, handle)
	preparedStatementsGauge.Set(float64(len(r.entries)))
	return nil
}

// DisposeOwned removes every entry owned by owner and reports how many
// were dropped. Used at session teardown.
func (r *Registry) DisposeOwned(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for handle, entry := range r.entries {
		if entry.Owner == owner {
			delete(r.entries, handle)
			dropped++
		}
	}
	preparedStatementsGauge.Set(float64(len(r.entries)))
	return dropped
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
