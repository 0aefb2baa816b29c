package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"campaigner/internal/campaign"
)

// ErrPersistence marks failures of the backing store. Prior persisted state
// stays valid because every write covers one step.
var ErrPersistence = errors.New("persistence error")

// ErrLocked means another open store already holds the file root.
var ErrLocked = errors.New("store root is locked by another process")

// PersistenceError carries the failed operation and campaign id.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func persistErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, campaign.ErrNotFound) {
		return err
	}
	return &PersistenceError{Op: op, ID: id, Err: err}
}

// Config configures storage.
//
// Driver values:
//   - "file": directory per campaign (JSON record + JSON Lines logs)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// UpdateFunc mutates a campaign in place. Returning an error aborts the write.
type UpdateFunc func(c *campaign.Campaign) error

// Store is the persistence API used by the dispatcher, correlator and app.
type Store interface {
	Create(ctx context.Context, c *campaign.Campaign) (string, error)
	Load(ctx context.Context, id string) (*campaign.Campaign, error)
	// Save replaces the record (last write wins). Prefer Update for counters.
	Save(ctx context.Context, c *campaign.Campaign) error
	// Update is an atomic read-modify-write for one campaign id.
	Update(ctx context.Context, id string, fn UpdateFunc) (*campaign.Campaign, error)
	// List is unordered; callers sort.
	List(ctx context.Context) ([]*campaign.Campaign, error)

	AppendResponse(ctx context.Context, id string, r campaign.Response) error
	// RecordResponse appends r and counts it in Stats.Responses as one step:
	// either both land or neither does.
	RecordResponse(ctx context.Context, id string, r campaign.Response) (*campaign.Campaign, error)
	Responses(ctx context.Context, id string) ([]campaign.Response, error)
	AppendFollowUp(ctx context.Context, f campaign.FollowUp) error
	FollowUps(ctx context.Context, id string) ([]campaign.FollowUp, error)

	Close() error
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = map[string]*refLock{}
	}
	l := k.m[key]
	if l == nil {
		l = &refLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
