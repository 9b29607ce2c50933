package memory

import (
	"time"

	"github.com/entitykv/entitykv/reactive"
	"github.com/entitykv/entitykv/storage"
)

// StoreOptions configures a Store's retry policy.
type StoreOptions struct {
	// Attempts is the number of times a retryable transaction is
	// attempted before the last error is surfaced. Defaults to 3.
	Attempts int
	// InitialBackoff is the delay before the second attempt; it doubles
	// on each subsequent retry. Defaults to 10ms.
	InitialBackoff time.Duration
}

// DefaultStoreOptions mirrors the concurrency design's defaults.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{Attempts: 3, InitialBackoff: 10 * time.Millisecond}
}

// Store pairs a Backend with the retry policy the query layer uses to
// wrap every transaction it opens against it. It implements
// storage.Store.
type Store struct {
	backend *Backend
	opts    StoreOptions
}

// NewStore creates a Store around a fresh Backend.
func NewStore(opts StoreOptions) *Store {
	if opts.Attempts < 1 {
		opts.Attempts = DefaultStoreOptions().Attempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultStoreOptions().InitialBackoff
	}
	return &Store{backend: New(), opts: opts}
}

func (s *Store) Backend() storage.Backend      { return s.backend }
func (s *Store) Attempts() int                 { return s.opts.Attempts }
func (s *Store) InitialBackoff() time.Duration { return s.opts.InitialBackoff }
func (s *Store) Pool() *reactive.WorkerPool    { return s.backend.pool }

// MemoryBackend exposes the concrete *Backend so tests can seed rows via
// Put and trigger simulated failures via FailNextReads/FailNextWrites.
func (s *Store) MemoryBackend() *Backend { return s.backend }
