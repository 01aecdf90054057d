package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store holds registered agents and their status cache behind a single lock.
// Mutations persist the whole registry through the Backend before they become
// visible in memory.
type Store struct {
	mu       sync.RWMutex
	records  map[string]Record
	statuses map[string]Status

	cipher  Cipher
	backend Backend
	now     func() time.Time
}

// NewStore creates an empty store. Call Load to populate it from the backend.
func NewStore(backend Backend, cipher Cipher) *Store {
	return &Store{
		records:  map[string]Record{},
		statuses: map[string]Status{},
		cipher:   cipher,
		backend:  backend,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Load replaces the in-memory registry with the persisted one. Every stored
// credential must decrypt under the current key.
func (s *Store) Load(ctx context.Context) error {
	recs, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}
	loaded := make(map[string]Record, len(recs))
	for _, r := range recs {
		if _, err := s.cipher.Decrypt(r.Credential); err != nil {
			return fmt.Errorf("agent %s: %w", r.Name, err)
		}
		loaded[r.Name] = r
	}

	s.mu.Lock()
	s.records = loaded
	s.mu.Unlock()

	log.Info().Int("agents", len(loaded)).Msg("Loaded agent registry")
	return nil
}

// Register upserts an agent, persists the registry and seeds its status as online.
func (s *Store) Register(ctx context.Context, name, url, credential string) (Record, error) {
	sealed, err := s.cipher.Encrypt(credential)
	if err != nil {
		return Record{}, fmt.Errorf("encrypt credential: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := Record{Name: name, URL: url, Credential: sealed, LastSeen: now}

	next := make(map[string]Record, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	next[name] = rec

	if err := s.backend.Save(ctx, sortedRecords(next)); err != nil {
		return Record{}, fmt.Errorf("persist registry: %w", err)
	}
	s.records = next
	s.statuses[name] = Status{State: StateOnline, CheckedAt: now}
	return rec, nil
}

// Get returns the record for name.
func (s *Store) Get(name string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return rec, nil
}

// List returns a name-ordered, credential-free snapshot.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.records))
	for _, r := range sortedRecords(s.records) {
		out = append(out, Entry{Name: r.Name, URL: r.URL, LastSeen: r.LastSeen})
	}
	return out
}

// Snapshot returns a name-ordered copy of all records, credentials still sealed.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRecords(s.records)
}

// Len reports the number of registered agents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Credential decrypts the record's credential. Callers keep the result in a
// local for the duration of one outbound call.
func (s *Store) Credential(rec Record) (string, error) {
	plain, err := s.cipher.Decrypt(rec.Credential)
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", rec.Name, err)
	}
	return plain, nil
}

// SetStatuses records a batch of probe results. A result older than the
// entry already cached for that agent is dropped.
func (s *Store) SetStatuses(results map[string]Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, st := range results {
		if cur, ok := s.statuses[name]; ok && cur.CheckedAt.After(st.CheckedAt) {
			continue
		}
		s.statuses[name] = st
	}
}

// StatusOf returns the cached status for name, if any.
func (s *Store) StatusOf(name string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[name]
	return st, ok
}

// Statuses returns a copy of the status cache.
func (s *Store) Statuses() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Status, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}

// Ping checks the backend when it supports it.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.backend.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func sortedRecords(m map[string]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
