package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/scriptmesh/internal/vault"
)

func newVault(t *testing.T, dir string) *vault.Vault {
	t.Helper()
	v, err := vault.Open(filepath.Join(dir, "vault.key"))
	require.NoError(t, err)
	return v
}

func backends(t *testing.T, dir string) map[string]func() Backend {
	return map[string]func() Backend{
		"file": func() Backend { return NewFileBackend(filepath.Join(dir, "agent_registry.json")) },
		"sqlite": func() Backend {
			b, err := NewSQLiteBackend(filepath.Join(dir, "registry.db"))
			require.NoError(t, err)
			return b
		},
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t, t.TempDir()) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			v := newVault(t, dir)

			first := NewStore(open(), v)
			require.NoError(t, first.Load(ctx))
			rec, err := first.Register(ctx, "A1", "http://localhost:9001", "k1")
			require.NoError(t, err)
			require.NoError(t, first.Close())

			second := NewStore(open(), newVault(t, dir))
			require.NoError(t, second.Load(ctx))
			defer second.Close()

			got, err := second.Get("A1")
			require.NoError(t, err)
			assert.Equal(t, "http://localhost:9001", got.URL)
			assert.True(t, rec.LastSeen.Equal(got.LastSeen), "last_seen %v != %v", rec.LastSeen, got.LastSeen)

			plain, err := second.Credential(got)
			require.NoError(t, err)
			assert.Equal(t, "k1", plain)

			_, ok := second.StatusOf("A1")
			assert.False(t, ok, "status cache must not be persisted")
		})
	}
}

func TestRegisterOverwrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStore(NewFileBackend(filepath.Join(dir, "r.json")), newVault(t, dir))

	_, err := s.Register(ctx, "A1", "http://one", "k1")
	require.NoError(t, err)
	_, err = s.Register(ctx, "A1", "http://two", "k2")
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "http://two", list[0].URL)

	rec, err := s.Get("A1")
	require.NoError(t, err)
	plain, err := s.Credential(rec)
	require.NoError(t, err)
	assert.Equal(t, "k2", plain)

	st, ok := s.StatusOf("A1")
	require.True(t, ok)
	assert.Equal(t, StateOnline, st.State)
}

func TestPersistedFileHasNoPlaintext(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "r.json")
	s := NewStore(NewFileBackend(path), newVault(t, dir))

	_, err := s.Register(ctx, "A1", "http://one", "super-secret-key")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret-key")
	assert.Contains(t, string(data), "http://one")
}

func TestListOrderedAndGetUnknown(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStore(NewFileBackend(filepath.Join(dir, "r.json")), newVault(t, dir))

	for _, n := range []string{"charlie", "alpha", "bravo"} {
		_, err := s.Register(ctx, n, "http://"+n, "k")
		require.NoError(t, err)
	}
	var names []string
	for _, e := range s.List() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, names)

	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(NewFileBackend(filepath.Join(dir, "absent.json")), newVault(t, dir))
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 0, s.Len())
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	s := NewStore(NewFileBackend(path), newVault(t, dir))
	assert.ErrorIs(t, s.Load(context.Background()), ErrRegistryCorrupt)
}

func TestLoadForeignKeyCredential(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "r.json")

	s := NewStore(NewFileBackend(path), newVault(t, filepath.Join(dir, "a")))
	_, err := s.Register(ctx, "A1", "http://one", "k1")
	require.NoError(t, err)

	other := NewStore(NewFileBackend(path), newVault(t, filepath.Join(dir, "b")))
	assert.ErrorIs(t, other.Load(ctx), vault.ErrCredentialCorrupt)
}

type failingBackend struct{ Backend }

func (failingBackend) Save(context.Context, []Record) error { return errors.New("disk full") }

func TestRegisterPersistFailureLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStore(failingBackend{NewFileBackend(filepath.Join(dir, "r.json"))}, newVault(t, dir))

	_, err := s.Register(ctx, "A1", "http://one", "k1")
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
	_, ok := s.StatusOf("A1")
	assert.False(t, ok)
}

func TestConcurrentRegistrations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "r.json")
	v := newVault(t, dir)
	s := NewStore(NewFileBackend(path), v)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Register(ctx, fmt.Sprintf("agent-%02d", i), fmt.Sprintf("http://host-%d", i), "k")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	reloaded := NewStore(NewFileBackend(path), v)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 20, reloaded.Len())
}

func TestSetStatusesKeepsNewest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStore(NewFileBackend(filepath.Join(dir, "r.json")), newVault(t, dir))
	_, err := s.Register(ctx, "A1", "http://one", "k1")
	require.NoError(t, err)

	s.SetStatuses(map[string]Status{"A1": {State: StateOffline, CheckedAt: time.Now().Add(-time.Hour)}})
	st, _ := s.StatusOf("A1")
	assert.Equal(t, StateOnline, st.State)

	s.SetStatuses(map[string]Status{"A1": {State: StateError, Code: 503, CheckedAt: time.Now().Add(time.Minute)}})
	st, _ = s.StatusOf("A1")
	assert.Equal(t, "error 503", st.String())
}

func TestPing(t *testing.T) {
	dir := t.TempDir()
	for name, open := range backends(t, dir) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(open(), newVault(t, dir))
			assert.NoError(t, s.Ping(context.Background()))
			require.NoError(t, s.Close())
		})
	}
}
