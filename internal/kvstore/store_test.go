package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueValue struct {
	Items []string `json:"items"`
	Depth int      `json:"depth"`
}

// openAll returns one of each backend, each in its own temp dir.
func openAll(t *testing.T) map[string]Store {
	t.Helper()

	stores := make(map[string]Store)

	for _, backend := range []string{BackendBolt, BackendSQLite, BackendMemory} {
		s, err := Open(backend, filepath.Join(t.TempDir(), "state", "usersync.db"), nil)
		require.NoError(t, err, backend)
		stores[backend] = s
	}

	return stores
}

func TestStore_RoundTrip(t *testing.T) {
	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()

			var got queueValue
			found, err := s.Get("ops.identity.add", &got)
			require.NoError(t, err)
			assert.False(t, found)

			want := queueValue{Items: []string{"a", "b"}, Depth: 2}
			require.NoError(t, s.Put("ops.identity.add", want))

			found, err = s.Get("ops.identity.add", &got)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, want, got)

			// Full rewrite replaces the value.
			require.NoError(t, s.Put("ops.identity.add", queueValue{Depth: 0}))
			got = queueValue{}
			_, err = s.Get("ops.identity.add", &got)
			require.NoError(t, err)
			assert.Empty(t, got.Items)

			require.NoError(t, s.Delete("ops.identity.add"))
			found, err = s.Get("ops.identity.add", &got)
			require.NoError(t, err)
			assert.False(t, found)

			// Deleting an absent key is not an error.
			require.NoError(t, s.Delete("never.written"))
		})
	}
}

func TestStore_EmptyKey(t *testing.T) {
	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			assert.ErrorIs(t, s.Put("", 1), ErrEmptyKey)
		})
	}
}

func TestStore_ClosedStore(t *testing.T) {
	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Close())

			err := s.Put("k", 1)
			assert.ErrorIs(t, err, ErrClosed)

			var v int
			_, err = s.Get("k", &v)
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	for _, backend := range []string{BackendBolt, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "usersync.db")

			s, err := Open(backend, path, nil)
			require.NoError(t, err)
			require.NoError(t, s.Put("models.registry", map[string]string{"current": "m-1"}))
			require.NoError(t, s.Close())

			s, err = Open(backend, path, nil)
			require.NoError(t, err)
			defer s.Close()

			got, err := GetOr(s, "models.registry", map[string]string{})
			require.NoError(t, err)
			assert.Equal(t, "m-1", got["current"])
		})
	}
}

func TestGetOr_Default(t *testing.T) {
	s := NewMemory()

	got, err := GetOr(s, "missing", []int{7})
	require.NoError(t, err)
	assert.Equal(t, []int{7}, got)

	require.NoError(t, s.Put("present", []int{1, 2}))
	got, err = GetOr(s, "present", []int{7})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
}

func TestGetOr_DecodeError(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Put("k", "not a number"))

	got, err := GetOr(s, "k", 42)
	assert.Error(t, err)
	assert.Equal(t, 42, got)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("leveldb", filepath.Join(t.TempDir(), "x"), nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestMemory_Keys(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Put("a", 1))
	require.NoError(t, s.Put("b", 2))

	assert.ElementsMatch(t, []string{"a", "b"}, s.Keys())
}
