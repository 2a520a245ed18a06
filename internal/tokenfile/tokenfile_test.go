package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestLoad_FileNotFound(t *testing.T) {
	f, err := Load("/nonexistent/path/token.json")
	assert.Nil(t, f)
	assert.NoError(t, err)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app-token.json")

	expiry := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	in := &File{
		Token:    &oauth2.Token{AccessToken: "access-123", TokenType: "Bearer", Expiry: expiry},
		ClientID: "client-a",
		TokenURL: "https://auth.example.com/token",
		SavedAt:  expiry.Add(-time.Hour),
	}

	require.NoError(t, Save(path, in))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "access-123", got.Token.AccessToken)
	assert.True(t, got.Token.Expiry.Equal(expiry))
	assert.True(t, got.Matches("client-a", "https://auth.example.com/token"))
	assert.False(t, got.Matches("client-b", "https://auth.example.com/token"))
}

func TestLoad_MissingTokenField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"client_id":"x"}`), 0o600))

	f, err := Load(path)
	assert.Nil(t, f)
	assert.ErrorContains(t, err, "missing token field")
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "decoding")
}

func TestSave_NoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")

	require.NoError(t, Save(path, &File{Token: &oauth2.Token{AccessToken: "a"}}))
	require.NoError(t, Save(path, &File{Token: &oauth2.Token{AccessToken: "b"}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "token.json", entries[0].Name())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Token.AccessToken)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, Remove(path))

	require.NoError(t, Save(path, &File{Token: &oauth2.Token{AccessToken: "a"}}))
	require.NoError(t, Remove(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestMatches_Nil(t *testing.T) {
	var f *File
	assert.False(t, f.Matches("a", "b"))
}
