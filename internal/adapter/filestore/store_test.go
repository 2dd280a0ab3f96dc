package filestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/pscheid92/streamrelay/internal/platform/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_MissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "credentials.json"), nil)

	_, err := s.Get(context.Background(), domain.CredentialAccessToken)
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.json")
	s := New(path, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, domain.CredentialAccessToken, "a1"))
	require.NoError(t, s.Set(ctx, domain.CredentialRefreshToken, "r1"))
	require.NoError(t, s.Set(ctx, domain.CredentialAccessToken, "a2"))

	got, err := s.Get(ctx, domain.CredentialAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "a2", got)

	got, err = s.Get(ctx, domain.CredentialRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "r1", got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	ctx := context.Background()
	require.NoError(t, New(path, nil).Set(ctx, domain.CredentialRefreshToken, "r1"))

	got, err := New(path, nil).Get(ctx, domain.CredentialRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "r1", got)
}

func TestStore_Sealed(t *testing.T) {
	sealer, err := crypto.NewAESGCM("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "credentials.json")
	s := New(path, sealer)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, domain.CredentialAccessToken, "top-secret"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "top-secret"))

	got, err := s.Get(ctx, domain.CredentialAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "top-secret", got)
}

func TestStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := New(path, nil).Get(context.Background(), domain.CredentialAccessToken)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestStore_ConcurrentSets(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "credentials.json"), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			assert.NoError(t, s.Set(ctx, domain.CredentialAccessToken, "a"))
			assert.NoError(t, s.Set(ctx, domain.CredentialRefreshToken, "r"))
		})
	}
	wg.Wait()

	got, err := s.Get(ctx, domain.CredentialRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "r", got)
}
