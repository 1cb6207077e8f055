package storage

import (
	"path/filepath"
	"testing"
	"time"

	"secchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStorage(t *testing.T) {
	store := newTestStorage(t)

	t.Run("PrivateKeys", func(t *testing.T) {
		_, err := store.PrivateKey("user1")
		require.ErrorIs(t, err, models.ErrNotFound)

		require.NoError(t, store.SavePrivateKey("user1", "key-a"))
		require.NoError(t, store.SavePrivateKey("user1", "key-b"))
		require.NoError(t, store.SavePrivateKey("user2", "key-c"))

		key, err := store.PrivateKey("user1")
		require.NoError(t, err)
		assert.Equal(t, "key-b", key)

		require.NoError(t, store.DeletePrivateKey("user1"))
		_, err = store.PrivateKey("user1")
		require.ErrorIs(t, err, models.ErrNotFound)

		key, err = store.PrivateKey("user2")
		require.NoError(t, err)
		assert.Equal(t, "key-c", key)
	})

	t.Run("Drafts", func(t *testing.T) {
		drafts, err := store.ListDrafts("user1")
		require.NoError(t, err)
		assert.Empty(t, drafts)

		require.NoError(t, store.SaveDraft("user1", "chat1", "hello"))
		require.NoError(t, store.SaveDraft("user1", "chat2", "world"))
		require.NoError(t, store.SaveDraft("user2", "chat1", "other"))

		text, err := store.Draft("user1", "chat1")
		require.NoError(t, err)
		assert.Equal(t, "hello", text)

		drafts, err = store.ListDrafts("user1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"chat1": "hello", "chat2": "world"}, drafts)

		require.NoError(t, store.SaveDraft("user1", "chat1", ""))
		_, err = store.Draft("user1", "chat1")
		require.ErrorIs(t, err, models.ErrNotFound)

		// clearing a draft of an unknown user is not an error
		require.NoError(t, store.SaveDraft("nobody", "chat1", ""))
	})

	t.Run("Session", func(t *testing.T) {
		_, err := store.Session()
		require.ErrorIs(t, err, models.ErrNotFound)

		expires := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, store.SaveSession(Session{Token: "tok", UserID: "user1", DisplayName: "Alice", ExpiresAt: expires}))

		session, err := store.Session()
		require.NoError(t, err)
		assert.Equal(t, "tok", session.Token)
		assert.Equal(t, "user1", session.UserID)
		assert.Equal(t, "Alice", session.DisplayName)
		assert.True(t, session.ExpiresAt.Equal(expires))

		require.NoError(t, store.ClearSession())
		_, err = store.Session()
		require.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestStoragePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := NewBboltStorage(path)
	require.NoError(t, err)
	require.NoError(t, store.SavePrivateKey("user1", "key"))
	require.NoError(t, store.Close())

	store, err = NewBboltStorage(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	key, err := store.PrivateKey("user1")
	require.NoError(t, err)
	assert.Equal(t, "key", key)
}
