package e2ee

import (
	"context"
	"errors"
	"sync"
	"testing"

	"secchat/internal/docstore"
	"secchat/internal/docstore/memstore"
	"secchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKeys struct {
	mu   sync.Mutex
	keys map[string]string
	fail error
}

func newMemKeys() *memKeys {
	return &memKeys{keys: make(map[string]string)}
}

func (m *memKeys) PrivateKey(userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[userID]
	if !ok {
		return "", models.ErrNotFound
	}
	return key, nil
}

func (m *memKeys) SavePrivateKey(userID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.keys[userID] = key
	return nil
}

func (m *memKeys) DeletePrivateKey(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, userID)
	return nil
}

type env struct {
	store  *memstore.Store
	engine *Engine
	keys   *memKeys
}

func newEnv(t *testing.T, users ...string) env {
	t.Helper()
	store := memstore.New()
	for _, id := range users {
		require.NoError(t, store.Put(context.Background(), docstore.Users, id, models.User{ID: id, DisplayName: id}))
	}
	keys := newMemKeys()
	return env{store: store, engine: New(keys, store), keys: keys}
}

func (e env) publicKey(t *testing.T, userID string) string {
	t.Helper()
	u, err := docstore.GetAs[models.User](context.Background(), e.store, docstore.Users, userID)
	require.NoError(t, err)
	return u.PublicKey
}

func TestRoundTripAcrossParties(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice", "bob")

	alicePub, err := e.engine.GenerateKeyPair(ctx, "alice")
	require.NoError(t, err)
	bobPub, err := e.engine.GenerateKeyPair(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, alicePub, e.publicKey(t, "alice"))

	messages := []string{"hello", "", "привет 👋", string(make([]byte, 4096))}
	for _, m := range messages {
		sealed, err := e.engine.Encrypt("alice", m, bobPub)
		require.NoError(t, err)
		if m != "" {
			assert.NotEqual(t, m, sealed.Ciphertext)
		}

		got, err := e.engine.Decrypt("bob", sealed.Ciphertext, sealed.IV, alicePub)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestSharedKeyIsSymmetric(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice", "bob")
	alicePub, err := e.engine.GenerateKeyPair(ctx, "alice")
	require.NoError(t, err)
	bobPub, err := e.engine.GenerateKeyPair(ctx, "bob")
	require.NoError(t, err)

	alicePriv, _ := e.keys.PrivateKey("alice")
	bobPriv, _ := e.keys.PrivateKey("bob")

	k1, err := e.engine.DeriveSharedKey(alicePriv, bobPub)
	require.NoError(t, err)
	k2, err := e.engine.DeriveSharedKey(bobPriv, alicePub)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, keySize)

	// a fresh engine derives the same key without the cache
	k3, err := New(e.keys, e.store).DeriveSharedKey(alicePriv, bobPub)
	require.NoError(t, err)
	assert.Equal(t, k1, k3)
}

func TestNoncesAreFresh(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice", "bob")
	_, err := e.engine.GenerateKeyPair(ctx, "alice")
	require.NoError(t, err)
	bobPub, err := e.engine.GenerateKeyPair(ctx, "bob")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for range 50 {
		sealed, err := e.engine.Encrypt("alice", "same", bobPub)
		require.NoError(t, err)
		assert.False(t, seen[sealed.IV], "nonce reused")
		seen[sealed.IV] = true
	}
}

func TestDecryptFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice", "bob", "carol")
	alicePub, err := e.engine.GenerateKeyPair(ctx, "alice")
	require.NoError(t, err)
	bobPub, err := e.engine.GenerateKeyPair(ctx, "bob")
	require.NoError(t, err)
	_, err = e.engine.GenerateKeyPair(ctx, "carol")
	require.NoError(t, err)

	sealed, err := e.engine.Encrypt("alice", "secret", bobPub)
	require.NoError(t, err)

	tampered := []byte(sealed.Ciphertext)
	if tampered[0] == 'A' {
		tampered[0] = 'B'
	} else {
		tampered[0] = 'A'
	}

	tests := []struct {
		name       string
		userID     string
		ciphertext string
		iv         string
		pub        string
		want       error
	}{
		{"tampered ciphertext", "bob", string(tampered), sealed.IV, alicePub, ErrDecrypt},
		{"wrong recipient", "carol", sealed.Ciphertext, sealed.IV, alicePub, ErrDecrypt},
		{"bad nonce", "bob", sealed.Ciphertext, "AAAA", alicePub, ErrDecrypt},
		{"bad encoding", "bob", "%%%", sealed.IV, alicePub, ErrDecrypt},
		{"bad public key", "bob", sealed.Ciphertext, sealed.IV, "AAAA", ErrDecrypt},
		{"no local key", "dave", sealed.Ciphertext, sealed.IV, alicePub, ErrNoKeyMaterial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.engine.Decrypt(tt.userID, tt.ciphertext, tt.iv, tt.pub)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncryptWithoutKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice", "bob")
	bobPub, err := e.engine.GenerateKeyPair(ctx, "bob")
	require.NoError(t, err)

	_, err = e.engine.Encrypt("alice", "hi", bobPub)
	assert.ErrorIs(t, err, ErrNoKeyMaterial)
}

func TestKeyRotation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice", "bob")
	alicePub, err := e.engine.GenerateKeyPair(ctx, "alice")
	require.NoError(t, err)
	bobPub, err := e.engine.GenerateKeyPair(ctx, "bob")
	require.NoError(t, err)

	_, err = e.engine.GenerateKeyPair(ctx, "bob")
	assert.ErrorIs(t, err, ErrKeysExist)

	_, err = e.engine.ResetKeys(ctx, "bob", false)
	assert.ErrorIs(t, err, ErrConfirmationRequired)

	sealed, err := e.engine.Encrypt("alice", "before rotation", bobPub)
	require.NoError(t, err)

	newBobPub, err := e.engine.ResetKeys(ctx, "bob", true)
	require.NoError(t, err)
	assert.NotEqual(t, bobPub, newBobPub)
	assert.Equal(t, newBobPub, e.publicKey(t, "bob"))

	_, err = e.engine.Decrypt("bob", sealed.Ciphertext, sealed.IV, alicePub)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestFailedPublishKeepsPreviousKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice")
	_, err := e.engine.GenerateKeyPair(ctx, "alice")
	require.NoError(t, err)
	before, _ := e.keys.PrivateKey("alice")

	// no profile document to publish to
	require.NoError(t, e.keys.SavePrivateKey("ghost", before))
	_, err = e.engine.ResetKeys(ctx, "ghost", true)
	assert.ErrorIs(t, err, ErrKeyGeneration)
	after, _ := e.keys.PrivateKey("ghost")
	assert.Equal(t, before, after)

	_, err = e.engine.GenerateKeyPair(ctx, "nobody")
	assert.ErrorIs(t, err, ErrKeyGeneration)
	assert.False(t, e.engine.HasKey("nobody"))
}

func TestFailedSaveLeavesNoPartialKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice")
	e.keys.fail = errors.New("disk full")

	_, err := e.engine.GenerateKeyPair(ctx, "alice")
	assert.ErrorIs(t, err, ErrKeyGeneration)
	assert.False(t, e.engine.HasKey("alice"))
	assert.Empty(t, e.publicKey(t, "alice"))
}

func TestCanEncrypt(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice", "bob")
	_, err := e.engine.GenerateKeyPair(ctx, "alice")
	require.NoError(t, err)

	alice := models.User{ID: "alice", PublicKey: "pa"}
	bob := models.User{ID: "bob", PublicKey: "pb"}

	assert.True(t, e.engine.CanEncrypt(models.ChatTypeDirect, alice, bob))
	assert.False(t, e.engine.CanEncrypt(models.ChatTypeGroup, alice, bob))
	assert.False(t, e.engine.CanEncrypt(models.ChatTypeDirect, alice, models.User{ID: "bob"}))
	assert.False(t, e.engine.CanEncrypt(models.ChatTypeDirect, models.User{ID: "alice"}, bob))
	// bob has a published key but no local material on this device
	assert.False(t, e.engine.CanEncrypt(models.ChatTypeDirect, bob, alice))
}
