// Package e2ee encrypts direct-chat message bodies.
//
// Every user owns a P-256 key agreement pair. The public half is published on
// the user profile, the private half never leaves local device storage. Both
// parties of a direct chat derive the same AES-256-GCM key from ECDH followed
// by HKDF-SHA256, so no secret is ever transmitted.
package e2ee

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"secchat/internal/docstore"
	"secchat/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32
	nonceSize = 12
)

var hkdfInfo = []byte("secchat e2ee v1")

var (
	ErrNoKeyMaterial        = errors.New("no local key material")
	ErrDecrypt              = errors.New("failed to decrypt message")
	ErrInvalidPublicKey     = errors.New("invalid public key")
	ErrKeyGeneration        = errors.New("failed to generate key pair")
	ErrKeysExist            = errors.New("key pair already exists")
	ErrConfirmationRequired = errors.New("key reset requires confirmation")
)

// KeyStore is the local, never synced custody of private keys.
type KeyStore interface {
	PrivateKey(userID string) (string, error)
	SavePrivateKey(userID, key string) error
	DeletePrivateKey(userID string) error
}

// Sealed is an encrypted body with its nonce, both base64.
type Sealed struct {
	Ciphertext string
	IV         string
}

type Engine struct {
	keys   KeyStore
	store  docstore.Store
	shared geche.Geche[string, []byte]
	random io.Reader
}

func New(keys KeyStore, store docstore.Store) *Engine {
	return &Engine{
		keys:   keys,
		store:  store,
		shared: geche.NewMapCache[string, []byte](),
		random: rand.Reader,
	}
}

// GenerateKeyPair creates the first key pair of userID and publishes its
// public key. It returns the published key.
func (e *Engine) GenerateKeyPair(ctx context.Context, userID string) (string, error) {
	if e.HasKey(userID) {
		return "", ErrKeysExist
	}
	return e.rotate(ctx, userID)
}

// ResetKeys replaces the key pair of userID. Messages encrypted under the
// previous pair become undecryptable, so the caller must confirm.
func (e *Engine) ResetKeys(ctx context.Context, userID string, confirm bool) (string, error) {
	if !confirm {
		return "", ErrConfirmationRequired
	}
	return e.rotate(ctx, userID)
}

// rotate stores a fresh private key and publishes the public key. When any
// step fails the previous private key is put back.
func (e *Engine) rotate(ctx context.Context, userID string) (string, error) {
	priv, err := ecdh.P256().GenerateKey(e.random)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	public := base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes())

	previous, prevErr := e.keys.PrivateKey(userID)
	if prevErr != nil && !errors.Is(prevErr, models.ErrNotFound) {
		return "", fmt.Errorf("%w: %w", ErrKeyGeneration, prevErr)
	}

	if err := e.keys.SavePrivateKey(userID, base64.StdEncoding.EncodeToString(der)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}

	if err := e.store.Update(ctx, docstore.Users, userID, docstore.Set("publicKey", public)); err != nil {
		var restoreErr error
		if prevErr == nil {
			restoreErr = e.keys.SavePrivateKey(userID, previous)
		} else {
			restoreErr = e.keys.DeletePrivateKey(userID)
		}
		if restoreErr != nil {
			slog.Error("failed to restore private key", "user_id", userID, "error", restoreErr)
		}
		return "", fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	return public, nil
}

// HasKey reports whether userID has local key material.
func (e *Engine) HasKey(userID string) bool {
	_, err := e.keys.PrivateKey(userID)
	return err == nil
}

// CanEncrypt reports whether a message from sender to receiver in a chat of
// the given type may be encrypted.
func (e *Engine) CanEncrypt(chatType models.ChatType, sender, receiver models.User) bool {
	return chatType == models.ChatTypeDirect &&
		sender.PublicKey != "" &&
		receiver.PublicKey != "" &&
		e.HasKey(sender.ID)
}

func (e *Engine) privateKey(userID string) (string, error) {
	key, err := e.keys.PrivateKey(userID)
	if errors.Is(err, models.ErrNotFound) {
		return "", ErrNoKeyMaterial
	}
	if err != nil {
		return "", err
	}
	return key, nil
}

// DeriveSharedKey returns the AES-256 key shared between the owner of
// myPrivateKey and the owner of theirPublicKey. Both inputs are base64.
func (e *Engine) DeriveSharedKey(myPrivateKey, theirPublicKey string) ([]byte, error) {
	sum := sha256.Sum256([]byte(myPrivateKey + "\x00" + theirPublicKey))
	cacheKey := hex.EncodeToString(sum[:])
	if key, err := e.shared.Get(cacheKey); err == nil {
		return key, nil
	}

	der, err := base64.StdEncoding.DecodeString(myPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	priv, err := toECDH(parsed)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(theirPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}

	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	e.shared.Set(cacheKey, key)
	return key, nil
}

func toECDH(key any) (*ecdh.PrivateKey, error) {
	switch k := key.(type) {
	case *ecdh.PrivateKey:
		return k, nil
	case interface{ ECDH() (*ecdh.PrivateKey, error) }:
		return k.ECDH()
	}
	return nil, fmt.Errorf("unsupported private key type %T", key)
}

func (e *Engine) aead(userID, theirPublicKey string) (cipher.AEAD, error) {
	mine, err := e.privateKey(userID)
	if err != nil {
		return nil, err
	}
	key, err := e.DeriveSharedKey(mine, theirPublicKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext for the owner of theirPublicKey with a fresh nonce.
func (e *Engine) Encrypt(userID, plaintext, theirPublicKey string) (Sealed, error) {
	gcm, err := e.aead(userID, theirPublicKey)
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(e.random, nonce); err != nil {
		return Sealed{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Decrypt opens a body sealed between userID and the owner of theirPublicKey.
// Tampered input, a wrong key pair and malformed encodings all fail with
// ErrDecrypt.
func (e *Engine) Decrypt(userID, ciphertext, iv, theirPublicKey string) (string, error) {
	gcm, err := e.aead(userID, theirPublicKey)
	if errors.Is(err, ErrNoKeyMaterial) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: bad nonce", ErrDecrypt)
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrDecrypt)
	}
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return string(plain), nil
}
