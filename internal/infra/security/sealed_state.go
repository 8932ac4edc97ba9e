// Package security keeps credentials at rest unreadable to anyone holding only the state store.
package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"

	"github.com/pkg/errors"

	"companion-session/internal/domain"
	"companion-session/internal/domain/ports/repository"
)

var _ repository.LocalStateRepository = (*SealedStateRepo)(nil)

// sealedPrefix marks values written by this repo so foreign plaintext is never fed to GCM.
const sealedPrefix = "sealed1:"

// SealedStateRepo encrypts values of sensitive keys before they reach the inner store.
// Other keys pass through untouched. The storage key is bound as associated data, so a
// sealed value copied under another key does not open.
type SealedStateRepo struct {
	inner    repository.LocalStateRepository
	aead     cipher.AEAD
	prefixes []string
}

// NewSealedStateRepo seals keys starting with any of prefixes; with none given it seals
// auth tokens. key must be 16, 24 or 32 bytes.
func NewSealedStateRepo(inner repository.LocalStateRepository, key string, prefixes ...string) (*SealedStateRepo, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, errors.Errorf("state encryption key must be 16, 24, or 32 bytes; got %d", len(key))
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, errors.Wrap(err, "aes cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "gcm")
	}
	if len(prefixes) == 0 {
		prefixes = []string{repository.AuthKeyPrefix}
	}
	return &SealedStateRepo{inner: inner, aead: aead, prefixes: prefixes}, nil
}

func (s *SealedStateRepo) sealed(key string) bool {
	for _, p := range s.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func (s *SealedStateRepo) seal(key, value string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "nonce")
	}
	ct := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(ct), nil
}

func (s *SealedStateRepo) open(key, stored string) (string, error) {
	enc, ok := strings.CutPrefix(stored, sealedPrefix)
	if !ok {
		return "", errors.New("not a sealed value")
	}
	data, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", errors.Wrap(err, "decode")
	}
	ns := s.aead.NonceSize()
	if len(data) < ns {
		return "", errors.New("sealed value too short")
	}
	pt, err := s.aead.Open(nil, data[:ns], data[ns:], []byte(key))
	if err != nil {
		return "", errors.Wrap(err, "open")
	}
	return string(pt), nil
}

// Get returns domain.ErrNotFound for values that cannot be opened, such as plaintext
// written before encryption was enabled or values sealed with another key.
func (s *SealedStateRepo) Get(ctx context.Context, key string) (string, error) {
	v, err := s.inner.Get(ctx, key)
	if err != nil || !s.sealed(key) {
		return v, err
	}
	pt, err := s.open(key, v)
	if err != nil {
		return "", errors.Wrapf(domain.ErrNotFound, "sealed value %s unreadable: %v", key, err)
	}
	return pt, nil
}

func (s *SealedStateRepo) Set(ctx context.Context, key, value string) error {
	if !s.sealed(key) {
		return s.inner.Set(ctx, key, value)
	}
	ct, err := s.seal(key, value)
	if err != nil {
		return errors.Wrapf(err, "seal %s", key)
	}
	return s.inner.Set(ctx, key, ct)
}

func (s *SealedStateRepo) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
