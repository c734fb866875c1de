package session

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// FileAuthStore is the reference AuthStore implementation: a directory of
// JSON files, with creds encrypted at rest using an AEAD key supplied at
// construction. The presence of creds.json with registered:true indicates
// a restorable session, per the wire/persistence format in the external
// interfaces section.
type FileAuthStore struct {
	dir  string
	aead cipher.AEAD
}

type persistedCreds struct {
	Registered bool   `json:"registered"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// NewFileAuthStore creates a store rooted at dir, encrypting credential
// material with key (must be exactly chacha20poly1305.KeySize bytes).
func NewFileAuthStore(dir string, key []byte) (*FileAuthStore, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileAuthStore{dir: dir, aead: aead}, nil
}

func (s *FileAuthStore) credsPath() string {
	return filepath.Join(s.dir, "creds.json")
}

func (s *FileAuthStore) LoadState(ctx context.Context) (AuthState, error) {
	raw, err := os.ReadFile(s.credsPath())
	if errors.Is(err, os.ErrNotExist) {
		return AuthState{}, nil
	}
	if err != nil {
		return AuthState{}, err
	}

	var pc persistedCreds
	if err := json.Unmarshal(raw, &pc); err != nil {
		return AuthState{}, err
	}
	if !pc.Registered {
		return AuthState{}, nil
	}

	plain, err := s.aead.Open(nil, pc.Nonce, pc.Ciphertext, nil)
	if err != nil {
		return AuthState{}, err
	}
	return AuthState{Data: plain}, nil
}

func (s *FileAuthStore) SaveCreds(ctx context.Context, creds AuthState) error {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	ciphertext := s.aead.Seal(nil, nonce, creds.Data, nil)

	pc := persistedCreds{Registered: true, Nonce: nonce, Ciphertext: ciphertext}
	raw, err := json.Marshal(pc)
	if err != nil {
		return err
	}
	return os.WriteFile(s.credsPath(), raw, 0o600)
}

func (s *FileAuthStore) ClearState(ctx context.Context) error {
	err := os.Remove(s.credsPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileAuthStore) HasExistingState(ctx context.Context) (bool, error) {
	raw, err := os.ReadFile(s.credsPath())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var pc persistedCreds
	if err := json.Unmarshal(raw, &pc); err != nil {
		return false, err
	}
	return pc.Registered, nil
}
