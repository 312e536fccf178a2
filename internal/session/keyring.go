package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const (
	defaultServiceName = "stagesync"
	actorKey           = "actor_id"
	tokenKey           = "session_token"
)

// KeyringStore persists the session in the system keyring, falling back to
// an encrypted file backend where no native keychain exists.
type KeyringStore struct {
	serviceName string
	fileDir     string
	filePass    string
}

type KeyringOptions struct {
	// ServiceName namespaces the entries; defaults to "stagesync".
	ServiceName string
	// FileDir holds the encrypted file backend's entries.
	FileDir string
	// FilePassword unlocks the file backend without prompting.
	FilePassword string
}

func NewKeyringStore(opts KeyringOptions) *KeyringStore {
	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	fileDir := opts.FileDir
	if fileDir == "" {
		fileDir = "~/.config/stagesync/credentials"
	}
	filePass := opts.FilePassword
	if filePass == "" {
		filePass = "stagesync-file-key"
	}
	return &KeyringStore{serviceName: serviceName, fileDir: fileDir, filePass: filePass}
}

func (s *KeyringStore) open() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: s.serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  s.fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(s.filePass),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Save stores the session in the keyring.
func (s *KeyringStore) Save(session Session) error {
	if !session.Valid() {
		return ErrNoSession
	}
	ring, err := s.open()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: actorKey, Data: []byte(session.ActorID)}); err != nil {
		return fmt.Errorf("storing actor id: %w", err)
	}
	if err := ring.Set(keyring.Item{Key: tokenKey, Data: []byte(session.Token)}); err != nil {
		return fmt.Errorf("storing session token: %w", err)
	}
	return nil
}

// Current retrieves the stored session, satisfying Source.
func (s *KeyringStore) Current(ctx context.Context) (Session, error) {
	ring, err := s.open()
	if err != nil {
		return Session{}, err
	}
	actor, err := ring.Get(actorKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("reading actor id: %w", err)
	}
	token, err := ring.Get(tokenKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("reading session token: %w", err)
	}
	session := Session{ActorID: string(actor.Data), Token: string(token.Data)}
	if !session.Valid() {
		return Session{}, ErrNoSession
	}
	return session, nil
}

// Clear removes the stored session. Missing entries are not an error.
func (s *KeyringStore) Clear() error {
	ring, err := s.open()
	if err != nil {
		return err
	}
	for _, key := range []string{actorKey, tokenKey} {
		if err := ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("removing %s: %w", key, err)
		}
	}
	return nil
}

var _ Source = (*KeyringStore)(nil)
