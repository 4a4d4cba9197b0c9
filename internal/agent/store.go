package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// stateKey is the fixed logical name the device state lives under in the
// local secure store.
const stateKey = "device-state"

// State is everything the agent persists locally. It is stored as a single
// keyring item so a private key is never saved without its paired blob.
type State struct {
	PrivateKeyPEM      string `json:"private_key_pem"`
	WrappedKeyMaterial string `json:"wrapped_key_material"`
	DeviceID           string `json:"device_id"`
	UserID             string `json:"user_id"`
}

// Store persists agent state in the platform secure store.
type Store interface {
	Save(state *State) error
	// Load returns nil, nil when no state has been saved yet.
	Load() (*State, error)
	Clear() error
}

type keyringStore struct {
	ring keyring.Keyring
}

// NewKeyringStore opens the OS keychain (or its file fallback) under the
// given service name.
func NewKeyringStore(serviceName string) (Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	return &keyringStore{ring: ring}, nil
}

func (s *keyringStore) Save(state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode device state: %w", err)
	}

	if err := s.ring.Set(keyring.Item{Key: stateKey, Data: data}); err != nil {
		return fmt.Errorf("failed to store device state: %w", err)
	}

	return nil
}

func (s *keyringStore) Load() (*State, error) {
	item, err := s.ring.Get(stateKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load device state: %w", err)
	}

	var state State
	if err := json.Unmarshal(item.Data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode device state: %w", err)
	}

	return &state, nil
}

func (s *keyringStore) Clear() error {
	if err := s.ring.Remove(stateKey); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("failed to clear device state: %w", err)
	}
	return nil
}
