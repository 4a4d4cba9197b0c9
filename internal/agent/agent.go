// Package agent is the client-side half of device trust: it generates the
// device keypair, trades the public key for wrapped key material, keeps
// both in the platform secure store and decrypts content on demand.
package agent

import (
	"context"
	"errors"
	"fmt"

	"vaultsync-server/pkg/contentcipher"
	"vaultsync-server/pkg/keywrap"
)

var ErrNotRegistered = errors.New("agent: device is not registered")

type Agent struct {
	store Store
	api   *APIClient
}

func New(store Store, api *APIClient) *Agent {
	return &Agent{
		store: store,
		api:   api,
	}
}

// Register generates a fresh RSA keypair, exchanges the grant code and
// persists the private key together with the wrapped blob.
func (a *Agent) Register(ctx context.Context, grantCode, deviceName string) (*RegisterResult, error) {
	privateKey, err := keywrap.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	publicKeyPEM, err := keywrap.EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	resp, err := a.api.ExchangeDeviceToken(ctx, grantCode, publicKeyPEM, deviceName)
	if err != nil {
		return nil, err
	}

	privateKeyPEM, err := keywrap.EncodePrivateKeyPEM(privateKey)
	if err != nil {
		return nil, err
	}

	state := &State{
		PrivateKeyPEM:      privateKeyPEM,
		WrappedKeyMaterial: resp.WrappedUserKey,
		DeviceID:           resp.DeviceID,
		UserID:             resp.UserID,
	}

	if err := a.store.Save(state); err != nil {
		return nil, err
	}

	a.api.SetAccessToken(resp.AccessToken)

	return &RegisterResult{
		DeviceID:           resp.DeviceID,
		UserID:             resp.UserID,
		WrappedKeyMaterial: resp.WrappedUserKey,
		AccessToken:        resp.AccessToken,
		RefreshToken:       resp.RefreshToken,
	}, nil
}

type RegisterResult struct {
	DeviceID           string
	UserID             string
	WrappedKeyMaterial string
	AccessToken        string
	RefreshToken       string
}

// GetStored returns the cached wrapped blob without contacting the server,
// or empty when the device has no local state.
func (a *Agent) GetStored() (string, error) {
	state, err := a.store.Load()
	if err != nil {
		return "", err
	}
	if state == nil {
		return "", nil
	}
	return state.WrappedKeyMaterial, nil
}

// Clear removes the private key and the wrapped blob; used on sign-out so a
// shared machine does not retain unwrap capability.
func (a *Agent) Clear() error {
	return a.store.Clear()
}

// UnwrapKeyMaterial recovers the plaintext key material from local state.
// The result lives in memory only; callers zero it when done.
func (a *Agent) UnwrapKeyMaterial() ([]byte, string, error) {
	state, err := a.store.Load()
	if err != nil {
		return nil, "", err
	}
	if state == nil {
		return nil, "", ErrNotRegistered
	}

	privateKey, err := keywrap.ParsePrivateKeyPEM(state.PrivateKeyPEM)
	if err != nil {
		return nil, "", err
	}

	material, err := keywrap.DecryptWithPrivateKey(privateKey, state.WrappedKeyMaterial)
	if err != nil {
		// A failed unwrap means local state no longer matches what the
		// server delivered; retrying cannot succeed.
		return nil, "", fmt.Errorf("failed to unwrap key material, re-register this device: %w", err)
	}

	return material, state.UserID, nil
}

// DecryptContent unwraps the key material, derives the working key and
// decrypts one content blob in the server wire format.
func (a *Agent) DecryptContent(blob string) ([]byte, error) {
	material, userID, err := a.UnwrapKeyMaterial()
	if err != nil {
		return nil, err
	}
	defer zero(material)

	key := contentcipher.DeriveKey(material, userID)
	return contentcipher.Decrypt(blob, key)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
