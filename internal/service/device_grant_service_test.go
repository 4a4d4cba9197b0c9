package service

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"vaultsync-server/internal/domain"
	"vaultsync-server/pkg/contentcipher"
	"vaultsync-server/pkg/keywrap"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"
)

type grantFixture struct {
	grants      *DeviceGrantService
	auth        *AuthService
	keyMaterial *KeyMaterialService
	grantRepo   *mockDeviceGrantRepo
	sessions    *mockSessionRepo
	devices     *mockDeviceRepo
}

func newGrantFixture(t *testing.T, grantTTL time.Duration) *grantFixture {
	t.Helper()

	users := newMockUserRepo()
	seedUser(t, users, "user-1")
	sessions := newMockSessionRepo()
	devices := newMockDeviceRepo(sessions)
	grantRepo := newMockDeviceGrantRepo()

	deviceSvc := NewDeviceService(devices, nil, zerolog.Nop())
	keyMaterial := NewKeyMaterialService(newMockKeyMaterialRepo(), users, testVault(t), zerolog.Nop())
	wrapping := NewWrappingService(sessions, keyMaterial, nil, zerolog.Nop())
	auth := NewAuthService(
		users, sessions, deviceSvc,
		testJWTSecret,
		15*time.Minute, 7*24*time.Hour, 30*24*time.Hour,
		zerolog.Nop(),
	)
	grants := NewDeviceGrantService(grantRepo, auth, deviceSvc, wrapping, grantTTL, zerolog.Nop())

	return &grantFixture{
		grants:      grants,
		auth:        auth,
		keyMaterial: keyMaterial,
		grantRepo:   grantRepo,
		sessions:    sessions,
		devices:     devices,
	}
}

func TestCreateGrant(t *testing.T) {
	f := newGrantFixture(t, 5*time.Minute)

	resp, err := f.grants.CreateGrant("user-1")
	if err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}

	if !strings.HasPrefix(resp.GrantCode, "vsg_") || len(resp.GrantCode) != len("vsg_")+64 {
		t.Errorf("unexpected grant code format: %q", resp.GrantCode)
	}
	if !resp.ExpiresAt.After(time.Now()) {
		t.Error("expected a future expiry")
	}

	// Only the hash is at rest; the plain code must not be findable.
	f.grantRepo.mu.Lock()
	for hash := range f.grantRepo.grants {
		if hash == resp.GrantCode {
			t.Error("grant code stored in plain text")
		}
	}
	f.grantRepo.mu.Unlock()
}

func TestExchange(t *testing.T) {
	f := newGrantFixture(t, 5*time.Minute)

	grant, err := f.grants.CreateGrant("user-1")
	if err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}

	privateKey, err := keywrap.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	pemStr, err := keywrap.EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKeyPEM() error = %v", err)
	}

	resp, err := f.grants.Exchange(&domain.DeviceTokenRequest{
		GrantCode:    grant.GrantCode,
		PublicKeyPEM: pemStr,
		DeviceName:   "CLI on workstation",
	}, "10.0.0.9", "vaultsync-agent")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	if resp.UserID != "user-1" {
		t.Errorf("expected user-1, got %q", resp.UserID)
	}
	if resp.DeviceID == "" || resp.WrappedUserKey == "" {
		t.Fatalf("incomplete response: %+v", resp)
	}

	// The issued access token authenticates against a live session.
	claims, err := f.auth.ValidateAccess(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess() error = %v", err)
	}
	if claims.DeviceID != resp.DeviceID {
		t.Errorf("token bound to device %q, expected %q", claims.DeviceID, resp.DeviceID)
	}

	// The fresh session was born with its one-time delivery consumed.
	session, err := f.sessions.FindByID(claims.SessionID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if !session.KeyMaterialDelivered {
		t.Error("expected the session's delivery to be consumed")
	}
	if _, err := f.grants.wrapping.WrapForSession(session.ID, pemStr); !errors.Is(err, ErrAlreadyDelivered) {
		t.Errorf("expected ErrAlreadyDelivered on the exchanged session, got %v", err)
	}

	// The device row exists with extension type and the supplied name.
	device, err := f.devices.FindByID("user-1", resp.DeviceID)
	if err != nil {
		t.Fatalf("expected a device row: %v", err)
	}
	if device.Type != domain.DeviceTypeExtension || device.Name != "CLI on workstation" {
		t.Errorf("unexpected device: %+v", device)
	}
}

func TestExchangeGrantIsOneTime(t *testing.T) {
	f := newGrantFixture(t, 5*time.Minute)

	grant, err := f.grants.CreateGrant("user-1")
	if err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}

	privateKey, err := keywrap.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	pemStr, err := keywrap.EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKeyPEM() error = %v", err)
	}

	req := &domain.DeviceTokenRequest{
		GrantCode:    grant.GrantCode,
		PublicKeyPEM: pemStr,
		DeviceName:   "CLI",
	}

	if _, err := f.grants.Exchange(req, "", ""); err != nil {
		t.Fatalf("first Exchange() error = %v", err)
	}
	if _, err := f.grants.Exchange(req, "", ""); !errors.Is(err, ErrGrantInvalid) {
		t.Errorf("expected ErrGrantInvalid on reuse, got %v", err)
	}
}

func TestExchangeRejections(t *testing.T) {
	f := newGrantFixture(t, -time.Minute) // grants are born expired

	expired, err := f.grants.CreateGrant("user-1")
	if err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}

	privateKey, err := keywrap.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	pemStr, err := keywrap.EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKeyPEM() error = %v", err)
	}

	tests := []struct {
		name string
		code string
	}{
		{name: "unknown code", code: "vsg_" + strings.Repeat("0", 64)},
		{name: "expired code", code: expired.GrantCode},
		{name: "empty code", code: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.grants.Exchange(&domain.DeviceTokenRequest{
				GrantCode:    tt.code,
				PublicKeyPEM: pemStr,
				DeviceName:   "CLI",
			}, "", "")
			if !errors.Is(err, ErrGrantInvalid) {
				t.Errorf("expected ErrGrantInvalid, got %v", err)
			}
		})
	}
}

func TestExchangeMalformedPublicKey(t *testing.T) {
	f := newGrantFixture(t, 5*time.Minute)

	grant, err := f.grants.CreateGrant("user-1")
	if err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}

	_, err = f.grants.Exchange(&domain.DeviceTokenRequest{
		GrantCode:    grant.GrantCode,
		PublicKeyPEM: "not a pem block",
		DeviceName:   "CLI",
	}, "", "")
	if !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}

	// The bad request must not burn the code: a retry with a usable key
	// still succeeds.
	privateKey, err := keywrap.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	pemStr, err := keywrap.EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKeyPEM() error = %v", err)
	}
	if _, err := f.grants.Exchange(&domain.DeviceTokenRequest{
		GrantCode:    grant.GrantCode,
		PublicKeyPEM: pemStr,
		DeviceName:   "CLI",
	}, "", ""); err != nil {
		t.Fatalf("retry Exchange() error = %v", err)
	}
}

func TestExchangeFailureLeavesNoResidue(t *testing.T) {
	f := newGrantFixture(t, 5*time.Minute)

	// A grant whose owner no longer has an account: the wrap step fails
	// after the device and session were created.
	grant, err := f.grants.CreateGrant("ghost-user")
	if err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}

	privateKey, err := keywrap.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	pemStr, err := keywrap.EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKeyPEM() error = %v", err)
	}

	if _, err := f.grants.Exchange(&domain.DeviceTokenRequest{
		GrantCode:    grant.GrantCode,
		PublicKeyPEM: pemStr,
		DeviceName:   "CLI",
	}, "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	devices, err := f.devices.List("ghost-user")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("device row left behind after failed exchange: %+v", devices)
	}

	f.sessions.mu.Lock()
	for _, session := range f.sessions.sessions {
		if session.UserID == "ghost-user" {
			t.Errorf("session %s left behind after failed exchange", session.ID)
		}
	}
	f.sessions.mu.Unlock()
}

// encryptContentBlob produces a content blob the way the web client does:
// PBKDF2-SHA512 over the key material salted with the user id, then
// AES-256-GCM, tag split off the ciphertext in the wire format.
func encryptContentBlob(t *testing.T, material []byte, userID string, plaintext []byte) string {
	t.Helper()

	derived := pbkdf2.Key(material, []byte(userID), contentcipher.Iterations, 32, sha512.New)

	block, err := aes.NewCipher(derived)
	if err != nil {
		t.Fatalf("failed to initialize cipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("failed to initialize GCM: %v", err)
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("failed to generate iv: %v", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - aead.Overhead()

	return fmt.Sprintf("%s.%s:%s",
		base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		base64.StdEncoding.EncodeToString(sealed[tagStart:]),
		base64.StdEncoding.EncodeToString(iv),
	)
}

// Exercises the full trust path end to end: lazy key material creation,
// grant exchange, client-side unwrap, derivation and content decryption.
func TestDeviceTrustFlowEndToEnd(t *testing.T) {
	f := newGrantFixture(t, 5*time.Minute)

	grant, err := f.grants.CreateGrant("user-1")
	if err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}

	privateKey, err := keywrap.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	pemStr, err := keywrap.EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKeyPEM() error = %v", err)
	}

	resp, err := f.grants.Exchange(&domain.DeviceTokenRequest{
		GrantCode:    grant.GrantCode,
		PublicKeyPEM: pemStr,
		DeviceName:   "CLI",
	}, "", "")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	// Client side: unwrap with the private key.
	material, err := keywrap.DecryptWithPrivateKey(privateKey, resp.WrappedUserKey)
	if err != nil {
		t.Fatalf("DecryptWithPrivateKey() error = %v", err)
	}

	// Byte-for-byte the same material the server holds.
	canonical, err := f.keyMaterial.GetOrCreate("user-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if !bytes.Equal(material, canonical) {
		t.Fatal("device recovered different key material than the server stores")
	}

	// Content encrypted under the user-salted derived key decrypts on the
	// device, and only for the right user id.
	blob := encryptContentBlob(t, material, resp.UserID, []byte("synced secret note"))

	key := contentcipher.DeriveKey(material, resp.UserID)
	plaintext, err := contentcipher.Decrypt(blob, key)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(plaintext) != "synced secret note" {
		t.Errorf("round trip mismatch: %q", plaintext)
	}

	wrongUser := contentcipher.DeriveKey(material, "someone-else")
	if _, err := contentcipher.Decrypt(blob, wrongUser); !errors.Is(err, contentcipher.ErrIntegrity) {
		t.Errorf("expected ErrIntegrity for the wrong derivation salt, got %v", err)
	}
}
