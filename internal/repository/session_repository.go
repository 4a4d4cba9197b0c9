package repository

import (
	"context"
	"fmt"
	"time"

	"vaultsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const kindSession = "session"

type SessionRepository interface {
	Create(session *domain.Session) error
	FindByID(id string) (*domain.Session, error)
	// RotateToken replaces the refresh-token hash and extends expiry.
	// CreatedAt is never touched: absolute session age is measured from
	// first issuance regardless of how often the token rotates.
	RotateToken(id, tokenHash string, expiresAt time.Time) error
	// MarkDelivered flips key_material_delivered false->true as a
	// compare-and-set. It returns ErrConflict both when the flag is already
	// set and when a concurrent writer set it first; there is no window in
	// which two callers can both succeed.
	MarkDelivered(id, publicKey string, deliveredAt time.Time) error
	Delete(id string) error
}

type sessionRepository struct {
	client *kivik.Client
	dbName string
}

func NewSessionRepository(client *kivik.Client, dbName string) SessionRepository {
	return &sessionRepository{
		client: client,
		dbName: dbName,
	}
}

func sessionDocID(id string) string {
	return fmt.Sprintf("session:%s", id)
}

func (r *sessionRepository) Create(session *domain.Session) error {
	db := r.client.DB(r.dbName)

	session.Kind = kindSession
	if _, err := db.Put(context.Background(), sessionDocID(session.ID), session); err != nil {
		return wrapKivikError("failed to create session", err)
	}

	return nil
}

func (r *sessionRepository) FindByID(id string) (*domain.Session, error) {
	db := r.client.DB(r.dbName)

	row := db.Get(context.Background(), sessionDocID(id))

	var session domain.Session
	if err := row.ScanDoc(&session); err != nil {
		return nil, wrapKivikError("failed to find session", err)
	}

	return &session, nil
}

func (r *sessionRepository) RotateToken(id, tokenHash string, expiresAt time.Time) error {
	db := r.client.DB(r.dbName)
	docID := sessionDocID(id)

	var rawDoc map[string]interface{}
	row := db.Get(context.Background(), docID)
	if err := row.ScanDoc(&rawDoc); err != nil {
		return wrapKivikError("failed to rotate session token", err)
	}

	rawDoc["token_hash"] = tokenHash
	rawDoc["expires_at"] = expiresAt

	if _, err := db.Put(context.Background(), docID, rawDoc); err != nil {
		return wrapKivikError("failed to rotate session token", err)
	}

	return nil
}

func (r *sessionRepository) MarkDelivered(id, publicKey string, deliveredAt time.Time) error {
	db := r.client.DB(r.dbName)
	docID := sessionDocID(id)

	var rawDoc map[string]interface{}
	row := db.Get(context.Background(), docID)
	if err := row.ScanDoc(&rawDoc); err != nil {
		return wrapKivikError("failed to load session for delivery", err)
	}

	if delivered, _ := rawDoc["key_material_delivered"].(bool); delivered {
		return fmt.Errorf("key material already delivered: %w", ErrConflict)
	}

	rawDoc["public_key"] = publicKey
	rawDoc["key_material_delivered"] = true
	rawDoc["key_material_delivered_at"] = deliveredAt

	// The Put carries the _rev observed together with the delivered=false
	// check; a racing writer makes this a 409 instead of a double delivery.
	if _, err := db.Put(context.Background(), docID, rawDoc); err != nil {
		return wrapKivikError("failed to mark session delivered", err)
	}

	return nil
}

func (r *sessionRepository) Delete(id string) error {
	db := r.client.DB(r.dbName)
	docID := sessionDocID(id)

	var rawDoc map[string]interface{}
	row := db.Get(context.Background(), docID)
	if err := row.ScanDoc(&rawDoc); err != nil {
		return wrapKivikError("failed to delete session", err)
	}

	rev, _ := rawDoc["_rev"].(string)
	if _, err := db.Delete(context.Background(), docID, rev); err != nil {
		return wrapKivikError("failed to delete session", err)
	}

	return nil
}
