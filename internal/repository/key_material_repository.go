package repository

import (
	"context"
	"fmt"

	"vaultsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const kindKeyMaterial = "key_material"

type KeyMaterialRepository interface {
	// Create inserts the record. The document id is derived from the user
	// id, so concurrent first-use resolves to exactly one winner: the loser
	// receives ErrConflict and must re-read the winner's record instead of
	// overwriting it.
	Create(record *domain.KeyMaterialRecord) error
	Get(userID string) (*domain.KeyMaterialRecord, error)
	// Delete removes the record; used only by account deletion.
	Delete(userID string) error
}

type keyMaterialRepository struct {
	client *kivik.Client
	dbName string
}

func NewKeyMaterialRepository(client *kivik.Client, dbName string) KeyMaterialRepository {
	return &keyMaterialRepository{
		client: client,
		dbName: dbName,
	}
}

func keyMaterialDocID(userID string) string {
	return fmt.Sprintf("key_material:%s", userID)
}

func (r *keyMaterialRepository) Create(record *domain.KeyMaterialRecord) error {
	db := r.client.DB(r.dbName)

	record.Kind = kindKeyMaterial
	if _, err := db.Put(context.Background(), keyMaterialDocID(record.UserID), record); err != nil {
		return wrapKivikError("failed to create key material record", err)
	}

	return nil
}

func (r *keyMaterialRepository) Get(userID string) (*domain.KeyMaterialRecord, error) {
	db := r.client.DB(r.dbName)

	row := db.Get(context.Background(), keyMaterialDocID(userID))

	var record domain.KeyMaterialRecord
	if err := row.ScanDoc(&record); err != nil {
		return nil, wrapKivikError("failed to get key material record", err)
	}

	return &record, nil
}

func (r *keyMaterialRepository) Delete(userID string) error {
	db := r.client.DB(r.dbName)
	docID := keyMaterialDocID(userID)

	var rawDoc map[string]interface{}
	row := db.Get(context.Background(), docID)
	if err := row.ScanDoc(&rawDoc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil
		}
		return wrapKivikError("failed to delete key material record", err)
	}

	rev, _ := rawDoc["_rev"].(string)
	if _, err := db.Delete(context.Background(), docID, rev); err != nil {
		return wrapKivikError("failed to delete key material record", err)
	}

	return nil
}
