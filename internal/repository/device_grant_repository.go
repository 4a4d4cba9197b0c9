package repository

import (
	"context"
	"fmt"

	"vaultsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const kindDeviceGrant = "device_grant"

type DeviceGrantRepository interface {
	Create(grant *domain.DeviceGrant) error
	// Consume atomically looks up and deletes the grant with the given code
	// hash. A second caller racing on the same code loses the MVCC delete
	// and gets ErrNotFound, so a grant is exchanged at most once.
	Consume(codeHash string) (*domain.DeviceGrant, error)
}

type deviceGrantRepository struct {
	client *kivik.Client
	dbName string
}

func NewDeviceGrantRepository(client *kivik.Client, dbName string) DeviceGrantRepository {
	return &deviceGrantRepository{
		client: client,
		dbName: dbName,
	}
}

// The code hash is the document id, so lookup never needs an index and a
// duplicate code cannot be minted.
func deviceGrantDocID(codeHash string) string {
	return fmt.Sprintf("device_grant:%s", codeHash)
}

func (r *deviceGrantRepository) Create(grant *domain.DeviceGrant) error {
	db := r.client.DB(r.dbName)

	grant.Kind = kindDeviceGrant
	if _, err := db.Put(context.Background(), deviceGrantDocID(grant.CodeHash), grant); err != nil {
		return wrapKivikError("failed to create device grant", err)
	}

	return nil
}

func (r *deviceGrantRepository) Consume(codeHash string) (*domain.DeviceGrant, error) {
	db := r.client.DB(r.dbName)
	docID := deviceGrantDocID(codeHash)

	var grant domain.DeviceGrant
	row := db.Get(context.Background(), docID)
	if err := row.ScanDoc(&grant); err != nil {
		return nil, wrapKivikError("failed to find device grant", err)
	}

	if _, err := db.Delete(context.Background(), docID, grant.Rev); err != nil {
		if kivik.HTTPStatus(err) == 404 || kivik.HTTPStatus(err) == 409 {
			return nil, fmt.Errorf("device grant already consumed: %w", ErrNotFound)
		}
		return nil, wrapKivikError("failed to consume device grant", err)
	}

	return &grant, nil
}
