package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"vaultsync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const kindDevice = "device"

type DeviceRepository interface {
	// Upsert inserts the device if (deviceID, userID) is new, otherwise
	// merges only the metadata fields that are set and refreshes LastSeenAt.
	Upsert(userID, deviceID string, meta *domain.DeviceMetadata) (*domain.Device, error)
	FindByID(userID, deviceID string) (*domain.Device, error)
	List(userID string) ([]*domain.Device, error)
	// Delete removes the device and all sessions bound to it, returning the
	// deleted device for audit logging.
	Delete(userID, deviceID string) (*domain.Device, error)
	// DeleteAllExcept removes every device of the user except the named one,
	// together with their sessions, as a single bulk batch.
	DeleteAllExcept(userID, exceptDeviceID string) (*domain.PurgeResult, error)
}

type deviceRepository struct {
	client *kivik.Client
	dbName string
}

func NewDeviceRepository(client *kivik.Client, dbName string) DeviceRepository {
	return &deviceRepository{
		client: client,
		dbName: dbName,
	}
}

// Ownership is part of the document identity, so one user's device can never
// shadow another's.
func deviceDocID(userID, deviceID string) string {
	return fmt.Sprintf("device:%s:%s", userID, deviceID)
}

func (r *deviceRepository) Upsert(userID, deviceID string, meta *domain.DeviceMetadata) (*domain.Device, error) {
	db := r.client.DB(r.dbName)
	docID := deviceDocID(userID, deviceID)
	now := time.Now()

	var rawDoc map[string]interface{}
	row := db.Get(context.Background(), docID)
	err := row.ScanDoc(&rawDoc)

	if err != nil {
		if kivik.HTTPStatus(err) != 404 {
			return nil, wrapKivikError("failed to load device", err)
		}

		device := &domain.Device{
			Kind:          kindDevice,
			ID:            deviceID,
			UserID:        userID,
			Type:          meta.Type,
			Name:          meta.Name,
			LastIPAddress: meta.LastIPAddress,
			LastUserAgent: meta.LastUserAgent,
			CreatedAt:     now,
			LastSeenAt:    now,
		}

		if _, err := db.Put(context.Background(), docID, device); err != nil {
			// Lost a concurrent insert race; merge into the winner instead.
			if kivik.HTTPStatus(err) == 409 {
				return r.Upsert(userID, deviceID, meta)
			}
			return nil, wrapKivikError("failed to create device", err)
		}

		return device, nil
	}

	// Merge only the fields the caller supplied; omitted fields keep their
	// previously stored values.
	if meta.Name != "" {
		rawDoc["name"] = meta.Name
	}
	if meta.Type != "" {
		rawDoc["type"] = meta.Type
	}
	if meta.LastIPAddress != "" {
		rawDoc["last_ip_address"] = meta.LastIPAddress
	}
	if meta.LastUserAgent != "" {
		rawDoc["last_user_agent"] = meta.LastUserAgent
	}
	rawDoc["last_seen_at"] = now

	if _, err := db.Put(context.Background(), docID, rawDoc); err != nil {
		if kivik.HTTPStatus(err) == 409 {
			return r.Upsert(userID, deviceID, meta)
		}
		return nil, wrapKivikError("failed to update device", err)
	}

	return r.FindByID(userID, deviceID)
}

func (r *deviceRepository) FindByID(userID, deviceID string) (*domain.Device, error) {
	db := r.client.DB(r.dbName)

	row := db.Get(context.Background(), deviceDocID(userID, deviceID))

	var device domain.Device
	if err := row.ScanDoc(&device); err != nil {
		return nil, wrapKivikError("failed to find device", err)
	}

	return &device, nil
}

func (r *deviceRepository) List(userID string) ([]*domain.Device, error) {
	db := r.client.DB(r.dbName)

	rows := db.Find(context.Background(), map[string]interface{}{
		"selector": map[string]interface{}{
			"kind":    kindDevice,
			"user_id": userID,
		},
	})
	if err := rows.Err(); err != nil {
		return nil, wrapKivikError("failed to list devices", err)
	}
	defer rows.Close()

	var devices []*domain.Device
	for rows.Next() {
		var device domain.Device
		if err := rows.ScanDoc(&device); err != nil {
			continue // skip malformed docs
		}
		devices = append(devices, &device)
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastSeenAt.After(devices[j].LastSeenAt)
	})

	return devices, nil
}

func (r *deviceRepository) Delete(userID, deviceID string) (*domain.Device, error) {
	device, err := r.FindByID(userID, deviceID)
	if err != nil {
		return nil, err
	}

	sessions, err := r.sessionDocsForDevices(userID, map[string]bool{deviceID: true})
	if err != nil {
		return nil, err
	}

	deletions := append(sessions, deletionStub(deviceDocID(userID, deviceID), ""))
	if err := r.bulkDelete(deletions); err != nil {
		return nil, err
	}

	return device, nil
}

func (r *deviceRepository) DeleteAllExcept(userID, exceptDeviceID string) (*domain.PurgeResult, error) {
	devices, err := r.List(userID)
	if err != nil {
		return nil, err
	}

	doomed := make(map[string]bool)
	var doomedDevices []*domain.Device
	for _, d := range devices {
		if d.ID == exceptDeviceID {
			continue
		}
		doomed[d.ID] = true
		doomedDevices = append(doomedDevices, d)
	}

	result := &domain.PurgeResult{Devices: doomedDevices}
	if len(doomed) == 0 {
		return result, nil
	}

	sessions, err := r.sessionDocsForDevices(userID, doomed)
	if err != nil {
		return nil, err
	}

	deletions := sessions
	for _, d := range doomedDevices {
		deletions = append(deletions, deletionStub(deviceDocID(userID, d.ID), ""))
	}

	// One bulk batch: either the whole kill switch lands or the caller sees
	// an error, never a silently half-revoked account.
	if err := r.bulkDelete(deletions); err != nil {
		return nil, err
	}

	result.DevicesDeleted = len(doomedDevices)
	result.SessionsDeleted = len(sessions)

	return result, nil
}

// sessionDocsForDevices collects deletion stubs for every session bound to
// one of the given devices.
func (r *deviceRepository) sessionDocsForDevices(userID string, deviceIDs map[string]bool) ([]map[string]interface{}, error) {
	db := r.client.DB(r.dbName)

	rows := db.Find(context.Background(), map[string]interface{}{
		"selector": map[string]interface{}{
			"kind":    kindSession,
			"user_id": userID,
		},
	})
	if err := rows.Err(); err != nil {
		return nil, wrapKivikError("failed to list sessions for cascade", err)
	}
	defer rows.Close()

	var stubs []map[string]interface{}
	for rows.Next() {
		var raw map[string]interface{}
		if err := rows.ScanDoc(&raw); err != nil {
			continue
		}
		deviceID, _ := raw["device_id"].(string)
		if !deviceIDs[deviceID] {
			continue
		}
		id, _ := raw["_id"].(string)
		rev, _ := raw["_rev"].(string)
		stubs = append(stubs, deletionStub(id, rev))
	}

	return stubs, nil
}

func deletionStub(id, rev string) map[string]interface{} {
	stub := map[string]interface{}{
		"_id":      id,
		"_deleted": true,
	}
	if rev != "" {
		stub["_rev"] = rev
	}
	return stub
}

// bulkDelete resolves missing revisions and issues a single _bulk_docs
// deletion batch, failing if any document in the batch could not be removed.
func (r *deviceRepository) bulkDelete(stubs []map[string]interface{}) error {
	db := r.client.DB(r.dbName)

	docs := make([]interface{}, 0, len(stubs))
	for _, stub := range stubs {
		if _, ok := stub["_rev"]; !ok {
			id, _ := stub["_id"].(string)
			var raw map[string]interface{}
			row := db.Get(context.Background(), id)
			if err := row.ScanDoc(&raw); err != nil {
				if kivik.HTTPStatus(err) == 404 {
					continue // already gone
				}
				return wrapKivikError("failed to resolve revision for delete", err)
			}
			stub["_rev"] = raw["_rev"]
		}
		docs = append(docs, stub)
	}

	if len(docs) == 0 {
		return nil
	}

	results, err := db.BulkDocs(context.Background(), docs)
	if err != nil {
		return wrapKivikError("failed to delete documents", err)
	}

	var failed []string
	for _, res := range results {
		if res.Error != nil {
			failed = append(failed, res.ID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to delete documents %v: %w", failed, ErrConflict)
	}

	return nil
}
