package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"vaultsync-server/internal/domain"
	"vaultsync-server/internal/repository"
)

// In-memory repository doubles. They mirror the document store's conflict
// behavior: creating an existing id fails with ErrConflict, one-time state
// transitions are checked under the mutex.

type mockUserRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[string]*domain.User)}
}

func (m *mockUserRepo) Create(user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; ok {
		return repository.ErrConflict
	}
	copied := *user
	m.users[user.ID] = &copied
	return nil
}

func (m *mockUserRepo) FindByID(id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (m *mockUserRepo) FindByEmail(email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			copied := *user
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *mockUserRepo) EmailExists(email string) (bool, error) {
	_, err := m.FindByEmail(email)
	if err == repository.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *mockUserRepo) UsernameExists(username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockUserRepo) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.users, id)
	return nil
}

type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[string]*domain.Session)}
}

func (m *mockSessionRepo) Create(session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return repository.ErrConflict
	}
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *mockSessionRepo) FindByID(id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (m *mockSessionRepo) RotateToken(id, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	session.TokenHash = tokenHash
	session.ExpiresAt = expiresAt
	return nil
}

func (m *mockSessionRepo) MarkDelivered(id, publicKey string, deliveredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	if session.KeyMaterialDelivered {
		return fmt.Errorf("key material already delivered: %w", repository.ErrConflict)
	}
	session.PublicKey = publicKey
	session.KeyMaterialDelivered = true
	session.KeyMaterialDeliveredAt = &deliveredAt
	return nil
}

func (m *mockSessionRepo) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *mockSessionRepo) deleteByDevice(userID string, deviceIDs map[string]bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, session := range m.sessions {
		if session.UserID == userID && deviceIDs[session.DeviceID] {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted
}

type mockDeviceRepo struct {
	mu       sync.Mutex
	devices  map[string]*domain.Device
	sessions *mockSessionRepo
}

func newMockDeviceRepo(sessions *mockSessionRepo) *mockDeviceRepo {
	return &mockDeviceRepo{
		devices:  make(map[string]*domain.Device),
		sessions: sessions,
	}
}

func deviceKey(userID, deviceID string) string {
	return userID + ":" + deviceID
}

func (m *mockDeviceRepo) Upsert(userID, deviceID string, meta *domain.DeviceMetadata) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	device, ok := m.devices[deviceKey(userID, deviceID)]
	if !ok {
		device = &domain.Device{
			ID:        deviceID,
			UserID:    userID,
			CreatedAt: now,
		}
		m.devices[deviceKey(userID, deviceID)] = device
	}

	if meta != nil {
		if meta.Type != "" {
			device.Type = meta.Type
		}
		if meta.Name != "" {
			device.Name = meta.Name
		}
		if meta.LastIPAddress != "" {
			device.LastIPAddress = meta.LastIPAddress
		}
		if meta.LastUserAgent != "" {
			device.LastUserAgent = meta.LastUserAgent
		}
	}
	device.LastSeenAt = now

	copied := *device
	return &copied, nil
}

func (m *mockDeviceRepo) FindByID(userID, deviceID string) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	device, ok := m.devices[deviceKey(userID, deviceID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *device
	return &copied, nil
}

func (m *mockDeviceRepo) List(userID string) ([]*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var devices []*domain.Device
	for _, device := range m.devices {
		if device.UserID == userID {
			copied := *device
			devices = append(devices, &copied)
		}
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastSeenAt.After(devices[j].LastSeenAt)
	})
	return devices, nil
}

func (m *mockDeviceRepo) Delete(userID, deviceID string) (*domain.Device, error) {
	m.mu.Lock()
	device, ok := m.devices[deviceKey(userID, deviceID)]
	if !ok {
		m.mu.Unlock()
		return nil, repository.ErrNotFound
	}
	delete(m.devices, deviceKey(userID, deviceID))
	copied := *device
	m.mu.Unlock()

	m.sessions.deleteByDevice(userID, map[string]bool{deviceID: true})
	return &copied, nil
}

func (m *mockDeviceRepo) DeleteAllExcept(userID, exceptDeviceID string) (*domain.PurgeResult, error) {
	m.mu.Lock()
	doomed := make(map[string]bool)
	var removed []*domain.Device
	for key, device := range m.devices {
		if device.UserID == userID && device.ID != exceptDeviceID {
			doomed[device.ID] = true
			copied := *device
			removed = append(removed, &copied)
			delete(m.devices, key)
		}
	}
	m.mu.Unlock()

	sessionsDeleted := m.sessions.deleteByDevice(userID, doomed)
	return &domain.PurgeResult{
		DevicesDeleted:  len(removed),
		SessionsDeleted: sessionsDeleted,
		Devices:         removed,
	}, nil
}

type mockKeyMaterialRepo struct {
	mu      sync.Mutex
	records map[string]*domain.KeyMaterialRecord

	// beforeCreate runs outside the lock, letting tests interleave a
	// competing writer between the read miss and the insert.
	beforeCreate func()
}

func newMockKeyMaterialRepo() *mockKeyMaterialRepo {
	return &mockKeyMaterialRepo{records: make(map[string]*domain.KeyMaterialRecord)}
}

func (m *mockKeyMaterialRepo) Create(record *domain.KeyMaterialRecord) error {
	if m.beforeCreate != nil {
		m.beforeCreate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.UserID]; ok {
		return repository.ErrConflict
	}
	copied := *record
	m.records[record.UserID] = &copied
	return nil
}

func (m *mockKeyMaterialRepo) Get(userID string) (*domain.KeyMaterialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (m *mockKeyMaterialRepo) Delete(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, userID)
	return nil
}

type mockDeviceGrantRepo struct {
	mu     sync.Mutex
	grants map[string]*domain.DeviceGrant
}

func newMockDeviceGrantRepo() *mockDeviceGrantRepo {
	return &mockDeviceGrantRepo{grants: make(map[string]*domain.DeviceGrant)}
}

func (m *mockDeviceGrantRepo) Create(grant *domain.DeviceGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[grant.CodeHash]; ok {
		return repository.ErrConflict
	}
	copied := *grant
	m.grants[grant.CodeHash] = &copied
	return nil
}

func (m *mockDeviceGrantRepo) Consume(codeHash string) (*domain.DeviceGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.grants[codeHash]
	if !ok {
		return nil, fmt.Errorf("grant already consumed: %w", repository.ErrNotFound)
	}
	delete(m.grants, codeHash)
	copied := *grant
	return &copied, nil
}

type recordedEvent struct {
	userID    string
	eventType string
	payload   interface{}
}

type mockNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (m *mockNotifier) NotifyUser(userID, eventType string, payload interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEvent{userID: userID, eventType: eventType, payload: payload})
}

func (m *mockNotifier) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, len(m.events))
	for i, event := range m.events {
		types[i] = event.eventType
	}
	return types
}
