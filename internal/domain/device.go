package domain

import "time"

const (
	DeviceTypeWeb       = "web"
	DeviceTypeExtension = "extension"
)

// Device is one registered installation of the product. A device row is
// uniquely identified by (ID, UserID); operations that mutate a device must
// verify ownership first.
type Device struct {
	Kind          string     `json:"kind"`
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Type          string     `json:"type"`
	Name          string     `json:"name"`
	LastIPAddress string     `json:"last_ip_address,omitempty"`
	LastUserAgent string     `json:"last_user_agent,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastSeenAt    time.Time  `json:"last_seen_at"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// DeviceMetadata carries the fields a caller may refresh on upsert. Empty
// fields are left untouched, never nulled out.
type DeviceMetadata struct {
	Name          string
	Type          string
	LastIPAddress string
	LastUserAgent string
}

// PurgeResult reports what the all-but-one kill switch removed, for audit
// logging.
type PurgeResult struct {
	DevicesDeleted  int       `json:"devices_deleted"`
	SessionsDeleted int       `json:"sessions_deleted"`
	Devices         []*Device `json:"devices"`
}

type DeviceResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (d *Device) ToResponse() *DeviceResponse {
	return &DeviceResponse{
		ID:         d.ID,
		Name:       d.Name,
		Type:       d.Type,
		CreatedAt:  d.CreatedAt,
		LastSeenAt: d.LastSeenAt,
	}
}
