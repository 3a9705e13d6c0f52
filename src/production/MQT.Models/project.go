package mqtmodels

import "time"

// Project is a namespace of devices owned by one user
type Project struct {
	ProjectID   string    `json:"id" db:"project_id"`
	OwnerID     string    `json:"owner_id" db:"owner_id"`
	Name        string    `json:"name" db:"name"`
	Description *string   `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ProjectPatch holds the mutable project fields; nil means unchanged
type ProjectPatch struct {
	Name        *string
	Description *string
}

// Channel is a named data stream of a device
type Channel struct {
	ChannelID string    `json:"id" db:"channel_id"`
	DeviceID  string    `json:"device_id" db:"device_id"`
	Name      string    `json:"name" db:"name"`
	Key       string    `json:"key" db:"key"`
	DataType  string    `json:"data_type" db:"data_type"`
	Unit      *string   `json:"unit,omitempty" db:"unit"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ChannelPatch holds the mutable channel fields; nil means unchanged
type ChannelPatch struct {
	Name *string
	Unit *string
}

// Channel data types
const (
	DataTypeNumber  = "number"
	DataTypeString  = "string"
	DataTypeBoolean = "boolean"
	DataTypeJSON    = "json"
)

// Identity is a user verified by the identity provider
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}
