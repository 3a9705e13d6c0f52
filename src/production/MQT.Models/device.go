package mqtmodels

import "time"

// Device represents a physical or logical endpoint owned by a project.
// ProvisioningToken and BrokerPasswordHash are never serialized.
type Device struct {
	DeviceID           string     `json:"id" db:"device_id"`
	ProjectID          string     `json:"project_id" db:"project_id"`
	Name               string     `json:"name" db:"name"`
	ProvisioningToken  string     `json:"-" db:"provisioning_token"`
	IsProvisioned      bool       `json:"is_provisioned" db:"is_provisioned"`
	BrokerUsername     *string    `json:"broker_username,omitempty" db:"broker_username"`
	BrokerPasswordHash *string    `json:"-" db:"broker_password_hash"`
	HardwareDescriptor *string    `json:"hardware_descriptor,omitempty" db:"hardware_descriptor"`
	MacAddress         *string    `json:"mac_address,omitempty" db:"mac_address"`
	FirmwareVersion    *string    `json:"firmware_version,omitempty" db:"firmware_version"`
	ProvisionedAt      *time.Time `json:"provisioned_at,omitempty" db:"provisioned_at"`
	TokenRegeneratedAt *time.Time `json:"token_regenerated_at,omitempty" db:"token_regenerated_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// DevicePatch holds the mutable device fields; nil means unchanged
type DevicePatch struct {
	Name               *string
	HardwareDescriptor *string
	MacAddress         *string
	FirmwareVersion    *string
}

// ProvisioningTarget is a device resolved by its provisioning token,
// joined with the owner of its project
type ProvisioningTarget struct {
	DeviceID       string
	ProjectID      string
	OwnerID        string
	Name           string
	IsProvisioned  bool
	BrokerUsername *string
}

// ProvisioningUpdate is written when a device is provisioned
type ProvisioningUpdate struct {
	BrokerUsername     string
	BrokerPasswordHash string
	MacAddress         *string
	FirmwareVersion    *string
	ProvisionedAt      time.Time
}

// BrokerAccount is the credential record the broker auth hooks check against
type BrokerAccount struct {
	DeviceID     string
	OwnerID      string
	Username     string
	PasswordHash string
}
