package api_models

import (
	"time"

	topics "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Topics"
)

// ProvisionRequest is sent by device firmware to exchange its token for credentials
type ProvisionRequest struct {
	DeviceToken     string  `json:"device_token" binding:"required"`
	MacAddress      *string `json:"mac_address,omitempty"`
	FirmwareVersion *string `json:"firmware_version,omitempty"`
}

// MQTTCredentials is the broker connection block of a provisioning response
type MQTTCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
	UseTLS   bool   `json:"use_tls"`
}

// DeviceRef identifies a device in responses
type DeviceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProvisionResponse is returned exactly once per provisioning epoch
type ProvisionResponse struct {
	MQTT   MQTTCredentials  `json:"mqtt"`
	Topics topics.Namespace `json:"topics"`
	Device DeviceRef        `json:"device"`
}

// DeviceTokenView is the only device representation that carries the provisioning token
type DeviceTokenView struct {
	ID                 string     `json:"id"`
	ProjectID          string     `json:"project_id"`
	Name               string     `json:"name"`
	ProvisioningToken  string     `json:"provisioning_token"`
	IsProvisioned      bool       `json:"is_provisioned"`
	TokenRegeneratedAt *time.Time `json:"token_regenerated_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// RegenerateTokenResponse is returned by token regeneration
type RegenerateTokenResponse struct {
	Device  DeviceTokenView `json:"device"`
	Message string          `json:"message"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// BrokerUserRequest is sent by the broker auth plugin on client connect
type BrokerUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	ClientID string `json:"clientid"`
}

// BrokerACLRequest is sent by the broker auth plugin on publish/subscribe
type BrokerACLRequest struct {
	Username string `json:"username" binding:"required"`
	ClientID string `json:"clientid"`
	Topic    string `json:"topic" binding:"required"`
	Acc      int    `json:"acc" binding:"required"`
}
