package provisioning

import (
	"regexp"

	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	api_models "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models/api"
)

const maxFirmwareVersionLen = 64

var (
	tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	macPattern   = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)
)

// ValidMacAddress reports whether mac is six colon separated hex octets
func ValidMacAddress(mac string) bool {
	return macPattern.MatchString(mac)
}

func validateProvisionRequest(req api_models.ProvisionRequest) error {
	if !tokenPattern.MatchString(req.DeviceToken) {
		return apperr.InvalidInput("device_token must be 64 lowercase hex characters")
	}
	if req.MacAddress != nil && !ValidMacAddress(*req.MacAddress) {
		return apperr.InvalidInput("mac_address must look like AA:BB:CC:DD:EE:FF")
	}
	if req.FirmwareVersion != nil && len(*req.FirmwareVersion) > maxFirmwareVersionLen {
		return apperr.InvalidInput("firmware_version must be at most 64 characters")
	}
	return nil
}
