package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// PasswordBytes is the raw entropy of a broker password
	PasswordBytes = 32

	// TokenBytes is the raw entropy of a provisioning token (hex encoded to 64 chars)
	TokenBytes = 32

	usernameSliceLen = 8
)

// DeriveUsername builds the broker username for a device.
// The result is reproducible from the two identifiers and is not a secret.
func DeriveUsername(ownerID, deviceID string) string {
	return "u_" + shortID(ownerID) + "_d_" + shortID(deviceID)
}

func shortID(id string) string {
	s := strings.ReplaceAll(id, "-", "")
	if len(s) > usernameSliceLen {
		s = s[:usernameSliceLen]
	}
	return s
}

// GeneratePassword returns a URL-safe random broker password
func GeneratePassword() (string, error) {
	buf, err := randomBytes(PasswordBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateProvisioningToken returns a fresh 64 character hex provisioning token
func GenerateProvisioningToken() (string, error) {
	buf, err := randomBytes(TokenBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}
