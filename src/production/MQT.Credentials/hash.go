package credentials

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const saltBytes = 16

var errMalformedHash = errors.New("malformed password hash")

// HashParams are the Argon2id cost parameters
type HashParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

// DefaultHashParams returns the recommended Argon2id parameters
func DefaultHashParams() HashParams {
	return HashParams{
		Time:    1,
		Memory:  64 * 1024,
		Threads: 2,
		KeyLen:  32,
	}
}

// Hasher hashes and verifies broker passwords with Argon2id
type Hasher struct {
	params HashParams
}

// NewHasher creates a hasher; zero fields fall back to the defaults
func NewHasher(params HashParams) *Hasher {
	def := DefaultHashParams()
	if params.Time == 0 {
		params.Time = def.Time
	}
	if params.Memory == 0 {
		params.Memory = def.Memory
	}
	if params.Threads == 0 {
		params.Threads = def.Threads
	}
	if params.KeyLen == 0 {
		params.KeyLen = def.KeyLen
	}
	return &Hasher{params: params}
}

// HashForStorage returns the encoded Argon2id hash of password with a fresh salt
func (h *Hasher) HashForStorage(password string) (string, error) {
	salt, err := randomBytes(saltBytes)
	if err != nil {
		return "", err
	}
	return h.hashWithSalt(password, salt), nil
}

func (h *Hasher) hashWithSalt(password string, salt []byte) string {
	p := h.params
	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}

// VerifyPassword reports whether password matches the encoded hash.
// The parameters embedded in the hash are used, not the hasher's own.
func VerifyPassword(password, encoded string) bool {
	p, salt, key, err := decodeHash(encoded)
	if err != nil {
		return false
	}
	other := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return subtle.ConstantTimeCompare(key, other) == 1
}

func decodeHash(encoded string) (HashParams, []byte, []byte, error) {
	var p HashParams
	parts := strings.Split(encoded, "$")
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, errMalformedHash
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, errMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, errMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, errMalformedHash
	}
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}
