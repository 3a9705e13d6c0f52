package credentials

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var urlSafe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func testHasher() *Hasher {
	return NewHasher(HashParams{Time: 1, Memory: 1024, Threads: 1})
}

func TestDeriveUsername(t *testing.T) {
	owner := "11111111-2222-3333-4444-555555555555"
	device := "22222222-aaaa-bbbb-cccc-dddddddddddd"

	assert.Equal(t, "u_11111111_d_22222222", DeriveUsername(owner, device))
	assert.Equal(t, DeriveUsername(owner, device), DeriveUsername(owner, device))
}

func TestDeriveUsername_StripsSeparatorsBeforeSlicing(t *testing.T) {
	assert.Equal(t, "u_abcd1234_d_ef567890", DeriveUsername("ab-cd-12-34-ff", "ef56-7890-0000"))
}

func TestDeriveUsername_ShortIdentifiers(t *testing.T) {
	assert.Equal(t, "u_abc_d_1", DeriveUsername("a-b-c", "1"))
}

func TestGeneratePassword(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		pw, err := GeneratePassword()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(pw), 32)
		assert.Regexp(t, urlSafe, pw)
		assert.False(t, seen[pw], "password repeated")
		seen[pw] = true
	}
}

func TestGenerateProvisioningToken(t *testing.T) {
	tok, err := GenerateProvisioningToken()
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{64}$`, tok)

	other, err := GenerateProvisioningToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestHashForStorage(t *testing.T) {
	h := testHasher()

	hash, err := h.HashForStorage("s3cret-password")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-password", hash)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$"))
	assert.NotContains(t, hash, "s3cret-password")

	assert.True(t, VerifyPassword("s3cret-password", hash))
	assert.False(t, VerifyPassword("s3cret-passwore", hash))
	assert.False(t, VerifyPassword("", hash))
}

func TestHashIsDeterministicForSalt(t *testing.T) {
	h := testHasher()
	salt := []byte("0123456789abcdef")

	assert.Equal(t, h.hashWithSalt("pw", salt), h.hashWithSalt("pw", salt))
	assert.NotEqual(t, h.hashWithSalt("pw", salt), h.hashWithSalt("pw2", salt))
}

func TestHashSaltsDiffer(t *testing.T) {
	h := testHasher()
	a, err := h.HashForStorage("pw")
	require.NoError(t, err)
	b, err := h.HashForStorage("pw")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, VerifyPassword("pw", a))
	assert.True(t, VerifyPassword("pw", b))
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"pw",
		"$argon2i$v=19$m=1024,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=1024,t=1,p=1$!!!$a2V5",
		"$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$",
	} {
		assert.False(t, VerifyPassword("pw", encoded), encoded)
	}
}

func TestNewHasherDefaults(t *testing.T) {
	h := NewHasher(HashParams{})
	assert.Equal(t, DefaultHashParams(), h.params)
}
