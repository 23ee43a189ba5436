package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argonParams are the Argon2id costs. They are written into every encoded
// hash, so raising them later leaves existing operator keys verifiable.
type argonParams struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
}

var currentParams = argonParams{memory: 64 * 1024, time: 1, threads: 4}

const (
	argonKeyLen = 32
	saltLen     = 16
)

var b64 = base64.RawStdEncoding

// HashAPIKey hashes an operator API key with Argon2id. The result uses the
// PHC string layout: argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	p := currentParams
	hash := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, argonKeyLen)
	return fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads, b64.EncodeToString(salt), b64.EncodeToString(hash)), nil
}

// DummyVerify spends one Argon2id computation at the current cost. The token
// handler calls it when no stored hash was checked, so response time does
// not reveal whether an operator_id exists.
func DummyVerify() {
	p := currentParams
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), p.time, p.memory, p.threads, argonKeyLen)
}

// VerifyAPIKey checks an API key against a hash produced by HashAPIKey.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "argon2id" {
		return p, nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, fmt.Errorf("auth: unsupported argon2 version %q", parts[1])
	}
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, nil, nil, fmt.Errorf("auth: invalid argon2 parameters: %w", err)
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return p, nil, nil, fmt.Errorf("auth: invalid argon2 parameters %q", parts[2])
	}
	salt, err := b64.DecodeString(parts[3])
	if err != nil {
		return p, nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	hash, err := b64.DecodeString(parts[4])
	if err != nil || len(hash) == 0 {
		return p, nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}
	return p, salt, hash, nil
}

// apiKeyPrefix marks sterilis operator keys so they are recognizable in logs
// and secret scanners.
const apiKeyPrefix = "stk_"

// GenerateAPIKey returns a random key for a new operator account. Only its
// hash is stored; the key itself is shown once.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
