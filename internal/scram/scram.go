// Package scram computes RFC 5802 salted password verifiers for Kafka's
// SCRAM credential store. Generation is pure and performs no I/O: a
// plaintext password goes in, a ScramCredential comes out.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"

	"github.com/xdg-go/pbkdf2"
	"github.com/xdg-go/stringprep"

	"github.com/scramsync/kcsync/internal/kcerr"
)

// Mechanism identifies which hash RFC 5802 derivation uses.
type Mechanism string

const (
	SHA256 Mechanism = "SCRAM-SHA-256"
	SHA512 Mechanism = "SCRAM-SHA-512"

	// MinIterations is the lowest iteration count this generator accepts.
	// Kafka's own SCRAM formatter refuses anything below 4096.
	MinIterations = 4096

	saltLen = 32
)

func (m Mechanism) newHash() (func() hash.Hash, int, error) {
	switch m {
	case SHA256:
		return sha256.New, sha256.Size, nil
	case SHA512:
		return sha512.New, sha512.Size, nil
	default:
		return nil, 0, fmt.Errorf("%w: unsupported mechanism %q", kcerr.ErrConfigInvalid, m)
	}
}

// Credential is the immutable tuple Kafka's SCRAM store persists per
// principal. Byte fields are held as raw bytes; SaltB64, StoredKeyB64 and
// ServerKeyB64 give their base64 forms, and String prints no key material.
// The credential itself is never written to the audit store.
type Credential struct {
	Mechanism  Mechanism
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
}

// String renders a diagnostics-safe summary. Key material never appears.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{mechanism=%s, iterations=%d}", c.Mechanism, c.Iterations)
}

// SaltB64 returns the salt, standard base64 with padding.
func (c Credential) SaltB64() string { return base64.StdEncoding.EncodeToString(c.Salt) }

// StoredKeyB64 returns StoredKey, standard base64 with padding.
func (c Credential) StoredKeyB64() string { return base64.StdEncoding.EncodeToString(c.StoredKey) }

// ServerKeyB64 returns ServerKey, standard base64 with padding.
func (c Credential) ServerKeyB64() string { return base64.StdEncoding.EncodeToString(c.ServerKey) }

// Generate derives a new salted SCRAM credential for password under the
// given mechanism and iteration count, per RFC 5802 §3:
//
//	SaltedPassword := PBKDF2(H, SASLprep(password), salt, iterations, dkLen(H))
//	ClientKey      := HMAC(H, SaltedPassword, "Client Key")
//	StoredKey      := H(ClientKey)
//	ServerKey      := HMAC(H, SaltedPassword, "Server Key")
//
// Each call draws a fresh random salt, so two invocations on the same
// password never produce the same credential.
func Generate(password string, mechanism Mechanism, iterations int) (Credential, error) {
	if password == "" {
		return Credential{}, fmt.Errorf("%w: password must not be empty", kcerr.ErrConfigInvalid)
	}
	if iterations < MinIterations {
		return Credential{}, fmt.Errorf("%w: iterations must be >= %d, got %d", kcerr.ErrConfigInvalid, MinIterations, iterations)
	}

	newHash, digestLen, err := mechanism.newHash()
	if err != nil {
		return Credential{}, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, fmt.Errorf("%w: reading random salt: %v", kcerr.ErrConfigInvalid, err)
	}

	// SASLprep normalizes the password the same way a real SCRAM client
	// would before deriving SaltedPassword, so verifiers generated here
	// interoperate with SCRAM clients that authenticate against Kafka.
	normalized, err := stringprep.SASLprep.Prepare(password)
	if err != nil {
		// Not all passwords are representable in SASLprep's profile (it
		// rejects unassigned codepoints); fall back to the raw password
		// rather than failing credential generation outright.
		normalized = password
	}

	saltedPassword := pbkdf2.Key([]byte(normalized), salt, iterations, digestLen, newHash)

	clientKey := hmacSum(newHash, saltedPassword, []byte("Client Key"))
	storedKey := hashSum(newHash, clientKey)
	serverKey := hmacSum(newHash, saltedPassword, []byte("Server Key"))

	return Credential{
		Mechanism:  mechanism,
		Iterations: iterations,
		Salt:       salt,
		StoredKey:  storedKey,
		ServerKey:  serverKey,
	}, nil
}

func hmacSum(newHash func() hash.Hash, key, data []byte) []byte {
	mac := hmac.New(newHash, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hashSum(newHash func() hash.Hash, data []byte) []byte {
	h := newHash()
	h.Write(data)
	return h.Sum(nil)
}

// DigestLen returns the StoredKey/ServerKey length in bytes for mechanism.
func DigestLen(mechanism Mechanism) (int, error) {
	_, n, err := mechanism.newHash()
	return n, err
}

// RandomPassword generates a transient secure-random password (32 chars,
// alphanumeric + symbols) for principals the reconciliation orchestrator
// upserts without an out-of-band plaintext supplied by an event. It is
// never persisted; it exists only long enough to derive a Credential.
func RandomPassword() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*-_=+"
	const length = 32

	out := make([]byte, length)
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: reading random bytes: %v", kcerr.ErrConfigInvalid, err)
	}
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}
