// Package auth verifies administrator bearer tokens against argon2id hashes.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/timebank-app/timebank/internal/domain"
)

// Hasher produces and checks encoded token hashes.
type Hasher interface {
	Hash(secret string) (string, error)
	Verify(secret, encoded string) (bool, error)
}

var _ Hasher = (*Argon2)(nil)

// Argon2 holds argon2id cost parameters.
type Argon2 struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32 // ignored by Verify
	KeyLength   uint32
}

// NewArgon2 returns the OWASP-recommended argon2id parameters.
func NewArgon2() *Argon2 {
	return &Argon2{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hash encodes secret in the PHC string format.
func (a *Argon2) Hash(secret string) (string, error) {
	salt := make([]byte, a.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, a.Iterations, a.Memory, a.Parallelism, a.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, a.Memory, a.Iterations, a.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify reports whether secret matches encoded, in constant time.
func (a *Argon2) Verify(secret, encoded string) (bool, error) {
	params, salt, key, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(secret), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	return subtle.ConstantTimeCompare(key, computed) == 1, nil
}

func decodeHash(encoded string) (*Argon2, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return nil, nil, nil, errors.New("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return nil, nil, nil, errors.New("unsupported algorithm")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid version: %w", err)
	}
	if version != argon2.Version {
		return nil, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}

	params := &Argon2{}
	var p int
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &p); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p <= 0 || p > 255 {
		return nil, nil, nil, fmt.Errorf("invalid parallelism %d", p)
	}
	params.Parallelism = uint8(p)

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid salt encoding: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid hash encoding: %w", err)
	}
	params.KeyLength = uint32(len(key))
	return params, salt, key, nil
}

// TokenSet maps administrator actor ids to token hashes.
type TokenSet struct {
	hasher Hasher
	tokens map[string]string
	actors []string
}

// NewTokenSet validates every hash up front so a typo fails at startup.
func NewTokenSet(hasher Hasher, tokens map[string]string) (*TokenSet, error) {
	ts := &TokenSet{hasher: hasher, tokens: make(map[string]string, len(tokens))}
	for actor, hash := range tokens {
		if strings.TrimSpace(actor) == "" {
			return nil, errors.New("admin token with empty actor id")
		}
		if _, _, _, err := decodeHash(hash); err != nil {
			return nil, fmt.Errorf("admin token for %q: %w", actor, err)
		}
		ts.tokens[actor] = hash
		ts.actors = append(ts.actors, actor)
	}
	sort.Strings(ts.actors)
	return ts, nil
}

// Len returns the number of configured administrators.
func (ts *TokenSet) Len() int { return len(ts.actors) }

// Authenticate returns the actor whose hash matches token.
func (ts *TokenSet) Authenticate(token string) (string, error) {
	if token == "" || len(ts.actors) == 0 {
		return "", domain.ErrUnauthorized
	}
	for _, actor := range ts.actors {
		ok, err := ts.hasher.Verify(token, ts.tokens[actor])
		if err != nil {
			continue
		}
		if ok {
			return actor, nil
		}
	}
	return "", domain.ErrUnauthorized
}

// GenerateToken returns a random URL-safe token for a new administrator.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
