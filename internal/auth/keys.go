package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	SessionIDBytes = 4
	KeyBytes       = 8
)

// Credentials is the identifier and capability pair handed out for a new session.
type Credentials struct {
	SessionID string
	WriteKey  string
	ReadKey   string
}

// RandomKey returns byteLength bytes from crypto/rand as lowercase hex.
func RandomKey(byteLength int) (string, error) {
	if byteLength <= 0 {
		return "", errors.New("key length must be positive")
	}
	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewCredentials mints a session id with independent write and read keys.
func NewCredentials() (Credentials, error) {
	id, err := RandomKey(SessionIDBytes)
	if err != nil {
		return Credentials{}, err
	}
	writeKey, err := RandomKey(KeyBytes)
	if err != nil {
		return Credentials{}, err
	}
	var readKey string
	for i := 0; i < 5; i++ {
		readKey, err = RandomKey(KeyBytes)
		if err != nil {
			return Credentials{}, err
		}
		if readKey != writeKey {
			return Credentials{SessionID: id, WriteKey: writeKey, ReadKey: readKey}, nil
		}
	}
	return Credentials{}, errors.New("could not generate distinct keys")
}

// KeyMatches compares a supplied capability key with the stored one in constant time.
// An empty stored key never matches.
func KeyMatches(supplied, stored string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(stored)) == 1
}

// ValidSessionID reports whether id has the shape produced by NewCredentials.
func ValidSessionID(id string) bool {
	if len(id) != 2*SessionIDBytes {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
