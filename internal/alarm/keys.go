package alarm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"rate-alarms/internal/rates"
)

const (
	keyPrefix      = "alarm:"
	tokenMapPrefix = "alarm:token_map:"
	// SweepStatusKey holds the last sweep summary. Its "_sys" segment marks it
	// internal, so scans never return it.
	SweepStatusKey = "alarm:_sys:last_sweep"

	// AllPattern matches every alarm-namespace key, including token mappings.
	AllPattern = keyPrefix + "*"

	hashLen = 16
)

// HashToken derives the owner identity: the first 16 hex chars of SHA-256(token).
func HashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// Key builds alarm:{hash}:{asset}:{kind}:{profile}.
func Key(ownerHash, assetCode string, kind Kind, profile rates.Profile) string {
	return fmt.Sprintf("%s%s:%s:%s:%s", keyPrefix, ownerHash, assetCode, kind, profile)
}

// OwnerPattern matches every alarm of one owner.
func OwnerPattern(ownerHash string) string {
	return keyPrefix + ownerHash + ":*"
}

// TokenKey is where the raw device token of ownerHash is kept.
func TokenKey(ownerHash string) string {
	return tokenMapPrefix + ownerHash
}

// KeyParts is a decoded alarm key.
type KeyParts struct {
	OwnerHash string
	AssetCode string
	Kind      Kind
	Profile   rates.Profile
}

// ParseKey decodes an alarm key. Token mappings and housekeeping keys share the
// "alarm:" prefix and are rejected here.
func ParseKey(key string) (KeyParts, bool) {
	if !strings.HasPrefix(key, keyPrefix) {
		return KeyParts{}, false
	}
	parts := strings.Split(key[len(keyPrefix):], ":")
	if len(parts) != 4 {
		return KeyParts{}, false
	}
	if !IsTokenHash(parts[0]) || parts[1] == "" {
		return KeyParts{}, false
	}
	kind, err := ParseKind(parts[2])
	if err != nil {
		return KeyParts{}, false
	}
	profile, err := rates.ParseProfile(parts[3])
	if err != nil || string(profile) != parts[3] {
		return KeyParts{}, false
	}
	return KeyParts{OwnerHash: parts[0], AssetCode: parts[1], Kind: kind, Profile: profile}, true
}

// IsTokenHash reports whether s looks like a HashToken output.
func IsTokenHash(s string) bool {
	if len(s) != hashLen {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
