package identity

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
)

// ID minting. Formats are wire-stable: clients persist user ids in
// localStorage and merchants embed API keys in server configs.

// NewUserID returns a fresh tenant-scoped user id.
func NewUserID() string {
	return "usr_" + uuid.NewString()
}

// NewSessionID returns a fresh session id.
func NewSessionID() string {
	return "session_" + randHex(6)
}

// NewGlobalUID returns a fresh cross-site identity id.
func NewGlobalUID() string {
	return "guid_" + randHex(8)
}

// NewBusinessID returns a fresh tenant id.
func NewBusinessID() string {
	return "biz_" + randHex(4)
}

// NewAgreementID returns a fresh data-sharing agreement id.
func NewAgreementID() string {
	return "agr_" + randHex(4)
}

// NewAPIKey returns a fresh tenant API key.
func NewAPIKey() string {
	b := make([]byte, 32)
	rand.Read(b)
	return "pk_live_" + base64.RawURLEncoding.EncodeToString(b)
}

func randHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
