// Package credential resolves client credentials from the secret store and
// verifies presented secrets against every acceptable version. During a
// rotation's dual-validity window two versions verify; outside it exactly
// one.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Roles assignable to a client. The role travels in the credential document
// and decides which capabilities minted tokens carry.
const (
	RoleMerchant = "merchant"
	RolePlatform = "platform"
	RoleReadOnly = "readonly"
)

// Capability strings carried in token permission sets. Matching is
// case-sensitive and exact.
const (
	PermProcessPayment = "process_payment"
	PermViewStatus     = "view_status"
	PermRefundPayment  = "refund_payment"
)

var rolePermissions = map[string][]string{
	RoleMerchant: {PermProcessPayment, PermViewStatus},
	RolePlatform: {PermProcessPayment, PermViewStatus, PermRefundPayment},
	RoleReadOnly: {PermViewStatus},
}

// PermissionsForRole returns the capability set for role, nil for an unknown
// role. The returned slice is a copy.
func PermissionsForRole(role string) []string {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// Version is one acceptable version of a client credential.
type Version struct {
	Number     int
	SecretHash string
	Role       string
	CreatedAt  time.Time
}

// Metadata is the resolved credential state for one client: every version a
// presented secret may verify against, newest first.
type Metadata struct {
	ClientID  string
	Versions  []Version
	FetchedAt time.Time
}

// Newest returns the most recent acceptable version, nil when none exist.
func (m *Metadata) Newest() *Version {
	if m == nil || len(m.Versions) == 0 {
		return nil
	}
	return &m.Versions[0]
}

// Fresh reports whether the metadata was fetched within window of now.
func (m *Metadata) Fresh(now time.Time, window time.Duration) bool {
	return m != nil && now.Sub(m.FetchedAt) <= window
}

// VerifySecret compares secret against every version without early exit and
// returns the matched version. Comparing all versions keeps the work done
// independent of which version matches.
func (m *Metadata) VerifySecret(secret string) (*Version, bool) {
	var matched *Version
	for i := range m.Versions {
		v := &m.Versions[i]
		if bcrypt.CompareHashAndPassword([]byte(v.SecretHash), []byte(secret)) == nil && matched == nil {
			matched = v
		}
	}
	return matched, matched != nil
}

// HashSecret hashes a plaintext secret for storage in a credential document.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// Fingerprint derives the deterministic mint key for a client and the
// credential version its secret matched. All concurrent requests that
// authenticate the same way collapse onto one fingerprint.
func Fingerprint(clientID string, version int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", clientID, version)))
	return hex.EncodeToString(sum[:])
}
