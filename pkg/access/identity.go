// Package access resolves who is calling and applies the allow/deny lists and
// bypass tokens that sit in front of every other admission stage.
package access

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"admission/pkg/auth"
)

type AuthMethod string

const (
	AuthMFA         AuthMethod = "mfa"
	AuthPassword    AuthMethod = "password"
	AuthAPIKey      AuthMethod = "api_key"
	AuthSSO         AuthMethod = "sso"
	AuthCertificate AuthMethod = "certificate"
	AuthNone        AuthMethod = "none"
)

const (
	APIKeyHeader = "X-API-Key"
	MFAHeader    = "X-MFA-Verified"
)

type ClientIdentity struct {
	ClientID          string
	IPAddress         string
	TenantID          string
	Subject           string
	ClinicalRole      string
	DeviceFingerprint string
	MFAVerified       bool
	AuthMethod        AuthMethod
	SessionID         string
	UserAgent         string
}

func (c ClientIdentity) Authenticated() bool {
	return c.AuthMethod != AuthNone
}

// Provenance records what the gateway verified about a request before
// identity resolution. Headers a client could forge count only when the
// matching flag is set.
type Provenance struct {
	// APIKeyVerified is set when X-API-Key names a registered key.
	APIKeyVerified bool
	// TrustedRelay is set when the direct peer is a trusted proxy. Only such a
	// proxy may assert X-MFA-Verified.
	TrustedRelay bool
}

// ResolveIdentity derives the client identity. The client id precedence is
// registered API key, then token subject, then IP address.
func ResolveIdentity(h http.Header, ip string, p *auth.Principal, prov Provenance) ClientIdentity {
	id := ClientIdentity{
		IPAddress: ip,
		SessionID: strings.TrimSpace(h.Get("X-Session-ID")),
		UserAgent: h.Get("User-Agent"),
	}
	headerMFA := prov.TrustedRelay && strings.EqualFold(strings.TrimSpace(h.Get(MFAHeader)), "true")
	apiKey := strings.TrimSpace(h.Get(APIKeyHeader))
	switch {
	case apiKey != "" && prov.APIKeyVerified:
		id.ClientID = "key:" + Fingerprint(apiKey)
		id.AuthMethod = AuthAPIKey
	case p != nil && p.Subject != "":
		id.ClientID = "user:" + p.Subject
	default:
		id.ClientID = "ip:" + ip
		id.AuthMethod = AuthNone
	}
	if p != nil && p.Subject != "" {
		id.Subject = p.Subject
		id.TenantID = p.Tenant
		id.ClinicalRole = p.ClinicalRole
		id.MFAVerified = p.MFAVerified || headerMFA
		if id.AuthMethod == "" {
			id.AuthMethod = methodFromPrincipal(*p, id.MFAVerified)
		}
	}
	if id.TenantID == "" {
		id.TenantID = strings.TrimSpace(h.Get("X-Tenant-ID"))
	}
	id.DeviceFingerprint = strings.TrimSpace(h.Get("X-Device-Fingerprint"))
	if id.DeviceFingerprint == "" && p != nil {
		id.DeviceFingerprint = p.DeviceID
	}
	if id.DeviceFingerprint == "" && id.UserAgent != "" {
		id.DeviceFingerprint = "ua:" + Fingerprint(id.UserAgent+"|"+h.Get("Accept-Language"))
	}
	return id
}

func methodFromPrincipal(p auth.Principal, mfa bool) AuthMethod {
	if mfa {
		return AuthMFA
	}
	for _, m := range p.AMR {
		switch m {
		case "pwd":
			return AuthPassword
		case "x509", "sc", "mtls":
			return AuthCertificate
		}
	}
	return AuthSSO
}

// Fingerprint is a short stable digest used to key secrets and user agents
// without storing them in clear.
func Fingerprint(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}
