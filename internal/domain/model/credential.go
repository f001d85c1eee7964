package model

import "time"

// Credential is the per-tenant bearer material needed to deliver messages on
// the tenant's behalf. TenantID is the identity; TenantName is display only.
// An empty RefreshToken means none was issued, and a zero ExpiresAt means the
// access token never expires.
type Credential struct {
	TenantID     string
	TenantName   string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// HasExpiry reports whether the credential carries an expiry time.
func (c Credential) HasExpiry() bool {
	return !c.ExpiresAt.IsZero()
}

// IsNearExpiry reports whether now falls inside the skew window before
// ExpiresAt. Credentials without an expiry are never near expiry.
func (c Credential) IsNearExpiry(now time.Time, skew time.Duration) bool {
	if !c.HasExpiry() {
		return false
	}
	return now.After(c.ExpiresAt.Add(-skew))
}

// AuthResult is what the authorization exchange returns for a one-time code.
// ExpiresIn is relative to the moment of the exchange; zero means no expiry.
type AuthResult struct {
	TenantID     string
	TenantName   string
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Credential converts the exchange result into a storable Credential, turning
// the relative ExpiresIn into an absolute ExpiresAt anchored at now.
func (r AuthResult) Credential(now time.Time) Credential {
	cred := Credential{
		TenantID:     r.TenantID,
		TenantName:   r.TenantName,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
	}
	if r.ExpiresIn > 0 {
		cred.ExpiresAt = now.Add(r.ExpiresIn)
	}
	return cred
}
