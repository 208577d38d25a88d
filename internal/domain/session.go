package domain

import "time"

// OAuthState is a pending authorization request. It is single-use: the
// callback consumes and deletes it.
type OAuthState struct {
	State     string
	OwnerID   string
	CreatedAt time.Time
	TTL       int64
}

// Session is the per-owner credential record persisted encrypted under the
// owner's id. Expiration is already moved earlier by the expiry skew.
type Session struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken"`
	Expiration      time.Time `json:"expiration"`
	RefreshToken    string    `json:"refreshToken,omitempty"`
}

// Credentials returns the temporary credentials held by the session.
func (s Session) Credentials() Credentials {
	return Credentials{
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		SessionToken:    s.SessionToken,
		Expiration:      s.Expiration,
	}
}

// Expired reports whether the session is past its (skew-adjusted) expiration.
func (s Session) Expired(now time.Time) bool {
	return s.Expiration.Before(now)
}

// Credentials are temporary cloud credentials scoped to one end user.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// SessionRecord is the stored form of a Session.
type SessionRecord struct {
	OwnerID        string
	EncryptedCreds string
	Expiration     time.Time
	Timestamp      time.Time
}
