package session

import "time"

// Session is one logged-in device. Only hashes of refresh tokens are stored.
type Session struct {
	ID                  string     `json:"id" db:"id"`
	UserID              string     `json:"user_id" db:"user_id"`
	DeviceID            string     `json:"device_id" db:"device_id"`
	DeviceName          string     `json:"device_name" db:"device_name"`
	UserAgent           string     `json:"user_agent" db:"user_agent"`
	IPAddress           string     `json:"ip_address" db:"ip_address"`
	RefreshHash         string     `json:"-" db:"refresh_hash"`
	PreviousRefreshHash string     `json:"-" db:"previous_refresh_hash"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	LastSeenAt          time.Time  `json:"last_seen_at" db:"last_seen_at"`
	ExpiresAt           time.Time  `json:"expires_at" db:"expires_at"`
	RevokedAt           *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokeReason        string     `json:"revoke_reason,omitempty" db:"revoke_reason"`
}

// Revoke reasons.
const (
	ReasonLogout     = "logout"
	ReasonLogoutAll  = "logout_all"
	ReasonKicked     = "session_limit"
	ReasonReplaced   = "device_relogin"
	ReasonTokenReuse = "refresh_token_reuse"
	ReasonRevoked    = "revoked"
)

// Device describes the client a session was opened from.
type Device struct {
	ID        string
	Name      string
	UserAgent string
	IPAddress string
}

// Active reports whether the session is usable at now.
func (s Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
