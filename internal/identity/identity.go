// Package identity defines the authenticated principal shared by the
// connection manager, the entity cache and the backend client.
package identity

import (
	"strings"

	apperrors "github.com/pilonas/console/internal/errors"
)

// Role names understood by the console.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// Identity is the session-identity blob created at login. It is sent as the
// push channel's authentication message and as the bearer token of bulk reads.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Token    string `json:"token"`
}

// Validate checks that the blob is usable for authentication.
func (id *Identity) Validate() error {
	if id == nil {
		return apperrors.IdentityMissing()
	}
	if strings.TrimSpace(id.UserID) == "" {
		return apperrors.IdentityInvalid("identity has no user id")
	}
	if strings.TrimSpace(id.Token) == "" {
		return apperrors.IdentityInvalid("identity has no token")
	}
	switch id.Role {
	case RoleAdmin, RoleOperator:
	default:
		return apperrors.IdentityInvalid("unknown role " + id.Role)
	}
	return nil
}

// IsAdmin reports whether the principal may see user management data.
func (id *Identity) IsAdmin() bool {
	return id != nil && id.Role == RoleAdmin
}

// String omits the token so identities can be logged.
func (id *Identity) String() string {
	if id == nil {
		return "<none>"
	}
	return id.Username + "(" + id.UserID + "," + id.Role + ")"
}
