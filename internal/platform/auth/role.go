package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Role is the closed set of roles the identity provider may assert.
type Role string

const (
	RolePatient      Role = "patient"
	RoleDoctor       Role = "doctor"
	RoleNurse        Role = "nurse"
	RoleAdmin        Role = "admin"
	RolePharmacist   Role = "pharmacist"
	RoleRadiologist  Role = "radiologist"
	RoleLabScientist Role = "labscientist"
	RoleMasterAdmin  Role = "master_admin"
)

var roles = map[Role]bool{
	RolePatient:      true,
	RoleDoctor:       true,
	RoleNurse:        true,
	RoleAdmin:        true,
	RolePharmacist:   true,
	RoleRadiologist:  true,
	RoleLabScientist: true,
	RoleMasterAdmin:  true,
}

// ParseRole rejects anything outside the enumeration.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !roles[r] {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Identity is the authenticated caller.
type Identity struct {
	UserID uuid.UUID
	Role   Role
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller set by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// UserIDFromContext returns the caller id as a string, or "" when unauthenticated.
func UserIDFromContext(ctx context.Context) string {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return ""
	}
	return id.UserID.String()
}
