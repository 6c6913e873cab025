package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleUser     = "user"     // requests consultations, is billed
	RoleProvider = "provider" // answers consultations
	RoleAdmin    = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// IsParty reports whether the role can take part in a call.
func IsParty(role string) bool { return role == RoleUser || role == RoleProvider }
