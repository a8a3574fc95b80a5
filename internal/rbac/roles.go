package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleCallee     = "callee"
	RoleOperator   = "operator"
	RoleSuperAdmin = "super_admin"
	RoleSystem     = "system" // internal automation; only where listed
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }
