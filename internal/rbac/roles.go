package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner      = "owner"
	RoleOperator   = "operator"
	RoleAnalyst    = "analyst"
	RoleSuperAdmin = "super_admin"
	RoleSupport    = "support" // hidden role; only granted where listed explicitly
)

// Permission is a campaign capability checked by RequirePermission.
type Permission string

const (
	PermCampaignRead    Permission = "campaign:read"
	PermCampaignWrite   Permission = "campaign:write"
	PermCampaignOperate Permission = "campaign:operate"
	PermQueueRecover    Permission = "campaign:queue_recover"
)

// grants lists the roles holding each permission. super_admin is implicit.
var grants = map[Permission][]string{
	PermCampaignRead:    {RoleOwner, RoleOperator, RoleAnalyst, RoleSupport},
	PermCampaignWrite:   {RoleOwner, RoleOperator},
	PermCampaignOperate: {RoleOwner, RoleOperator},
	PermQueueRecover:    {RoleOwner, RoleSupport},
}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// Can reports whether role holds perm.
func Can(role string, perm Permission) bool {
	if IsSuperAdmin(role) {
		return true
	}
	for _, r := range grants[perm] {
		if r == role {
			return true
		}
	}
	return false
}
