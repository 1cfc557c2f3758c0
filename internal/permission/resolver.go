package permission

import "sort"

// Role is the slice of role data the resolver needs.
type Role struct {
	ID          string
	Permissions []string
	Position    int
}

// Member is a user's membership record in one server.
type Member struct {
	UserID  string
	RoleIDs []string
	IsOwner bool
}

// Channel carries the channel-level inputs. A zero Channel (no overrides, not
// a DM) yields the plain role aggregate, which is what server-scoped checks
// use.
type Channel struct {
	IsDM      bool
	Overrides []Override
}

// Effective computes the final permission set for a member in a channel.
//
// Precedence, lowest to highest: everyone-role grants, held-role grants,
// everyone-role override, role overrides in ascending position order, member
// override. Each override removes its deny set then adds its allow set, so a
// later source always wins. Owners and ADMINISTRATOR holders short-circuit to
// every known permission.
func Effective(member Member, roles []Role, everyoneRoleID string, channel Channel) Set {
	if channel.IsDM {
		return NewSet(DMDefaults...)
	}
	if member.IsOwner {
		return NewSet(All...)
	}

	roleByID := make(map[string]Role, len(roles))
	for _, role := range roles {
		roleByID[role.ID] = role
	}

	base := NewSet()
	if everyone, ok := roleByID[everyoneRoleID]; ok {
		addValid(base, everyone.Permissions)
	}

	memberRoles := make([]Role, 0, len(member.RoleIDs))
	for _, roleID := range member.RoleIDs {
		role, ok := roleByID[roleID]
		if !ok {
			continue
		}
		memberRoles = append(memberRoles, role)
		addValid(base, role.Permissions)
	}

	if base.Has(Administrator) {
		return NewSet(All...)
	}

	working := base.Clone()
	for _, o := range overridePipeline(member, memberRoles, everyoneRoleID, channel.Overrides) {
		o.apply(working)
	}
	return working
}

// overridePipeline orders the channel's overrides by precedence:
// everyone role, then the member's roles by ascending position, then the
// member-specific override.
func overridePipeline(member Member, memberRoles []Role, everyoneRoleID string, overrides []Override) []Override {
	byRole := make(map[string]Override, len(overrides))
	var memberOverride *Override
	for _, o := range overrides {
		switch o.Kind {
		case TargetRole:
			byRole[o.TargetID] = o
		case TargetMember:
			if o.TargetID == member.UserID {
				copied := o
				memberOverride = &copied
			}
		}
	}

	pipeline := make([]Override, 0, len(memberRoles)+2)
	if o, ok := byRole[everyoneRoleID]; ok {
		pipeline = append(pipeline, o)
	}

	sorted := make([]Role, len(memberRoles))
	copy(sorted, memberRoles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	for _, role := range sorted {
		if o, ok := byRole[role.ID]; ok {
			pipeline = append(pipeline, o)
		}
	}

	if memberOverride != nil {
		pipeline = append(pipeline, *memberOverride)
	}
	return pipeline
}

func addValid(s Set, raw []string) {
	for _, r := range raw {
		if p := Permission(r); Valid(p) {
			s.Add(p)
		}
	}
}
