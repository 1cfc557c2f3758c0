package permission

import "testing"

const everyoneID = "rol_everyone"

func baseRoles() []Role {
	return []Role{
		{ID: everyoneID, Permissions: []string{"VIEW_CHANNEL", "SEND_MESSAGES"}, Position: 0},
		{ID: "rol_mod", Permissions: []string{"MANAGE_MESSAGES", "KICK_MEMBERS"}, Position: 5},
		{ID: "rol_vip", Permissions: []string{"MENTION_EVERYONE"}, Position: 2},
	}
}

func TestEffectiveUnionsHeldRoleGrants(t *testing.T) {
	member := Member{UserID: "u1", RoleIDs: []string{"rol_mod"}}
	perms := Effective(member, baseRoles(), everyoneID, Channel{})

	for _, want := range []Permission{ViewChannel, SendMessages, ManageMessages, KickMembers} {
		if !perms.Has(want) {
			t.Errorf("expected %s to be granted", want)
		}
	}
	if perms.Has(ManageChannels) {
		t.Error("MANAGE_CHANNELS should not be granted")
	}
}

func TestEffectiveNoRolesFallsBackToEveryone(t *testing.T) {
	member := Member{UserID: "u1"}
	perms := Effective(member, baseRoles(), everyoneID, Channel{})

	if !perms.Has(ViewChannel) || !perms.Has(SendMessages) {
		t.Fatalf("everyone base set missing: %v", perms.Slice())
	}
	if len(perms) != 2 {
		t.Fatalf("expected exactly the everyone grants, got %v", perms.Slice())
	}
}

func TestEffectiveOwnerGetsEverything(t *testing.T) {
	member := Member{UserID: "u1", IsOwner: true}
	perms := Effective(member, baseRoles(), everyoneID, Channel{})
	if len(perms) != len(All) {
		t.Fatalf("owner should hold all %d permissions, got %d", len(All), len(perms))
	}
}

func TestEffectiveAdministratorShortCircuitsOverrides(t *testing.T) {
	roles := append(baseRoles(), Role{ID: "rol_admin", Permissions: []string{"ADMINISTRATOR"}, Position: 9})
	member := Member{UserID: "u1", RoleIDs: []string{"rol_admin"}}
	channel := Channel{Overrides: []Override{
		NewOverride("rol_admin", TargetRole, nil, []string{"VIEW_CHANNEL"}),
		NewOverride("u1", TargetMember, nil, []string{"SEND_MESSAGES"}),
	}}

	perms := Effective(member, roles, everyoneID, channel)
	if !perms.Has(ViewChannel) || !perms.Has(SendMessages) {
		t.Fatal("administrator must ignore channel denials")
	}
}

func TestEffectiveDMChannelBypassesRoles(t *testing.T) {
	perms := Effective(Member{UserID: "u1"}, nil, "", Channel{IsDM: true})
	if !perms.Has(ViewChannel) || !perms.Has(SendMessages) {
		t.Fatalf("DM defaults missing: %v", perms.Slice())
	}
	if perms.Has(KickMembers) {
		t.Error("DM channels must not grant KICK_MEMBERS")
	}
}

func TestOverridePrecedenceHigherRoleWins(t *testing.T) {
	member := Member{UserID: "u1", RoleIDs: []string{"rol_vip", "rol_mod"}}
	// rol_vip (position 2) denies VIEW_CHANNEL; rol_mod (position 5) allows it.
	channel := Channel{Overrides: []Override{
		NewOverride("rol_vip", TargetRole, nil, []string{"VIEW_CHANNEL"}),
		NewOverride("rol_mod", TargetRole, []string{"VIEW_CHANNEL"}, nil),
	}}

	perms := Effective(member, baseRoles(), everyoneID, channel)
	if !perms.Has(ViewChannel) {
		t.Fatal("higher-position role override should win")
	}
}

func TestOverridePrecedenceLowerRoleLoses(t *testing.T) {
	member := Member{UserID: "u1", RoleIDs: []string{"rol_vip", "rol_mod"}}
	channel := Channel{Overrides: []Override{
		NewOverride("rol_vip", TargetRole, []string{"MANAGE_CHANNELS"}, nil),
		NewOverride("rol_mod", TargetRole, nil, []string{"MANAGE_CHANNELS"}),
	}}

	perms := Effective(member, baseRoles(), everyoneID, channel)
	if perms.Has(ManageChannels) {
		t.Fatal("higher-position role denial should win over lower-position grant")
	}
}

func TestMemberOverrideDominatesRoleOverrides(t *testing.T) {
	member := Member{UserID: "u1", RoleIDs: []string{"rol_mod"}}
	channel := Channel{Overrides: []Override{
		NewOverride("rol_mod", TargetRole, nil, []string{"SEND_MESSAGES"}),
		NewOverride("u1", TargetMember, []string{"SEND_MESSAGES"}, nil),
	}}

	perms := Effective(member, baseRoles(), everyoneID, channel)
	if !perms.Has(SendMessages) {
		t.Fatal("member override must be applied last")
	}
}

func TestEveryoneOverrideAppliesFirst(t *testing.T) {
	member := Member{UserID: "u1", RoleIDs: []string{"rol_vip"}}
	channel := Channel{Overrides: []Override{
		NewOverride(everyoneID, TargetRole, nil, []string{"VIEW_CHANNEL", "SEND_MESSAGES"}),
		NewOverride("rol_vip", TargetRole, []string{"VIEW_CHANNEL"}, nil),
	}}

	perms := Effective(member, baseRoles(), everyoneID, channel)
	if !perms.Has(ViewChannel) {
		t.Fatal("role override should restore permission denied at everyone level")
	}
	if perms.Has(SendMessages) {
		t.Fatal("everyone-level denial should stand when no later source restores it")
	}
}

func TestEffectiveIgnoresUnknownPermissions(t *testing.T) {
	roles := []Role{{ID: everyoneID, Permissions: []string{"VIEW_CHANNEL", "FLY_TO_MOON"}, Position: 0}}
	perms := Effective(Member{UserID: "u1"}, roles, everyoneID, Channel{})
	if len(perms) != 1 {
		t.Fatalf("unknown permission identifiers must be dropped, got %v", perms.Slice())
	}
}
