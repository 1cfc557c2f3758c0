package permission

type TargetKind string

const (
	TargetRole   TargetKind = "role"
	TargetMember TargetKind = "member"
)

// Override is a channel-scoped allow/deny adjustment for one role or member.
// Allow and Deny never share a permission: every mutator moves the permission
// out of the opposite side first.
type Override struct {
	TargetID string
	Kind     TargetKind
	Allow    Set
	Deny     Set
}

// NewOverride normalizes raw allow/deny lists (as loaded from storage) into a
// disjoint override. Unknown permission identifiers are dropped; a permission
// listed on both sides ends up denied.
func NewOverride(targetID string, kind TargetKind, allow, deny []string) Override {
	o := Override{
		TargetID: targetID,
		Kind:     kind,
		Allow:    NewSet(),
		Deny:     NewSet(),
	}
	for _, raw := range allow {
		if p := Permission(raw); Valid(p) {
			o.Grant(p)
		}
	}
	for _, raw := range deny {
		if p := Permission(raw); Valid(p) {
			o.Forbid(p)
		}
	}
	return o
}

// Grant moves the permission to the allow side.
func (o *Override) Grant(p Permission) {
	o.Deny.Remove(p)
	o.Allow.Add(p)
}

// Forbid moves the permission to the deny side.
func (o *Override) Forbid(p Permission) {
	o.Allow.Remove(p)
	o.Deny.Add(p)
}

// Clear removes the permission from both sides, reverting to the role default.
func (o *Override) Clear(p Permission) {
	o.Allow.Remove(p)
	o.Deny.Remove(p)
}

// apply folds the override into a working set: denials first, then grants.
func (o Override) apply(working Set) {
	for p := range o.Deny {
		working.Remove(p)
	}
	for p := range o.Allow {
		working.Add(p)
	}
}

// AllowSlice and DenySlice expose the sides in stable order for persistence.
func (o Override) AllowSlice() []string { return permStrings(o.Allow) }

func (o Override) DenySlice() []string { return permStrings(o.Deny) }

func permStrings(s Set) []string {
	perms := s.Slice()
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
