package permission

import "testing"

func TestOverrideAllowDenyMutualExclusion(t *testing.T) {
	o := NewOverride("u1", TargetMember, nil, nil)

	o.Grant(SendMessages)
	if !o.Allow.Has(SendMessages) || o.Deny.Has(SendMessages) {
		t.Fatal("grant should place permission only in allow")
	}

	o.Forbid(SendMessages)
	if o.Allow.Has(SendMessages) || !o.Deny.Has(SendMessages) {
		t.Fatal("forbid must evict the permission from allow")
	}

	o.Grant(SendMessages)
	if o.Deny.Has(SendMessages) {
		t.Fatal("grant must evict the permission from deny")
	}

	o.Clear(SendMessages)
	if o.Allow.Has(SendMessages) || o.Deny.Has(SendMessages) {
		t.Fatal("clear must remove the permission from both sides")
	}
}

func TestNewOverrideNormalizesConflictingInput(t *testing.T) {
	// Stored data that lists the same permission on both sides resolves to deny.
	o := NewOverride("rol_x", TargetRole, []string{"VIEW_CHANNEL"}, []string{"VIEW_CHANNEL"})
	if o.Allow.Has(ViewChannel) {
		t.Fatal("conflicting input should not remain in allow")
	}
	if !o.Deny.Has(ViewChannel) {
		t.Fatal("conflicting input should resolve to deny")
	}
}

func TestNewOverrideDropsUnknownIdentifiers(t *testing.T) {
	o := NewOverride("rol_x", TargetRole, []string{"NOT_A_PERMISSION"}, []string{"ALSO_NOT"})
	if len(o.Allow) != 0 || len(o.Deny) != 0 {
		t.Fatalf("unknown identifiers must be dropped: allow=%v deny=%v", o.AllowSlice(), o.DenySlice())
	}
}
