package model

import "testing"

func TestCapabilitySet_Has(t *testing.T) {
	tests := []struct {
		name string
		set  CapabilitySet
		cap  string
		want bool
	}{
		{"exact", CapabilitySet{CapViewDrafts: true}, CapViewDrafts, true},
		{"missing", CapabilitySet{CapViewDrafts: true}, CapPurgeDrafts, false},
		{"star", CapabilitySet{"*": true}, CapPurgeDrafts, true},
		{"area wildcard", CapabilitySet{"registration:*": true}, CapRegisterSelf, true},
		{"resource wildcard", CapabilitySet{"registration:drafts:*": true}, CapPurgeDrafts, true},
		{"resource wildcard miss", CapabilitySet{"registration:drafts:*": true}, CapRegisterSelf, false},
		{"no suffix colon", CapabilitySet{"registration*": true}, CapRegisterSelf, false},
		{"revoked entry", CapabilitySet{"*": false}, CapRegisterSelf, false},
		{"nil set", nil, CapRegisterSelf, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.set.Has(tt.cap); got != tt.want {
				t.Errorf("Has(%q) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

func TestCapabilitySet_HasAll(t *testing.T) {
	cs := CapabilitySet{CapViewDrafts: true, CapRegisterSelf: true}
	if !cs.HasAll(CapViewDrafts, CapRegisterSelf) {
		t.Error("HasAll should be true when all present")
	}
	if cs.HasAll(CapViewDrafts, CapPurgeDrafts) {
		t.Error("HasAll should be false when one missing")
	}
	if !cs.HasAll() {
		t.Error("HasAll with no args should be true")
	}
}
