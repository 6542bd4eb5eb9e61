package auth

import "testing"

func TestOwnerIsAlwaysAdmin(t *testing.T) {
	p := NewPolicy("owner")
	if !p.IsAdmin("owner") {
		t.Error("owner should hold admin rights")
	}
	if p.IsAdmin("other") {
		t.Error("unknown address should not hold admin rights")
	}
}

func TestSetAdmin_GrantAndRevoke(t *testing.T) {
	p := NewPolicy("owner")

	if err := p.SetAdmin("owner", "alice", true); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := p.RequireAdmin("alice"); err != nil {
		t.Errorf("alice should be admin: %v", err)
	}

	if err := p.SetAdmin("owner", "alice", false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := p.RequireAdmin("alice"); err != ErrNotAdmin {
		t.Errorf("expected ErrNotAdmin after revoke, got %v", err)
	}
}

func TestSetAdmin_NonOwner(t *testing.T) {
	p := NewPolicy("owner")
	p.SetAdmin("owner", "alice", true)

	// Admins cannot mint admins.
	if err := p.SetAdmin("alice", "bob", true); err != ErrNotOwner {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestTransferOwnership(t *testing.T) {
	p := NewPolicy("owner")

	if err := p.TransferOwnership("stranger", "mallory"); err != ErrNotOwner {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	if err := p.TransferOwnership("owner", "heir"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if p.Owner() != "heir" {
		t.Errorf("expected heir as owner, got %s", p.Owner())
	}
	if err := p.RequireOwner("owner"); err != ErrNotOwner {
		t.Error("old owner should have lost owner rights")
	}
	if !p.IsAdmin("heir") {
		t.Error("new owner should hold admin rights")
	}
}
