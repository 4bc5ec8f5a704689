package vault_test

import (
	"testing"

	"bidvault/internal/vault"
)

func TestCallerSet_Membership(t *testing.T) {
	s := vault.NewCallerSet("resolver-a")

	if !s.Authorized("resolver-a") {
		t.Error("configured key rejected")
	}
	if s.Authorized("resolver-b") {
		t.Error("unknown key accepted")
	}
	if s.Authorized("") {
		t.Error("empty key accepted")
	}
}

func TestCallerSet_AdminMutation(t *testing.T) {
	s := vault.NewCallerSet()

	s.Add("resolver-b")
	if !s.Authorized("resolver-b") {
		t.Error("added key rejected")
	}

	s.Remove("resolver-b")
	if s.Authorized("resolver-b") {
		t.Error("removed key still accepted")
	}

	// Empty keys are never stored.
	s.Add("")
	if s.Len() != 0 {
		t.Errorf("allow-list size: got %d, want 0", s.Len())
	}
}
