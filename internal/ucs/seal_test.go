package ucs

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSealedPersistAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.sealed")

	s := NewStore()
	if err := s.AddGroup(NewGroup("g1")); err != nil {
		t.Fatal(err)
	}
	u := NewUser("u1", "g1", "user1", "secret")
	u.MT.Balance = NewBalanceQuota(42.5)
	if err := s.AddUser(u); err != nil {
		t.Fatal(err)
	}

	if err := s.PersistSealed(path, "hunter2"); err != nil {
		t.Fatalf("PersistSealed: %v", err)
	}

	restored := NewStore()
	if err := restored.LoadSealed(path, "hunter2"); err != nil {
		t.Fatalf("LoadSealed: %v", err)
	}

	got, ok := restored.GetUserByUsername("user1")
	if !ok {
		t.Fatal("user1 not restored")
	}
	if got.PasswordDigest != DigestOf("secret") {
		t.Error("password digest did not survive the round trip")
	}
	if got.MT.Balance.Unlimited || got.MT.Balance.Value != 42.5 {
		t.Errorf("balance quota = %+v, want finite 42.5", got.MT.Balance)
	}
}

func TestSealedLoadWrongPassphraseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.sealed")

	s := NewStore()
	if err := s.AddGroup(NewGroup("g1")); err != nil {
		t.Fatal(err)
	}
	if err := s.PersistSealed(path, "right"); err != nil {
		t.Fatal(err)
	}

	err := NewStore().LoadSealed(path, "wrong")
	if err == nil {
		t.Fatal("expected decryption failure with the wrong passphrase")
	}
	if !strings.Contains(err.Error(), "decrypt") {
		t.Errorf("error = %v, want a decrypt failure", err)
	}
}

func TestSealedFileIsNotPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.sealed")

	s := NewStore()
	if err := s.AddGroup(NewGroup("g1")); err != nil {
		t.Fatal(err)
	}
	u := NewUser("u1", "g1", "visible-username", "pw")
	if err := s.AddUser(u); err != nil {
		t.Fatal(err)
	}
	if err := s.PersistSealed(path, "k"); err != nil {
		t.Fatal(err)
	}

	// A plain Load must reject the sealed file rather than misparse it.
	if err := NewStore().Load(path); err == nil {
		t.Fatal("plain Load accepted a sealed snapshot")
	}
}
