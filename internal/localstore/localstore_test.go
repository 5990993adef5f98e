package localstore

import (
	"testing"
	"time"

	"github.com/opd-ai/go-tor/pkg/identity"
	"github.com/opd-ai/go-tor/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestIdentitySaveAndLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)

	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	if err := s.Save(id); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.FingerprintHex() != id.FingerprintHex() {
		t.Fatalf("round-tripped fingerprint = %s, want %s", got.FingerprintHex(), id.FingerprintHex())
	}
	if got.Mnemonic != id.Mnemonic {
		t.Fatal("round-tripped mnemonic does not match")
	}
}

func TestLoadWithoutSaveIsStorageError(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(); err == nil {
		t.Fatal("expected an error loading identity before any Save")
	}
}

func TestContactUpsertThenLookup(t *testing.T) {
	s := newTestStore(t)

	fp := []byte("0123456789012345678901234567890123456789")
	c := &store.Contact{
		DisplayName:  "alice",
		Username:     "alice#ABCD1234",
		Fingerprint:  fp,
		PublicKeyDER: []byte("der-bytes"),
		AddedAt:      time.Now(),
		LastSeen:     time.Now(),
	}
	if err := s.Upsert(c); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.LookupByFingerprint(fp)
	if err != nil {
		t.Fatalf("LookupByFingerprint: %v", err)
	}
	if got.DisplayName != "alice" || got.Username != "alice#ABCD1234" {
		t.Fatalf("unexpected contact: %+v", got)
	}
}

func TestContactUpsertReplacesExistingFingerprint(t *testing.T) {
	s := newTestStore(t)
	fp := []byte("fingerprint-for-replace-test-case!")

	if err := s.Upsert(&store.Contact{DisplayName: "bob", Fingerprint: fp}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := s.Upsert(&store.Contact{DisplayName: "robert", Fingerprint: fp}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err := s.LookupByFingerprint(fp)
	if err != nil {
		t.Fatalf("LookupByFingerprint: %v", err)
	}
	if got.DisplayName != "robert" {
		t.Fatalf("expected replaced DisplayName 'robert', got %q", got.DisplayName)
	}
}

func TestContactUpdateBumpsLastSeen(t *testing.T) {
	s := newTestStore(t)
	fp := []byte("fingerprint-for-update-test-case!!")

	if err := s.Upsert(&store.Contact{DisplayName: "carol", Fingerprint: fp}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	newTime := time.Now().Add(time.Hour)
	if err := s.Update(fp, newTime); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.LookupByFingerprint(fp)
	if err != nil {
		t.Fatalf("LookupByFingerprint: %v", err)
	}
	if !got.LastSeen.Equal(newTime) {
		t.Fatalf("LastSeen = %v, want %v", got.LastSeen, newTime)
	}
}

func TestLookupByFingerprintUnknownFails(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LookupByFingerprint([]byte("never-added")); err == nil {
		t.Fatal("expected an error for an unknown fingerprint")
	}
}

func TestUpdateUnknownFingerprintFails(t *testing.T) {
	s := newTestStore(t)
	if err := s.Update([]byte("never-added"), time.Now()); err == nil {
		t.Fatal("expected an error updating an unknown fingerprint")
	}
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	if err := s1.Save(id); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New (second instance): %v", err)
	}
	got, err := s2.Load()
	if err != nil {
		t.Fatalf("Load from second instance: %v", err)
	}
	if got.FingerprintHex() != id.FingerprintHex() {
		t.Fatal("identity did not persist across Store instances")
	}
}
