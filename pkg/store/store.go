// Package store defines the narrow persistence contracts the anonet
// core depends on for identity and contact state, per spec.md §6.
// Concrete storage is an external collaborator: the core only ever
// talks to IdentityStore and ContactStore, never to a file format or
// database directly. internal/localstore provides the one concrete
// implementation shipped with this module.
package store

import (
	"time"

	"github.com/opd-ai/go-tor/pkg/identity"
)

// Contact is one entry in a node's address book: a remembered peer's
// display identity plus enough key material to re-establish a secure
// channel without a fresh DHT lookup.
type Contact struct {
	DisplayName string
	Username    string
	Fingerprint []byte
	PublicKeyDER []byte
	AddedAt     time.Time
	LastSeen    time.Time
	Favorite    bool
	Notes       string
}

// IdentityStore persists and restores a node's long-term Identity. Any
// failure must be reported as an ERR_STORAGE (pkg/errors.StorageError),
// per spec.md §6 — never surfaced to a network peer.
type IdentityStore interface {
	Load() (*identity.Identity, error)
	Save(id *identity.Identity) error
}

// ContactStore persists a node's address book, keyed by fingerprint.
// Any failure must be reported as an ERR_STORAGE.
type ContactStore interface {
	LookupByFingerprint(fingerprint []byte) (*Contact, error)
	Update(fingerprint []byte, lastSeen time.Time) error
	Upsert(c *Contact) error
}
