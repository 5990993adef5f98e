// Package localstore is the JSON-file-backed collaborator behind
// pkg/store's IdentityStore and ContactStore interfaces: it owns the
// on-disk layout of <home>/.anonet/ (identity backup and contact
// list), per spec.md §6's external-interfaces contract. It is not a
// general contact-management feature — no search, no import/export,
// just the two narrow operations the core depends on.
package localstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/identity"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/store"
)

// identityFile and contactsFile name the two files localstore owns
// within the data directory.
const (
	identityFile = "identity.json"
	contactsFile = "contacts.json"
)

// identityRecord is the on-disk shape of an identity backup: only the
// mnemonic is persisted, since identity.Derive deterministically
// rebuilds the keypair, fingerprint, and discriminator from it.
type identityRecord struct {
	Mnemonic string `json:"mnemonic"`
}

// contactRecord is the on-disk shape of one store.Contact, per
// spec.md §6: {displayName, username, fingerprint, publicKey (DER
// base64), addedAt, lastSeen, favorite, notes}.
type contactRecord struct {
	DisplayName string    `json:"displayName"`
	Username    string    `json:"username"`
	Fingerprint string    `json:"fingerprint"`
	PublicKey   string    `json:"publicKey"`
	AddedAt     time.Time `json:"addedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	Favorite    bool      `json:"favorite"`
	Notes       string    `json:"notes"`
}

type contactsDocument struct {
	Contacts []contactRecord `json:"contacts"`
}

// Store is the concrete IdentityStore and ContactStore implementation
// backed by two JSON files under dataDir.
type Store struct {
	log     *logger.Logger
	dataDir string

	mu       sync.Mutex
	contacts contactsDocument
	loaded   bool
}

// New returns a Store rooted at dataDir, creating the directory (mode
// 0700) if it does not already exist.
func New(dataDir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, anonetErrors.StorageError("localstore: failed to create data directory", err)
	}
	return &Store{
		log:     log.Component("localstore"),
		dataDir: dataDir,
	}, nil
}

var _ store.IdentityStore = (*Store)(nil)
var _ store.ContactStore = (*Store)(nil)

func (s *Store) identityPath() string { return filepath.Join(s.dataDir, identityFile) }
func (s *Store) contactsPath() string { return filepath.Join(s.dataDir, contactsFile) }

// Load reads the identity backup file and re-derives the Identity from
// its mnemonic. Returns ERR_STORAGE (including when no identity has
// been saved yet) rather than a bare os.IsNotExist error.
func (s *Store) Load() (*identity.Identity, error) {
	data, err := os.ReadFile(s.identityPath())
	if err != nil {
		return nil, anonetErrors.StorageError("localstore: no identity backup found", err)
	}
	var rec identityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, anonetErrors.StorageError("localstore: failed to parse identity backup", err)
	}
	id, err := identity.Derive(rec.Mnemonic)
	if err != nil {
		return nil, anonetErrors.StorageError("localstore: identity backup failed to re-derive", err)
	}
	return id, nil
}

// Save writes id's mnemonic to the identity backup file, replacing any
// prior backup. Writes to a temporary file and renames into place so a
// crash mid-write never leaves a truncated identity file behind.
func (s *Store) Save(id *identity.Identity) error {
	data, err := json.MarshalIndent(identityRecord{Mnemonic: id.Mnemonic}, "", "  ")
	if err != nil {
		return anonetErrors.StorageError("localstore: failed to marshal identity backup", err)
	}
	if err := writeFileAtomic(s.identityPath(), data, 0o600); err != nil {
		return anonetErrors.StorageError("localstore: failed to write identity backup", err)
	}
	s.log.Info("identity backup saved", "fingerprint", id.FingerprintHex())
	return nil
}

// loadContacts reads contacts.json into memory if it hasn't been
// loaded yet. A missing file is treated as an empty address book, not
// an error — the file is created lazily on first Upsert.
func (s *Store) loadContacts() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.contactsPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return anonetErrors.StorageError("localstore: failed to read contact list", err)
	}
	var doc contactsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return anonetErrors.StorageError("localstore: failed to parse contact list", err)
	}
	s.contacts = doc
	s.loaded = true
	return nil
}

func (s *Store) saveContacts() error {
	data, err := json.MarshalIndent(s.contacts, "", "  ")
	if err != nil {
		return anonetErrors.StorageError("localstore: failed to marshal contact list", err)
	}
	if err := writeFileAtomic(s.contactsPath(), data, 0o600); err != nil {
		return anonetErrors.StorageError("localstore: failed to write contact list", err)
	}
	return nil
}

// LookupByFingerprint returns the contact whose fingerprint matches, or
// an ERR_STORAGE-wrapped not-found error.
func (s *Store) LookupByFingerprint(fingerprint []byte) (*store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadContacts(); err != nil {
		return nil, err
	}
	fpHex := base64.StdEncoding.EncodeToString(fingerprint)
	for _, rec := range s.contacts.Contacts {
		if rec.Fingerprint == fpHex {
			return recordToContact(rec)
		}
	}
	return nil, anonetErrors.StorageError(fmt.Sprintf("localstore: no contact with fingerprint %x", fingerprint), nil)
}

// Update bumps the LastSeen timestamp of the contact with fingerprint.
func (s *Store) Update(fingerprint []byte, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadContacts(); err != nil {
		return err
	}
	fpHex := base64.StdEncoding.EncodeToString(fingerprint)
	for i, rec := range s.contacts.Contacts {
		if rec.Fingerprint == fpHex {
			s.contacts.Contacts[i].LastSeen = lastSeen
			return s.saveContacts()
		}
	}
	return anonetErrors.StorageError(fmt.Sprintf("localstore: no contact with fingerprint %x", fingerprint), nil)
}

// Upsert inserts c as a new contact or replaces the existing entry with
// the same fingerprint.
func (s *Store) Upsert(c *store.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadContacts(); err != nil {
		return err
	}
	rec := contactToRecord(c)
	for i, existing := range s.contacts.Contacts {
		if existing.Fingerprint == rec.Fingerprint {
			s.contacts.Contacts[i] = rec
			return s.saveContacts()
		}
	}
	s.contacts.Contacts = append(s.contacts.Contacts, rec)
	return s.saveContacts()
}

func recordToContact(rec contactRecord) (*store.Contact, error) {
	fp, err := base64.StdEncoding.DecodeString(rec.Fingerprint)
	if err != nil {
		return nil, anonetErrors.StorageError("localstore: malformed stored fingerprint", err)
	}
	pub, err := base64.StdEncoding.DecodeString(rec.PublicKey)
	if err != nil {
		return nil, anonetErrors.StorageError("localstore: malformed stored public key", err)
	}
	return &store.Contact{
		DisplayName:  rec.DisplayName,
		Username:     rec.Username,
		Fingerprint:  fp,
		PublicKeyDER: pub,
		AddedAt:      rec.AddedAt,
		LastSeen:     rec.LastSeen,
		Favorite:     rec.Favorite,
		Notes:        rec.Notes,
	}, nil
}

func contactToRecord(c *store.Contact) contactRecord {
	return contactRecord{
		DisplayName: c.DisplayName,
		Username:    c.Username,
		Fingerprint: base64.StdEncoding.EncodeToString(c.Fingerprint),
		PublicKey:   base64.StdEncoding.EncodeToString(c.PublicKeyDER),
		AddedAt:     c.AddedAt,
		LastSeen:    c.LastSeen,
		Favorite:    c.Favorite,
		Notes:       c.Notes,
	}
}

// writeFileAtomic writes data to a temporary file in the same
// directory as path and renames it into place, so a crash mid-write
// never leaves a truncated file at path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
