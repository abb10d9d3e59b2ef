package core

import "encoding/binary"

// InviteStore persists fullnode invites (spec.md §3 glossary, §6: `invites`
// maps an invite public key to its creation timestamp).
type InviteStore struct {
	db *DB
}

// NewInviteStore opens the invite store rooted at dbPath.
func NewInviteStore(dbPath string) (*InviteStore, error) {
	db, err := OpenDB(dbPath + "/invites")
	if err != nil {
		return nil, err
	}
	return &InviteStore{db: db}, nil
}

func (is *InviteStore) Close() error { return is.db.Close() }

// Exists reports whether an invite already exists for key (spec.md §4.1
// point 8i: "invite with that key does not already exist").
func (is *InviteStore) Exists(key PublicKey) (bool, error) {
	return is.db.Has(key[:])
}

// Create records a new invite for key at createdAt (unix ms).
func (is *InviteStore) Create(key PublicKey, createdAt int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(createdAt))
	return is.db.Put(key[:], buf[:])
}

// CreatedAt returns the creation timestamp recorded for an invite key.
func (is *InviteStore) CreatedAt(key PublicKey) (int64, bool, error) {
	v, ok, err := is.db.Get(key[:])
	if err != nil || !ok {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, storageErr(ErrStorageFatal, "corrupt invite record")
	}
	return int64(binary.BigEndian.Uint64(v)), true, nil
}
