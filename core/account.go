package core

import (
	"encoding/json"
	"fmt"
	"sync"
)

// AccessKey is a delegated signing key with a capped allowance against its
// parent account's balance (spec.md §3, glossary "Access key").
type AccessKey struct {
	Key       PublicKey `json:"key"`
	Allowance uint64    `json:"allowance"`
}

// Account is the persistent per-chain-key ledger entry (spec.md §3). It is
// created exclusively by the genesis block of its chain and mutated only by
// block enactment; accounts are never deleted.
type Account struct {
	PublicKey   PublicKey            `json:"public_key"`
	Balance     uint64               `json:"balance"`
	Locked      uint64               `json:"locked"`
	Username    string               `json:"username,omitempty"`
	AccessKeys  map[string]AccessKey `json:"access_keys,omitempty"`
	Level       int                  `json:"level"`
}

func accountKey(pk PublicKey) []byte { return []byte("accounts/" + pk.String()) }
func usernameKey(name string) []byte { return []byte("usernames/" + name) }

// Ledger holds account and username state. It is the spec.md §3 "ledger
// state" collaborator: the accounts/ and usernames/ on-disk stores of §6,
// fronted by a read/write lock so multi-step operations (e.g. username
// registration, which both checks and claims global uniqueness) are atomic
// with respect to each other, on top of each DB's own dirty-cache locking.
type Ledger struct {
	mu        sync.RWMutex
	accounts  *DB
	usernames *DB
}

// NewLedger opens (creating if necessary) the accounts and usernames stores
// rooted at dbPath.
func NewLedger(dbPath string) (*Ledger, error) {
	accounts, err := OpenDB(dbPath + "/accounts")
	if err != nil {
		return nil, err
	}
	usernames, err := OpenDB(dbPath + "/usernames")
	if err != nil {
		return nil, err
	}
	return &Ledger{accounts: accounts, usernames: usernames}, nil
}

// Close releases the underlying stores.
func (l *Ledger) Close() error {
	if err := l.accounts.Close(); err != nil {
		return err
	}
	return l.usernames.Close()
}

// HasAccount reports whether pk has a ledger entry.
func (l *Ledger) HasAccount(pk PublicKey) (bool, error) {
	return l.accounts.Has(accountKey(pk))
}

// GetAccount loads the account for pk. It returns ErrMissingAccount if none
// exists.
func (l *Ledger) GetAccount(pk PublicKey) (*Account, error) {
	v, ok, err := l.accounts.Get(accountKey(pk))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, validationErr(ErrMissingAccount, pk.String())
	}
	var a Account
	if err := json.Unmarshal(v, &a); err != nil {
		return nil, storageErr(ErrStorageFatal, "decode account: "+err.Error())
	}
	return &a, nil
}

// PutAccount persists a (possibly newly created) account.
func (l *Ledger) PutAccount(a *Account) error {
	v, err := json.Marshal(a)
	if err != nil {
		return storageErr(ErrStorageFatal, "encode account: "+err.Error())
	}
	return l.accounts.Put(accountKey(a.PublicKey), v)
}

// CreateAccount creates a fresh zero-balance account for pk. Called
// exclusively from genesis-block enactment (spec.md §4.2).
func (l *Ledger) CreateAccount(pk PublicKey) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ok, err := l.accounts.Has(accountKey(pk)); err != nil {
		return nil, err
	} else if ok {
		return l.GetAccount(pk)
	}
	a := &Account{PublicKey: pk, AccessKeys: make(map[string]AccessKey)}
	if err := l.PutAccount(a); err != nil {
		return nil, err
	}
	return a, nil
}

// ResolveSender resolves a sender reference that may be either a base58
// public key or a registered username (spec.md §4.1 point 1).
func (l *Ledger) ResolveSender(ref string) (*Account, error) {
	if pk, err := ParsePublicKey(ref); err == nil {
		if ok, _ := l.HasAccount(pk); ok {
			return l.GetAccount(pk)
		}
	}
	v, ok, err := l.usernames.Get(usernameKey(ref))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, validationErr(ErrMissingAccount, ref)
	}
	pk, err := ParsePublicKey(string(v))
	if err != nil {
		return nil, err
	}
	return l.GetAccount(pk)
}

// SetUsername registers username for pk's account. It fails if the account
// already has a username, or the username is already claimed by any account
// (spec.md §4.1 point 8u).
func (l *Ledger) SetUsername(pk PublicKey, username string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, err := l.GetAccount(pk)
	if err != nil {
		return err
	}
	if a.Username != "" {
		return validationErr(ErrUsernameTaken, a.Username)
	}
	if ok, err := l.usernames.Has(usernameKey(username)); err != nil {
		return err
	} else if ok {
		return validationErr(ErrUsernameTaken, username)
	}
	if err := l.usernames.Put(usernameKey(username), []byte(pk.String())); err != nil {
		return err
	}
	a.Username = username
	return l.PutAccount(a)
}

// AddAccessKey grants key a delegated allowance against pk's account.
func (l *Ledger) AddAccessKey(pk PublicKey, key PublicKey, allowance uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.GetAccount(pk)
	if err != nil {
		return err
	}
	if a.AccessKeys == nil {
		a.AccessKeys = make(map[string]AccessKey)
	}
	a.AccessKeys[key.String()] = AccessKey{Key: key, Allowance: allowance}
	return l.PutAccount(a)
}

// AdjustBalance mutates pk's balance/locked fields via fn under the ledger
// lock, used by transaction enactment (core/transaction.go). fn must not
// call back into the ledger.
func (l *Ledger) AdjustBalance(pk PublicKey, fn func(a *Account) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.GetAccount(pk)
	if err != nil {
		return err
	}
	if err := fn(a); err != nil {
		return err
	}
	return l.PutAccount(a)
}

// SpendAccessAllowance debits amt from the named access key's allowance on
// pk's account, failing if insufficient (spec.md §4.1 point 10).
func (l *Ledger) SpendAccessAllowance(pk, accessKey PublicKey, amt uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.GetAccount(pk)
	if err != nil {
		return err
	}
	ak, ok := a.AccessKeys[accessKey.String()]
	if !ok {
		return validationErr(ErrMissingAccessKey, accessKey.String())
	}
	if ak.Allowance < amt {
		return validationErr(ErrInsufficientAllowance, fmt.Sprintf("need %d have %d", amt, ak.Allowance))
	}
	ak.Allowance -= amt
	a.AccessKeys[accessKey.String()] = ak
	return l.PutAccount(a)
}
