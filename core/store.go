package core

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// flushInterval matches spec.md §5: the dirty-cache flusher wakes every 5s.
const flushInterval = 5 * time.Second

type cacheEntry struct {
	value []byte
	dirty bool
}

// DB is a single named on-disk store: a leveldb handle fronted by an
// in-memory dirty-cache and a background flusher, as spec.md §5 describes
// for every module-scoped database (chain index, chain digest DB, tx index,
// chain list, certificates, invites, peers, checkpoints).
//
// Writes are visible to readers immediately (through the cache) but are only
// durable once the flusher writes them through; a crash between write and
// flush loses that write, which is acceptable because every piece of
// authoritative state is also recoverable from the raw block files
// (spec.md §5).
type DB struct {
	path string
	ldb  *leveldb.DB

	mu    sync.Mutex
	cache map[string]*cacheEntry

	stop    chan struct{}
	stopped chan struct{}
}

// OpenDB opens (creating if necessary) the leveldb store rooted at path and
// starts its background flusher.
func OpenDB(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storageErr(ErrStorageFatal, "open "+path+": "+err.Error())
	}
	db := &DB{
		path:    path,
		ldb:     ldb,
		cache:   make(map[string]*cacheEntry),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go db.flushLoop()
	return db, nil
}

// Get returns the value for key, consulting the dirty cache first and
// falling back to the underlying leveldb handle (and populating the cache on
// a hit, so subsequent reads are served from memory).
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	k := string(key)
	db.mu.Lock()
	if e, ok := db.cache[k]; ok {
		v := append([]byte(nil), e.value...)
		db.mu.Unlock()
		return v, true, nil
	}
	db.mu.Unlock()

	v, err := db.ldb.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr(ErrStorageRetry, err.Error())
	}
	db.mu.Lock()
	db.cache[k] = &cacheEntry{value: v, dirty: false}
	db.mu.Unlock()
	return v, true, nil
}

// Has reports whether key is present.
func (db *DB) Has(key []byte) (bool, error) {
	_, ok, err := db.Get(key)
	return ok, err
}

// Put writes key/value into the dirty cache; it becomes durable on the next
// flusher pass.
func (db *DB) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.cache[string(key)] = &cacheEntry{value: append([]byte(nil), value...), dirty: true}
	return nil
}

// Delete removes key. Deletion is applied immediately to leveldb (deletes
// are rare and not worth batching) and clears any cached entry.
func (db *DB) Delete(key []byte) error {
	db.mu.Lock()
	delete(db.cache, string(key))
	db.mu.Unlock()
	if err := db.ldb.Delete(key, nil); err != nil {
		return storageErr(ErrStorageFatal, err.Error())
	}
	return nil
}

// IteratePrefix calls fn for every key/value pair on disk whose key starts
// with prefix. It does not see uncommitted dirty-cache entries still
// in-flight to being flushed as part of a concurrent write for a *different*
// key, which is acceptable for the set-membership and listing use cases this
// serves (chain list, peer list, checkpoints).
func (db *DB) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	db.flushNow()
	iter := db.ldb.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(append([]byte(nil), iter.Key()...), append([]byte(nil), iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

// flushNow performs one synchronous flush pass; used before reads that must
// observe recent writes (e.g. iteration) without waiting for the ticker.
func (db *DB) flushNow() {
	db.mu.Lock()
	dirty := make(map[string][]byte)
	for k, e := range db.cache {
		if e.dirty {
			dirty[k] = e.value
			e.dirty = false
		}
	}
	db.mu.Unlock()

	for k, v := range dirty {
		if err := db.ldb.Put([]byte(k), v, nil); err != nil {
			log.WithError(err).WithField("store", db.path).Warn("flush failed")
		}
	}
}

func (db *DB) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	defer close(db.stopped)
	for {
		select {
		case <-ticker.C:
			db.flushNow()
		case <-db.stop:
			db.flushNow()
			return
		}
	}
}

// Close drains one final flush pass and closes the underlying leveldb
// handle, per spec.md §5's shutdown discipline.
func (db *DB) Close() error {
	close(db.stop)
	<-db.stopped
	return db.ldb.Close()
}
