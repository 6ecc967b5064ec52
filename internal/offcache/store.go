package offcache

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrRegistryClosed is returned by store operations after Close.
var ErrRegistryClosed = errors.New("cache registry is closed")

// Registry owns every named cache store, backed by one leveldb database.
// Stores are created lazily on first write and destroyed wholesale; entries
// are single-key overwrites, serialized per key by the database. All methods
// are safe for concurrent use.
//
// Key layout: "s:<store>" marks store existence, "e:<store>\x00<key>" holds
// the gob-encoded Entry, "m:<store>\x00<key>" its meta record.
type Registry struct {
	db       *leveldb.DB
	maxBytes int64

	// evictable guards which stores quota eviction may touch; precached
	// stores stay exempt so an eviction can never break the offline shell.
	evictable func(store string) bool

	mu        sync.Mutex
	stores    map[string]map[string]entryMeta
	totalBody int64
	closed    bool
}

type entryMeta struct {
	BodySize int64
	StoredAt int64
}

// StoreStat summarizes one store for diagnostics and the control channel.
type StoreStat struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

const keySep = "\x00"

func entryKey(store, key string) []byte { return []byte("e:" + store + keySep + key) }

func metaKey(store, key string) []byte { return []byte("m:" + store + keySep + key) }

func markerKey(store string) []byte { return []byte("s:" + store) }

func storePrefix(pfx, store string) *util.Range {
	return util.BytesPrefix([]byte(pfx + store + keySep))
}

// OpenRegistry opens (or creates) the database at path and loads the store
// index. maxBytes of 0 disables quota eviction. evictable may be nil, which
// also disables eviction.
func OpenRegistry(path string, maxBytes int64, evictable func(store string) bool) (*Registry, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	r := &Registry{
		db:        db,
		maxBytes:  maxBytes,
		evictable: evictable,
		stores:    map[string]map[string]entryMeta{},
	}
	if err := r.loadIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load cache index: %w", err)
	}
	return r, nil
}

// Close releases the underlying database. Pending readers finish first.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.db.Close()
}

func (r *Registry) loadIndex() error {
	stores := map[string]map[string]entryMeta{}

	it := r.db.NewIterator(util.BytesPrefix([]byte("s:")), nil)
	for it.Next() {
		name := strings.TrimPrefix(string(it.Key()), "s:")
		stores[name] = map[string]entryMeta{}
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}

	var total int64
	it = r.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	for it.Next() {
		rest := strings.TrimPrefix(string(it.Key()), "m:")
		store, key, ok := strings.Cut(rest, keySep)
		if !ok {
			continue
		}
		var meta entryMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		if stores[store] == nil {
			stores[store] = map[string]entryMeta{}
		}
		stores[store][key] = meta
		total += meta.BodySize
	}
	err = it.Error()
	it.Release()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.stores = stores
	r.totalBody = total
	r.mu.Unlock()
	return nil
}

// EnsureStore creates the named store if it does not exist yet.
func (r *Registry) EnsureStore(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.stores[name]; ok {
		return nil
	}
	if err := r.db.Put(markerKey(name), []byte{1}, nil); err != nil {
		return fmt.Errorf("create store %s: %w", name, err)
	}
	r.stores[name] = map[string]entryMeta{}
	return nil
}

// HasStore reports whether the named store exists.
func (r *Registry) HasStore(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stores[name]
	return ok
}

// StoreNames returns every existing store name, sorted.
func (r *Registry) StoreNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.stores))
	for name := range r.stores {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Get looks up one entry. Unreadable records count as misses and are dropped.
func (r *Registry) Get(store, key string) (Entry, bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Entry{}, false
	}
	_, indexed := r.stores[store][key]
	r.mu.Unlock()
	if !indexed {
		return Entry{}, false
	}

	b, err := r.db.Get(entryKey(store, key), nil)
	if err != nil {
		_ = r.Delete(store, key)
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		_ = r.Delete(store, key)
		return Entry{}, false
	}
	return ent, true
}

// Put writes one entry, replacing any previous snapshot for the key in a
// single batch so readers never observe a partial overwrite. The store is
// created if missing. The batch always carries the store marker and lands
// inside the same critical section as the index update, so a Put racing a
// store deletion either loses whole or re-creates the store whole; it can
// never strand entry records behind without their marker.
func (r *Registry) Put(store, key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	meta := entryMeta{BodySize: int64(len(ent.Body)), StoredAt: ent.StoredAt}
	mb, err := encodeGob(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(markerKey(store), []byte{1})
	batch.Put(entryKey(store, key), b)
	batch.Put(metaKey(store, key), mb)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if err := r.db.Write(batch, nil); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("write entry: %w", err)
	}
	entries, ok := r.stores[store]
	if !ok {
		entries = map[string]entryMeta{}
		r.stores[store] = entries
	} else if old, ok := entries[key]; ok {
		r.totalBody -= old.BodySize
	}
	entries[key] = meta
	r.totalBody += meta.BodySize
	over := r.maxBytes > 0 && r.totalBody > r.maxBytes
	r.mu.Unlock()

	if over {
		r.evictOldest()
	}
	return nil
}

// Delete removes one entry. Missing entries are not an error.
func (r *Registry) Delete(store, key string) error {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(store, key))
	batch.Delete(metaKey(store, key))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if err := r.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if meta, ok := r.stores[store][key]; ok {
		r.totalBody -= meta.BodySize
		delete(r.stores[store], key)
	}
	return nil
}

// DeleteStore destroys the named store and everything in it. Deleting a
// store that does not exist is a no-op. The scan, the batch write and the
// index removal form one critical section; a concurrent Put happens either
// before the scan and is swept with the rest, or after the whole deletion
// and re-creates the store.
func (r *Registry) DeleteStore(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}

	batch := new(leveldb.Batch)
	for _, pfx := range []string{"e:", "m:"} {
		it := r.db.NewIterator(storePrefix(pfx, name), nil)
		for it.Next() {
			k := make([]byte, len(it.Key()))
			copy(k, it.Key())
			batch.Delete(k)
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return fmt.Errorf("scan store %s: %w", name, err)
		}
	}
	batch.Delete(markerKey(name))
	if err := r.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete store %s: %w", name, err)
	}

	if entries, ok := r.stores[name]; ok {
		for _, meta := range entries {
			r.totalBody -= meta.BodySize
		}
		delete(r.stores, name)
	}
	return nil
}

// Clear destroys every store unconditionally.
func (r *Registry) Clear() error {
	for _, name := range r.StoreNames() {
		if err := r.DeleteStore(name); err != nil {
			return err
		}
	}
	return nil
}

// SizeBytes sums the body length of every entry across every store.
func (r *Registry) SizeBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, entries := range r.stores {
		for _, meta := range entries {
			total += meta.BodySize
		}
	}
	return total
}

// EntryCount returns the number of entries across every store.
func (r *Registry) EntryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, entries := range r.stores {
		n += len(entries)
	}
	return n
}

// StoreStats returns per-store entry counts and byte totals, sorted by name.
func (r *Registry) StoreStats() []StoreStat {
	r.mu.Lock()
	out := make([]StoreStat, 0, len(r.stores))
	for name, entries := range r.stores {
		st := StoreStat{Name: name, Entries: len(entries)}
		for _, meta := range entries {
			st.Bytes += meta.BodySize
		}
		out = append(out, st)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// evictOldest drops the oldest entries from evictable stores until the body
// total fits the quota again.
func (r *Registry) evictOldest() {
	if r.evictable == nil {
		return
	}
	type victim struct {
		store, key string
		storedAt   int64
	}

	r.mu.Lock()
	var victims []victim
	for store, entries := range r.stores {
		if !r.evictable(store) {
			continue
		}
		for key, meta := range entries {
			victims = append(victims, victim{store: store, key: key, storedAt: meta.StoredAt})
		}
	}
	max := r.maxBytes
	r.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool { return victims[i].storedAt < victims[j].storedAt })

	for _, v := range victims {
		r.mu.Lock()
		done := r.totalBody <= max
		r.mu.Unlock()
		if done {
			return
		}
		_ = r.Delete(v.store, v.key)
	}
}
