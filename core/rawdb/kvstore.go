package rawdb

import (
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by Get for absent keys, whatever the engine.
var ErrNotFound = errors.New("not found")

const (
	// minCache is the minimum amount of memory in megabytes to allocate to
	// the engine read and write caching, split half and half.
	minCache = 16
	// minHandles is the minimum number of files handles to allocate to the
	// open database files.
	minHandles = 16
)

// KeyValueReader wraps the Has and Get method of a backing data store.
type KeyValueReader interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
}

// KeyValueWriter wraps the Put and Delete methods of a backing data store.
type KeyValueWriter interface {
	Put(key []byte, value []byte) error
	Delete(key []byte) error
}

// Batch is a write-only store that commits its changes atomically on Write.
type Batch interface {
	KeyValueWriter
	// ValueSize retrieves the amount of data queued up for writing.
	ValueSize() int
	Write() error
	Reset()
}

// Iterator walks keys in ascending order. It must be released after use.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// KeyValueStore contains all the methods required to allow handling different
// key-value data stores backing the sequencer databases.
type KeyValueStore interface {
	KeyValueReader
	KeyValueWriter
	NewBatch() Batch
	// NewIterator iterates the keys with the given prefix, starting at
	// prefix+start.
	NewIterator(prefix []byte, start []byte) Iterator
	io.Closer
}

// levelDB adapts goleveldb to KeyValueStore.
type levelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a leveldb database at file.
func NewLevelDB(file string, cache int, handles int) (KeyValueStore, error) {
	cache, handles = max(cache, minCache), max(handles, minHandles)
	options := &opt.Options{
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cache / 2 * opt.MiB,
		WriteBuffer:            cache / 4 * opt.MiB,
	}
	db, err := leveldb.OpenFile(file, options)
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(file, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb at %s", file)
	}
	return &levelDB{db: db}, nil
}

// NewMemoryLevelDB returns a leveldb instance on in-memory storage.
func NewMemoryLevelDB() KeyValueStore {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		// memory storage cannot fail to open
		panic(err)
	}
	return &levelDB{db: db}
}

func (l *levelDB) Has(key []byte) (bool, error) { return l.db.Has(key, nil) }

func (l *levelDB) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *levelDB) Put(key []byte, value []byte) error { return l.db.Put(key, value, nil) }
func (l *levelDB) Delete(key []byte) error            { return l.db.Delete(key, nil) }
func (l *levelDB) Close() error                       { return l.db.Close() }

func (l *levelDB) NewBatch() Batch {
	return &levelBatch{db: l.db, b: new(leveldb.Batch)}
}

func (l *levelDB) NewIterator(prefix []byte, start []byte) Iterator {
	r := util.BytesPrefix(prefix)
	r.Start = append(append([]byte{}, prefix...), start...)
	return l.db.NewIterator(r, nil)
}

type levelBatch struct {
	db   *leveldb.DB
	b    *leveldb.Batch
	size int
}

func (b *levelBatch) Put(key, value []byte) error {
	b.b.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *levelBatch) Delete(key []byte) error {
	b.b.Delete(key)
	b.size += len(key)
	return nil
}

func (b *levelBatch) ValueSize() int { return b.size }
func (b *levelBatch) Write() error   { return b.db.Write(b.b, nil) }

func (b *levelBatch) Reset() {
	b.b.Reset()
	b.size = 0
}

// pebbleDB adapts pebble to KeyValueStore.
type pebbleDB struct {
	db *pebble.DB
}

// NewPebbleDB opens (or creates) a pebble database at file.
func NewPebbleDB(file string, cache int, handles int) (KeyValueStore, error) {
	cache, handles = max(cache, minCache), max(handles, minHandles)
	c := pebble.NewCache(int64(cache) * 1024 * 1024)
	defer c.Unref()
	db, err := pebble.Open(file, &pebble.Options{
		Cache:        c,
		MaxOpenFiles: handles,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", file)
	}
	return &pebbleDB{db: db}, nil
}

// NewMemoryPebbleDB returns a pebble instance on an in-memory filesystem.
func NewMemoryPebbleDB() KeyValueStore {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		panic(err)
	}
	return &pebbleDB{db: db}
}

func (p *pebbleDB) Has(key []byte) (bool, error) {
	_, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (p *pebbleDB) Get(key []byte) ([]byte, error) {
	v, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	ret := make([]byte, len(v))
	copy(ret, v)
	closer.Close()
	return ret, nil
}

func (p *pebbleDB) Put(key []byte, value []byte) error { return p.db.Set(key, value, pebble.Sync) }
func (p *pebbleDB) Delete(key []byte) error            { return p.db.Delete(key, pebble.Sync) }
func (p *pebbleDB) Close() error                       { return p.db.Close() }

func (p *pebbleDB) NewBatch() Batch {
	return &pebbleBatch{b: p.db.NewBatch()}
}

func (p *pebbleDB) NewIterator(prefix []byte, start []byte) Iterator {
	r := util.BytesPrefix(prefix)
	iter := p.db.NewIter(&pebble.IterOptions{
		LowerBound: append(append([]byte{}, prefix...), start...),
		UpperBound: r.Limit,
	})
	iter.First()
	return &pebbleIterator{iter: iter, moved: true}
}

type pebbleBatch struct {
	b    *pebble.Batch
	size int
}

func (b *pebbleBatch) Put(key, value []byte) error {
	b.size += len(key) + len(value)
	return b.b.Set(key, value, nil)
}

func (b *pebbleBatch) Delete(key []byte) error {
	b.size += len(key)
	return b.b.Delete(key, nil)
}

func (b *pebbleBatch) ValueSize() int { return b.size }
func (b *pebbleBatch) Write() error   { return b.b.Commit(pebble.Sync) }

func (b *pebbleBatch) Reset() {
	b.b.Reset()
	b.size = 0
}

// pebbleIterator turns pebble's positioned iterator into Next-first form.
type pebbleIterator struct {
	iter     *pebble.Iterator
	moved    bool
	released bool
}

func (it *pebbleIterator) Next() bool {
	if it.moved {
		it.moved = false
		return it.iter.Valid()
	}
	return it.iter.Next()
}

func (it *pebbleIterator) Key() []byte   { return it.iter.Key() }
func (it *pebbleIterator) Value() []byte { return it.iter.Value() }
func (it *pebbleIterator) Error() error  { return it.iter.Error() }

func (it *pebbleIterator) Release() {
	if !it.released {
		it.iter.Close()
		it.released = true
	}
}
