package rawdb

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/dominant-strategies/go-sequencer/common/constants"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/dominant-strategies/go-sequencer/trie"
	"github.com/pkg/errors"
	"github.com/prometheus/tsdb/fileutil"
)

const (
	DBPebble  = "pebble"
	DBLeveldb = "leveldb"
	DBMemory  = "memory"
)

// TreeStore is a tree node store that can be pruned and closed.
type TreeStore interface {
	trie.AsyncMerkleTreeStore
	Prune(ctx context.Context) error
	io.Closer
}

// hasPreexistingDb checks the given data directory whether a database is already
// instantiated at that location, and if so, returns the type of database (or the
// empty string).
func hasPreexistingDb(path string) string {
	if _, err := os.Stat(filepath.Join(path, "CURRENT")); err != nil {
		return "" // No pre-existing db
	}
	if matches, err := filepath.Glob(filepath.Join(path, "OPTIONS*")); len(matches) > 0 || err != nil {
		if err != nil {
			panic(err) // only possible if the pattern is malformed
		}
		return DBPebble
	}
	return DBLeveldb
}

// OpenOptions contains the options to apply when opening the databases.
type OpenOptions struct {
	Type      string // "leveldb" | "pebble" | "memory"
	Directory string // the datadir
	Cache     int    // the capacity(in megabytes) of the data caching
	Handles   int    // number of files to be open simultaneously
	Journal   bool   // keep a mempool journal
}

// Databases bundles everything the sequencer persists.
type Databases struct {
	Tree    TreeStore
	Blocks  BlockStorage
	Journal *TxJournal // nil when disabled or in memory

	closers []io.Closer
	lock    fileutil.Releaser
}

// openKeyValueDatabase opens a disk-based key-value database, e.g. leveldb or pebble.
//
//	                      type == null          type != null
//	                   +----------------------------------------
//	db is non-existent |  leveldb default  |  specified type
//	db is existent     |  from db          |  specified type (if compatible)
func openKeyValueDatabase(o OpenOptions, dir string, logger *log.Logger) (KeyValueStore, error) {
	existingDb := hasPreexistingDb(dir)
	if len(existingDb) != 0 && len(o.Type) != 0 && o.Type != existingDb {
		return nil, errors.Errorf("db-engine choice was %v but found pre-existing %v database in %s", o.Type, existingDb, dir)
	}
	if o.Type == DBPebble || existingDb == DBPebble {
		logger.WithField("dir", dir).Info("Using pebble as the backing database")
		return NewPebbleDB(dir, o.Cache, o.Handles)
	}
	if len(o.Type) != 0 && o.Type != DBLeveldb {
		return nil, errors.Errorf("unknown db-engine %v", o.Type)
	}
	logger.WithField("dir", dir).Info("Using leveldb as the backing database")
	return NewLevelDB(dir, o.Cache, o.Handles)
}

// Open opens the tree store, block storage and journal under o.Directory.
// Disk engines hold a lock file in the directory for as long as they are open.
func Open(o OpenOptions, logger *log.Logger) (*Databases, error) {
	if logger == nil {
		logger = log.Global
	}
	if o.Type == DBMemory {
		logger.Info("Using in-memory databases, state is lost on exit")
		tree := NewMemoryTreeStore()
		return &Databases{
			Tree:    tree,
			Blocks:  NewMemoryBlockStorage(),
			closers: []io.Closer{tree},
		}, nil
	}

	if err := os.MkdirAll(o.Directory, 0o700); err != nil {
		return nil, err
	}
	lock, _, err := fileutil.Flock(filepath.Join(o.Directory, constants.DATADIR_LOCK_FILE_NAME))
	if err != nil {
		return nil, errors.Wrapf(err, "datadir %s is in use", o.Directory)
	}
	dbs := &Databases{lock: lock}

	treeDB, err := openKeyValueDatabase(o, filepath.Join(o.Directory, constants.TREE_DB_DIR_NAME), logger)
	if err != nil {
		dbs.Close()
		return nil, err
	}
	tree := NewKVTreeStore(treeDB, o.Cache, logger)
	dbs.Tree = tree
	dbs.closers = append(dbs.closers, tree)

	blockDB, err := openKeyValueDatabase(o, filepath.Join(o.Directory, constants.BLOCK_DB_DIR_NAME), logger)
	if err != nil {
		dbs.Close()
		return nil, err
	}
	dbs.closers = append(dbs.closers, blockDB)
	blocks, err := NewKVBlockStorage(blockDB, logger)
	if err != nil {
		dbs.Close()
		return nil, err
	}
	dbs.Blocks = blocks

	if o.Journal {
		if dbs.Journal, err = NewTxJournal(blockDB); err != nil {
			dbs.Close()
			return nil, err
		}
	}
	return dbs, nil
}

// Prune wipes blocks, batches and tree nodes.
func (d *Databases) Prune(ctx context.Context) error {
	if err := d.Blocks.PruneDatabase(ctx); err != nil {
		return err
	}
	return d.Tree.Prune(ctx)
}

// Close closes every database and releases the datadir lock.
func (d *Databases) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	if d.lock != nil {
		if err := d.lock.Release(); err != nil && first == nil {
			first = err
		}
		d.lock = nil
	}
	return first
}

// Prune deletes every tree node.
func (s *KVTreeStore) Prune(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.db.NewIterator(treeNodePrefix, nil)
	batch := s.db.NewBatch()
	for it.Next() {
		batch.Delete(append([]byte{}, it.Key()...))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return errors.Wrap(err, "prune tree nodes")
	}
	s.clean.Reset()
	return nil
}
