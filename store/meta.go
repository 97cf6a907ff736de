package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dnr/blobd/common/cdig"
	"github.com/dnr/blobd/format"
)

const metaSchemaVersion = 1

var (
	metaBucket = []byte("meta")
	blobBucket = []byte("blob")
	mapsBucket = []byte("maps")

	schemaVerKey = []byte("schemaver")
	paramsKey    = []byte("params")

	mapsBlockCountKey = []byte("blockcount")
	mapsBlockBitsKey  = []byte("blockbits")
	mapsNodeCountKey  = []byte("nodecount")
	mapsNodeBitsKey   = []byte("nodebits")
	mapsNodeTableKey  = []byte("nodetable")
)

// Meta is the metadata store: the digest-to-inode map plus the persisted
// allocator state. A blob commit or purge is one transaction covering the
// blob record and the allocator maps, so the store never observes partial
// application across a restart.
type Meta struct {
	db *bolt.DB
}

// metaParams pins the layout constants the persisted maps depend on. A
// database written with different constants is rejected rather than
// misread.
func metaParams() []byte {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], format.BlockShift)
	binary.LittleEndian.PutUint32(b[4:8], format.NodeSize)
	binary.LittleEndian.PutUint32(b[8:12], format.Version)
	return b[:]
}

func OpenMeta(path string) (*Meta, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{
		NoFreelistSync: true,
		Timeout:        2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{metaBucket, blobBucket, mapsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		mb := tx.Bucket(metaBucket)
		if v := mb.Get(schemaVerKey); v == nil {
			if err := mb.Put(schemaVerKey, []byte{metaSchemaVersion}); err != nil {
				return err
			}
		} else if len(v) != 1 || v[0] != metaSchemaVersion {
			return fmt.Errorf("metadata db has schema version %v, want %d", v, metaSchemaVersion)
		}
		if v := mb.Get(paramsKey); v == nil {
			if err := mb.Put(paramsKey, metaParams()); err != nil {
				return err
			}
		} else if !bytes.Equal(v, metaParams()) {
			return errors.New("metadata db was created with different format parameters")
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Meta{db: db}, nil
}

func (m *Meta) Close() error { return m.db.Close() }

// LookupBlob returns the inode index for dig.
func (m *Meta) LookupBlob(dig cdig.CDig) (uint32, error) {
	var node uint32
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobBucket).Get(dig.Multihash())
		if v == nil {
			return ErrNotFound
		}
		if len(v) != 4 {
			return fmt.Errorf("%w: blob record is %d bytes", ErrCorrupt, len(v))
		}
		node = binary.LittleEndian.Uint32(v)
		return nil
	})
	return node, err
}

// ForEachBlob calls f for every stored blob in digest order.
func (m *Meta) ForEachBlob(f func(dig cdig.CDig, node uint32) error) error {
	return m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).ForEach(func(k, v []byte) error {
			dig, err := cdig.FromMultihash(k)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			if len(v) != 4 {
				return fmt.Errorf("%w: blob record is %d bytes", ErrCorrupt, len(v))
			}
			return f(dig, binary.LittleEndian.Uint32(v))
		})
	})
}

// BlobCount returns the number of committed blobs.
func (m *Meta) BlobCount() (int, error) {
	var n int
	err := m.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(blobBucket).Stats().KeyN
		return nil
	})
	return n, err
}

type mapsState struct {
	blockCount uint64
	blockBits  []byte
	nodeCount  uint32
	nodeBits   []byte
	nodeTable  []byte
}

func putMapsLocked(tx *bolt.Tx, st *mapsState) error {
	b := tx.Bucket(mapsBucket)
	var bc [8]byte
	binary.LittleEndian.PutUint64(bc[:], st.blockCount)
	var nc [4]byte
	binary.LittleEndian.PutUint32(nc[:], st.nodeCount)
	for _, kv := range []struct {
		k, v []byte
	}{
		{mapsBlockCountKey, bc[:]},
		{mapsBlockBitsKey, st.blockBits},
		{mapsNodeCountKey, nc[:]},
		{mapsNodeBitsKey, st.nodeBits},
		{mapsNodeTableKey, st.nodeTable},
	} {
		if err := b.Put(kv.k, kv.v); err != nil {
			return err
		}
	}
	return nil
}

// CommitBlob records dig at node and persists the allocator maps in the
// same transaction. Fails with ErrAlreadyExists if another writer won the
// race for this digest; the caller rolls its allocation back.
func (m *Meta) CommitBlob(dig cdig.CDig, node uint32, st *mapsState) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(blobBucket).Get(dig.Multihash()) != nil {
			return ErrAlreadyExists
		}
		var v [4]byte
		binary.LittleEndian.PutUint32(v[:], node)
		if err := tx.Bucket(blobBucket).Put(dig.Multihash(), v[:]); err != nil {
			return err
		}
		return putMapsLocked(tx, st)
	})
}

// DeleteBlob removes dig's record and persists the allocator maps in the
// same transaction.
func (m *Meta) DeleteBlob(dig cdig.CDig, st *mapsState) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blobBucket).Delete(dig.Multihash()); err != nil {
			return err
		}
		return putMapsLocked(tx, st)
	})
}

// SaveMaps persists the allocator maps alone (used at clean shutdown).
func (m *Meta) SaveMaps(st *mapsState) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return putMapsLocked(tx, st)
	})
}

// LoadMaps reads the persisted allocator state. Returns ok=false on a
// fresh database.
func (m *Meta) LoadMaps() (*mapsState, bool, error) {
	var st mapsState
	var ok bool
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(mapsBucket)
		bc := b.Get(mapsBlockCountKey)
		if bc == nil {
			return nil
		}
		if len(bc) != 8 {
			return fmt.Errorf("%w: bad block count record", ErrCorrupt)
		}
		nc := b.Get(mapsNodeCountKey)
		if len(nc) != 4 {
			return fmt.Errorf("%w: bad node count record", ErrCorrupt)
		}
		ok = true
		st.blockCount = binary.LittleEndian.Uint64(bc)
		st.nodeCount = binary.LittleEndian.Uint32(nc)
		st.blockBits = bytes.Clone(b.Get(mapsBlockBitsKey))
		st.nodeBits = bytes.Clone(b.Get(mapsNodeBitsKey))
		st.nodeTable = bytes.Clone(b.Get(mapsNodeTableKey))
		return nil
	})
	return &st, ok, err
}
