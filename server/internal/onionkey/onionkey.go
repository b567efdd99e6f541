// onionkey.go - Persistent onion keys.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package onionkey provides the router's persistent onion key, and the
// replay filter for the onion skins encrypted to it.
package onionkey

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/kem"
	kempem "github.com/katzenpost/hpqc/kem/pem"
	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/onion/core/worker"
)

const (
	// DBFile is the name of the onion key database in the data directory.
	DBFile = "onionkey.db"

	// PublicKeyFile is the name of the PEM encoded onion public key in the
	// data directory, for inclusion in the directory.
	PublicKeyFile = "onion.public.pem"

	// TagLength is the replay tag length in bytes.
	TagLength = 32

	replayBucket   = "replay"
	metadataBucket = "metadata"

	versionKey = "version"
	schemeKey  = "scheme"
	pkKey      = "privateKey"

	writeBackInterval = 10 * time.Second
	writeBackSize     = 4096

	// 4 MiB, 2,327,551 entries.
	filterMLn2 = 25
	filterP    = 0.001
)

// OnionKey is a router's long term onion key.
type OnionKey struct {
	sync.Mutex
	worker.Worker

	db      *bolt.DB
	scheme  kem.Scheme
	private kem.PrivateKey
	public  kem.PublicKey

	f         *bloom.Filter
	writeBack map[[TagLength]byte]bool
	flushCh   chan interface{}

	closeOnce sync.Once
}

// PublicKey returns the public component of the key.
func (k *OnionKey) PublicKey() kem.PublicKey {
	return k.public
}

// PrivateKey returns the private component of the key.
func (k *OnionKey) PrivateKey() kem.PrivateKey {
	return k.private
}

// IsReplay marks a given replay tag as seen, and returns true iff the tag
// has been seen previously (Test and Set).
func (k *OnionKey) IsReplay(rawTag []byte) bool {
	// Treat all pathologically malformed tags as replays.
	if len(rawTag) != TagLength {
		return true
	}
	var tag [TagLength]byte
	copy(tag[:], rawTag)

	maybeReplay, inWriteBack := k.testAndSetTagMemory(&tag)
	if !maybeReplay {
		// The tag is now in the write-back cache, poke the flush routine.
		select {
		case k.flushCh <- true:
		default:
		}
		return false
	}

	// Slow path, either a bloom filter false positive or a replay.
	isReplay := inWriteBack
	if !isReplay {
		if err := k.db.Update(func(tx *bolt.Tx) error {
			bkt := tx.Bucket([]byte(replayBucket))
			isReplay = testAndSetTagDB(bkt, tag[:])
			return nil
		}); err != nil {
			panic("BUG: onionkey: Failed to query the replay filter: " + err.Error())
		}
	}
	return isReplay
}

func testAndSetTagDB(bkt *bolt.Bucket, tag []byte) bool {
	var seenCount uint64
	if b := bkt.Get(tag); b != nil {
		if len(b) == 8 {
			seenCount = binary.LittleEndian.Uint64(b)
		} else {
			// Treat invalid but present entries as being seen.
			seenCount = 1
		}
	}
	seenCount++
	if seenCount == 0 {
		seenCount = math.MaxUint64
	}

	var seenBytes [8]byte
	binary.LittleEndian.PutUint64(seenBytes[:], seenCount)
	bkt.Put(tag, seenBytes[:])
	return seenCount != 1
}

func (k *OnionKey) testAndSetTagMemory(tag *[TagLength]byte) (bool, bool) {
	k.Lock()
	defer k.Unlock()

	// If the filter is saturated then force a database lookup.
	if k.f.Entries() >= k.f.MaxEntries() {
		return true, k.writeBack[*tag]
	}
	if !k.f.TestAndSet(tag[:]) {
		k.writeBack[*tag] = true
		return false, true
	}
	return true, k.writeBack[*tag]
}

func (k *OnionKey) flushWorker() {
	defer k.doFlush(true)

	ticker := time.NewTicker(writeBackInterval)
	defer ticker.Stop()

	for {
		forceFlush := false
		select {
		case <-k.HaltCh():
			return
		case <-k.flushCh:
		case <-ticker.C:
			forceFlush = true
		}
		k.doFlush(forceFlush)
	}
}

func (k *OnionKey) doFlush(forceFlush bool) {
	k.Lock()
	defer k.Unlock()

	nEntries := len(k.writeBack)
	if nEntries == 0 || (!forceFlush && nEntries < writeBackSize) {
		return
	}

	if err := k.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(replayBucket))
		for tag := range k.writeBack {
			testAndSetTagDB(bkt, tag[:])
		}
		return nil
	}); err != nil {
		panic("BUG: onionkey: Failed to flush write-back cache: " + err.Error())
	}
	k.writeBack = make(map[[TagLength]byte]bool)
}

// Close flushes the replay filter and closes the database.
func (k *OnionKey) Close() {
	k.closeOnce.Do(func() {
		k.Halt()
		k.db.Sync()
		k.db.Close()
	})
}

// New creates (or loads) the onion key in the provided data directory.
func New(dataDir string, scheme kem.Scheme) (*OnionKey, error) {
	var err error

	k := &OnionKey{
		scheme:    scheme,
		writeBack: make(map[[TagLength]byte]bool),
		flushCh:   make(chan interface{}, 1),
	}
	k.db, err = bolt.Open(filepath.Join(dataDir, DBFile), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	k.f, err = bloom.New(rand.Reader, filterMLn2, filterP)
	if err != nil {
		k.db.Close()
		return nil, err
	}

	didCreate := false
	if err := k.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		replayBkt, err := tx.CreateBucketIfNotExists([]byte(replayBucket))
		if err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("onionkey: incompatible version: %d", uint(b[0]))
			}
			if name := string(bkt.Get([]byte(schemeKey))); name != scheme.Name() {
				return fmt.Errorf("onionkey: db holds a '%v' key, configured for '%v'", name, scheme.Name())
			}
			if b = bkt.Get([]byte(pkKey)); b == nil {
				return fmt.Errorf("onionkey: db missing privateKey entry")
			}
			if k.private, err = scheme.UnmarshalBinaryPrivateKey(b); err != nil {
				return err
			}

			// Rebuild the bloom filter.
			return replayBkt.ForEach(func(tag, rawCount []byte) error {
				k.f.TestAndSet(tag)
				return nil
			})
		}

		didCreate = true
		if _, k.private, err = scheme.GenerateKeyPair(); err != nil {
			return err
		}
		raw, err := k.private.MarshalBinary()
		if err != nil {
			return err
		}
		bkt.Put([]byte(versionKey), []byte{0})
		bkt.Put([]byte(schemeKey), []byte(scheme.Name()))
		bkt.Put([]byte(pkKey), raw)
		return nil
	}); err != nil {
		k.db.Close()
		return nil, err
	}
	if didCreate {
		k.db.Sync()
	}
	k.public = k.private.Public()

	if err := kempem.PublicKeyToFile(filepath.Join(dataDir, PublicKeyFile), k.public); err != nil {
		k.db.Close()
		return nil, err
	}

	k.Go(k.flushWorker)
	return k, nil
}
