// Package peerstore persists user-added and discovered peers in a BoltDB file
// so they survive a restart. Health state is never stored.
package peerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chainnet/pkg/bootstrap"
	"chainnet/pkg/peerpool"
	"chainnet/pkg/types"

	bolt "go.etcd.io/bbolt"
)

const (
	bMeta     = "meta"
	bPeers    = "peers"
	kVersion  = "schema_version"
	version   = "1"
	defaultTO = 2 * time.Second
)

// record is the stored form of a peer
type record struct {
	RPC     string           `json:"rpc"`
	REST    string           `json:"rest,omitempty"`
	GRPC    string           `json:"grpc,omitempty"`
	Source  types.PeerSource `json:"source"`
	ChainID string           `json:"chainId,omitempty"`
	SavedAt time.Time        `json:"savedAt"`
}

// Store is a BoltDB-backed peerpool.PeerStore
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, fmt.Errorf("failed to open peer store %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(bMeta))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bPeers)); err != nil {
			return err
		}
		if v := meta.Get([]byte(kVersion)); v != nil && string(v) != version {
			return fmt.Errorf("unsupported peer store schema %q", v)
		}
		return meta.Put([]byte(kVersion), []byte(version))
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SavePeer inserts or replaces the peer keyed by its normalized RPC endpoint
func (s *Store) SavePeer(peer types.Peer) error {
	key := bootstrap.NormalizeEndpoint(peer.RPC)
	if key == "" {
		return errors.New("missing peer rpc endpoint")
	}

	val, err := json.Marshal(record{
		RPC:     key,
		REST:    peer.REST,
		GRPC:    peer.GRPC,
		Source:  peer.Source,
		ChainID: peer.ChainID,
		SavedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bPeers)).Put([]byte(key), val)
	})
}

// LoadPeers returns every stored peer in key order. Corrupt records are skipped.
func (s *Store) LoadPeers() ([]types.Peer, error) {
	var out []types.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bPeers)).ForEach(func(k, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			if r.RPC == "" {
				r.RPC = string(k)
			}
			out = append(out, types.Peer{
				RPC:     r.RPC,
				REST:    r.REST,
				GRPC:    r.GRPC,
				Source:  types.ParseSource(string(r.Source)),
				ChainID: r.ChainID,
			})
			return nil
		})
	})
	return out, err
}

// Count returns the number of stored peers
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bPeers)).Stats().KeyN
		return nil
	})
	return n, err
}

// Compile-time check that Store satisfies the interface.
var _ peerpool.PeerStore = (*Store)(nil)
