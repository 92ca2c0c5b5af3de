package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var historyBucket = []byte("history")

// BoltStore keeps the journal in a local bbolt file. Each document has its own
// nested bucket, named by docBucketName, keyed by big-endian revision; values are the encoded
// operations. Creation times are not kept.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the journal file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create history bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// docBucketName prefixes the session id with its length, so ids may contain
// any byte.
func docBucketName(sessionID, documentID string) []byte {
	name := binary.AppendUvarint(nil, uint64(len(sessionID)))
	name = append(name, sessionID...)
	return append(name, documentID...)
}

func parseDocBucketName(name []byte) (sessionID, documentID string, err error) {
	n, size := binary.Uvarint(name)
	if size <= 0 || n > uint64(len(name)-size) {
		return "", "", fmt.Errorf("malformed document bucket %q", name)
	}
	rest := name[size:]
	return string(rest[:n]), string(rest[n:]), nil
}

func revisionKey(rev int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(rev))
	return k
}

func (s *BoltStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(historyBucket).CreateBucketIfNotExists(docBucketName(e.SessionID, e.DocumentID))
		if err != nil {
			return err
		}
		key := revisionKey(e.Revision)
		if b.Get(key) != nil {
			return nil
		}
		return b.Put(key, e.Operation)
	})
}

func (s *BoltStore) Load(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(historyBucket)
		return root.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			sessionID, documentID, err := parseDocBucketName(name)
			if err != nil {
				return err
			}
			return root.Bucket(name).ForEach(func(k, v []byte) error {
				if len(k) != 8 {
					return fmt.Errorf("malformed revision key %x in %q", k, name)
				}
				// Values are only valid during the transaction.
				op := make([]byte, len(v))
				copy(op, v)
				entries = append(entries, Entry{
					SessionID:  sessionID,
					DocumentID: documentID,
					Revision:   int(binary.BigEndian.Uint64(k)),
					Operation:  op,
				})
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load bolt journal: %w", err)
	}
	return entries, nil
}

func (s *BoltStore) Truncate(ctx context.Context, c Cut) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket).Bucket(docBucketName(c.SessionID, c.DocumentID))
		if b == nil {
			return nil
		}
		var stale [][]byte
		cur := b.Cursor()
		for k, _ := cur.Seek(revisionKey(c.Revision + 1)); k != nil; k, _ = cur.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
