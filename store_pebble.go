package proptalk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is a Store backed by a Pebble database on disk.
//
// Key layout:
//
//	conv:<propertyID>                          conversation JSON
//	msg:<propertyID>:<createdAt nanos>:<id>    message JSON
//	idx:<propertyID>:<id>                      message key, for replace-by-id
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a Pebble database at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func convKey(propertyID string) []byte {
	return []byte("conv:" + propertyID)
}

func msgPrefix(propertyID string) []byte {
	return []byte("msg:" + propertyID + ":")
}

// msgKey orders a property's messages by createdAt. Times before the Unix
// epoch, including the zero time, sort first.
func msgKey(m Message) []byte {
	var nanos int64
	if m.CreatedAt.After(time.Unix(0, 0)) {
		nanos = m.CreatedAt.UnixNano()
	}
	return []byte(fmt.Sprintf("msg:%s:%020d:%s", m.PropertyID, nanos, m.ID))
}

func idxKey(propertyID, id string) []byte {
	return []byte("idx:" + propertyID + ":" + id)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) PutConversation(conv Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return s.db.Set(convKey(conv.PropertyID), data, pebble.Sync)
}

func (s *PebbleStore) GetConversation(propertyID string) (*Conversation, error) {
	v, closer, err := s.db.Get(convKey(propertyID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var conv Conversation
	if err := json.Unmarshal(v, &conv); err != nil {
		return nil, fmt.Errorf("invalid conversation for %s: %w", propertyID, err)
	}
	return &conv, nil
}

func (s *PebbleStore) PutMessages(msgs []Message) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", m.ID, err)
		}
		key := msgKey(m)
		ik := idxKey(m.PropertyID, m.ID)

		old, closer, err := s.db.Get(ik)
		switch {
		case err == nil:
			if !bytes.Equal(old, key) {
				if err := b.Delete(old, nil); err != nil {
					closer.Close()
					return err
				}
			}
			closer.Close()
		case !errors.Is(err, pebble.ErrNotFound):
			return err
		}

		if err := b.Set(key, data, nil); err != nil {
			return err
		}
		if err := b.Set(ik, key, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) Messages(propertyID string, limit int) ([]Message, error) {
	prefix := msgPrefix(propertyID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Message
	for iter.Last(); iter.Valid(); iter.Prev() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid message at %s: %w", iter.Key(), err)
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
