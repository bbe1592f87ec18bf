// Package docstore persists the capped recent-document index that UI
// layers read to show "recently opened" rooms. The sync engine itself
// never touches this; it is a collaborator the embedding application
// owns.
package docstore

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

var bucketRecentDocs = []byte("recent_docs")

const DefaultMaxEntries = 32

type RecentDoc struct {
	Id           string `json:"id"`
	Title        string `json:"title"`
	LastOpenedAt int64  `json:"lastOpenedAt"`
}

type Store struct {
	db         *bbolt.DB
	maxEntries int
}

func New(dbPath string, maxEntries int) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open doc store: %w", err)
	}

	store := &Store{
		db:         db,
		maxEntries: maxEntries,
	}
	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (self *Store) initBuckets() error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecentDocs); err != nil {
			return fmt.Errorf("failed to create recent docs bucket: %w", err)
		}
		return nil
	})
}

// upserts the entry for a document and drops the oldest entries
// beyond the cap
func (self *Store) Touch(docId string, title string, openedAt time.Time) error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecentDocs)

		doc := &RecentDoc{
			Id:           docId,
			Title:        title,
			LastOpenedAt: openedAt.UnixMilli(),
		}
		docBytes, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(docId), docBytes); err != nil {
			return err
		}

		docs, err := readAll(bucket)
		if err != nil {
			return err
		}
		if len(docs) <= self.maxEntries {
			return nil
		}
		sortNewestFirst(docs)
		for _, stale := range docs[self.maxEntries:] {
			if err := bucket.Delete([]byte(stale.Id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// newest first
func (self *Store) List() ([]*RecentDoc, error) {
	var docs []*RecentDoc
	err := self.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecentDocs)
		var err error
		docs, err = readAll(bucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(docs)
	return docs, nil
}

func (self *Store) Remove(docId string) error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecentDocs).Delete([]byte(docId))
	})
}

func (self *Store) Close() error {
	if self.db == nil {
		return nil
	}
	return self.db.Close()
}

func readAll(bucket *bbolt.Bucket) ([]*RecentDoc, error) {
	docs := []*RecentDoc{}
	err := bucket.ForEach(func(key []byte, value []byte) error {
		doc := &RecentDoc{}
		if err := json.Unmarshal(value, doc); err != nil {
			return fmt.Errorf("bad recent doc entry %s: %w", key, err)
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func sortNewestFirst(docs []*RecentDoc) {
	slices.SortFunc(docs, func(a *RecentDoc, b *RecentDoc) int {
		if b.LastOpenedAt < a.LastOpenedAt {
			return -1
		} else if a.LastOpenedAt < b.LastOpenedAt {
			return 1
		} else {
			return 0
		}
	})
}
