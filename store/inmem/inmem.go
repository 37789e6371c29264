// Package inmem implements an in-memory document store used by tests and for
// local migration rehearsal. Revision tokens follow the N-suffix form of the
// CouchDB wire format.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/couchutil/fieldshift"
	"github.com/couchutil/fieldshift/errors"
	"github.com/couchutil/fieldshift/store/registry"
	"github.com/segmentio/ksuid"
)

func init() {
	registry.Register("inmem", func(params map[string]interface{}) (fieldshift.Store, error) {
		return New(), nil
	})
}

// Store is an in-memory document store
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
}

type table struct {
	partitioned bool
	docs        map[string]*fieldshift.Document
}

// New returns an empty in-memory store
func New() *Store {
	return &Store{tables: map[string]*table{}}
}

// CreateTable declares a table and whether it is partitioned
func (s *Store) CreateTable(name string, partitioned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		s.tables[name] = &table{partitioned: partitioned, docs: map[string]*fieldshift.Document{}}
	}
}

func (s *Store) Table(ctx context.Context, name string) (fieldshift.TableInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return fieldshift.TableInfo{}, errors.New(errors.NotFound, "inmem: table does not exist: %s", name)
	}
	return fieldshift.TableInfo{
		Name:        name,
		DocCount:    int64(len(t.docs)),
		Partitioned: t.partitioned,
	}, nil
}

func (s *Store) Partitions(ctx context.Context, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, errors.New(errors.NotFound, "inmem: table does not exist: %s", name)
	}
	seen := map[string]bool{}
	var partitions []string
	for id := range t.docs {
		i := strings.Index(id, ":")
		if i < 0 {
			return nil, errors.New(errors.Internal, "inmem: document %s has no partition key", id)
		}
		if partition := id[:i]; !seen[partition] {
			seen[partition] = true
			partitions = append(partitions, partition)
		}
	}
	sort.Strings(partitions)
	return partitions, nil
}

func (s *Store) FetchPage(ctx context.Context, name, partition string, cursor fieldshift.Cursor, limit int) (fieldshift.Page, error) {
	if limit <= 0 {
		limit = fieldshift.DefaultLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return fieldshift.Page{}, errors.New(errors.NotFound, "inmem: table does not exist: %s", name)
	}
	var ids []string
	for id := range t.docs {
		if partition != "" && !strings.HasPrefix(id, partition+":") {
			continue
		}
		if cursor != "" && id < string(cursor) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	page := fieldshift.Page{}
	if len(ids) > limit {
		page.HasMore = true
		page.NextCursor = fieldshift.Cursor(ids[limit])
		ids = ids[:limit]
	}
	for _, id := range ids {
		page.Documents = append(page.Documents, t.docs[id].Clone())
	}
	return page, nil
}

func (s *Store) Get(ctx context.Context, name, id string) (*fieldshift.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, errors.New(errors.NotFound, "inmem: table does not exist: %s", name)
	}
	doc, ok := t.docs[id]
	if !ok {
		return nil, errors.New(errors.NotFound, "inmem: document does not exist: %s", id)
	}
	return doc.Clone(), nil
}

func (s *Store) Put(ctx context.Context, name, id, rev string, doc *fieldshift.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		t = &table{docs: map[string]*fieldshift.Document{}}
		s.tables[name] = t
	}
	current, exists := t.docs[id]
	if exists && current.GetRev() != rev {
		return "", errors.New(errors.Conflict, "inmem: document %s was modified concurrently", id)
	}
	if !exists && rev != "" {
		return "", errors.New(errors.Conflict, "inmem: document %s does not exist at revision %s", id, rev)
	}
	newRev := nextRev(rev)
	clone := doc.Clone()
	if err := clone.SetID(id); err != nil {
		return "", err
	}
	if err := clone.SetRev(newRev); err != nil {
		return "", err
	}
	t.docs[id] = clone
	return newRev, nil
}

func (s *Store) Close() error {
	return nil
}

func nextRev(rev string) string {
	gen := 1
	if prefix, _, ok := strings.Cut(rev, "-"); ok {
		if n, err := strconv.Atoi(prefix); err == nil {
			gen = n + 1
		}
	}
	return fmt.Sprintf("%d-%s", gen, ksuid.New().String())
}
