// Package testutil provides fake documents and seeded stores for tests.
package testutil

import (
	"context"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/couchutil/fieldshift"
	"github.com/couchutil/fieldshift/store/inmem"
)

func NewUserDoc() *fieldshift.Document {
	doc, err := fieldshift.NewDocumentFrom(map[string]interface{}{
		"_id":  gofakeit.UUID(),
		"name": gofakeit.Name(),
		"contact": map[string]interface{}{
			"email": gofakeit.Email(),
		},
		"account_id": gofakeit.IntRange(0, 100),
		"language":   gofakeit.Language(),
		"profile": map[string]interface{}{
			"age": gofakeit.IntRange(0, 100),
		},
	})
	if err != nil {
		panic(err)
	}
	return doc
}

// NewUserDocWith overlays the given values on a fake user document
func NewUserDocWith(values map[string]interface{}) *fieldshift.Document {
	doc := NewUserDoc()
	overlay, err := fieldshift.NewDocumentFrom(values)
	if err != nil {
		panic(err)
	}
	if err := doc.Merge(overlay); err != nil {
		panic(err)
	}
	return doc
}

// SeedUsers puts n fake user documents into the store's table
func SeedUsers(ctx context.Context, store *inmem.Store, table string, n int) (fieldshift.Documents, error) {
	store.CreateTable(table, false)
	return seed(ctx, store, table, n, func() *fieldshift.Document {
		return NewUserDoc()
	})
}

// SeedPartitionedUsers puts perPartition fake user documents into each partition
func SeedPartitionedUsers(ctx context.Context, store *inmem.Store, table string, partitions []string, perPartition int) (fieldshift.Documents, error) {
	store.CreateTable(table, true)
	var all fieldshift.Documents
	for _, partition := range partitions {
		partition := partition
		docs, err := seed(ctx, store, table, perPartition, func() *fieldshift.Document {
			return NewUserDocWith(map[string]interface{}{
				"_id": partition + ":" + gofakeit.UUID(),
			})
		})
		if err != nil {
			return nil, err
		}
		all = append(all, docs...)
	}
	return all, nil
}

func seed(ctx context.Context, store *inmem.Store, table string, n int, newDoc func() *fieldshift.Document) (fieldshift.Documents, error) {
	var docs fieldshift.Documents
	for i := 0; i < n; i++ {
		doc := newDoc()
		rev, err := store.Put(ctx, table, doc.GetID(), "", doc)
		if err != nil {
			return nil, err
		}
		if err := doc.SetRev(rev); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
