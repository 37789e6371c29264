package fieldshift

import (
	"context"
)

// Cursor is an opaque pagination token. An empty cursor starts enumeration at
// the beginning; a non-empty cursor is the id (or store-native bookmark) of the
// first document of the next page. Cursors are plain strings so they can be
// persisted and survive a process restart.
type Cursor string

// TableInfo is table metadata reported by the store
type TableInfo struct {
	// Name is the table name
	Name string `json:"name"`
	// DocCount is the total number of documents in the table
	DocCount int64 `json:"doc_count"`
	// Partitioned indicates the table is partitioned
	Partitioned bool `json:"partitioned"`
}

// Page is one page of enumerated documents. HasMore - not page size - signals
// whether another page follows: a page may come back short of the limit when
// design documents were filtered out of it.
type Page struct {
	// Documents are the documents that make up the page
	Documents Documents `json:"documents"`
	// NextCursor continues enumeration where this page ended
	NextCursor Cursor `json:"next_cursor,omitempty"`
	// HasMore indicates another page follows
	HasMore bool `json:"has_more"`
}

// Store is a document store client. Implementations register themselves with
// store/registry and are opened by provider name.
type Store interface {
	// Table returns the table's metadata
	Table(ctx context.Context, table string) (TableInfo, error)
	// Partitions lists the table's partition keys
	Partitions(ctx context.Context, table string) ([]string, error)
	// FetchPage fetches up to limit documents ordered by document id, starting
	// at the cursor. partition is empty for non-partitioned tables.
	FetchPage(ctx context.Context, table, partition string, cursor Cursor, limit int) (Page, error)
	// Get fetches a single document by id
	Get(ctx context.Context, table, id string) (*Document, error)
	// Put conditionally writes the document body guarded by the given revision
	// and returns the new revision. A revision mismatch returns a Conflict error.
	Put(ctx context.Context, table, id, rev string, doc *Document) (string, error)
	// Close releases the store's resources
	Close() error
}
