// Package couchdb implements the document store client against the CouchDB
// HTTP API.
package couchdb

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/couchutil/fieldshift"
	"github.com/couchutil/fieldshift/errors"
	"github.com/couchutil/fieldshift/store/registry"
	"github.com/couchutil/fieldshift/util"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

func init() {
	registry.Register("couchdb", func(params map[string]interface{}) (fieldshift.Store, error) {
		cfg := Config{
			URL: cast.ToString(params["url"]),
		}
		if params["timeout"] != nil {
			cfg.Timeout = cast.ToDuration(params["timeout"])
		}
		return New(cfg)
	})
}

const defaultTimeout = 30 * time.Second

// Config configures the CouchDB client
type Config struct {
	// URL is the base URL of the CouchDB instance
	URL string
	// Timeout is the per-request timeout (default 30s)
	Timeout time.Duration
	// Client overrides the http client (primarily for tests)
	Client *http.Client
}

type couchStore struct {
	base   string
	client *http.Client
}

// New returns a CouchDB-backed document store
func New(cfg Config) (fieldshift.Store, error) {
	base := strings.TrimRight(cfg.URL, "/")
	if base == "" {
		return nil, errors.New(errors.Validation, "couchdb: url is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &couchStore{base: base, client: client}, nil
}

func (c *couchStore) Table(ctx context.Context, table string) (fieldshift.TableInfo, error) {
	res, err := c.getJSON(ctx, "/"+table, nil)
	if err != nil {
		return fieldshift.TableInfo{}, err
	}
	return fieldshift.TableInfo{
		Name:        table,
		DocCount:    res.Get("doc_count").Int(),
		Partitioned: res.Get("props.partitioned").Bool(),
	}, nil
}

func (c *couchStore) Partitions(ctx context.Context, table string) ([]string, error) {
	var partitions []string
	startkey := ""
	for {
		query := url.Values{"limit": {"1"}}
		if startkey != "" {
			query.Set("startkey", util.JSONString(startkey))
		}
		res, err := c.getJSON(ctx, "/"+table+"/_all_docs", query)
		if err != nil {
			return nil, err
		}
		rows := res.Get("rows").Array()
		if len(rows) == 0 {
			return partitions, nil
		}
		id := rows[0].Get("id").String()
		if strings.HasPrefix(id, "_design/") {
			// "_design0" sorts immediately after the design document block
			startkey = "_design0"
			continue
		}
		i := strings.Index(id, ":")
		if i < 0 {
			return nil, errors.New(errors.Internal, "couchdb: document %s has no partition key", id)
		}
		partition := id[:i]
		partitions = append(partitions, partition)
		// ';' sorts immediately after ':', jumping past every id in the partition
		startkey = partition + ";"
	}
}

func (c *couchStore) FetchPage(ctx context.Context, table, partition string, cursor fieldshift.Cursor, limit int) (fieldshift.Page, error) {
	if limit <= 0 {
		limit = fieldshift.DefaultLimit
	}
	path := "/" + table + "/_all_docs"
	if partition != "" {
		path = "/" + table + "/_partition/" + url.PathEscape(partition) + "/_all_docs"
	}
	// one extra row decides HasMore and becomes the next page's start key
	query := url.Values{
		"include_docs": {"true"},
		"limit":        {strconv.Itoa(limit + 1)},
	}
	if cursor != "" {
		query.Set("startkey", util.JSONString(string(cursor)))
	}
	res, err := c.getJSON(ctx, path, query)
	if err != nil {
		return fieldshift.Page{}, err
	}
	rows := res.Get("rows").Array()
	page := fieldshift.Page{}
	if len(rows) > limit {
		page.HasMore = true
		page.NextCursor = fieldshift.Cursor(rows[limit].Get("id").String())
		rows = rows[:limit]
	}
	for _, row := range rows {
		id := row.Get("id").String()
		if strings.HasPrefix(id, "_design/") {
			continue
		}
		body := row.Get("doc")
		if !body.IsObject() {
			continue
		}
		doc, err := fieldshift.NewDocumentFromBytes([]byte(body.Raw))
		if err != nil {
			return fieldshift.Page{}, errors.Wrap(err, errors.FetchFailed, "couchdb: invalid document: %s", id)
		}
		page.Documents = append(page.Documents, doc)
	}
	return page, nil
}

func (c *couchStore) Get(ctx context.Context, table, id string) (*fieldshift.Document, error) {
	res, err := c.getJSON(ctx, "/"+table+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return fieldshift.NewDocumentFromBytes([]byte(res.Raw))
}

func (c *couchStore) Put(ctx context.Context, table, id, rev string, doc *fieldshift.Document) (string, error) {
	u := c.base + "/" + table + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(doc.Bytes()))
	if err != nil {
		return "", errors.Wrap(err, errors.WriteFailed, "couchdb: PUT %s", id)
	}
	req.Header.Set("Content-Type", "application/json")
	if rev != "" {
		req.Header.Set("If-Match", rev)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, errors.WriteFailed, "couchdb: PUT %s", id)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	switch res.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return gjson.GetBytes(body, "rev").String(), nil
	case http.StatusConflict:
		return "", errors.New(errors.Conflict, "couchdb: document %s was modified concurrently", id)
	default:
		return "", errors.New(errors.WriteFailed, "couchdb: failed to update document %s: status %d", id, res.StatusCode)
	}
}

func (c *couchStore) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *couchStore) getJSON(ctx context.Context, path string, query url.Values) (gjson.Result, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gjson.Result{}, errors.Wrap(err, errors.FetchFailed, "couchdb: GET %s", path)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return gjson.Result{}, errors.Wrap(err, errors.FetchFailed, "couchdb: GET %s", path)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return gjson.Result{}, errors.Wrap(err, errors.FetchFailed, "couchdb: GET %s", path)
	}
	switch {
	case res.StatusCode == http.StatusNotFound:
		return gjson.Result{}, errors.New(errors.NotFound, "couchdb: %s not found", path)
	case res.StatusCode != http.StatusOK:
		return gjson.Result{}, errors.New(errors.FetchFailed, "couchdb: GET %s: status %d", path, res.StatusCode)
	}
	return gjson.ParseBytes(body), nil
}
