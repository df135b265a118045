package omada

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// listPageSize is large enough that one page holds every item. The
// controller caps it internally; there is no pagination loop.
const listPageSize = "1000000"

// detailConcurrency bounds parallel per-item detail fetches.
const detailConcurrency = 8

// DetailFetcher is the optional per-item enrichment capability. It
// returns the item's complete details, or nil when the
// item has nothing to fetch.
type DetailFetcher interface {
	FetchDetails(ctx context.Context, request RequestFunc, key string, item Record) (map[string]any, error)
}

// CollectionConfig describes one listing endpoint.
type CollectionConfig[T any] struct {
	// Name labels log lines ("clients", "devices").
	Name string
	// Endpoint is the site-scoped listing path.
	Endpoint string
	// Key is the identity attribute of each item, usually "mac".
	Key string
	// DataKey names the field holding the item array. Empty means the
	// payload itself is the array.
	DataKey string
	// View builds the typed view over a record.
	View func(Record) T
	// Details, when set, enables detail enrichment.
	Details DetailFetcher
	// Request performs the authenticated call.
	Request RequestFunc
	Logger  *slog.Logger
}

// Collection reconciles one listing endpoint into a keyed set of
// records. After every successful Update the set holds exactly the
// keys of that fetch.
type Collection[T any] struct {
	cfg CollectionConfig[T]

	mu    sync.RWMutex
	items map[string]Record
}

// NewCollection creates an empty collection.
func NewCollection[T any](cfg CollectionConfig[T]) *Collection[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Key == "" {
		cfg.Key = "mac"
	}
	return &Collection[T]{
		cfg:   cfg,
		items: make(map[string]Record),
	}
}

// Update fetches the full active listing and reconciles it. When
// withDetails is true and the collection supports enrichment, every
// current item's details are then refreshed. A failed detail fetch
// fails the whole pass and leaves every item's previous details in
// place.
func (c *Collection[T]) Update(ctx context.Context, withDetails bool) error {
	query := url.Values{
		"filters.active":  {"true"},
		"currentPage":     {"1"},
		"currentPageSize": {listPageSize},
	}
	raw, err := c.cfg.Request(ctx, http.MethodGet, c.cfg.Endpoint, query, nil)
	if err != nil {
		return err
	}

	list, err := c.extract(raw)
	if err != nil {
		return err
	}
	c.reconcile(list)

	if withDetails && c.cfg.Details != nil {
		return c.updateDetails(ctx)
	}
	return nil
}

// extract pulls the item array out of the payload.
func (c *Collection[T]) extract(raw json.RawMessage) ([]map[string]any, error) {
	listRaw := raw
	if c.cfg.DataKey != "" {
		var obj map[string]json.RawMessage
		if err := decodeJSON(raw, &obj); err != nil {
			return nil, &ParseError{Endpoint: c.cfg.Endpoint, Field: c.cfg.DataKey, Err: err}
		}
		nested, ok := obj[c.cfg.DataKey]
		if !ok {
			return nil, &ParseError{Endpoint: c.cfg.Endpoint, Field: c.cfg.DataKey}
		}
		listRaw = nested
	}

	var list []map[string]any
	if err := decodeJSON(listRaw, &list); err != nil {
		return nil, &ParseError{Endpoint: c.cfg.Endpoint, Field: c.cfg.DataKey, Err: err}
	}
	return list, nil
}

// reconcile inserts new items, replaces the raw payload of known items
// (keeping their details) and evicts items absent from list.
func (c *Collection[T]) reconcile(list []map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]Record, len(list))
	added := 0
	for _, raw := range list {
		key := NewRecord(raw, nil).String(c.cfg.Key)
		if key == "" {
			c.cfg.Logger.Warn("skipping item without identity key",
				"collection", c.cfg.Name, "key", c.cfg.Key)
			continue
		}
		rec, existed := c.items[key]
		if !existed {
			added++
		}
		rec.raw = raw
		next[key] = rec
	}
	removed := 0
	for key := range c.items {
		if _, ok := next[key]; !ok {
			removed++
		}
	}
	c.items = next

	c.cfg.Logger.Debug("collection reconciled",
		"collection", c.cfg.Name,
		"items", len(next),
		"added", added,
		"removed", removed,
	)
}

type detailResult struct {
	key    string
	fields map[string]any
}

func (c *Collection[T]) updateDetails(ctx context.Context) error {
	c.mu.RLock()
	keys := make([]string, 0, len(c.items))
	snapshot := make(map[string]Record, len(c.items))
	for k, rec := range c.items {
		keys = append(keys, k)
		snapshot[k] = rec
	}
	c.mu.RUnlock()
	sort.Strings(keys)

	results := make([]detailResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(detailConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			fields, err := c.cfg.Details.FetchDetails(gctx, c.cfg.Request, key, snapshot[key])
			if err != nil {
				return &DetailError{Collection: c.cfg.Name, Key: key, Err: err}
			}
			results[i] = detailResult{key: key, fields: fields}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A successful pass replaces every item's details with what the
	// controller reports now. Nil clears them.
	withDetails := 0
	for _, res := range results {
		rec, ok := c.items[res.key]
		if !ok {
			continue
		}
		rec.details = res.fields
		c.items[res.key] = rec
		if res.fields != nil {
			withDetails++
		}
	}
	c.cfg.Logger.Debug("collection details refreshed",
		"collection", c.cfg.Name, "items", len(results), "with_details", withDetails)
	return nil
}

// Get returns the view for key. A missing key is logged; callers that
// expect absence should check Contains first.
func (c *Collection[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	rec, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		c.cfg.Logger.Error("item not found",
			"collection", c.cfg.Name, "key", key)
		var zero T
		return zero, false
	}
	return c.cfg.View(rec), true
}

// Lookup is Get without the error log.
func (c *Collection[T]) Lookup(key string) (T, bool) {
	c.mu.RLock()
	rec, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false
	}
	return c.cfg.View(rec), true
}

// Contains reports whether key is in the collection.
func (c *Collection[T]) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[key]
	return ok
}

// Keys returns the identity keys in sorted order.
func (c *Collection[T]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All returns every view ordered by key.
func (c *Collection[T]) All() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.cfg.View(c.items[k]))
	}
	return out
}

// Len returns the number of items.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// record returns the raw record for mutations that need details.
func (c *Collection[T]) record(key string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.items[key]
	return rec, ok
}

// DetailSpec is a table-driven DetailFetcher for one detail endpoint.
type DetailSpec struct {
	// Path builds the detail endpoint for an item.
	Path func(key string) string
	// Fields is the subset to merge. Nil merges every field.
	Fields []string
	// Applies filters which items have this detail. Nil means all.
	Applies func(item Record) bool
}

// FetchDetails implements DetailFetcher.
func (d DetailSpec) FetchDetails(ctx context.Context, request RequestFunc, key string, item Record) (map[string]any, error) {
	if d.Applies != nil && !d.Applies(item) {
		return nil, nil
	}
	raw, err := request(ctx, http.MethodGet, d.Path(key), nil, nil)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := decodeJSON(raw, &payload); err != nil {
		return nil, &ParseError{Endpoint: d.Path(key), Err: err}
	}
	if d.Fields == nil {
		return payload, nil
	}
	subset := make(map[string]any, len(d.Fields))
	for _, f := range d.Fields {
		if v, ok := payload[f]; ok {
			subset[f] = v
		}
	}
	return subset, nil
}

// DetailSpecs runs several specs per item and merges their results in
// order.
type DetailSpecs []DetailSpec

// FetchDetails implements DetailFetcher.
func (ds DetailSpecs) FetchDetails(ctx context.Context, request RequestFunc, key string, item Record) (map[string]any, error) {
	var merged map[string]any
	for _, d := range ds {
		fields, err := d.FetchDetails(ctx, request, key, item)
		if err != nil {
			return nil, err
		}
		if fields == nil {
			continue
		}
		if merged == nil {
			merged = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	return merged, nil
}

// decodeJSON decodes with UseNumber so 64-bit counters survive.
func decodeJSON(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
