package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"loxone-admin/metrics"
	"loxone-admin/protocol"

	"golang.org/x/sync/singleflight"
)

// ResourceType names a backend resource list, relative to the base URL
type ResourceType string

const (
	ResourceControls   ResourceType = "controls"
	ResourceCategories ResourceType = "categories"
	ResourceRooms      ResourceType = "rooms"
	ResourceSources    ResourceType = "sources"
	ResourceDatum      ResourceType = "uuidsets/datum"
	ResourceProps      ResourceType = "uuidsets/props"
)

// ResourceTypes lists every cached resource type
var ResourceTypes = []ResourceType{
	ResourceControls,
	ResourceCategories,
	ResourceRooms,
	ResourceSources,
	ResourceDatum,
	ResourceProps,
}

// ParseResourceType returns the resource type named s
func ParseResourceType(s string) (ResourceType, bool) {
	for _, t := range ResourceTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

type cacheEntry struct {
	data json.RawMessage
}

// Cache memoizes resource lists for the session. Concurrent readers of an
// uncached type share one in-flight request. Mutations re-fetch the affected
// type after the backend accepts them and leave the cache untouched otherwise.
type Cache struct {
	api     Requester
	metrics *metrics.Metrics

	group singleflight.Group

	mu          sync.RWMutex
	entries     map[ResourceType]cacheEntry
	generations map[ResourceType]uint64
}

// sharedFetchTimeout bounds a fetch that no longer follows its first caller's context
const sharedFetchTimeout = 60 * time.Second

// NewCache creates an empty cache backed by api
func NewCache(api Requester, m *metrics.Metrics) *Cache {
	return &Cache{
		api:         api,
		metrics:     m,
		entries:     make(map[ResourceType]cacheEntry),
		generations: make(map[ResourceType]uint64),
	}
}

// Cached returns the cached payload of t without fetching
func (c *Cache) Cached(t ResourceType) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[t]
	return entry.data, ok
}

// ResourceList returns the payload of t, fetching it on a miss
func (c *Cache) ResourceList(ctx context.Context, t ResourceType) (json.RawMessage, error) {
	if data, ok := c.Cached(t); ok {
		return data, nil
	}

	c.mu.RLock()
	gen := c.generations[t]
	c.mu.RUnlock()

	// the shared fetch serves every joined caller, so one caller's
	// cancellation only stops that caller from waiting
	ch := c.group.DoChan(string(t), func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, t, gen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	}
}

func (c *Cache) fetch(ctx context.Context, t ResourceType, gen uint64) (json.RawMessage, error) {
	env, err := c.api.Do(ctx, Request{Path: string(t)})
	if err != nil {
		c.metrics.CacheFetch(string(t), false)
		return nil, fmt.Errorf("error getting %s: %w", t, err)
	}
	c.metrics.CacheFetch(string(t), true)

	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	c.mu.Lock()
	// an invalidation while the request was in flight makes the result stale
	if c.generations[t] == gen {
		c.entries[t] = cacheEntry{data: data}
	}
	c.mu.Unlock()

	return data, nil
}

// Invalidate drops the cached payload of t
func (c *Cache) Invalidate(t ResourceType) {
	c.mu.Lock()
	delete(c.entries, t)
	c.generations[t]++
	c.mu.Unlock()
	c.group.Forget(string(t))
}

// InvalidateAll drops every cached payload
func (c *Cache) InvalidateAll() {
	for _, t := range ResourceTypes {
		c.Invalidate(t)
	}
}

// Refresh re-fetches t unconditionally
func (c *Cache) Refresh(ctx context.Context, t ResourceType) error {
	c.Invalidate(t)
	_, err := c.ResourceList(ctx, t)
	return err
}

func decodeResource[T any](ctx context.Context, c *Cache, t ResourceType) (T, error) {
	var v T
	data, err := c.ResourceList(ctx, t)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", t, err)
	}
	return v, nil
}

func (c *Cache) Controls(ctx context.Context) ([]protocol.Control, error) {
	return decodeResource[[]protocol.Control](ctx, c, ResourceControls)
}

func (c *Cache) Categories(ctx context.Context) ([]protocol.Category, error) {
	return decodeResource[[]protocol.Category](ctx, c, ResourceCategories)
}

func (c *Cache) Rooms(ctx context.Context) ([]protocol.Room, error) {
	return decodeResource[[]protocol.Room](ctx, c, ResourceRooms)
}

func (c *Cache) Sources(ctx context.Context) ([]protocol.SourceMapping, error) {
	return decodeResource[[]protocol.SourceMapping](ctx, c, ResourceSources)
}

func (c *Cache) DatumSet(ctx context.Context) (protocol.DatumSet, error) {
	set, err := decodeResource[protocol.DatumSet](ctx, c, ResourceDatum)
	if set == nil && err == nil {
		set = protocol.DatumSet{}
	}
	return set, err
}

func (c *Cache) PropertySet(ctx context.Context) (protocol.PropertySet, error) {
	set, err := decodeResource[protocol.PropertySet](ctx, c, ResourceProps)
	if set == nil && err == nil {
		set = protocol.PropertySet{}
	}
	return set, err
}

// Resource returns the raw item of list t whose uuid matches. A miss is
// reported as ok=false, not as an error.
func (c *Cache) Resource(ctx context.Context, t ResourceType, uuid string) (json.RawMessage, bool, error) {
	items, err := decodeResource[[]json.RawMessage](ctx, c, t)
	if err != nil {
		return nil, false, err
	}
	for _, item := range items {
		var key struct {
			UUID string `json:"uuid"`
		}
		if err := json.Unmarshal(item, &key); err != nil {
			continue
		}
		if key.UUID == uuid {
			return item, true, nil
		}
	}
	return nil, false, nil
}

// Control returns the control identified by uuid
func (c *Cache) Control(ctx context.Context, uuid string) (protocol.Control, bool, error) {
	var control protocol.Control
	item, ok, err := c.Resource(ctx, ResourceControls, uuid)
	if err != nil || !ok {
		return control, ok, err
	}
	if err := json.Unmarshal(item, &control); err != nil {
		return control, false, fmt.Errorf("decode control %s: %w", uuid, err)
	}
	return control, true, nil
}

// IsEnabled reports whether uuid is a member of the enablement set
func (c *Cache) IsEnabled(ctx context.Context, uuid string) (bool, error) {
	set, err := c.DatumSet(ctx)
	if err != nil {
		return false, err
	}
	return set.Contains(uuid), nil
}

// Frequency returns the configured save frequency of uuid
func (c *Cache) Frequency(ctx context.Context, uuid string) (int, bool, error) {
	set, err := c.DatumSet(ctx)
	if err != nil {
		return 0, false, err
	}
	seconds, ok := set.Frequency(uuid)
	return seconds, ok, nil
}

// DatumValueType returns the configured value type of uuid
func (c *Cache) DatumValueType(ctx context.Context, uuid string) (protocol.DatumValueType, error) {
	set, err := c.PropertySet(ctx)
	if err != nil {
		return protocol.DatumValueTypeUnknown, err
	}
	return set.ValueType(uuid), nil
}

// SourceID returns the source id mapped to uuid
func (c *Cache) SourceID(ctx context.Context, uuid string) (string, bool, error) {
	sources, err := c.Sources(ctx)
	if err != nil {
		return "", false, err
	}
	for _, s := range sources {
		if s.UUID == uuid {
			return s.SourceID, true, nil
		}
	}
	return "", false, nil
}

// mutate sends req and re-fetches t once the backend accepted it. A failed
// re-fetch leaves t invalidated so the next reader fetches it again.
func (c *Cache) mutate(ctx context.Context, req Request, t ResourceType) error {
	if _, err := c.api.Do(ctx, req); err != nil {
		return err
	}
	if err := c.Refresh(ctx, t); err != nil {
		slog.Warn("re-fetch after update failed", "resource", t, "err", err)
	}
	return nil
}

func patchRequest(t ResourceType, body interface{}) (Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s patch: %w", t, err)
	}
	return Request{
		Method:  http.MethodPatch,
		Path:    string(t),
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    bytes.NewReader(data),
		CSRF:    true,
	}, nil
}

// SetEnable adds uuid to or removes it from the enablement set
func (c *Cache) SetEnable(ctx context.Context, uuid string, enabled bool) error {
	req, err := patchRequest(ResourceDatum, protocol.EnableDatum(uuid, enabled))
	if err != nil {
		return err
	}
	return c.mutate(ctx, req, ResourceDatum)
}

// SetFrequency sets the save frequency of uuid. 0 selects the default and a
// negative value disables periodic saving.
func (c *Cache) SetFrequency(ctx context.Context, uuid string, seconds int) error {
	req, err := patchRequest(ResourceDatum, protocol.DatumFrequency(uuid, seconds))
	if err != nil {
		return err
	}
	return c.mutate(ctx, req, ResourceDatum)
}

// SetDatumType sets the value type of uuid
func (c *Cache) SetDatumType(ctx context.Context, uuid string, t protocol.DatumValueType) error {
	req, err := patchRequest(ResourceProps, protocol.PropertyValueType(uuid, t))
	if err != nil {
		return err
	}
	return c.mutate(ctx, req, ResourceProps)
}

// SetSource maps uuid to sourceID
func (c *Cache) SetSource(ctx context.Context, uuid, sourceID string) error {
	if sourceID == "" {
		return c.RemoveSource(ctx, uuid)
	}
	req, err := patchRequest(ResourceSources, protocol.SourceMappingPatchSet{
		Store: []protocol.SourceMapping{{UUID: uuid, SourceID: sourceID}},
	})
	if err != nil {
		return err
	}
	if err := c.mutate(ctx, req, ResourceSources); err != nil {
		return err
	}
	c.Invalidate(ResourceControls)
	return nil
}

// RemoveSource deletes the source mapping of uuid
func (c *Cache) RemoveSource(ctx context.Context, uuid string) error {
	req, err := patchRequest(ResourceSources, protocol.SourceMappingPatchSet{
		Remove: []string{uuid},
	})
	if err != nil {
		return err
	}
	if err := c.mutate(ctx, req, ResourceSources); err != nil {
		return err
	}
	c.Invalidate(ResourceControls)
	return nil
}

// ImportSources uploads a source mapping file as multipart field "file"
func (c *Cache) ImportSources(ctx context.Context, filename string, r io.Reader) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	req := Request{
		Method:  http.MethodPost,
		Path:    string(ResourceSources),
		Headers: map[string]string{"Content-Type": w.FormDataContentType()},
		Body:    &buf,
		CSRF:    true,
	}
	if err := c.mutate(ctx, req, ResourceSources); err != nil {
		return err
	}
	c.Invalidate(ResourceControls)
	return nil
}
