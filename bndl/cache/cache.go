// Package cache implements the cache provider (spec §4.9): a process-wide
// registry mapping cache_key -> obj_key -> storage container, used by
// datasets materialized with `.cache(...)` to write through and by the
// scheduler to discover a partition's preferred worker.
package cache

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/towr/bndl/bndl/bndlerr"
	"github.com/towr/bndl/bndl/sliceio"
)

// Location selects a container's backing storage.
type Location int

const (
	Memory Location = iota
	Disk
)

// Serialization selects how records are encoded before being handed to the
// container; Compression wraps the encoded bytes.
type Serialization int

const (
	SerializationGob Serialization = iota
)

type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
)

// Spec names a container factory's parameters (location, serialization,
// compression), the triple `.cache(location, serialization, compression)`
// is specified by in spec §4.6.
type Spec struct {
	Location      Location
	Serialization Serialization
	Compression   Compression
}

// container is the storage contract a cache entry is built on (spec §4.9:
// "write / read / to_disk / clear is the only contract"); this interface
// has write, read and clear, and no to_disk. The in-memory implementation
// is the only one shipped, for Memory and Disk alike: Disk does not spill
// to a file, mirroring how the teacher's shuffle bucket storage ships one
// in-memory implementation behind an interface it leaves room to swap.
type container interface {
	write(data []byte) error
	read() ([]byte, error)
	clear()
}

type memContainer struct {
	mu   sync.RWMutex
	data []byte
}

func (c *memContainer) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append([]byte(nil), data...)
	return nil
}

func (c *memContainer) read() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data == nil {
		return nil, bndlerr.CacheMiss("cache: no data written")
	}
	return append([]byte(nil), c.data...), nil
}

func (c *memContainer) clear() {
	c.mu.Lock()
	c.data = nil
	c.mu.Unlock()
}

func newContainer(loc Location) container {
	// Disk spill is out of scope beyond its in-memory reference
	// implementation (SPEC_FULL.md Non-goals); Disk reuses memContainer
	// rather than shipping a second, redundant in-memory container.
	return &memContainer{}
}

type entry struct {
	spec      Spec
	container container
}

// Provider is the process-wide cache registry (spec §4.9). A single
// Provider is shared by every dataset and worker in a process.
type Provider struct {
	mu      sync.Mutex
	entries map[string]map[string]*entry
}

// New creates an empty Provider. It registers no process-exit hook; cache
// state is cleared only by Clear and ClearAll.
func New() *Provider {
	p := &Provider{entries: make(map[string]map[string]*entry)}
	return p
}

// Write materializes records into a container chosen by spec and records
// it under cacheKey/objKey, overwriting any existing entry for that pair.
func (p *Provider) Write(ctx context.Context, cacheKey, objKey string, spec Spec, records []interface{}) error {
	data, err := encode(spec, records)
	if err != nil {
		return err
	}
	c := newContainer(spec.Location)
	if err := c.write(data); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	objs, ok := p.entries[cacheKey]
	if !ok {
		objs = make(map[string]*entry)
		p.entries[cacheKey] = objs
	}
	objs[objKey] = &entry{spec: spec, container: c}
	return nil
}

// Read returns the records written for cacheKey/objKey, or a CacheMiss
// error (spec's KeyNotFound) if none are present.
func (p *Provider) Read(ctx context.Context, cacheKey, objKey string) ([]interface{}, error) {
	p.mu.Lock()
	objs, ok := p.entries[cacheKey]
	var e *entry
	if ok {
		e, ok = objs[objKey]
	}
	p.mu.Unlock()
	if !ok {
		return nil, bndlerr.CacheMiss("cache: %s/%s not found", cacheKey, objKey)
	}
	data, err := e.container.read()
	if err != nil {
		return nil, err
	}
	return decode(e.spec, data)
}

// Clear removes objKey under cacheKey, or every entry under cacheKey when
// objKey is empty, freeing each container's storage.
func (p *Provider) Clear(cacheKey, objKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	objs, ok := p.entries[cacheKey]
	if !ok {
		return
	}
	if objKey == "" {
		for _, e := range objs {
			e.container.clear()
		}
		delete(p.entries, cacheKey)
		return
	}
	if e, ok := objs[objKey]; ok {
		e.container.clear()
		delete(objs, objKey)
	}
	if len(objs) == 0 {
		delete(p.entries, cacheKey)
	}
}

// ClearAll clears every entry the Provider holds. Nothing in this package
// calls it at process exit; callers invoke it directly.
func (p *Provider) ClearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, objs := range p.entries {
		for _, e := range objs {
			e.container.clear()
		}
		delete(p.entries, key)
	}
}

// Has reports whether cacheKey/objKey is currently cached, used by the
// scheduler to compute a partition's preferred worker without fetching.
func (p *Provider) Has(cacheKey, objKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	objs, ok := p.entries[cacheKey]
	if !ok {
		return false
	}
	_, ok = objs[objKey]
	return ok
}

func encode(spec Spec, records []interface{}) ([]byte, error) {
	raw, err := sliceio.EncodeBatch(records)
	if err != nil {
		return nil, err
	}
	if spec.Compression != CompressionGzip {
		return raw, nil
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(spec Spec, data []byte) ([]interface{}, error) {
	raw := data
	if spec.Compression == CompressionGzip {
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		decoded, err := io.ReadAll(gr)
		if err != nil {
			return nil, err
		}
		raw = decoded
	}
	return sliceio.DecodeBatch(raw)
}
