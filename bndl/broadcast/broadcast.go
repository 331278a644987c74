// Package broadcast implements read-only value distribution from a seeder
// to workers (spec §3.5, §4.4), adapted from bndl/compute/broadcast.py
// (original_source). A Value is serialized once on the seeder with a
// chosen Codec, split into chunks by the block store, and fetched lazily
// and exactly once per node by a Coordinator on first Value() access.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/log"
	"github.com/towr/bndl/bndl/block"
	"github.com/towr/bndl/bndl/coordinate"
	"github.com/towr/bndl/bndl/ids"
	bnet "github.com/towr/bndl/bndl/net"
	"github.com/towr/bndl/bndl/rmi"
)

// Codec selects how a broadcast value is serialized. "auto" picks the
// fast-binary codec when the value round-trips through it cleanly, else
// falls back to the generic object codec, mirroring the original's
// marshal-or-pickle choice (spec §3.5, §4.4).
type Codec string

const (
	CodecAuto   Codec = "auto"
	CodecFast   Codec = "fast-binary"
	CodecObject Codec = "object"
	CodecJSON   Codec = "json"
	CodecBinary Codec = "binary"
	CodecText   Codec = "text"
)

// Serializer turns a value into bytes and back. Manager.Broadcast accepts
// one directly so callers can plug in their own codec without widening
// the Codec enum.
type Serializer interface {
	Serialize(value interface{}) ([]byte, error)
	Deserialize(data []byte) (interface{}, error)
}

// Manager is the per-node broadcast subsystem: it serves values this node
// seeded and coordinates fetching values seeded elsewhere.
type Manager struct {
	store       *block.Store
	node        *rmi.Node
	self        string
	workerCount int
	minBlock    int
	maxBlock    int
	peers       *bnet.Table

	coordinator *coordinate.Coordinator
	cache       map[string]interface{} // block name -> deserialized value, seeder-side only
}

// NewManager creates a Manager bound to node's block store, registering
// the "broadcast" RMI service used by unpersist fan-out.
func NewManager(store *block.Store, node *rmi.Node, self string, peers *bnet.Table, workerCount, minBlockBytes, maxBlockBytes int) *Manager {
	m := &Manager{
		store:       store,
		node:        node,
		self:        self,
		workerCount: workerCount,
		minBlock:    minBlockBytes,
		maxBlock:    maxBlockBytes,
		peers:       peers,
		coordinator: coordinate.New(),
		cache:       make(map[string]interface{}),
	}
	node.Register("broadcast", rmi.Service{
		"unpersist": m.serveUnpersist,
	})
	return m
}

func (m *Manager) serveUnpersist(ctx context.Context, src *bnet.Peer, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	name := args[0].(string)
	m.store.RemoveBlocks(ctx, name, false, nil)
	m.coordinator.Clear(name)
	return nil, nil
}

// Value is a handle to a broadcast value: lazily fetched and deserialized
// on first Value(), then, on non-seeders, discarded locally to reclaim
// memory (spec §3.5).
type Value struct {
	mgr        *Manager
	seeder     string
	spec       block.BlockSpec
	serializer Serializer
}

// Broadcast serializes value with codec on the seeder (this node),
// chunking it via the block store, and returns a Value other nodes can
// fetch lazily (spec §4.4).
func (m *Manager) Broadcast(ctx context.Context, value interface{}, codec Codec) (*Value, error) {
	ser := serializerFor(codec)
	data, err := ser.Serialize(value)
	if err != nil {
		return nil, fmt.Errorf("broadcast: serialize: %w", err)
	}
	name := ids.Block()
	policy := block.Clamp(m.workerCount, m.minBlock, m.maxBlock)
	spec := m.store.ServeData(name, data, policy)
	m.cache[name] = value
	return &Value{mgr: m, seeder: m.self, spec: spec, serializer: ser}, nil
}

// BroadcastWithSerializer is Broadcast for callers that supply their own
// Serializer instead of a named Codec.
func (m *Manager) BroadcastWithSerializer(ctx context.Context, value interface{}, ser Serializer) (*Value, error) {
	data, err := ser.Serialize(value)
	if err != nil {
		return nil, fmt.Errorf("broadcast: serialize: %w", err)
	}
	name := ids.Block()
	policy := block.Clamp(m.workerCount, m.minBlock, m.maxBlock)
	spec := m.store.ServeData(name, data, policy)
	m.cache[name] = value
	return &Value{mgr: m, seeder: m.self, spec: spec, serializer: ser}, nil
}

// Value returns the deserialized broadcast value, fetching and
// deserializing it on first call (coordinated so concurrent callers on
// this node share one fetch), and caching the result thereafter.
func (v *Value) Value(ctx context.Context) (interface{}, error) {
	if v.seeder == v.mgr.self {
		if val, ok := v.mgr.cache[v.spec.Name]; ok {
			return val, nil
		}
	}
	result, err := v.mgr.coordinator.Do(v.spec.Name, func() (interface{}, error) {
		return v.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (v *Value) fetch(ctx context.Context) (interface{}, error) {
	data, err := v.mgr.store.Get(ctx, v.spec, v.mgr.peers)
	if err != nil {
		return nil, err
	}
	val, err := v.serializer.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("broadcast: deserialize %s: %w", v.spec.Name, err)
	}
	if v.mgr.self != v.spec.Seeder {
		v.mgr.store.RemoveBlocks(ctx, v.spec.Name, false, nil)
	}
	return val, nil
}

// Unpersist removes the blocks from the seeder and fans the removal RPC
// out to every known peer. When block is true it waits (bounded by
// timeout, if nonzero) for each peer's acknowledgement; per-peer errors
// are logged, never returned, matching spec §4.4.
func (v *Value) Unpersist(ctx context.Context, block_ bool, timeout time.Duration) {
	if v.seeder != v.mgr.self {
		log.Error.Printf("broadcast: Unpersist called on non-seeder %s for block %s", v.mgr.self, v.spec.Name)
		return
	}
	v.mgr.store.RemoveBlocks(ctx, v.spec.Name, false, nil)
	v.mgr.coordinator.Clear(v.spec.Name)

	peers := v.mgr.peers.All()
	done := make(chan struct{}, len(peers))
	for _, p := range peers {
		p := p
		go func() {
			defer func() { done <- struct{}{} }()
			inv := v.mgr.node.Service(p, "broadcast").Method("unpersist")
			if timeout > 0 {
				inv = inv.WithTimeout(timeout)
			}
			if _, err := inv.Call(ctx, []interface{}{v.spec.Name}, nil); err != nil {
				log.Printf("broadcast: error while unpersisting %s on %s: %v", v.spec.Name, p.Name, err)
			}
		}()
	}
	if block_ {
		for range peers {
			<-done
		}
	}
}
