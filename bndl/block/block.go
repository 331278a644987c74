// Package block implements the block store (spec §4.3): named binary
// blobs, split into size-bounded chunks by a seeder and served to peers on
// demand. It underlies broadcast (package bndl/broadcast) and is grounded
// in the teacher's chunked partition-fetch pattern (retryReader/openerAt
// in exec/bigmachine.go), generalized from task-output fetch to
// named-block fetch, plus bndl/rmi for the peer transport.
package block

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/towr/bndl/bndl/bndlerr"
	"github.com/towr/bndl/bndl/coordinate"
	bnet "github.com/towr/bndl/bndl/net"
	"github.com/towr/bndl/bndl/rmi"
)

// ChunkPolicy computes a chunk size in bytes given the total payload size.
// The default, from spec §3.5, clamps workerCount*2 between
// min_block_size and max_block_size (see Clamp).
type ChunkPolicy func(totalSize int) int

// Clamp returns a ChunkPolicy implementing spec §3.5's
// clamp(worker_count*2, min_block, max_block).
func Clamp(workerCount, minBlock, maxBlock int) ChunkPolicy {
	return func(totalSize int) int {
		size := workerCount * 2
		if size < minBlock {
			size = minBlock
		}
		if size > maxBlock {
			size = maxBlock
		}
		if size > totalSize && totalSize > 0 {
			size = totalSize
		}
		return size
	}
}

// BlockSpec names a block and describes how to fetch it, the wire type
// from spec §6 (`BlockSpec: name, seeder, chunks, optional digests`).
type BlockSpec struct {
	Name       string
	Seeder     string
	ChunkSizes []int
	Checksums  []uint32 // optional; zero-valued entries mean "not computed"
}

func (b BlockSpec) chunkCount() int { return len(b.ChunkSizes) }

// Store is a node's local block store: it holds bytes it seeded or has
// fetched, and serves both to peers over RMI.
type Store struct {
	node *rmi.Node
	self string

	chunks      map[string][][]byte // name -> chunk bytes, local to this node
	coordinator *coordinate.Coordinator
}

// NewStore creates a Store bound to node, registering the "block" RMI
// service so peers can fetch chunks from it.
func NewStore(node *rmi.Node, self string) *Store {
	s := &Store{
		node:        node,
		self:        self,
		chunks:      make(map[string][][]byte),
		coordinator: coordinate.New(),
	}
	node.Register("block", rmi.Service{
		"chunk":  s.serveChunk,
		"remove": s.serveRemove,
	})
	return s
}

func (s *Store) serveRemove(ctx context.Context, src *bnet.Peer, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	name := args[0].(string)
	delete(s.chunks, name)
	s.coordinator.Clear(name)
	return nil, nil
}

func (s *Store) serveChunk(ctx context.Context, src *bnet.Peer, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	name := args[0].(string)
	idx := args[1].(int)
	chunks, ok := s.chunks[name]
	if !ok || idx >= len(chunks) {
		return nil, bndlerr.CacheMiss("block %s chunk %d not present on %s", name, idx, s.self)
	}
	return chunks[idx], nil
}

// ServeData partitions data into chunks per policy and keeps them in the
// local store, returning a BlockSpec consumers can use to fetch them. The
// caller (seeder) is recorded as s.self.
func (s *Store) ServeData(name string, data []byte, policy ChunkPolicy) BlockSpec {
	chunkSize := policy(len(data))
	if chunkSize <= 0 {
		chunkSize = len(data)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	var chunks [][]byte
	var sizes []int
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[offset:end])
		sizes = append(sizes, end-offset)
	}
	if len(data) == 0 {
		chunks = [][]byte{{}}
		sizes = []int{0}
	}
	s.chunks[name] = chunks
	return BlockSpec{Name: name, Seeder: s.self, ChunkSizes: sizes}
}

// Get returns the concatenated chunks of spec, fetching any chunks not
// already local from the seeder or from candidatePeers. Concurrent Get
// calls for the same block on this node are coordinated so the fetch work
// happens once (spec §4.3).
func (s *Store) Get(ctx context.Context, spec BlockSpec, candidatePeers *bnet.Table) ([]byte, error) {
	v, err := s.coordinator.Do(spec.Name, func() (interface{}, error) {
		return s.fetch(ctx, spec, candidatePeers)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Store) fetch(ctx context.Context, spec BlockSpec, candidatePeers *bnet.Table) ([]byte, error) {
	if local, ok := s.chunks[spec.Name]; ok {
		return concat(local), nil
	}

	sources := s.fetchOrder(spec, candidatePeers)
	if len(sources) == 0 {
		return nil, bndlerr.NotConnected("no peer available to serve block %s", spec.Name)
	}

	chunks := make([][]byte, spec.chunkCount())
	var lastErr error
	for i := range chunks {
		var fetched bool
		for _, peer := range sources {
			data, err := s.fetchChunk(ctx, peer, spec.Name, i)
			if err != nil {
				lastErr = err
				log.Printf("block: fetch %s chunk %d from %s failed: %v", spec.Name, i, peer.Name, err)
				continue
			}
			chunks[i] = data
			fetched = true
			break
		}
		if !fetched {
			return nil, fmt.Errorf("block: could not fetch chunk %d of %s from any of %d peers: %w", i, spec.Name, len(sources), lastErr)
		}
	}

	s.chunks[spec.Name] = chunks
	return concat(chunks), nil
}

func (s *Store) fetchOrder(spec BlockSpec, candidatePeers *bnet.Table) []*bnet.Peer {
	var out []*bnet.Peer
	if seeder, ok := candidatePeers.Get(spec.Seeder); ok {
		out = append(out, seeder)
	}
	for _, p := range candidatePeers.All() {
		if p.Name != spec.Seeder {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) fetchChunk(ctx context.Context, peer *bnet.Peer, name string, idx int) ([]byte, error) {
	result, err := s.node.Service(peer, "block").Method("chunk").Call(ctx, []interface{}{name, idx}, nil)
	if err != nil {
		return nil, err
	}
	data, ok := result.([]byte)
	if !ok {
		return nil, bndlerr.ProtocolError("block: unexpected chunk reply type %T", result)
	}
	return data, nil
}

// RemoveBlocks drops name from the local store and, if fromPeers is true,
// fans the removal out to every known peer, logging (not raising) any
// per-peer error, matching unpersist's error handling in spec §4.4.
func (s *Store) RemoveBlocks(ctx context.Context, name string, fromPeers bool, peers *bnet.Table) {
	delete(s.chunks, name)
	s.coordinator.Clear(name)
	if !fromPeers || peers == nil {
		return
	}
	for _, p := range peers.All() {
		if p.Name == s.self {
			continue
		}
		if _, err := s.node.Service(p, "block").Method("remove").Call(ctx, []interface{}{name}, nil); err != nil {
			log.Printf("block: remove %s on %s failed: %v", name, p.Name, err)
		}
	}
}

func concat(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
