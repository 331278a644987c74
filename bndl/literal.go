package bndl

import (
	"context"

	"github.com/towr/bndl/bndl/sliceio"
)

// Const returns a Dataset whose partitions are exactly the given slices,
// already materialized; used internally wherever a transformation (sort,
// key_by_idx) must run a preliminary pass over the whole source and wants
// to hand the already-computed partitions to the next stage without
// recomputing them, and usable directly by callers seeding a pipeline
// from in-memory data.
func Const(partitions [][]interface{}) Dataset {
	return &literalDataset{id: newDatasetID(), partitions: partitions}
}

type literalDataset struct {
	id         uint64
	partitions [][]interface{}
}

func (d *literalDataset) ID() uint64         { return d.id }
func (d *literalDataset) NumPartitions() int { return len(d.partitions) }
func (d *literalDataset) Materialize(ctx context.Context, idx int) ([]interface{}, error) {
	return d.partitions[idx], nil
}
func (d *literalDataset) WorkerFilter(idx int, all []string) []string       { return nil }
func (d *literalDataset) WorkerPreference(idx int, allowed []string) []string { return nil }

// drainAll reads r to completion and returns every record it produced.
func drainAll(ctx context.Context, r sliceio.Reader) ([]interface{}, error) {
	var out []interface{}
	buf := make([]interface{}, 64)
	for {
		n, err := r.Read(ctx, buf)
		out = append(out, buf[:n]...)
		if err == sliceio.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
