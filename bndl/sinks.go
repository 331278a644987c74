package bndl

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// CollectAsFiles materializes every partition of src and writes it to
// dir/<prefix>-<index>.gob.gz, gob-encoding the partition's records and
// gzip-compressing the result -- the engine's one concrete output sink,
// per spec §4.6's "collect_as_files/pickles/json write one file per
// partition" contract.
func (c *Context) CollectAsFiles(ctx context.Context, src Dataset, dir, prefix string) ([]string, error) {
	return c.collectAsFiles(ctx, src, dir, prefix, ".gob.gz", encodeGobGzip)
}

// CollectAsPickles is an alias of CollectAsFiles kept for parity with the
// spec's naming (spec.md inherits "pickle" from the original
// implementation's serialization format; this engine's one serialization
// is gob, so collect_as_pickles writes the same file contents as
// collect_as_files here, under a .pickle.gz extension instead of .gob.gz).
func (c *Context) CollectAsPickles(ctx context.Context, src Dataset, dir, prefix string) ([]string, error) {
	return c.collectAsFiles(ctx, src, dir, prefix, ".pickle.gz", encodeGobGzip)
}

// CollectAsJSON writes each partition as a JSON array, one file per
// partition, uncompressed.
func (c *Context) CollectAsJSON(ctx context.Context, src Dataset, dir, prefix string) ([]string, error) {
	return c.collectAsFiles(ctx, src, dir, prefix, ".json", func(records []interface{}) ([]byte, error) {
		return json.Marshal(records)
	})
}

func (c *Context) collectAsFiles(ctx context.Context, src Dataset, dir, prefix, ext string, encode func([]interface{}) ([]byte, error)) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	partitions, err := c.Run(ctx, src)
	if err != nil {
		return nil, err
	}
	var paths []string
	for i, records := range partitions {
		data, err := encode(records)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-%05d%s", prefix, i, ext))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func encodeGobGzip(records []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gw).Encode(records); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
