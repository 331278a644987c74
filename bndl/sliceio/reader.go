// Package sliceio provides the streaming abstraction partitions are read
// and written through: a batched Reader/Writer pair over record batches,
// the same role github.com/grailbio/bigslice/sliceio plays for bigslice's
// columnar frames. BNDL partitions hold arbitrary Python-shaped records
// (§3.2), not a statically typed column set, so batches here are plain
// []interface{} slices rather than reflect-typed frame.Frame columns — see
// DESIGN.md for why the teacher's columnar model was dropped.
package sliceio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"io"
	"sync"
)

// EOF is returned by Reader.Read when a partition's records are exhausted.
// Unlike io.EOF, EOF may be returned together with n > 0: the final batch
// and the end-of-stream signal can arrive in the same call.
var EOF = errors.New("sliceio: EOF")

// Reader reads batches of records from a partition. Read is a suspension
// point (§5): implementations may block on network I/O or upstream
// materialization.
type Reader interface {
	// Read populates buf with up to len(buf) records, returning the number
	// read. Read returns EOF (possibly together with n > 0) once the
	// partition is exhausted.
	Read(ctx context.Context, buf []interface{}) (int, error)
}

// ReaderFunc adapts a function to a Reader.
type ReaderFunc func(ctx context.Context, buf []interface{}) (int, error)

func (f ReaderFunc) Read(ctx context.Context, buf []interface{}) (int, error) { return f(ctx, buf) }

// ReadFull reads until buf is full or the underlying reader reports EOF,
// mirroring io.ReadFull's semantics for batched readers.
func ReadFull(ctx context.Context, r Reader, buf []interface{}) (int, error) {
	var total int
	for total < len(buf) {
		n, err := r.Read(ctx, buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	return total, nil
}

// ErrReader returns a Reader that always returns err.
func ErrReader(err error) Reader { return errReader{err} }

type errReader struct{ err error }

func (e errReader) Read(context.Context, []interface{}) (int, error) { return 0, e.err }

// SliceReader returns a Reader that yields the elements of s once, in
// order, then EOF. It is the leaf reader for in-memory/iterable datasets.
func SliceReader(s []interface{}) Reader {
	return &sliceReader{s: s}
}

type sliceReader struct {
	s []interface{}
}

func (r *sliceReader) Read(ctx context.Context, buf []interface{}) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := copy(buf, r.s)
	r.s = r.s[n:]
	if len(r.s) == 0 {
		return n, EOF
	}
	return n, nil
}

// FuncReader produces records by repeatedly calling next until it returns
// (zero value, false); used to adapt Go iterators/generators (e.g. a
// token-range scan) into a Reader.
func FuncReader(next func() (interface{}, bool)) Reader {
	return ReaderFunc(func(ctx context.Context, buf []interface{}) (int, error) {
		var n int
		for n < len(buf) {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			v, ok := next()
			if !ok {
				return n, EOF
			}
			buf[n] = v
			n++
		}
		return n, nil
	})
}

// MultiReader concatenates a fixed set of readers in order. The shuffle
// reader uses UnorderedMultiReader instead.
type MultiReader struct {
	Readers []Reader
	i       int
}

func NewMultiReader(readers ...Reader) *MultiReader { return &MultiReader{Readers: readers} }

func (m *MultiReader) Read(ctx context.Context, buf []interface{}) (int, error) {
	for m.i < len(m.Readers) {
		n, err := m.Readers[m.i].Read(ctx, buf)
		if err == EOF {
			m.i++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
	return 0, EOF
}

// UnorderedMultiReader reads from a fixed set of readers concurrently and
// returns records in arrival order. This is the shuffle read's ordering
// contract (§4.7: "concatenated in arrival order (shuffle-read is
// unordered)").
type UnorderedMultiReader struct {
	once    sync.Once
	readers []Reader
	out     chan batch
	done    chan struct{}
	pending []interface{}
}

type batch struct {
	vals []interface{}
	err  error
}

func NewUnorderedMultiReader(readers ...Reader) *UnorderedMultiReader {
	return &UnorderedMultiReader{readers: readers}
}

func (u *UnorderedMultiReader) start(ctx context.Context) {
	u.out = make(chan batch, len(u.readers))
	u.done = make(chan struct{})
	var wg sync.WaitGroup
	for _, r := range u.readers {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]interface{}, 64)
			for {
				n, err := r.Read(ctx, buf)
				if n > 0 {
					vals := make([]interface{}, n)
					copy(vals, buf[:n])
					select {
					case u.out <- batch{vals: vals}:
					case <-u.done:
						return
					}
				}
				if err != nil {
					if err != EOF {
						select {
						case u.out <- batch{err: err}:
						case <-u.done:
						}
					}
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(u.out)
	}()
}

func (u *UnorderedMultiReader) Read(ctx context.Context, buf []interface{}) (int, error) {
	u.once.Do(func() { u.start(ctx) })
	if len(u.pending) > 0 {
		n := copy(buf, u.pending)
		u.pending = u.pending[n:]
		return n, nil
	}
	select {
	case b, ok := <-u.out:
		if !ok {
			return 0, EOF
		}
		if b.err != nil {
			return 0, b.err
		}
		n := copy(buf, b.vals)
		if n < len(b.vals) {
			u.pending = b.vals[n:]
		}
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close releases the goroutines started by Read. Safe to call even if Read
// was never invoked.
func (u *UnorderedMultiReader) Close() error {
	if u.done != nil {
		select {
		case <-u.done:
		default:
			close(u.done)
		}
	}
	return nil
}

func init() {
	// Records frequently carry basic container shapes; registering them
	// keeps gob from panicking on the first novel concrete type it meets
	// inside an interface{} slot (map values, nested slices, tuples).
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
	gob.Register(map[interface{}]interface{}{})
}

// Encoder writes batches of records to an io.Writer using gob, the wire
// codec used for Reader output that crosses a process boundary (shuffle
// bucket transfer, block chunk bodies not carrying attachments).
type Encoder struct {
	enc *gob.Encoder
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{enc: gob.NewEncoder(w)} }

// EncodeBatch writes a single batch, prefixed with its length so the
// decoder can allocate appropriately and recognize a trailing empty batch
// as nothing more than a keepalive rather than EOF.
func (e *Encoder) EncodeBatch(records []interface{}) error {
	return e.enc.Encode(records)
}

// Decoder is the Reader-producing counterpart of Encoder.
type Decoder struct {
	dec *gob.Decoder
	buf []interface{}
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: gob.NewDecoder(bufio.NewReader(r))}
}

// NewDecodingReader adapts an io.Reader of gob-encoded batches into a
// Reader, mirroring the teacher's sliceio.NewDecodingReader used to read
// task output streamed back from a worker.
func NewDecodingReader(r io.Reader) Reader {
	return &decodingReader{dec: NewDecoder(r)}
}

type decodingReader struct {
	dec *Decoder
}

func (d *decodingReader) Read(ctx context.Context, buf []interface{}) (int, error) {
	if len(d.dec.buf) == 0 {
		var records []interface{}
		if err := d.dec.dec.Decode(&records); err != nil {
			if err == io.EOF {
				return 0, EOF
			}
			return 0, err
		}
		d.dec.buf = records
	}
	n := copy(buf, d.dec.buf)
	d.dec.buf = d.dec.buf[n:]
	return n, nil
}

// EncodeBatch gob-encodes records as a single self-contained byte slice,
// the whole-bucket-as-one-RMI-reply shape shuffle and block transfers use
// (as opposed to Encoder, which streams batches over a persistent
// io.Writer).
func EncodeBatch(records []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(data []byte) ([]interface{}, error) {
	var records []interface{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}
