// Package accumulate implements driver-side accumulators that workers
// update remotely via commutative, associative operations (spec §3.4,
// §4.5), adapted from bndl/compute/accumulate.py (original_source).
package accumulate

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/towr/bndl/bndl/bndlerr"
	"github.com/towr/bndl/bndl/ids"
	bnet "github.com/towr/bndl/bndl/net"
	"github.com/towr/bndl/bndl/rmi"
)

// Op names the update operator a worker applies to an accumulator's
// current value. The arithmetic/bitwise operators mirror Python's
// augmented-assignment operators in the original; any other string is
// looked up as a method name on the current value (the named-method
// fallback in spec §4.5).
type Op string

const (
	OpAdd    Op = "+"
	OpSub    Op = "-"
	OpMul    Op = "*"
	OpDiv    Op = "/"
	OpLShift Op = "<"
	OpRShift Op = ">"
	OpAnd    Op = "&"
	OpOr     Op = "|"
)

// Updater lets a value type define its own commutative update for Op
// names that aren't one of the built-in arithmetic/bitwise operators.
type Updater interface {
	Update(method string, value interface{}) (interface{}, error)
}

// Accumulator is a value on which workers can remotely perform
// commutative, associative updates. It lives on the driver (or whichever
// node created it) and is read there directly; workers hold a Proxy.
type Accumulator struct {
	mu    sync.Mutex
	ID    string
	Host  string
	Value interface{}
}

// read returns the accumulator's current value under its lock.
func (a *Accumulator) read() interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Value
}

// Service runs on every node that may host accumulators: it registers
// them locally, applies remote updates under the accumulator's own lock,
// and deregisters on Drop. This is the Go analogue of the original's
// weakref-based _register_accumulator/_deregister_accumulator pair,
// made explicit since Go has no destructor hook to drive it implicitly.
type Service struct {
	self string
	node *rmi.Node

	mu           sync.Mutex
	accumulators map[string]*Accumulator
}

// NewService creates a Service bound to node, registering the
// "accumulate" RMI service workers call into.
func NewService(self string, node *rmi.Node) *Service {
	s := &Service{self: self, node: node, accumulators: make(map[string]*Accumulator)}
	node.Register("accumulate", rmi.Service{
		"update": s.serveUpdate,
	})
	return s
}

// New creates and registers a fresh Accumulator with initial value, owned
// by this node.
func (s *Service) New(initial interface{}) *Accumulator {
	acc := &Accumulator{ID: ids.Random8(), Host: s.self, Value: initial}
	s.mu.Lock()
	s.accumulators[acc.ID] = acc
	s.mu.Unlock()
	return acc
}

// Drop deregisters acc; further remote updates for its id are logged and
// ignored, matching the original's KeyError-and-log-debug behavior.
func (s *Service) Drop(acc *Accumulator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accumulators, acc.ID)
}

// Proxy returns a remote handle workers use to update acc; equivalent to
// AccumulatorProxy/__reduce__ in the original, but constructed explicitly
// since BNDL-Go has no implicit closure-capture serialization hook.
func (s *Service) Proxy(acc *Accumulator, peers *bnet.Table) (*Proxy, error) {
	host, ok := peers.Get(acc.Host)
	if !ok {
		return nil, fmt.Errorf("accumulate: host %s for accumulator %s not in peer table", acc.Host, acc.ID)
	}
	return &Proxy{node: s.node, host: host, id: acc.ID}, nil
}

func (s *Service) serveUpdate(ctx context.Context, src *bnet.Peer, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	id := args[0].(string)
	op := Op(args[1].(string))
	value := args[2]

	s.mu.Lock()
	acc, ok := s.accumulators[id]
	s.mu.Unlock()
	if !ok {
		log.Printf("accumulate: received update for unknown accumulator %s", id)
		return nil, nil
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	updated, err := applyOp(acc.Value, op, value)
	if err != nil {
		log.Error.Printf("accumulate: unable to update accumulator %s with op %s and value %v: %v", id, op, value, err)
		return nil, nil
	}
	acc.Value = updated
	return nil, nil
}

// Proxy is the remote-callable reference to an Accumulator a worker holds
// in place of the real value.
type Proxy struct {
	node *rmi.Node
	host *bnet.Peer
	id   string
}

// Update applies op with value to the accumulator's value on its host
// node, mirroring AccumulatorProxy.update in the original. It does not
// wait for the update to be durably visible beyond the RMI round trip.
func (p *Proxy) Update(ctx context.Context, op Op, value interface{}) error {
	_, err := p.node.Service(p.host, "accumulate").Method("update").Call(ctx, []interface{}{p.id, string(op), value}, nil)
	return err
}

// Add, Sub, Mul, Div, LShift, RShift, And and Or are convenience wrappers
// around Update for the built-in operators, the Go analogue of the
// original's __iadd__/__isub__/etc. dunder methods.
func (p *Proxy) Add(ctx context.Context, value interface{}) error    { return p.Update(ctx, OpAdd, value) }
func (p *Proxy) Sub(ctx context.Context, value interface{}) error    { return p.Update(ctx, OpSub, value) }
func (p *Proxy) Mul(ctx context.Context, value interface{}) error    { return p.Update(ctx, OpMul, value) }
func (p *Proxy) Div(ctx context.Context, value interface{}) error    { return p.Update(ctx, OpDiv, value) }
func (p *Proxy) LShift(ctx context.Context, value interface{}) error { return p.Update(ctx, OpLShift, value) }
func (p *Proxy) RShift(ctx context.Context, value interface{}) error { return p.Update(ctx, OpRShift, value) }
func (p *Proxy) And(ctx context.Context, value interface{}) error    { return p.Update(ctx, OpAnd, value) }
func (p *Proxy) Or(ctx context.Context, value interface{}) error     { return p.Update(ctx, OpOr, value) }

func applyOp(current interface{}, op Op, value interface{}) (interface{}, error) {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpLShift, OpRShift, OpAnd, OpOr:
		return applyArith(current, op, value)
	default:
		if u, ok := current.(Updater); ok {
			return u.Update(string(op), value)
		}
		return nil, bndlerr.ConfigError("accumulate: %T has no method %q and is not numeric", current, op)
	}
}

func applyArith(current interface{}, op Op, value interface{}) (interface{}, error) {
	cf, cok := toFloat(current)
	vf, vok := toFloat(value)
	_, cIsInt := toInt(current)
	_, vIsInt := toInt(value)
	if cok && vok && !(cIsInt && vIsInt) && (op == OpAdd || op == OpSub || op == OpMul || op == OpDiv) {
		switch op {
		case OpAdd:
			return coerceLike(current, cf+vf), nil
		case OpSub:
			return coerceLike(current, cf-vf), nil
		case OpMul:
			return coerceLike(current, cf*vf), nil
		case OpDiv:
			if vf == 0 {
				return nil, fmt.Errorf("accumulate: division by zero")
			}
			return coerceLike(current, cf/vf), nil
		}
	}
	ci, ciok := toInt(current)
	vi, viok := toInt(value)
	if ciok && viok {
		switch op {
		case OpAdd:
			return coerceIntLike(current, ci+vi), nil
		case OpSub:
			return coerceIntLike(current, ci-vi), nil
		case OpMul:
			return coerceIntLike(current, ci*vi), nil
		case OpDiv:
			if vi == 0 {
				return nil, fmt.Errorf("accumulate: division by zero")
			}
			return coerceIntLike(current, ci/vi), nil
		case OpLShift:
			return coerceIntLike(current, ci<<uint(vi)), nil
		case OpRShift:
			return coerceIntLike(current, ci>>uint(vi)), nil
		case OpAnd:
			return coerceIntLike(current, ci&vi), nil
		case OpOr:
			return coerceIntLike(current, ci|vi), nil
		}
	}
	return nil, fmt.Errorf("accumulate: cannot apply op %s to %T and %T", op, current, value)
}

func toFloat(v interface{}) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	}
	return 0, false
}

func toInt(v interface{}) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	}
	return 0, false
}

func coerceLike(sample interface{}, f float64) interface{} {
	switch sample.(type) {
	case float32:
		return float32(f)
	default:
		return f
	}
}

func coerceIntLike(sample interface{}, i int64) interface{} {
	switch sample.(type) {
	case int:
		return int(i)
	case int32:
		return int32(i)
	case float64:
		return float64(i)
	case float32:
		return float32(i)
	default:
		return i
	}
}
