// Package rmi implements request/response remote method invocation over a
// bndl/net connection (spec §4.2), adapted from bndl/rmi/node.py
// (original_source). A Node owns a service registry (name -> Service) and,
// per connected peer, a table of outstanding request futures keyed by
// req_id. Errors raised by a remote method are reconstructed as an
// InvocationException on the caller carrying the remote error's class
// (NotConnected, Timeout, Cancelled, CacheMiss or Error) and message; no
// remote stack trace is sent, so its Stack is empty.
package rmi

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/log"
	"github.com/towr/bndl/bndl/bndlerr"
	bnet "github.com/towr/bndl/bndl/net"
)

func init() {
	gob.Register(Request{})
	gob.Register(Response{})
}

// Request is a single remote invocation, carried as a net.Message. See
// spec §6 for the wire fields.
type Request struct {
	ReqID   uint64
	Service string
	Method  string
	Args    []interface{}
	Kwargs  map[string]interface{}
}

// Response answers a Request on the same connection. Exactly one of Value
// or the Exception fields is meaningful.
type Response struct {
	ReqID     uint64
	Value     interface{}
	HasExc    bool
	ExcKind   string
	ExcMsg    string
	ExcStack  string
}

// Dispatch controls how a registered method is invoked when a Request for
// it arrives (spec §4.2).
type Dispatch int

const (
	// DispatchPool runs the method on the bounded on-demand thread pool.
	// This is the default, matching the original.
	DispatchPool Dispatch = iota
	// DispatchDirect runs the method inline on the connection's dispatch
	// goroutine; only safe for non-blocking, synchronous-safe methods.
	DispatchDirect
	// DispatchAsync runs the method on its own goroutine, for methods that
	// are themselves asynchronous/coroutine-like and manage their own
	// blocking.
	DispatchAsync
)

// Method is a single remote-invokable method. src is the peer that sent
// the request; kwargs is never nil (empty map if absent).
type Method func(ctx context.Context, src *bnet.Peer, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// Service is a named collection of Methods, the unit registered into a
// Node's service registry.
type Service map[string]Method

// Node is a peer in the RMI mesh: it can both invoke methods on other
// peers and serve its own registered services to them.
type Node struct {
	Name  string
	Peers *bnet.Table

	mu       sync.Mutex
	services map[string]Service

	reqIDs uint64

	pool *boundedPool

	// pending maps a connection to its outstanding request futures. Keyed
	// by peer name since each peer has at most one live connection.
	pendingMu sync.Mutex
	pending   map[string]map[uint64]chan Response
}

// NewNode creates a Node bound to name, serving through peers, with
// at-most-maxWorkers concurrent pool-dispatched method invocations.
func NewNode(name string, peers *bnet.Table, maxWorkers int) *Node {
	return &Node{
		Name:     name,
		Peers:    peers,
		services: make(map[string]Service),
		pool:     newBoundedPool(maxWorkers),
		pending:  make(map[string]map[uint64]chan Response),
	}
}

// Register adds a service under name, replacing any prior registration.
func (n *Node) Register(name string, svc Service) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.services[name] = svc
}

func (n *Node) lookup(service, method string) (Method, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	svc, ok := n.services[service]
	if !ok {
		return nil, false
	}
	m, ok := svc[method]
	return m, ok
}

// dispatchModes records the Dispatch requested for a (service, method)
// pair at registration time via RegisterWithDispatch; methods not present
// default to DispatchPool.
var dispatchModesMu sync.Mutex
var dispatchModes = map[string]Dispatch{}

// RegisterWithDispatch is like Register but also records the dispatch mode
// for each method, looked up as "service.method".
func (n *Node) RegisterWithDispatch(name string, svc Service, modes map[string]Dispatch) {
	n.Register(name, svc)
	dispatchModesMu.Lock()
	defer dispatchModesMu.Unlock()
	for method, mode := range modes {
		dispatchModes[name+"."+method] = mode
	}
}

func dispatchModeFor(service, method string) Dispatch {
	dispatchModesMu.Lock()
	defer dispatchModesMu.Unlock()
	return dispatchModes[service+"."+method]
}

// Serve drives a single accepted/dialed connection from peer, dispatching
// Requests to the local service registry and resolving Responses against
// pending futures. It returns when the connection disconnects; all
// futures pending on it are then failed with NotConnected, mirroring
// RMIPeerNode.disconnect.
func (n *Node) Serve(peer *bnet.Peer, conn *bnet.Conn) {
	conn.ReadLoop(func(msg bnet.Message, _ map[string][]byte) bool {
		switch m := msg.(type) {
		case Request:
			n.handleRequest(conn, peer, m)
		case Response:
			n.handleResponse(peer, m)
		default:
			log.Error.Printf("rmi: unexpected message type %T from %s", msg, peer.Name)
		}
		return true
	})
	n.failPending(peer.Name)
}

func (n *Node) handleRequest(conn *bnet.Conn, src *bnet.Peer, req Request) {
	method, ok := n.lookup(req.Service, req.Method)
	if !ok {
		n.reply(conn, req.ReqID, nil, fmt.Errorf("unknown method %s.%s", req.Service, req.Method))
		return
	}
	invoke := func() {
		value, err := n.safeInvoke(method, src, req)
		n.reply(conn, req.ReqID, value, err)
	}
	switch dispatchModeFor(req.Service, req.Method) {
	case DispatchDirect:
		invoke()
	case DispatchAsync:
		go invoke()
	default:
		n.pool.Submit(invoke)
	}
}

func (n *Node) safeInvoke(method Method, src *bnet.Peer, req Request) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s.%s: %v", req.Service, req.Method, r)
		}
	}()
	kwargs := req.Kwargs
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	return method(context.Background(), src, req.Args, kwargs)
}

func (n *Node) reply(conn *bnet.Conn, reqID uint64, value interface{}, err error) {
	resp := Response{ReqID: reqID}
	if err != nil {
		resp.HasExc = true
		resp.ExcKind, resp.ExcMsg, resp.ExcStack = classifyErr(err)
	} else {
		resp.Value = value
	}
	if sendErr := conn.Send(resp, nil); sendErr != nil {
		log.Printf("rmi: unable to deliver response %d: %v", reqID, sendErr)
	}
}

func classifyErr(err error) (kind, msg, stack string) {
	switch {
	case bndlerr.IsNotConnected(err):
		kind = "NotConnected"
	case bndlerr.IsTimeout(err):
		kind = "Timeout"
	case bndlerr.IsCancelled(err):
		kind = "Cancelled"
	case bndlerr.IsCacheMiss(err):
		kind = "CacheMiss"
	default:
		kind = "Error"
	}
	return kind, err.Error(), ""
}

func (n *Node) handleResponse(peer *bnet.Peer, resp Response) {
	n.pendingMu.Lock()
	byReq := n.pending[peer.Name]
	var ch chan Response
	if byReq != nil {
		ch = byReq[resp.ReqID]
		delete(byReq, resp.ReqID)
	}
	n.pendingMu.Unlock()
	if ch == nil {
		log.Printf("rmi: response for unknown request id %d from %s", resp.ReqID, peer.Name)
		return
	}
	ch <- resp
}

func (n *Node) failPending(peerName string) {
	n.pendingMu.Lock()
	byReq := n.pending[peerName]
	delete(n.pending, peerName)
	n.pendingMu.Unlock()
	for _, ch := range byReq {
		ch <- Response{HasExc: true, ExcKind: "NotConnected", ExcMsg: "peer disconnected"}
	}
}

func (n *Node) register(peerName string, reqID uint64) chan Response {
	ch := make(chan Response, 1)
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	if n.pending[peerName] == nil {
		n.pending[peerName] = make(map[uint64]chan Response)
	}
	n.pending[peerName][reqID] = ch
	return ch
}

func (n *Node) unregister(peerName string, reqID uint64) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	if byReq := n.pending[peerName]; byReq != nil {
		delete(byReq, reqID)
	}
}

// Invocation is a single pending or repeatable remote call, mirroring the
// original's Invocation/Service split (peer.service("x").method(...)).
type Invocation struct {
	node    *Node
	peer    *bnet.Peer
	service string
	method  string
	timeout time.Duration
}

// Service returns an invocation builder bound to service on peer.
func (n *Node) Service(peer *bnet.Peer, service string) *Invocation {
	return &Invocation{node: n, peer: peer, service: service}
}

// Method returns a copy of inv bound to method name, analogous to Python's
// Service.__getattr__.
func (inv *Invocation) Method(name string) *Invocation {
	cp := *inv
	cp.method = name
	return &cp
}

// WithTimeout returns a copy of inv that aborts the local wait after d.
// Per spec §5, a timeout never cancels the remote side by itself.
func (inv *Invocation) WithTimeout(d time.Duration) *Invocation {
	cp := *inv
	cp.timeout = d
	return &cp
}

// Call performs the remote invocation and blocks for its result.
func (inv *Invocation) Call(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	conn, err := inv.peer.Conn()
	if err != nil {
		return nil, err
	}
	reqID := atomic.AddUint64(&inv.node.reqIDs, 1)
	req := Request{ReqID: reqID, Service: inv.service, Method: inv.method, Args: args, Kwargs: kwargs}

	respc := inv.node.register(inv.peer.Name, reqID)
	defer inv.node.unregister(inv.peer.Name, reqID)

	if err := conn.Send(req, nil); err != nil {
		return nil, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if inv.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	select {
	case resp := <-respc:
		if resp.HasExc {
			if resp.ExcKind == "NotConnected" {
				return nil, bndlerr.NotConnected("%s: %s", inv.peer.Name, resp.ExcMsg)
			}
			return nil, bndlerr.NewInvocationException(inv.peer.Name, resp.ExcKind, resp.ExcMsg, resp.ExcStack, fmt.Errorf("%s", resp.ExcMsg))
		}
		return resp.Value, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, bndlerr.Cancelled("invocation of %s.%s on %s cancelled", inv.service, inv.method, inv.peer.Name)
		}
		return nil, bndlerr.Timeout("invocation of %s.%s on %s timed out", inv.service, inv.method, inv.peer.Name)
	}
}
