package net

import (
	stdnet "net"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/towr/bndl/bndl/bndlerr"
)

// Peer is a named, possibly-connected remote node. Dial is lazy and
// memoized: the first caller to need a connection establishes it, later
// callers reuse it until it disconnects.
type Peer struct {
	Name    string
	Addr    string
	IsLocal bool

	mu   sync.Mutex
	conn *Conn
}

// Conn returns a connected Conn to the peer, dialing if necessary.
func (p *Peer) Conn() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && p.conn.IsConnected() {
		return p.conn, nil
	}
	raw, err := stdnet.Dial("tcp", p.Addr)
	if err != nil {
		return nil, bndlerr.NotConnected("dial %s (%s): %v", p.Name, p.Addr, err)
	}
	p.conn = NewConn(raw)
	return p.conn, nil
}

// Disconnect closes and forgets the peer's connection, if any.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Table is a registry of known peers, indexed by name. It is the
// equivalent of bndl.net.node.Node.peers in the original.
type Table struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	self  string
}

func NewTable(selfName string) *Table {
	return &Table{peers: make(map[string]*Peer), self: selfName}
}

func (t *Table) Add(p *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[p.Name] = p
}

func (t *Table) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[name]; ok {
		p.Disconnect()
		delete(t.peers, name)
	}
}

func (t *Table) Get(name string) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[name]
	return p, ok
}

// All returns every known peer, in no particular order.
func (t *Table) All() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Listener accepts inbound connections and hands them to onAccept.
type Listener struct {
	ln stdnet.Listener
}

// Listen binds addr ("host:port"; port 0 means "any free port", matching
// the bndl.net.listen_addresses default of "host:0" in spec §6) and
// returns a Listener whose Addr() reports the bound address.
func Listen(addr string) (*Listener, error) {
	ln, err := stdnet.Listen("tcp", addr)
	if err != nil {
		return nil, bndlerr.ConfigError("listen on %s: %v", addr, err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Addr() string { return l.ln.Addr().String() }

func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until the listener is closed, handing each to
// onAccept on its own goroutine.
func (l *Listener) Serve(onAccept func(*Conn)) {
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			log.Printf("net: listener %s stopped: %v", l.ln.Addr(), err)
			return
		}
		go onAccept(NewConn(raw))
	}
}
