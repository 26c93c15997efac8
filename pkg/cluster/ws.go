package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// defaultReconnect is the pause before redialing a lost peer link.
const defaultReconnect = 200 * time.Millisecond

// frame is one message on a peer link. Requests carry Method/From/Body;
// responses carry the same ID with Resp set and Body or Err filled in.
type frame struct {
	ID     uint64 `msgpack:"i"`
	Resp   bool   `msgpack:"r"`
	Method string `msgpack:"m"`
	From   string `msgpack:"f"`
	Body   []byte `msgpack:"b"`
	Err    string `msgpack:"e"`
}

// WSConfig configures a WebSocket mesh node.
type WSConfig struct {
	// Name is this node's cluster name.
	Name string

	// ListenAddr is the TCP address the peer endpoint listens on.
	ListenAddr string

	// Peers maps peer names to their WebSocket URLs
	// (e.g. "ws://host:port/cluster").
	Peers map[string]string

	// Reconnect overrides the redial pause. Zero means the default.
	Reconnect time.Duration
}

// WS is a node of a WebSocket mesh. Every node dials every peer and uses
// its own outbound link for calls; inbound links only serve requests. The
// readiness gate opens once all outbound links are up.
type WS struct {
	cfg      WSConfig
	handlers handlerMap
	nextID   atomic.Uint64

	peersMu sync.RWMutex
	peers   map[string]*wsPeer

	mu      sync.Mutex
	ln      net.Listener
	started bool
	closed  chan struct{}
	once    sync.Once
}

// NewWS creates a mesh node. Call Start to open the listener and begin
// dialing peers.
func NewWS(cfg WSConfig) *WS {
	if cfg.Reconnect == 0 {
		cfg.Reconnect = defaultReconnect
	}
	w := &WS{
		cfg:    cfg,
		peers:  make(map[string]*wsPeer, len(cfg.Peers)),
		closed: make(chan struct{}),
	}
	for name, url := range cfg.Peers {
		w.peers[name] = &wsPeer{name: name, url: url}
	}
	return w
}

// Start opens the peer listener and starts the dialers.
func (w *WS) Start() error {
	ln, err := net.Listen("tcp", w.cfg.ListenAddr)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.ln = ln
	w.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/cluster", w.serveLink)
	go func() {
		if err := http.Serve(ln, mux); err != nil {
			select {
			case <-w.closed:
			default:
				slog.Error("cluster: peer listener failed", "error", err)
			}
		}
	}()

	w.peersMu.RLock()
	for _, p := range w.peers {
		go w.runPeer(p)
	}
	w.peersMu.RUnlock()

	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	return nil
}

// AddPeer registers a peer after construction, e.g. once its ephemeral
// listen address is known. If the node is already started the dialer
// starts immediately.
func (w *WS) AddPeer(name, url string) {
	p := &wsPeer{name: name, url: url}
	w.peersMu.Lock()
	w.peers[name] = p
	w.peersMu.Unlock()

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		go w.runPeer(p)
	}
}

// Addr returns the bound listener address.
func (w *WS) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ln == nil {
		return nil
	}
	return w.ln.Addr()
}

// Close tears down all links and the listener.
func (w *WS) Close() error {
	w.once.Do(func() { close(w.closed) })
	w.mu.Lock()
	ln := w.ln
	w.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	w.peersMu.RLock()
	defer w.peersMu.RUnlock()
	for _, p := range w.peers {
		p.drop(nil)
	}
	return nil
}

func (w *WS) Self() string { return w.cfg.Name }

func (w *WS) Nodes() []string {
	w.peersMu.RLock()
	defer w.peersMu.RUnlock()
	set := make(map[string]struct{}, len(w.peers)+1)
	set[w.cfg.Name] = struct{}{}
	for n := range w.peers {
		set[n] = struct{}{}
	}
	return sortedNames(set)
}

func (w *WS) ready() bool {
	w.peersMu.RLock()
	defer w.peersMu.RUnlock()
	for _, p := range w.peers {
		if !p.connected() {
			return false
		}
	}
	return true
}

func (w *WS) IfReady(fn func() error) error {
	if !w.ready() {
		return ErrNotReady
	}
	return fn()
}

func (w *WS) WaitReady(ctx context.Context) error {
	return waitReady(ctx, w.ready)
}

func (w *WS) Handle(method string, fn HandlerFunc) { w.handlers.set(method, fn) }

func (w *WS) Call(ctx context.Context, node, method string, req, resp any) error {
	if node == w.cfg.Name {
		return call(ctx, w.cfg.Name, method, req, resp,
			func(ctx context.Context, from, method string, body []byte) ([]byte, error) {
				return w.handlers.dispatch(ctx, from, method, body)
			})
	}
	w.peersMu.RLock()
	p, ok := w.peers[node]
	w.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	return call(ctx, w.cfg.Name, method, req, resp,
		func(ctx context.Context, from, method string, body []byte) ([]byte, error) {
			f := frame{
				ID:     w.nextID.Add(1),
				Method: method,
				From:   from,
				Body:   body,
			}
			r, err := p.roundTrip(ctx, f, w.closed)
			if err != nil {
				return nil, err
			}
			if r.Err != "" {
				return nil, &RemoteError{Node: node, Message: r.Err}
			}
			return r.Body, nil
		})
}

// serveLink handles an inbound peer link: requests in, responses out.
func (w *WS) serveLink(rw http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		slog.Debug("cluster: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			slog.Debug("cluster: bad frame", "error", err)
			return
		}
		go func(f frame) {
			body, err := w.handlers.dispatch(r.Context(), f.From, f.Method, f.Body)
			reply := frame{ID: f.ID, Resp: true, Body: body}
			if err != nil {
				reply.Err = err.Error()
			}
			data, merr := msgpack.Marshal(&reply)
			if merr != nil {
				slog.Error("cluster: encode reply", "error", merr)
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				slog.Debug("cluster: write reply failed", "peer", f.From, "error", err)
			}
		}(f)
	}
}

// runPeer keeps the outbound link to one peer alive.
func (w *WS) runPeer(p *wsPeer) {
	for {
		select {
		case <-w.closed:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(p.url, nil)
		if err != nil {
			time.Sleep(w.cfg.Reconnect)
			continue
		}
		p.attach(conn)
		slog.Info("cluster: peer link up", "peer", p.name)

		// Read loop: outbound links only ever see responses.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var f frame
			if err := msgpack.Unmarshal(data, &f); err != nil {
				break
			}
			if f.Resp {
				p.deliver(f)
			}
		}
		p.drop(conn)
		slog.Warn("cluster: peer link down", "peer", p.name)
		time.Sleep(w.cfg.Reconnect)
	}
}

// wsPeer is the outbound link state for one peer.
type wsPeer struct {
	name string
	url  string

	mu   sync.Mutex // guards conn and writes to it
	conn *websocket.Conn

	pmu     sync.Mutex
	pending map[uint64]chan frame
}

func (p *wsPeer) connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

func (p *wsPeer) attach(conn *websocket.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

// drop clears the link (if it still is the given conn) and fails every
// in-flight call.
func (p *wsPeer) drop(conn *websocket.Conn) {
	p.mu.Lock()
	if conn == nil || p.conn == conn {
		if p.conn != nil {
			p.conn.Close()
		}
		p.conn = nil
	}
	p.mu.Unlock()

	p.pmu.Lock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.pmu.Unlock()
}

func (p *wsPeer) deliver(f frame) {
	p.pmu.Lock()
	ch, ok := p.pending[f.ID]
	if ok {
		delete(p.pending, f.ID)
	}
	p.pmu.Unlock()
	if ok {
		ch <- f
	}
}

func (p *wsPeer) roundTrip(ctx context.Context, f frame, closed <-chan struct{}) (frame, error) {
	data, err := msgpack.Marshal(&f)
	if err != nil {
		return frame{}, err
	}

	ch := make(chan frame, 1)
	p.pmu.Lock()
	if p.pending == nil {
		p.pending = make(map[uint64]chan frame)
	}
	p.pending[f.ID] = ch
	p.pmu.Unlock()

	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		p.forget(f.ID)
		return frame{}, fmt.Errorf("cluster: no link to %s", p.name)
	}
	err = conn.WriteMessage(websocket.BinaryMessage, data)
	p.mu.Unlock()
	if err != nil {
		p.forget(f.ID)
		return frame{}, err
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return frame{}, fmt.Errorf("cluster: link to %s lost", p.name)
		}
		return r, nil
	case <-ctx.Done():
		p.forget(f.ID)
		return frame{}, ctx.Err()
	case <-closed:
		p.forget(f.ID)
		return frame{}, fmt.Errorf("cluster: shutting down")
	}
}

func (p *wsPeer) forget(id uint64) {
	p.pmu.Lock()
	delete(p.pending, id)
	p.pmu.Unlock()
}
