// Package mux implements the uTP connection multiplexer: the single
// datagram socket, connection-id bookkeeping, and accept/connect
// rendezvous that every live Stream sits behind.
package mux

import (
	"context"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"utp/internal/cid"
	"utp/internal/conf"
	"utp/internal/event"
	"utp/internal/expiring"
	"utp/internal/flog"
	"utp/internal/packet"
	"utp/internal/queue"
	"utp/internal/stream"
)

// acceptRequest is a pending call to Accept or AcceptWithCid: a reply slot
// plus the connection config it should hand to the Stream it rendezvouses
// with. cid is nil for a plain Accept, set for AcceptWithCid.
type acceptRequest struct {
	cid    *cid.ID
	cfg    *conf.Stream
	result chan acceptResult
	once   sync.Once
}

type acceptResult struct {
	stream *stream.Stream
	err    error
}

// reply fires the request's reply slot exactly once. The channel is
// buffered so a caller that already gave up (context canceled) never
// blocks this send — the built Stream, if any, is simply orphaned.
func (r *acceptRequest) reply(st *stream.Stream, err error) {
	r.once.Do(func() {
		r.result <- acceptResult{stream: st, err: err}
	})
}

// incomingEntry is one buffered SYN awaiting a matching acceptor.
type incomingEntry struct {
	ID  cid.ID
	Pkt *packet.Packet
}

type inboundDatagram struct {
	data []byte
	addr net.Addr
	err  error
}

// Mux is the uTP connection multiplexer. Construct with Bind or WithSocket.
type Mux struct {
	conn   net.PacketConn
	cfgMux *conf.Mux
	cfg    *conf.Stream
	cipher *packet.Cipher

	connsMu sync.RWMutex
	conns   map[cid.Key]event.ConnChannel

	awaiting *expiring.Map[*acceptRequest]
	incoming *expiring.Map[incomingEntry]
	// incomingOrder tracks insertion order of incoming's keys so plain
	// Accept can pick "the first buffered SYN" deterministically. Only
	// ever touched from the event-loop goroutine.
	incomingOrder []string

	acceptInbox        *queue.Unbounded[*acceptRequest]
	acceptWithCidInbox *queue.Unbounded[*acceptRequest]
	outbound           event.OutboundChannel

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Bind opens a UDP socket at addr and returns a running Mux.
func Bind(addr string, cfgMux *conf.Mux, cfgStream *conf.Stream, cipher *packet.Cipher) (*Mux, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "mux: bind")
	}
	return WithSocket(conn, cfgMux, cfgStream, cipher), nil
}

// WithSocket builds a running Mux over any already-bound net.PacketConn.
func WithSocket(conn net.PacketConn, cfgMux *conf.Mux, cfgStream *conf.Stream, cipher *packet.Cipher) *Mux {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		conn:               conn,
		cfgMux:             cfgMux,
		cfg:                cfgStream,
		cipher:             cipher,
		conns:              make(map[cid.Key]event.ConnChannel),
		awaiting:           expiring.New[*acceptRequest](cfgMux.AwaitTimeout),
		incoming:           expiring.New[incomingEntry](cfgMux.AwaitTimeout),
		acceptInbox:        queue.New[*acceptRequest](),
		acceptWithCidInbox: queue.New[*acceptRequest](),
		outbound:           queue.New[event.SocketEvent](),
		ctx:                ctx,
		cancel:             cancel,
		done:               make(chan struct{}),
	}
	go m.run()
	return m
}

// Close drops the multiplexer: every live connection's ConnChannel
// receives Shutdown on a best-effort basis, the event loop exits, and the
// underlying socket is closed.
func (m *Mux) Close() error {
	m.cancel()
	<-m.done
	return m.conn.Close()
}

// NumConnections reports the number of live entries in the connection
// registry.
func (m *Mux) NumConnections() int {
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()
	return len(m.conns)
}

// CID reserves a connection id for peer without claiming it — a later
// ConnectWithCID using the same id will still need to win the race against
// any other allocation.
func (m *Mux) CID(peer net.Addr, isInitiator bool) cid.ID {
	id, _ := m.generateCID(peer, isInitiator, false)
	return id
}

// Connect allocates a fresh initiator cid and dials peer.
func (m *Mux) Connect(ctx context.Context, peer net.Addr, cfg *conf.Stream) (*stream.Stream, error) {
	id, ch := m.generateCID(peer, true, true)
	return m.finishConnect(ctx, id, ch, cfg)
}

// ConnectWithCID dials peer using a caller-supplied cid, failing with
// ErrConnectionIdUnavailable if it is already claimed.
func (m *Mux) ConnectWithCID(ctx context.Context, id cid.ID, cfg *conf.Stream) (*stream.Stream, error) {
	key := id.Key()
	m.connsMu.Lock()
	if _, exists := m.conns[key]; exists {
		m.connsMu.Unlock()
		return nil, ErrConnectionIdUnavailable
	}
	ch := queue.New[event.StreamEvent]()
	m.conns[key] = ch
	m.connsMu.Unlock()
	return m.finishConnect(ctx, id, ch, cfg)
}

func (m *Mux) finishConnect(ctx context.Context, id cid.ID, ch event.ConnChannel, cfg *conf.Stream) (*stream.Stream, error) {
	if cfg == nil {
		cfg = m.cfg
	}

	type outcome struct {
		stream *stream.Stream
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		st, err := stream.Dial(id, m.conn.LocalAddr(), ch, m.outbound, cfg)
		resultCh <- outcome{st, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			m.removeConn(id.Key())
			if r.err == stream.ErrConnectTimeout {
				return nil, ErrTimedOut
			}
			return nil, r.err
		}
		return r.stream, nil
	case <-ctx.Done():
		// The caller gave up; the dial keeps running in the background
		// and the registry entry is cleaned up (or left orphaned, if it
		// succeeds) once it resolves — see spec's Cancellation policy.
		go func() {
			r := <-resultCh
			if r.err != nil {
				m.removeConn(id.Key())
			}
		}()
		return nil, ctx.Err()
	}
}

// Accept pairs with any one currently buffered SYN.
func (m *Mux) Accept(ctx context.Context, cfg *conf.Stream) (*stream.Stream, error) {
	req := &acceptRequest{cfg: cfg, result: make(chan acceptResult, 1)}
	if err := m.submit(m.acceptInbox, req); err != nil {
		return nil, err
	}
	select {
	case res := <-req.result:
		return res.stream, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptWithCID matches only the specified cid, parking up to the
// configured await timeout if no SYN has arrived for it yet.
func (m *Mux) AcceptWithCID(ctx context.Context, id cid.ID, cfg *conf.Stream) (*stream.Stream, error) {
	req := &acceptRequest{cid: &id, cfg: cfg, result: make(chan acceptResult, 1)}
	if err := m.submit(m.acceptWithCidInbox, req); err != nil {
		return nil, err
	}
	select {
	case res := <-req.result:
		return res.stream, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Mux) submit(inbox *queue.Unbounded[*acceptRequest], req *acceptRequest) error {
	select {
	case <-m.done:
		return ErrNotConnected
	default:
	}
	inbox.Send(req)
	return nil
}

// generateCID draws a random cid for peer, retrying on collision until
// either a free id is found or cfgMux.CIDGenerationHardCap attempts have
// been made (see spec.md's Design Notes on the unbounded retry loop — a
// hard cap trades a vanishingly rare collision for guaranteed progress).
// If insert is true, the winning cid's channel is atomically present in
// conns before this returns, so the caller never races a concurrent
// allocation of the same id.
func (m *Mux) generateCID(peer net.Addr, isInitiator, insert bool) (cid.ID, event.ConnChannel) {
	for attempt := 1; ; attempt++ {
		id := cid.Generate(peer, isInitiator)
		key := id.Key()

		m.connsMu.Lock()
		if _, exists := m.conns[key]; exists {
			m.connsMu.Unlock()
			if attempt == m.cfgMux.CIDGenerationWarnAt {
				flog.Warnf("mux: %d collisions while generating cid for %s", attempt, peer)
			}
			if attempt >= m.cfgMux.CIDGenerationHardCap {
				flog.Errorf("mux: cid generation hard cap (%d) reached for %s, accepting collision risk", m.cfgMux.CIDGenerationHardCap, peer)
				var ch event.ConnChannel
				if insert {
					ch = queue.New[event.StreamEvent]()
					m.connsMu.Lock()
					m.conns[key] = ch
					m.connsMu.Unlock()
				}
				return id, ch
			}
			continue
		}
		var ch event.ConnChannel
		if insert {
			ch = queue.New[event.StreamEvent]()
			m.conns[key] = ch
		}
		m.connsMu.Unlock()
		return id, ch
	}
}

// removeConn drops key's registry entry and closes its ingress channel; the
// channel's pump goroutine exits once any events still buffered in it have
// been received.
func (m *Mux) removeConn(key cid.Key) {
	m.connsMu.Lock()
	ch, ok := m.conns[key]
	delete(m.conns, key)
	m.connsMu.Unlock()
	if ok {
		ch.Close()
	}
}

// run is the multiplexer's event loop: one goroutine owning the socket,
// the registry, and both expiring maps.
func (m *Mux) run() {
	defer close(m.done)

	datagramCh := make(chan inboundDatagram)
	go m.readLoop(datagramCh)

	for {
		// The inbound datagram source is sampled first on every
		// iteration, ahead of the select below, so acceptor churn can
		// never starve packet demultiplexing.
		select {
		case d := <-datagramCh:
			if m.handleDatagram(d) {
				return
			}
			continue
		default:
		}

		var acceptCh <-chan *acceptRequest
		if len(m.incomingOrder) > 0 {
			acceptCh = m.acceptInbox.Recv()
		}

		select {
		case d := <-datagramCh:
			if m.handleDatagram(d) {
				return
			}
		case req, ok := <-m.acceptWithCidInbox.Recv():
			if ok {
				m.handleAcceptWithCID(req)
			}
		case req, ok := <-acceptCh:
			if ok {
				m.handleAccept(req)
			}
		case ev, ok := <-m.outbound.Recv():
			if ok {
				m.handleOutbound(ev)
			}
		case entry, ok := <-m.awaiting.Expired():
			if ok {
				entry.Value.reply(nil, ErrTimedOut)
			}
		case entry, ok := <-m.incoming.Expired():
			if ok {
				flog.Debugf("mux: unclaimed SYN for %s expired", entry.Value.ID)
				m.removeFromIncomingOrder(entry.Key)
			}
		case <-m.ctx.Done():
			m.drop()
			return
		}
	}
}

func (m *Mux) readLoop(out chan<- inboundDatagram) {
	buf := make([]byte, m.cfgMux.MaxUDPPayload)
	for {
		n, addr, err := m.conn.ReadFrom(buf)
		if err != nil {
			select {
			case out <- inboundDatagram{err: err}:
			case <-m.ctx.Done():
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- inboundDatagram{data: data, addr: addr}:
		case <-m.ctx.Done():
			return
		}
	}
}

// handleDatagram processes one inbound datagram. It returns true if the
// event loop should exit (the socket itself failed).
func (m *Mux) handleDatagram(d inboundDatagram) bool {
	if d.err != nil {
		flog.Errorf("mux: socket recv failed, shutting down: %v", d.err)
		m.cancel()
		m.drop()
		return true
	}

	plain, err := m.cipher.Decrypt(d.data)
	if err != nil {
		flog.Debugf("mux: decrypt failed from %s: %v", d.addr, err)
		return false
	}
	pkt, err := packet.Decode(plain)
	if err != nil {
		flog.Debugf("mux: decode failed from %s: %v", d.addr, err)
		return false
	}

	acc, weInit, peerInit := cid.Derive(pkt.ConnID, d.addr, pkt.IsSyn())

	m.connsMu.RLock()
	chAcc, okAcc := m.conns[acc.Key()]
	chWe, okWe := m.conns[weInit.Key()]
	chPeer, okPeer := m.conns[peerInit.Key()]
	m.connsMu.RUnlock()

	switch {
	case okAcc:
		chAcc.Send(event.StreamEvent{Kind: event.Incoming, Packet: pkt})
		return false
	case okWe:
		chWe.Send(event.StreamEvent{Kind: event.Incoming, Packet: pkt})
		return false
	case okPeer:
		chPeer.Send(event.StreamEvent{Kind: event.Incoming, Packet: pkt})
		return false
	}

	switch {
	case pkt.IsSyn():
		key := acc.Key().String()
		if req, ok := m.awaiting.Take(key); ok {
			m.rendezvous(acc, req, pkt)
			return false
		}
		m.incoming.Insert(key, incomingEntry{ID: acc, Pkt: pkt})
		m.incomingOrder = append(m.incomingOrder, key)
	case pkt.IsReset():
		// Never reset-storm: a RESET against an unknown cid is dropped.
	default:
		m.outbound.Send(event.SocketEvent{
			Kind: event.Outgoing,
			Dest: d.addr,
			Packet: &packet.Packet{
				Type:      packet.Reset,
				ConnID:    pkt.ConnID,
				Timestamp: uint32(time.Now().UnixMicro()),
				Window:    100000,
				SeqNum:    uint16(rand.IntN(1 << 16)),
			},
		})
	}
	return false
}

func (m *Mux) handleAcceptWithCID(req *acceptRequest) {
	key := req.cid.Key()
	if entry, ok := m.incoming.Take(key.String()); ok {
		m.removeFromIncomingOrder(key.String())
		m.rendezvous(*req.cid, req, entry.Pkt)
		return
	}
	m.awaiting.Insert(key.String(), req)
}

func (m *Mux) handleAccept(req *acceptRequest) {
	entry, ok := m.popIncoming()
	if !ok {
		// The gating on incomingOrder guarantees this branch only runs
		// when something is buffered; if it races anyway, put the
		// request back rather than drop it silently.
		m.acceptInbox.Send(req)
		return
	}
	m.rendezvous(entry.ID, req, entry.Pkt)
}

// popIncoming returns the oldest still-live buffered SYN, skipping any
// stale order entries whose map value already expired or was consumed.
func (m *Mux) popIncoming() (incomingEntry, bool) {
	for len(m.incomingOrder) > 0 {
		key := m.incomingOrder[0]
		m.incomingOrder = m.incomingOrder[1:]
		if entry, ok := m.incoming.Take(key); ok {
			return entry, true
		}
	}
	return incomingEntry{}, false
}

func (m *Mux) removeFromIncomingOrder(key string) {
	filtered := m.incomingOrder[:0]
	for _, k := range m.incomingOrder {
		if k != key {
			filtered = append(filtered, k)
		}
	}
	m.incomingOrder = filtered
}

// rendezvous is the common helper behind both accept disciplines: it
// checks the cid is still free, claims it in conns, and hands off to a
// goroutine that brings the Stream up and fires req's reply slot exactly
// once.
func (m *Mux) rendezvous(id cid.ID, req *acceptRequest, initial *packet.Packet) {
	key := id.Key()

	m.connsMu.Lock()
	if _, exists := m.conns[key]; exists {
		m.connsMu.Unlock()
		req.reply(nil, ErrConnectionIdUnavailable)
		return
	}
	ch := queue.New[event.StreamEvent]()
	m.conns[key] = ch
	m.connsMu.Unlock()

	cfg := req.cfg
	if cfg == nil {
		cfg = m.cfg
	}

	go func() {
		ch.Send(event.StreamEvent{Kind: event.Incoming, Packet: initial})
		st, err := stream.Accept(id, m.conn.LocalAddr(), ch, m.outbound, cfg)
		if err != nil {
			m.removeConn(key)
			if err == stream.ErrConnectTimeout {
				req.reply(nil, ErrTimedOut)
				return
			}
			req.reply(nil, ErrConnectionAborted)
			return
		}
		req.reply(st, nil)
	}()
}

func (m *Mux) handleOutbound(ev event.SocketEvent) {
	switch ev.Kind {
	case event.Outgoing:
		m.send(ev.Packet, ev.Dest)
	case event.ShutdownConn:
		m.removeConn(ev.CID.Key())
	}
}

func (m *Mux) send(pkt *packet.Packet, dest net.Addr) {
	encoded := pkt.Encode()
	ciphertext, err := m.cipher.Encrypt(encoded)
	if err != nil {
		flog.Debugf("mux: encrypt failed for %s: %v", dest, err)
		return
	}
	if _, err := m.conn.WriteTo(ciphertext, dest); err != nil {
		flog.Debugf("mux: send-to %s failed: %v", dest, err)
	}
}

// drop sends Shutdown to every live connection's ConnChannel, best-effort,
// as spec.md's §4.5 requires when the multiplexer is torn down.
func (m *Mux) drop() {
	m.connsMu.RLock()
	chans := make([]event.ConnChannel, 0, len(m.conns))
	for _, ch := range m.conns {
		chans = append(chans, ch)
	}
	m.connsMu.RUnlock()

	for _, ch := range chans {
		ch.Send(event.StreamEvent{Kind: event.ShutdownStream})
	}
}
