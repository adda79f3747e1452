// Package app wires the multiplexer, tunnel, and CLI front ends together
// into the two runnable roles a uTP endpoint process takes: server (binds
// and accepts) and client (connects out). The shape mirrors the teacher's
// own internal/client + internal/server split, each exposing New/Start.
package app

import (
	"context"
	"sync"

	"utp/internal/conf"
	"utp/internal/flog"
	"utp/internal/forward"
	"utp/internal/mux"
	"utp/internal/packet"
	"utp/internal/socks5"
	"utp/internal/stream"
	"utp/internal/tunnel"
)

// Server accepts incoming uTP connections and, for each one, opens an
// app-level tunnel carrying the configured SOCKS5 relay and/or UDP forward
// rules.
type Server struct {
	cfg *conf.Conf
	mux *mux.Mux
}

// NewServer binds cfg.Listen and is ready to Start accepting peers.
func NewServer(cfg *conf.Conf) (*Server, error) {
	cipher, err := packet.NewCipher(cfg.Crypto.Block)
	if err != nil {
		return nil, err
	}

	m, err := mux.Bind(cfg.Listen, &cfg.Mux, &cfg.Stream, cipher)
	if err != nil {
		return nil, err
	}

	return &Server{cfg: cfg, mux: m}, nil
}

// Start accepts Streams until ctx is canceled, handling each on its own
// goroutine so one slow or malicious peer never blocks the others.
func (s *Server) Start(ctx context.Context) error {
	for {
		st, err := s.mux.Accept(ctx, &s.cfg.Stream)
		if err != nil {
			if ctx.Err() != nil {
				return s.mux.Close()
			}
			flog.Errorf("app: accept failed: %v", err)
			continue
		}
		flog.Infof("app: accepted connection from %s (cid %v)", st.CID().Peer, st.CID())
		go s.handleStream(ctx, st)
	}
}

// handleStream runs every configured front end over one accepted Stream's
// app-level tunnel until the peer disconnects or ctx is canceled.
func (s *Server) handleStream(ctx context.Context, st *stream.Stream) {
	defer st.Close()

	tun, err := tunnel.NewServer(st, &s.cfg.Tunnel)
	if err != nil {
		flog.Errorf("app: failed to start tunnel session for %s: %v", st.CID().Peer, err)
		return
	}
	defer tun.Close()

	var wg sync.WaitGroup

	if s.cfg.SOCKS5 != nil {
		relay := socks5.NewRelay(tun)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Serve(ctx)
		}()
	}

	for i := range s.cfg.Forward {
		fwd := forward.New(s.cfg.Forward[i], tun)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fwd.ServeUDP(ctx)
		}()
	}

	wg.Wait()
	flog.Infof("app: connection from %s closed", st.CID().Peer)
}
