package app

import (
	"context"
	"net"
	"sync"

	"utp/internal/conf"
	"utp/internal/flog"
	"utp/internal/forward"
	"utp/internal/mux"
	"utp/internal/packet"
	"utp/internal/socks5"
	"utp/internal/tunnel"
)

// Client dials cfg.Server once, multiplexes every front end over the
// resulting Stream's app-level tunnel.
type Client struct {
	cfg *conf.Conf
	mux *mux.Mux
	tun *tunnel.Tunnel
}

// NewClient binds a local socket, connects to cfg.Server, and establishes
// the app-level tunnel on top of the resulting Stream.
func NewClient(ctx context.Context, cfg *conf.Conf) (*Client, error) {
	cipher, err := packet.NewCipher(cfg.Crypto.Block)
	if err != nil {
		return nil, err
	}

	bindAddr := cfg.Listen
	if bindAddr == "" {
		bindAddr = ":0"
	}
	m, err := mux.Bind(bindAddr, &cfg.Mux, &cfg.Stream, cipher)
	if err != nil {
		return nil, err
	}

	peer, err := net.ResolveUDPAddr("udp", cfg.Server)
	if err != nil {
		m.Close()
		return nil, err
	}

	st, err := m.Connect(ctx, peer, &cfg.Stream)
	if err != nil {
		m.Close()
		return nil, err
	}

	tun, err := tunnel.NewClient(st, &cfg.Tunnel)
	if err != nil {
		st.Close()
		m.Close()
		return nil, err
	}

	return &Client{cfg: cfg, mux: m, tun: tun}, nil
}

// Start runs every configured front end over the client's tunnel until ctx
// is canceled.
func (c *Client) Start(ctx context.Context) error {
	var wg sync.WaitGroup

	if c.cfg.SOCKS5 != nil {
		srv, err := socks5.Listen(c.cfg.SOCKS5.Listen, c.tun)
		if err != nil {
			return err
		}
		flog.Infof("app: socks5 listening on %s", c.cfg.SOCKS5.Listen_)
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Serve(ctx)
		}()
	}

	for i := range c.cfg.Forward {
		fwd := forward.New(c.cfg.Forward[i], c.tun)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fwd.ListenUDP(ctx)
		}()
	}

	wg.Wait()
	c.tun.Close()
	return c.mux.Close()
}
