package tor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// SOCKSVersion tags which SOCKS dialect a proxy connection negotiates.
type SOCKSVersion int

const (
	SOCKS4  SOCKSVersion = 4
	SOCKS4A SOCKSVersion = 4 // distinguished from SOCKS4 only by using domain names; same wire version byte
	SOCKS5  SOCKSVersion = 5
)

// ProxyStatus is a proxy connection's health state.
type ProxyStatus string

const (
	ProxyConnecting ProxyStatus = "connecting"
	ProxyHealthy    ProxyStatus = "healthy"
	ProxyError      ProxyStatus = "error"
	ProxyClosed     ProxyStatus = "closed"
)

// HealthCheckInterval and TunnelCleanupInterval mirror the background
// monitoring cadences of the original proxy manager.
const (
	HealthCheckInterval  = 60 * time.Second
	TunnelCleanupInterval = 30 * time.Second
)

var (
	ErrProxyUnreachable = errors.New("socks: proxy unreachable")
	ErrAuthRejected     = errors.New("socks: authentication rejected")
	ErrProxyNotFound    = errors.New("socks: proxy connection not found")
	ErrTunnelNotFound   = errors.New("socks: tunnel not found")
	ErrUnsupportedProto = errors.New("socks: unsupported protocol for tunnel (TCP only)")
)

// ProxyConfig describes a SOCKS proxy endpoint to open a logical connection
// against.
type ProxyConfig struct {
	Host     string
	Port     int
	Version  SOCKSVersion
	Username string
	Password string
	Timeout  time.Duration
}

func (c ProxyConfig) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyConnection is a monitored logical handle to a SOCKS proxy; dialing
// through it creates a fresh TCP connection per CONNECT (SOCKS proxies are
// not multiplexed), while this record tracks aggregate health and counters.
type ProxyConnection struct {
	ID           string
	Config       ProxyConfig
	Status       ProxyStatus
	LastError    string
	BytesSent    uint64
	BytesRecv    uint64
	CreatedAt    time.Time
}

// TunnelRequest describes a local listener to be paired with a proxy dial.
type TunnelRequest struct {
	LocalHost  string
	LocalPort  int
	RemoteHost string
	RemotePort int
	Protocol   string // "tcp" only in scope
	ProxyID    string
}

// Tunnel is a running local listener forwarding accepted connections through
// a SOCKS proxy connection to a remote address.
type Tunnel struct {
	ID            string
	Request       TunnelRequest
	BytesTunneled uint64
	listener      net.Listener
	closed        chan struct{}
	closeOnce     sync.Once
}

// ProxyManager opens outbound SOCKS connections and local tunnel listeners
// through a shared SOCKS proxy (typically Tor's local SOCKS port). It is the
// sole owner of per-connection and per-tunnel state.
type ProxyManager struct {
	mu       sync.Mutex
	proxies  map[string]*proxyEntry
	tunnels  map[string]*Tunnel
	nextID   uint64
	dialTO   time.Duration
	stopOnce sync.Once
	stop     chan struct{}
}

type proxyEntry struct {
	conn *ProxyConnection
}

// NewProxyManager constructs a ProxyManager and starts its background health
// and cleanup monitors.
func NewProxyManager() *ProxyManager {
	pm := &ProxyManager{
		proxies: make(map[string]*proxyEntry),
		tunnels: make(map[string]*Tunnel),
		dialTO:  10 * time.Second,
		stop:    make(chan struct{}),
	}
	go pm.monitorProxies()
	go pm.monitorTunnels()
	return pm
}

func (pm *ProxyManager) newID(kind, host string, port int) string {
	pm.nextID++
	return fmt.Sprintf("%s_%x_%x", kind, hashString(host), uint32(port)^uint32(pm.nextID))
}

func hashString(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// OpenProxy validates reachability of cfg via a protocol-level handshake and
// registers a monitored proxy connection.
func (pm *ProxyManager) OpenProxy(ctx context.Context, cfg ProxyConfig) (string, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = pm.dialTO
	}

	if err := probeHandshake(ctx, cfg); err != nil {
		if errors.Is(err, ErrAuthRejected) {
			return "", ErrAuthRejected
		}
		return "", fmt.Errorf("%w: %v", ErrProxyUnreachable, err)
	}

	pm.mu.Lock()
	id := pm.newID("proxy", cfg.Host, cfg.Port)
	pm.proxies[id] = &proxyEntry{conn: &ProxyConnection{
		ID:        id,
		Config:    cfg,
		Status:    ProxyHealthy,
		CreatedAt: time.Now().UTC(),
	}}
	pm.mu.Unlock()
	return id, nil
}

// probeHandshake performs a handshake-only validation against cfg: it dials
// the proxy and runs the greeting/auth exchange without issuing a CONNECT.
func probeHandshake(ctx context.Context, cfg ProxyConfig) error {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return err
	}
	defer conn.Close()

	if cfg.Version != SOCKS5 {
		return nil // SOCKS4/4a have no independent handshake step to probe.
	}
	if err := conn.SetDeadline(time.Now().Add(cfg.Timeout)); err != nil {
		return err
	}
	return socks5Greet(conn, cfg)
}

// OpenTunnel starts a local listener per req and returns its id. Each
// accepted client connection is paired with a fresh SOCKS dial to the
// tunnel's remote address and bytes are forwarded bidirectionally until
// either side closes.
func (pm *ProxyManager) OpenTunnel(ctx context.Context, req TunnelRequest) (string, error) {
	if req.Protocol != "" && req.Protocol != "tcp" {
		return "", ErrUnsupportedProto
	}

	pm.mu.Lock()
	entry, ok := pm.proxies[req.ProxyID]
	pm.mu.Unlock()
	if !ok {
		return "", ErrProxyNotFound
	}

	listenAddr := net.JoinHostPort(req.LocalHost, strconv.Itoa(req.LocalPort))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return "", fmt.Errorf("socks: listen %s: %w", listenAddr, err)
	}

	pm.mu.Lock()
	id := pm.newID("tunnel", req.RemoteHost, req.RemotePort)
	tun := &Tunnel{ID: id, Request: req, listener: ln, closed: make(chan struct{})}
	pm.tunnels[id] = tun
	pm.mu.Unlock()

	go pm.acceptLoop(tun, entry)
	return id, nil
}

func (pm *ProxyManager) acceptLoop(tun *Tunnel, entry *proxyEntry) {
	for {
		client, err := tun.listener.Accept()
		if err != nil {
			select {
			case <-tun.closed:
				return
			default:
				return
			}
		}
		pm.mu.Lock()
		status := entry.conn.Status
		pm.mu.Unlock()
		if status == ProxyError || status == ProxyClosed {
			client.Close()
			continue
		}
		go pm.forward(tun, entry, client)
	}
}

func (pm *ProxyManager) forward(tun *Tunnel, entry *proxyEntry, client net.Conn) {
	defer client.Close()

	remote, err := dialThroughSOCKS(context.Background(), entry.conn.Config, tun.Request.RemoteHost, tun.Request.RemotePort)
	if err != nil {
		pm.mu.Lock()
		entry.conn.Status = ProxyError
		entry.conn.LastError = err.Error()
		pm.mu.Unlock()
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(remote, client)
		atomic.AddUint64(&tun.BytesTunneled, uint64(n))
		pm.mu.Lock()
		entry.conn.BytesSent += uint64(n)
		pm.mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(client, remote)
		atomic.AddUint64(&tun.BytesTunneled, uint64(n))
		pm.mu.Lock()
		entry.conn.BytesRecv += uint64(n)
		pm.mu.Unlock()
	}()
	wg.Wait()
}

// CloseProxy tears down id and every tunnel riding on it. Idempotent.
func (pm *ProxyManager) CloseProxy(id string) error {
	pm.mu.Lock()
	entry, ok := pm.proxies[id]
	if !ok {
		pm.mu.Unlock()
		return nil
	}
	var toClose []*Tunnel
	for _, t := range pm.tunnels {
		if t.Request.ProxyID == id {
			toClose = append(toClose, t)
		}
	}
	entry.conn.Status = ProxyClosed
	delete(pm.proxies, id)
	pm.mu.Unlock()

	for _, t := range toClose {
		pm.CloseTunnel(t.ID)
	}
	return nil
}

// CloseTunnel stops accepting new connections on id. Idempotent.
func (pm *ProxyManager) CloseTunnel(id string) error {
	pm.mu.Lock()
	tun, ok := pm.tunnels[id]
	if !ok {
		pm.mu.Unlock()
		return nil
	}
	delete(pm.tunnels, id)
	pm.mu.Unlock()

	tun.closeOnce.Do(func() {
		close(tun.closed)
		tun.listener.Close()
	})
	return nil
}

// ListProxies returns a snapshot of all proxy connections.
func (pm *ProxyManager) ListProxies() []ProxyConnection {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]ProxyConnection, 0, len(pm.proxies))
	for _, e := range pm.proxies {
		out = append(out, *e.conn)
	}
	return out
}

// ListTunnels returns a snapshot of all tunnels.
func (pm *ProxyManager) ListTunnels() []Tunnel {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]Tunnel, 0, len(pm.tunnels))
	for _, t := range pm.tunnels {
		cp := *t
		cp.BytesTunneled = atomic.LoadUint64(&t.BytesTunneled)
		out = append(out, cp)
	}
	return out
}

// Shutdown stops the background monitors and closes every proxy and tunnel.
func (pm *ProxyManager) Shutdown() {
	pm.stopOnce.Do(func() { close(pm.stop) })
	pm.mu.Lock()
	ids := make([]string, 0, len(pm.proxies))
	for id := range pm.proxies {
		ids = append(ids, id)
	}
	pm.mu.Unlock()
	for _, id := range ids {
		pm.CloseProxy(id)
	}
}

// monitorProxies probes each open proxy's reachability at HealthCheckInterval.
func (pm *ProxyManager) monitorProxies() {
	ticker := time.NewTicker(HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pm.mu.Lock()
			snapshot := make([]*proxyEntry, 0, len(pm.proxies))
			for _, e := range pm.proxies {
				snapshot = append(snapshot, e)
			}
			pm.mu.Unlock()
			for _, e := range snapshot {
				ctx, cancel := context.WithTimeout(context.Background(), e.conn.Config.Timeout)
				err := probeHandshake(ctx, e.conn.Config)
				cancel()
				pm.mu.Lock()
				if err != nil {
					e.conn.Status = ProxyError
					e.conn.LastError = err.Error()
				} else if e.conn.Status == ProxyError {
					e.conn.Status = ProxyHealthy
					e.conn.LastError = ""
				}
				pm.mu.Unlock()
			}
		case <-pm.stop:
			return
		}
	}
}

// monitorTunnels closes tunnels whose proxy has gone permanently away at
// TunnelCleanupInterval. Tunnels do not self-heal per the shared-resource
// policy; in-flight bytes are left to drain naturally by forward's io.Copy.
func (pm *ProxyManager) monitorTunnels() {
	ticker := time.NewTicker(TunnelCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pm.mu.Lock()
			var stale []string
			for id, t := range pm.tunnels {
				if _, ok := pm.proxies[t.Request.ProxyID]; !ok {
					stale = append(stale, id)
				}
			}
			pm.mu.Unlock()
			for _, id := range stale {
				pm.CloseTunnel(id)
			}
		case <-pm.stop:
			return
		}
	}
}

// dialThroughSOCKS opens a fresh TCP connection to cfg's proxy and issues a
// CONNECT to host:port, returning the resulting relay connection.
func dialThroughSOCKS(ctx context.Context, cfg ProxyConfig, host string, port int) (net.Conn, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}

	switch cfg.Version {
	case SOCKS5:
		if err := socks5Greet(conn, cfg); err != nil {
			conn.Close()
			return nil, err
		}
		if err := socks5Connect(conn, host, port); err != nil {
			conn.Close()
			return nil, err
		}
	case SOCKS4:
		if err := socks4Connect(conn, host, port); err != nil {
			conn.Close()
			return nil, err
		}
	default:
		conn.Close()
		return nil, fmt.Errorf("socks: unsupported version %d", cfg.Version)
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// socks5Greet performs the version/method negotiation and, if required, the
// username/password sub-negotiation of RFC 1929.
func socks5Greet(conn net.Conn, cfg ProxyConfig) error {
	methods := []byte{0x00}
	if cfg.Username != "" {
		methods = []byte{0x00, 0x02}
	}
	greeting := append([]byte{0x05, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return err
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return err
	}
	if resp[0] != 0x05 {
		return fmt.Errorf("socks5: unexpected version byte 0x%02x", resp[0])
	}
	switch resp[1] {
	case 0x00:
		return nil
	case 0x02:
		return socks5Authenticate(conn, cfg)
	default:
		return ErrAuthRejected
	}
}

func socks5Authenticate(conn net.Conn, cfg ProxyConfig) error {
	buf := []byte{0x01, byte(len(cfg.Username))}
	buf = append(buf, cfg.Username...)
	buf = append(buf, byte(len(cfg.Password)))
	buf = append(buf, cfg.Password...)
	if _, err := conn.Write(buf); err != nil {
		return err
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return err
	}
	if resp[1] != 0x00 {
		return ErrAuthRejected
	}
	return nil
}

// socks5Connect issues a CONNECT request for host:port, preferring the
// domain-name address type (0x03) so the proxy itself resolves the name —
// required so .onion addresses never touch a local resolver.
func socks5Connect(conn net.Conn, host string, port int) error {
	var req []byte
	req = append(req, 0x05, 0x01, 0x00)
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		req = append(req, 0x01)
		req = append(req, ip.To4()...)
	} else {
		req = append(req, 0x03, byte(len(host)))
		req = append(req, host...)
	}
	req = append(req, byte(port>>8), byte(port))
	if _, err := conn.Write(req); err != nil {
		return err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return err
	}
	if header[0] != 0x05 {
		return fmt.Errorf("socks5: unexpected version byte 0x%02x", header[0])
	}
	if header[1] != 0x00 {
		return fmt.Errorf("socks5: connect failed, reply code 0x%02x", header[1])
	}
	switch header[3] {
	case 0x01: // IPv4
		skip := make([]byte, 4+2)
		_, err := io.ReadFull(conn, skip)
		return err
	case 0x03: // domain name
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return err
		}
		skip := make([]byte, int(lenBuf[0])+2)
		_, err := io.ReadFull(conn, skip)
		return err
	case 0x04: // IPv6
		skip := make([]byte, 16+2)
		_, err := io.ReadFull(conn, skip)
		return err
	default:
		return fmt.Errorf("socks5: unknown bound address type 0x%02x", header[3])
	}
}

// socks4Connect issues a SOCKS4a CONNECT, which always uses the domain-name
// extension (invalid-IP 0.0.0.x trick) so onion addresses are resolved
// proxy-side rather than locally.
func socks4Connect(conn net.Conn, host string, port int) error {
	req := []byte{0x04, 0x01, byte(port >> 8), byte(port), 0x00, 0x00, 0x00, 0x01, 0x00}
	req = append(req, host...)
	req = append(req, 0x00)
	if _, err := conn.Write(req); err != nil {
		return err
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return err
	}
	if resp[0] != 0x00 {
		return fmt.Errorf("socks4: malformed reply version 0x%02x", resp[0])
	}
	if resp[1] != 0x5a {
		return fmt.Errorf("socks4: connect rejected, code 0x%02x", resp[1])
	}
	return nil
}
