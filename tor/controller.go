// Package tor is the sole interface between lucid-network and the local Tor
// process: the Onion Service Manager drives Tor's control-port protocol to
// create, persist, and rotate onion services, and the SOCKS Proxy Manager
// dials out (and tunnels in) through Tor's SOCKS port. Both managers are
// each the single owning client of their respective shared Tor resource,
// per the spec's shared-resource policy.
package tor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"
)

// OnionKeyType tags the key material behind an onion service.
type OnionKeyType string

const (
	// KeyNew asks Tor to generate a fresh Ed25519-v3 keypair.
	KeyNew OnionKeyType = "NEW"
	// KeyEd25519V3 supplies an existing Ed25519-v3 private key.
	KeyEd25519V3 OnionKeyType = "ED25519-V3"
)

// TorController is the narrow capability interface the Onion Service
// Manager uses to talk to Tor's control port. Production code talks the
// real control protocol (ControlPortController); tests back it with a fake.
type TorController interface {
	// AddOnion issues ADD_ONION for a service listening on onionPort and
	// forwarding to targetAddr. If keyType is KeyEd25519V3, privateKey must
	// hold Tor's `ED25519-V3:<base64>` key blob; for KeyNew it is ignored.
	// It returns the service id (the onion address's base32 label, without
	// ".onion"), the Tor-assigned or supplied private key blob, and error.
	AddOnion(ctx context.Context, keyType OnionKeyType, privateKey string, onionPort int, targetAddr string) (serviceID, privateKeyOut string, err error)
	// DelOnion issues DEL_ONION for serviceID. Absent ids are reported via
	// ErrServiceNotFound so callers can treat removal as idempotent.
	DelOnion(ctx context.Context, serviceID string) error
}

// ErrServiceNotFound is returned by DelOnion for a service id Tor does not
// recognize.
var ErrServiceNotFound = fmt.Errorf("tor: service not found")

// ErrControlChannelUnavailable is returned when the control connection
// cannot be established or is lost mid-session.
var ErrControlChannelUnavailable = fmt.Errorf("tor: control channel unavailable")

// ControlPortController drives Tor's real control-port protocol
// (ADD_ONION / DEL_ONION) over a single persistent connection, authenticated
// once at construction.
type ControlPortController struct {
	conn   net.Conn
	text   *textproto.Conn
	mu     chan struct{} // 1-buffered binary semaphore: one in-flight command at a time
}

// DialControlPort connects to addr (typically 127.0.0.1:9051), authenticates
// with password (empty string for no-auth / cookie-less setups), and
// returns a ready ControlPortController.
func DialControlPort(ctx context.Context, addr, password string) (*ControlPortController, error) {
	d := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrControlChannelUnavailable, err)
	}
	text := textproto.NewConn(conn)

	authCmd := "AUTHENTICATE"
	if password != "" {
		authCmd = fmt.Sprintf("AUTHENTICATE %q", password)
	}
	id, err := text.Cmd("%s", authCmd)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: authenticate: %v", ErrControlChannelUnavailable, err)
	}
	text.StartResponse(id)
	line, err := text.ReadLine()
	text.EndResponse(id)
	if err != nil || !strings.HasPrefix(line, "250") {
		conn.Close()
		return nil, fmt.Errorf("%w: authenticate rejected: %s", ErrControlChannelUnavailable, line)
	}

	c := &ControlPortController{conn: conn, text: text, mu: make(chan struct{}, 1)}
	c.mu <- struct{}{}
	return c, nil
}

func (c *ControlPortController) lock(ctx context.Context) error {
	select {
	case <-c.mu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ControlPortController) unlock() { c.mu <- struct{}{} }

func (c *ControlPortController) command(ctx context.Context, cmd string) ([]string, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	id, err := c.text.Cmd("%s", cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrControlChannelUnavailable, err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	var lines []string
	r := bufio.NewReader(c.text.R)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrControlChannelUnavailable, err)
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			break // "250 OK" style terminal line, as opposed to "250-" continuation
		}
	}
	return lines, nil
}

// AddOnion implements TorController.
func (c *ControlPortController) AddOnion(ctx context.Context, keyType OnionKeyType, privateKey string, onionPort int, targetAddr string) (string, string, error) {
	keySpec := string(keyType)
	if keyType == KeyEd25519V3 && privateKey != "" {
		keySpec = privateKey
	}
	cmd := fmt.Sprintf("ADD_ONION %s Port=%d,%s", keySpec, onionPort, targetAddr)

	lines, err := c.command(ctx, cmd)
	if err != nil {
		return "", "", err
	}

	var serviceID, keyOut string
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "250-ServiceID="):
			serviceID = strings.TrimPrefix(line, "250-ServiceID=")
		case strings.HasPrefix(line, "250-PrivateKey="):
			keyOut = strings.TrimPrefix(line, "250-PrivateKey=")
		}
	}
	if serviceID == "" {
		return "", "", fmt.Errorf("%w: ADD_ONION response missing ServiceID: %v", ErrControlChannelUnavailable, lines)
	}
	if keyOut == "" {
		keyOut = privateKey
	}
	return serviceID, keyOut, nil
}

// DelOnion implements TorController.
func (c *ControlPortController) DelOnion(ctx context.Context, serviceID string) error {
	lines, err := c.command(ctx, fmt.Sprintf("DEL_ONION %s", serviceID))
	if err != nil {
		return err
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "552") {
			return ErrServiceNotFound
		}
	}
	return nil
}

// Close tears down the control connection.
func (c *ControlPortController) Close() error {
	return c.conn.Close()
}

// defaultDialTimeout bounds DialControlPort when the caller passes a
// context without its own deadline.
const defaultDialTimeout = 10 * time.Second
