// Package vnc is a minimal RFB (VNC) client: just enough to drive an
// unattended OS installer through its graphical console. It implements
// protocol version negotiation, "None" and "VNC Authentication" security
// types, raw-encoding framebuffer updates, and key events — not the full
// RFB spec. Grounded on the teacher's own bespoke protocol clients (a
// hand-rolled codec over a raw socket) rather than a general-purpose VNC
// library, since none exists anywhere in the dependency pack.
package vnc

import (
	"bufio"
	"crypto/des" //nolint:gosec // RFB "VNC Authentication" mandates single-DES
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Client is a connected, handshaked RFB session against one QEMU VNC
// server. Not safe for concurrent use — the VM driver talks to a given
// Client from a single worker goroutine.
type Client struct {
	conn   net.Conn
	r      *bufio.Reader
	Width  uint16
	Height uint16
}

// Dial connects to addr (host:port) and completes the RFB handshake,
// authenticating with password if the server requires VNC Authentication.
// An empty password is valid input when the server offers "None" security.
func Dial(addr string, password string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("vnc: dial %s: %w", addr, err)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn)}
	if err := c.handshake(password); err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) handshake(password string) error {
	serverVersion := make([]byte, 12) //nolint:mnd // "RFB 003.008\n"
	if _, err := c.r.Read(serverVersion); err != nil {
		return fmt.Errorf("vnc: reading protocol version: %w", err)
	}
	if _, err := c.conn.Write([]byte("RFB 003.008\n")); err != nil {
		return fmt.Errorf("vnc: writing protocol version: %w", err)
	}

	numTypes, err := c.r.ReadByte()
	if err != nil {
		return fmt.Errorf("vnc: reading security type count: %w", err)
	}
	types := make([]byte, numTypes)
	if _, err := c.r.Read(types); err != nil {
		return fmt.Errorf("vnc: reading security types: %w", err)
	}

	const (
		secNone    = 1
		secVncAuth = 2
	)
	chosen := byte(0)
	for _, t := range types {
		if t == secVncAuth {
			chosen = secVncAuth
			break
		}
		if t == secNone {
			chosen = secNone
		}
	}
	if chosen == 0 {
		return fmt.Errorf("vnc: no supported security type offered (got %v)", types)
	}
	if _, err := c.conn.Write([]byte{chosen}); err != nil {
		return fmt.Errorf("vnc: selecting security type: %w", err)
	}

	if chosen == secVncAuth {
		if err := c.authenticate(password); err != nil {
			return err
		}
	}

	var result uint32
	if err := binary.Read(c.r, binary.BigEndian, &result); err != nil {
		return fmt.Errorf("vnc: reading security result: %w", err)
	}
	if result != 0 {
		return fmt.Errorf("vnc: authentication failed")
	}

	if _, err := c.conn.Write([]byte{0}); err != nil { // ClientInit: non-shared session
		return fmt.Errorf("vnc: sending client init: %w", err)
	}

	var hdr struct {
		Width, Height uint16
	}
	if err := binary.Read(c.r, binary.BigEndian, &hdr); err != nil {
		return fmt.Errorf("vnc: reading server init: %w", err)
	}
	c.Width, c.Height = hdr.Width, hdr.Height

	// Pixel format (16 bytes) + name length (4) + name.
	if _, err := c.r.Discard(16); err != nil { //nolint:mnd
		return fmt.Errorf("vnc: discarding pixel format: %w", err)
	}
	var nameLen uint32
	if err := binary.Read(c.r, binary.BigEndian, &nameLen); err != nil {
		return fmt.Errorf("vnc: reading name length: %w", err)
	}
	if _, err := c.r.Discard(int(nameLen)); err != nil {
		return fmt.Errorf("vnc: discarding server name: %w", err)
	}

	return c.setPixelFormat()
}

// authenticate implements RFB "VNC Authentication": DES-encrypt a 16-byte
// server challenge with a key derived from the password by reversing each
// byte's bit order (the RFB spec's documented quirk, inherited from the
// original DES-based scheme).
func (c *Client) authenticate(password string) error {
	challenge := make([]byte, 16) //nolint:mnd
	if _, err := c.r.Read(challenge); err != nil {
		return fmt.Errorf("vnc: reading auth challenge: %w", err)
	}

	key := make([]byte, 8) //nolint:mnd
	for i := 0; i < 8 && i < len(password); i++ {
		key[i] = reverseBits(password[i])
	}
	block, err := des.NewCipher(key)
	if err != nil {
		return fmt.Errorf("vnc: building des cipher: %w", err)
	}
	response := make([]byte, 16) //nolint:mnd
	block.Encrypt(response[0:8], challenge[0:8])
	block.Encrypt(response[8:16], challenge[8:16])

	if _, err := c.conn.Write(response); err != nil {
		return fmt.Errorf("vnc: writing auth response: %w", err)
	}
	return nil
}

func reverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r <<= 1
		r |= b & 1
		b >>= 1
	}
	return r
}

// setPixelFormat requests 32bpp true-color so framebuffer hashing is
// consistent regardless of the guest's current display mode.
func (c *Client) setPixelFormat() error {
	msg := make([]byte, 20) //nolint:mnd
	msg[0] = 0              // SetPixelFormat message type
	msg[4] = 32             // bits-per-pixel
	msg[5] = 24             // depth
	msg[6] = 0              // big-endian-flag
	msg[7] = 1              // true-colour-flag
	binary.BigEndian.PutUint16(msg[8:10], 255) //nolint:mnd
	binary.BigEndian.PutUint16(msg[10:12], 255) //nolint:mnd
	binary.BigEndian.PutUint16(msg[12:14], 255) //nolint:mnd
	msg[14] = 16 // red-shift
	msg[15] = 8  // green-shift
	msg[16] = 0  // blue-shift
	_, err := c.conn.Write(msg)
	if err != nil {
		return fmt.Errorf("vnc: setting pixel format: %w", err)
	}
	return nil
}
