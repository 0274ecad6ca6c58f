package vnc

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer speaks just enough RFB to let Dial complete and one
// Screenshot round-trip succeed: version negotiation, "None" security,
// ServerInit, pixel format discard, and a single raw framebuffer update.
func fakeServer(t *testing.T, width, height int) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck

		conn.Write([]byte("RFB 003.008\n")) //nolint:errcheck
		clientVersion := make([]byte, 12)   //nolint:mnd
		conn.Read(clientVersion)            //nolint:errcheck

		conn.Write([]byte{1, 1}) //nolint:errcheck // one security type: None
		sec := make([]byte, 1)
		conn.Read(sec) //nolint:errcheck

		var result [4]byte // OK
		conn.Write(result[:]) //nolint:errcheck

		clientInit := make([]byte, 1)
		conn.Read(clientInit) //nolint:errcheck

		serverInit := make([]byte, 4) //nolint:mnd
		binary.BigEndian.PutUint16(serverInit[0:2], uint16(width))  //nolint:gosec
		binary.BigEndian.PutUint16(serverInit[2:4], uint16(height)) //nolint:gosec
		conn.Write(serverInit) //nolint:errcheck
		conn.Write(make([]byte, 16)) //nolint:errcheck,mnd // pixel format
		nameLen := make([]byte, 4)
		binary.BigEndian.PutUint32(nameLen, 0)
		conn.Write(nameLen) //nolint:errcheck

		pixfmt := make([]byte, 20) //nolint:mnd
		conn.Read(pixfmt)          //nolint:errcheck

		req := make([]byte, 10) //nolint:mnd
		conn.Read(req)          //nolint:errcheck

		conn.Write([]byte{0, 0})                 //nolint:errcheck // FramebufferUpdate, padding
		numRects := make([]byte, 2)
		binary.BigEndian.PutUint16(numRects, 1)
		conn.Write(numRects) //nolint:errcheck

		hdr := make([]byte, 12) //nolint:mnd
		binary.BigEndian.PutUint16(hdr[4:6], uint16(width))  //nolint:gosec
		binary.BigEndian.PutUint16(hdr[6:8], uint16(height)) //nolint:gosec
		conn.Write(hdr) //nolint:errcheck

		body := make([]byte, width*height*bytesPerPixel)
		for i := range body {
			body[i] = 0xAB
		}
		conn.Write(body) //nolint:errcheck
	}()
	return ln.Addr().String()
}

func TestDialAndScreenshot(t *testing.T) {
	addr := fakeServer(t, 4, 4)
	c, err := Dial(addr, "", 2*time.Second) //nolint:mnd
	require.NoError(t, err)
	defer c.Close() //nolint:errcheck

	require.Equal(t, uint16(4), c.Width)
	require.Equal(t, uint16(4), c.Height)

	pixels, err := c.Screenshot()
	require.NoError(t, err)
	require.Len(t, pixels, 4*4*bytesPerPixel)
	for _, b := range pixels {
		require.Equal(t, byte(0xAB), b)
	}
}

func TestScreenHashIsHexSHA1(t *testing.T) {
	addr := fakeServer(t, 2, 2)
	c, err := Dial(addr, "", 2*time.Second) //nolint:mnd
	require.NoError(t, err)
	defer c.Close() //nolint:errcheck

	hash, err := c.ScreenHash()
	require.NoError(t, err)

	// The fake server only answers one FramebufferUpdateRequest; WaitScreen
	// would block on a second poll. Assert the hash itself is well-formed
	// instead of driving a second round-trip.
	require.Len(t, hash, 40) //nolint:mnd // hex SHA-1
}
