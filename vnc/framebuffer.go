package vnc

import (
	"crypto/sha1" //nolint:gosec // screen-match fingerprint, not a security boundary
	"encoding/binary"
	"fmt"
)

// bytesPerPixel matches setPixelFormat's 32bpp true-color request.
const bytesPerPixel = 4

// Rect is a framebuffer sub-rectangle, in pixels, top-left origin.
type Rect struct {
	Top, Left, Width, Height int
}

// Screenshot fetches one full-framebuffer update and returns it as raw
// bytesPerPixel-packed pixel data, Width*Height*bytesPerPixel long.
func (c *Client) Screenshot() ([]byte, error) {
	return c.screenshotRect(Rect{0, 0, int(c.Width), int(c.Height)})
}

// ScreenshotRect fetches a sub-rectangle of the framebuffer.
func (c *Client) ScreenshotRect(r Rect) ([]byte, error) {
	return c.screenshotRect(r)
}

func (c *Client) screenshotRect(r Rect) ([]byte, error) {
	req := make([]byte, 10) //nolint:mnd
	req[0] = 3               // FramebufferUpdateRequest
	req[1] = 0               // incremental = false
	binary.BigEndian.PutUint16(req[2:4], uint16(r.Left))   //nolint:gosec
	binary.BigEndian.PutUint16(req[4:6], uint16(r.Top))    //nolint:gosec
	binary.BigEndian.PutUint16(req[6:8], uint16(r.Width))  //nolint:gosec
	binary.BigEndian.PutUint16(req[8:10], uint16(r.Height)) //nolint:gosec
	if _, err := c.conn.Write(req); err != nil {
		return nil, fmt.Errorf("vnc: requesting framebuffer update: %w", err)
	}

	// QEMU's VNC server won't send Bell/ServerCutText unsolicited during
	// install automation, so anything but FramebufferUpdate is an error.
	mt, err := c.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("vnc: reading message type: %w", err)
	}
	if mt != 0 {
		return nil, fmt.Errorf("vnc: unexpected message type %d while awaiting framebuffer update", mt)
	}

	if _, err := c.r.Discard(1); err != nil { // padding
		return nil, fmt.Errorf("vnc: discarding padding: %w", err)
	}
	var numRects uint16
	if err := binary.Read(c.r, binary.BigEndian, &numRects); err != nil {
		return nil, fmt.Errorf("vnc: reading rectangle count: %w", err)
	}

	out := make([]byte, r.Width*r.Height*bytesPerPixel)
	for i := uint16(0); i < numRects; i++ {
		var hdr struct {
			X, Y, W, H uint16
			Encoding   int32
		}
		if err := binary.Read(c.r, binary.BigEndian, &hdr); err != nil {
			return nil, fmt.Errorf("vnc: reading rectangle header: %w", err)
		}
		if hdr.Encoding != 0 { // Raw
			return nil, fmt.Errorf("vnc: unsupported encoding %d (only Raw is implemented)", hdr.Encoding)
		}
		body := make([]byte, int(hdr.W)*int(hdr.H)*bytesPerPixel)
		if _, err := fullRead(c.r, body); err != nil {
			return nil, fmt.Errorf("vnc: reading rectangle body: %w", err)
		}
		copyRectInto(out, r.Width, body, int(hdr.X)-r.Left, int(hdr.Y)-r.Top, int(hdr.W), int(hdr.H))
	}
	return out, nil
}

func copyRectInto(dst []byte, dstWidth int, src []byte, x, y, w, h int) {
	for row := 0; row < h; row++ {
		dstOff := ((y+row)*dstWidth + x) * bytesPerPixel
		srcOff := row * w * bytesPerPixel
		if dstOff < 0 || dstOff+w*bytesPerPixel > len(dst) {
			continue
		}
		copy(dst[dstOff:dstOff+w*bytesPerPixel], src[srcOff:srcOff+w*bytesPerPixel])
	}
}

func fullRead(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ScreenHash returns the hex SHA-1 of the full framebuffer, for WaitScreen.
func (c *Client) ScreenHash() (string, error) {
	pixels, err := c.Screenshot()
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(pixels) //nolint:gosec
	return fmt.Sprintf("%x", sum), nil
}

// ScreenHashRect returns the hex SHA-1 of a sub-rectangle, for
// WaitScreenRect — isolating the signature from unrelated regions like a
// clock or blinking cursor.
func (c *Client) ScreenHashRect(r Rect) (string, error) {
	pixels, err := c.ScreenshotRect(r)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(pixels) //nolint:gosec
	return fmt.Sprintf("%x", sum), nil
}
