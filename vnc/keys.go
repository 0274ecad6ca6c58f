package vnc

import "fmt"

// X keysym values for the named keys BootCommand needs. Type sends any
// other character as its code point, unchecked.
const (
	keysymBackspace = 0xff08
	keysymTab       = 0xff09
	keysymReturn    = 0xff0d
	keysymEscape    = 0xff1b
	keysymSpace     = 0x0020
	keysymSuperL    = 0xffeb
	keysymShiftL    = 0xffe1
)

func (c *Client) sendKeyEvent(keysym uint32, down bool) error {
	msg := make([]byte, 8) //nolint:mnd
	msg[0] = 4              // KeyEvent
	if down {
		msg[1] = 1
	}
	putU32(msg[4:8], keysym)
	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("vnc: sending key event: %w", err)
	}
	return nil
}

func putU32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

func (c *Client) tapKey(keysym uint32) error {
	if err := c.sendKeyEvent(keysym, true); err != nil {
		return err
	}
	return c.sendKeyEvent(keysym, false)
}

func (c *Client) tapShifted(keysym uint32) error {
	if err := c.sendKeyEvent(keysymShiftL, true); err != nil {
		return err
	}
	if err := c.tapKey(keysym); err != nil {
		return err
	}
	return c.sendKeyEvent(keysymShiftL, false)
}

// shiftedSymbols maps characters that require the shift modifier on a
// standard US keyboard to their unshifted keysym.
var shiftedSymbols = map[rune]uint32{
	'!': '1', '@': '2', '#': '3', '$': '4', '%': '5',
	'^': '6', '&': '7', '*': '8', '(': '9', ')': '0',
	'_': '-', '+': '=', '{': '[', '}': ']', '|': '\\',
	':': ';', '"': '\'', '<': ',', '>': '.', '?': '/', '~': '`',
}

// Type sends a string as a sequence of key taps: lower/upper-case letters,
// digits, and the common shifted punctuation are all handled via the
// keysym space, which maps 1:1 onto Latin-1 code points for printable
// ASCII — the simplification the RFB spec itself documents.
func (c *Client) Type(s string) error {
	for _, r := range s {
		if sym, shifted := shiftedSymbols[r]; shifted {
			if err := c.tapShifted(sym); err != nil {
				return err
			}
			continue
		}
		if r >= 'A' && r <= 'Z' {
			if err := c.tapShifted(uint32(r - 'A' + 'a')); err != nil {
				return err
			}
			continue
		}
		if err := c.tapKey(uint32(r)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Enter() error     { return c.tapKey(keysymReturn) }
func (c *Client) Tab() error       { return c.tapKey(keysymTab) }
func (c *Client) Spacebar() error  { return c.tapKey(keysymSpace) }
func (c *Client) Escape() error    { return c.tapKey(keysymEscape) }
func (c *Client) LeftSuper() error { return c.tapKey(keysymSuperL) }
