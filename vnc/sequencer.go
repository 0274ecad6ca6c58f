package vnc

import (
	"context"
	"fmt"
	"time"

	"github.com/goldboot/goldboot/types"
)

// pollInterval is how often WaitScreen*/ polls the framebuffer, within the
// 1-2 Hz range spec.md calls for.
const pollInterval = 600 * time.Millisecond

// Wait blocks for the given duration, or until ctx is cancelled.
func (c *Client) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitScreen polls the full framebuffer until its SHA-1 equals want, or
// ctx is cancelled. There is no built-in timeout beyond ctx — per
// spec.md's concurrency model, screen waits are bounded by external
// process supervision, not by this call.
func (c *Client) WaitScreen(ctx context.Context, want string) error {
	return c.waitScreenHash(ctx, func() (string, error) { return c.ScreenHash() }, want)
}

// WaitScreenRect is WaitScreen restricted to a sub-rectangle, so unrelated
// regions (clocks, blinking cursors) don't perturb the signature.
func (c *Client) WaitScreenRect(ctx context.Context, want string, r Rect) error {
	return c.waitScreenHash(ctx, func() (string, error) { return c.ScreenHashRect(r) }, want)
}

func (c *Client) waitScreenHash(ctx context.Context, hash func() (string, error), want string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		got, err := hash()
		if err != nil {
			return err
		}
		if got == want {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunBootCommand dispatches one types.BootCommand against this client.
// This is the VM Driver's single entry point for VNC automation — every
// screen-dependent step must be preceded by a WaitScreen* in the
// caller's command list, per spec.md's ordering guarantee.
func (c *Client) RunBootCommand(ctx context.Context, cmd types.BootCommand) error {
	switch cmd.Op {
	case "wait":
		return c.Wait(ctx, time.Duration(cmd.WaitSeconds*float64(time.Second)))
	case "wait_screen":
		return c.WaitScreen(ctx, cmd.ScreenHash)
	case "wait_screen_rect":
		if cmd.Rect == nil {
			return fmt.Errorf("vnc: wait_screen_rect requires a rect")
		}
		return c.WaitScreenRect(ctx, cmd.ScreenHash, Rect{
			Top: cmd.Rect.Top, Left: cmd.Rect.Left, Width: cmd.Rect.Width, Height: cmd.Rect.Height,
		})
	case "type":
		return c.Type(cmd.Text)
	case "enter":
		return c.Enter()
	case "tab":
		return c.Tab()
	case "spacebar":
		return c.Spacebar()
	case "escape":
		return c.Escape()
	case "left_super":
		return c.LeftSuper()
	default:
		return fmt.Errorf("vnc: unknown boot command op %q", cmd.Op)
	}
}
