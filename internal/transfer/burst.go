package transfer

import (
	"context"

	"cbmcopy/internal/cbm"
	"cbmcopy/internal/proto"
)

// burst leaves the handshake to the adapter. A successful read answer is
// the MoreDataFollows marker, the block and a final status byte; a failed
// read is a single status byte.
type burst struct {
	bp cbm.BurstPort
}

func (w *burst) name() string { return "burst" }

func (w *burst) open(ctx context.Context) error { return nil }

func (w *burst) release() {}

func (w *burst) send(ctx context.Context, p []byte) error {
	return w.bp.BurstWrite(ctx, p)
}

func (w *burst) recv(ctx context.Context, p []byte) error {
	return w.bp.BurstRead(ctx, p)
}

func (w *burst) recvBlock(ctx context.Context, buf []byte) (byte, error) {
	st := make([]byte, 1)
	if err := w.bp.BurstRead(ctx, st); err != nil {
		return 0, err
	}
	if st[0] != proto.MoreDataFollows {
		return st[0], nil
	}
	if err := w.bp.BurstRead(ctx, buf); err != nil {
		return 0, err
	}
	if err := w.bp.BurstRead(ctx, st); err != nil {
		return 0, err
	}
	return st[0], nil
}
