package transfer

import (
	"context"

	"cbmcopy/internal/cbm"
)

// parallel moves one byte per edge over the XP1541 cable. The host toggles
// CLOCK, the drive answers by toggling DATA. Messages are padded to an even
// length so both lines are released again between messages.
type parallel struct {
	l  cbm.Lines
	pp cbm.ParallelPort

	clk  bool // host CLOCK asserted
	data bool // drive DATA asserted
}

func (w *parallel) name() string { return "parallel" }

func (w *parallel) open(ctx context.Context) error {
	w.release()
	return w.l.Wait(ctx, cbm.LineData, false)
}

func (w *parallel) release() {
	w.l.Release(cbm.LineATN | cbm.LineClock | cbm.LineData)
	w.clk, w.data = false, false
}

func (w *parallel) toggle(ctx context.Context) error {
	w.clk = !w.clk
	if w.clk {
		w.l.Set(cbm.LineClock)
	} else {
		w.l.Release(cbm.LineClock)
	}
	w.data = !w.data
	return w.l.Wait(ctx, cbm.LineData, w.data)
}

func (w *parallel) send(ctx context.Context, p []byte) error {
	for _, b := range padded(p) {
		w.pp.WritePP(b)
		if err := w.toggle(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *parallel) recv(ctx context.Context, p []byte) error {
	n := len(p) + len(p)&1
	for i := 0; i < n; i++ {
		if err := w.toggle(ctx); err != nil {
			return err
		}
		b := w.pp.ReadPP()
		if i < len(p) {
			p[i] = b
		}
	}
	return nil
}

func (w *parallel) recvBlock(ctx context.Context, buf []byte) (byte, error) {
	return recvStatusBlock(ctx, w, buf)
}

// padded returns p extended to an even length.
func padded(p []byte) []byte {
	if len(p)&1 == 0 {
		return p
	}
	out := make([]byte, len(p)+1)
	copy(out, p)
	return out
}
