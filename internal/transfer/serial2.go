package transfer

import (
	"context"

	"cbmcopy/internal/cbm"
)

// serial2 moves two bits per ATN cycle, one on each edge. The data line is
// always valid before the edge that announces it.
//
//	host send: DATA=b1, ATN low | drive: sample, CLOCK low
//	           DATA=b0, ATN high | drive: sample, CLOCK high
//	host recv: ATN low | drive: DATA=b1, CLOCK low
//	           sample, ATN high | drive: DATA=b0, CLOCK high
//	           sample
type serial2 struct {
	l cbm.Lines
}

func (w *serial2) name() string { return "serial2" }

func (w *serial2) open(ctx context.Context) error {
	w.l.Release(cbm.LineATN | cbm.LineClock | cbm.LineData)
	if err := w.l.Wait(ctx, cbm.LineClock, false); err != nil {
		return err
	}
	return w.l.Wait(ctx, cbm.LineData, false)
}

func (w *serial2) release() {
	w.l.Release(cbm.LineATN | cbm.LineClock | cbm.LineData)
}

func (w *serial2) putData(bit bool) {
	if bit {
		w.l.Release(cbm.LineData)
	} else {
		w.l.Set(cbm.LineData)
	}
}

func (w *serial2) sendByte(ctx context.Context, b byte) error {
	for i := 7; i > 0; i -= 2 {
		w.putData(b&(1<<uint(i)) != 0)
		w.l.Set(cbm.LineATN)
		if err := w.l.Wait(ctx, cbm.LineClock, true); err != nil {
			return err
		}
		w.putData(b&(1<<uint(i-1)) != 0)
		w.l.Release(cbm.LineATN)
		if err := w.l.Wait(ctx, cbm.LineClock, false); err != nil {
			return err
		}
	}
	w.l.Release(cbm.LineData)
	return nil
}

func (w *serial2) recvByte(ctx context.Context) (byte, error) {
	var b byte
	for i := 0; i < 4; i++ {
		w.l.Set(cbm.LineATN)
		if err := w.l.Wait(ctx, cbm.LineClock, true); err != nil {
			return 0, err
		}
		b <<= 1
		if !w.l.Get(cbm.LineData) {
			b |= 1
		}
		w.l.Release(cbm.LineATN)
		if err := w.l.Wait(ctx, cbm.LineClock, false); err != nil {
			return 0, err
		}
		b <<= 1
		if !w.l.Get(cbm.LineData) {
			b |= 1
		}
	}
	return b, nil
}

func (w *serial2) send(ctx context.Context, p []byte) error {
	for _, b := range p {
		if err := w.sendByte(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (w *serial2) recv(ctx context.Context, p []byte) error {
	for i := range p {
		b, err := w.recvByte(ctx)
		if err != nil {
			return err
		}
		p[i] = b
	}
	return nil
}

func (w *serial2) recvBlock(ctx context.Context, buf []byte) (byte, error) {
	return recvStatusBlock(ctx, w, buf)
}
