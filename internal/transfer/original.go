package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"cbmcopy/internal/cbm"
	"cbmcopy/internal/gcr"
	"cbmcopy/internal/proto"
)

// bufferChannel is the secondary address of the "#" direct access buffer.
const bufferChannel = 2

// Original moves blocks with stock DOS commands: U1/U2 block read and write
// into a direct access buffer, B-P to reset the buffer pointer.
type Original struct {
	bus     cbm.Bus
	dev     int
	timeout time.Duration
	open    bool
}

// NewOriginal returns a transport for drive dev.
func NewOriginal(bus cbm.Bus, dev int) *Original {
	return &Original{bus: bus, dev: dev, timeout: DefaultBlockTimeout}
}

func (o *Original) IsCBMDrive() bool { return true }
func (o *Original) NeedsTurbo() bool { return false }

func (o *Original) OpenDisk(ctx context.Context, s *Settings, forWriting bool, _ StartFunc, msg MessageFunc) error {
	if s.BlockTimeout > 0 {
		o.timeout = s.BlockTimeout
	}
	octx, cancel := blockContext(ctx, o.timeout)
	defer cancel()
	if err := o.bus.OpenFile(octx, o.dev, bufferChannel, []byte("#")); err != nil {
		return proto.NewStatusErr(proto.StatusOpenFailed, "open buffer on drive %d: %v", o.dev, err)
	}
	code, text, err := o.bus.DeviceStatus(octx, o.dev)
	if err != nil {
		return proto.NewStatusErr(proto.StatusOpenFailed, "drive %d status: %v", o.dev, err)
	}
	if code != proto.DOSOk {
		_ = o.bus.CloseFile(octx, o.dev, bufferChannel)
		return proto.NewStatusErr(proto.StatusOpenFailed, "drive %d: %02d, %s", o.dev, code, text)
	}
	o.open = true
	log.WithFields(log.Fields{"transfer": "original", "drive": o.dev, "write": forWriting}).Debug("drive session opened")
	return nil
}

func (o *Original) command(ctx context.Context, format string, args ...interface{}) error {
	if err := o.bus.Command(ctx, o.dev, []byte(fmt.Sprintf(format, args...))); err != nil {
		return proto.Link("command", err)
	}
	return nil
}

// status reads the error channel and converts drive errors.
func (o *Original) status(ctx context.Context) error {
	code, text, err := o.bus.DeviceStatus(ctx, o.dev)
	if err != nil {
		return proto.Link("device status", err)
	}
	if code != proto.DOSOk {
		return &proto.DriveError{Code: code, Text: text}
	}
	return nil
}

func (o *Original) ReadBlock(ctx context.Context, track, sector int, buf []byte) error {
	if len(buf) < gcr.BlockSize {
		return errors.Errorf("read block: buffer too small (%d)", len(buf))
	}
	ctx, cancel := blockContext(ctx, o.timeout)
	defer cancel()
	if err := o.command(ctx, "U1:%d 0 %d %d", bufferChannel, track, sector); err != nil {
		return err
	}
	if err := o.status(ctx); err != nil {
		return err
	}
	if err := o.command(ctx, "B-P%d 0", bufferChannel); err != nil {
		return err
	}
	if err := o.bus.Talk(ctx, o.dev, bufferChannel); err != nil {
		return proto.Link("talk", err)
	}
	n, err := o.bus.RawRead(ctx, buf[:gcr.BlockSize])
	if uerr := o.bus.Untalk(ctx); err == nil {
		err = uerr
	}
	if err != nil {
		return proto.Link("read", err)
	}
	if n != gcr.BlockSize {
		return proto.Link("read", errors.Errorf("short read %d", n))
	}
	return nil
}

func (o *Original) WriteBlock(ctx context.Context, track, sector int, buf []byte, readStatus int) error {
	if len(buf) < gcr.BlockSize {
		return errors.Errorf("write block: buffer too small (%d)", len(buf))
	}
	ctx, cancel := blockContext(ctx, o.timeout)
	defer cancel()
	if err := o.command(ctx, "B-P%d 0", bufferChannel); err != nil {
		return err
	}
	if err := o.bus.Listen(ctx, o.dev, bufferChannel); err != nil {
		return proto.Link("listen", err)
	}
	n, err := o.bus.RawWrite(ctx, buf[:gcr.BlockSize])
	if uerr := o.bus.Unlisten(ctx); err == nil {
		err = uerr
	}
	if err != nil {
		return proto.Link("write", err)
	}
	if n != gcr.BlockSize {
		return proto.Link("write", errors.Errorf("short write %d", n))
	}
	if err := o.command(ctx, "U2:%d 0 %d %d", bufferChannel, track, sector); err != nil {
		return err
	}
	return o.status(ctx)
}

func (o *Original) CloseDisk(ctx context.Context) error {
	if !o.open {
		return nil
	}
	o.open = false
	ctx, cancel := blockContext(ctx, o.timeout)
	defer cancel()
	if err := o.bus.CloseFile(ctx, o.dev, bufferChannel); err != nil {
		return proto.Link("close", err)
	}
	return nil
}

func (o *Original) SendTrackMap(context.Context, int, []SectorStatus, int) error {
	return proto.NewStatusErr(proto.StatusUnsupported, "original: warp mode not supported")
}

func (o *Original) ReadGCRBlock(context.Context, []byte) (int, error) {
	return 0, proto.NewStatusErr(proto.StatusUnsupported, "original: warp mode not supported")
}
