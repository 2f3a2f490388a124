package transfer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"cbmcopy/internal/cbm"
	"cbmcopy/internal/gcr"
	"cbmcopy/internal/proto"
)

// Message layout shared by the fast protocols. All multi byte exchanges are
// initiated by the host.
//
//	read block   host: track sector          drive: status, 256 data bytes
//	write block  host: track sector data     drive: status
//	track map    host: track|0x80 count map  (warp read) drive: count x (sector status [gcr])
//	quit         host: 0 0
const (
	trackMapFlag = 0x80
	mapNeeded    = 0
	mapSkip      = 1
)

// wire is the byte level half of a fast protocol.
type wire interface {
	name() string
	// open brings the lines into their idle state after the drive code was started.
	open(ctx context.Context) error
	send(ctx context.Context, p []byte) error
	recv(ctx context.Context, p []byte) error
	// recvBlock receives the answer to a read block request and returns
	// the drive status. buf is undefined unless the status is 0.
	recvBlock(ctx context.Context, buf []byte) (byte, error)
	release()
}

// turbo implements Transport on top of a wire and uploaded drive code.
type turbo struct {
	bus     cbm.Bus
	dev     int
	w       wire
	timeout time.Duration
	warp    bool
	writing bool
	open    bool
	msg     MessageFunc
}

func newTurbo(bus cbm.Bus, dev int, w wire) *turbo {
	return &turbo{bus: bus, dev: dev, w: w, timeout: DefaultBlockTimeout}
}

func (t *turbo) IsCBMDrive() bool { return true }
func (t *turbo) NeedsTurbo() bool { return true }

func (t *turbo) OpenDisk(ctx context.Context, s *Settings, forWriting bool, start StartFunc, msg MessageFunc) error {
	if s.BlockTimeout > 0 {
		t.timeout = s.BlockTimeout
	}
	t.warp = s.UseWarp()
	t.writing = forWriting
	t.msg = msg
	if start == nil {
		return proto.NewStatusErr(proto.StatusInternal, "%s: no drive code start function", t.w.name())
	}
	if err := start(ctx); err != nil {
		return proto.NewStatusErr(proto.StatusOpenFailed, "%s: start drive code: %v", t.w.name(), err)
	}
	octx, cancel := blockContext(ctx, t.timeout)
	defer cancel()
	if err := t.w.open(octx); err != nil {
		t.w.release()
		return proto.NewStatusErr(proto.StatusOpenFailed, "%s: drive code not responding: %v", t.w.name(), err)
	}
	t.open = true
	log.WithFields(log.Fields{
		"transfer": t.w.name(),
		"drive":    t.dev,
		"warp":     t.warp,
		"write":    forWriting,
	}).Debug("drive session opened")
	return nil
}

// link turns a wire failure into a LinkError.
func (t *turbo) link(op string, err error) error {
	return proto.Link(t.w.name()+" "+op, err)
}

func (t *turbo) ReadBlock(ctx context.Context, track, sector int, buf []byte) error {
	if len(buf) < gcr.BlockSize {
		return errors.Errorf("read block: buffer too small (%d)", len(buf))
	}
	ctx, cancel := blockContext(ctx, t.timeout)
	defer cancel()
	if err := t.w.send(ctx, []byte{byte(track), byte(sector)}); err != nil {
		return t.link("read block", err)
	}
	st, err := t.w.recvBlock(ctx, buf[:gcr.BlockSize])
	if err != nil {
		return t.link("read block", err)
	}
	return proto.FromStatus(st)
}

// recvStatusBlock is the read answer of the bit level protocols: a status
// byte followed by the 256 data bytes, which are sent even on errors.
func recvStatusBlock(ctx context.Context, w wire, buf []byte) (byte, error) {
	st := make([]byte, 1)
	if err := w.recv(ctx, st); err != nil {
		return 0, err
	}
	if err := w.recv(ctx, buf); err != nil {
		return 0, err
	}
	return st[0], nil
}

func (t *turbo) WriteBlock(ctx context.Context, track, sector int, buf []byte, readStatus int) error {
	size := gcr.BlockSize
	if t.warp {
		size = gcr.EncodedSize
	}
	if len(buf) < size {
		return errors.Errorf("write block: buffer too small (%d, want %d)", len(buf), size)
	}
	ctx, cancel := blockContext(ctx, t.timeout)
	defer cancel()
	if err := t.w.send(ctx, []byte{byte(track), byte(sector)}); err != nil {
		return t.link("write block", err)
	}
	if err := t.w.send(ctx, buf[:size]); err != nil {
		return t.link("write block", err)
	}
	st := make([]byte, 1)
	if err := t.w.recv(ctx, st); err != nil {
		return t.link("write block", err)
	}
	return proto.FromStatus(st[0])
}

func (t *turbo) SendTrackMap(ctx context.Context, track int, m []SectorStatus, count int) error {
	if !t.warp {
		return proto.NewStatusErr(proto.StatusUnsupported, "%s: track maps need warp mode", t.w.name())
	}
	ctx, cancel := blockContext(ctx, t.timeout)
	defer cancel()
	if err := t.w.send(ctx, []byte{byte(track) | trackMapFlag, byte(count)}); err != nil {
		return t.link("send track map", err)
	}
	b := make([]byte, len(m))
	for i, st := range m {
		b[i] = mapSkip
		if st.Needed() {
			b[i] = mapNeeded
		}
	}
	if err := t.w.send(ctx, b); err != nil {
		return t.link("send track map", err)
	}
	return nil
}

func (t *turbo) ReadGCRBlock(ctx context.Context, buf []byte) (int, error) {
	if !t.warp || t.writing {
		return 0, proto.NewStatusErr(proto.StatusUnsupported, "%s: not a warp read session", t.w.name())
	}
	if len(buf) < gcr.BufSize {
		return 0, errors.Errorf("read gcr block: buffer too small (%d)", len(buf))
	}
	ctx, cancel := blockContext(ctx, t.timeout)
	defer cancel()
	hdr := make([]byte, 2)
	if err := t.w.recv(ctx, hdr); err != nil {
		return 0, t.link("read gcr block", err)
	}
	sector := int(hdr[0])
	if hdr[1] != proto.DOSOk {
		return sector, proto.FromStatus(hdr[1])
	}
	if err := t.w.recv(ctx, buf[:gcr.BufSize]); err != nil {
		return sector, t.link("read gcr block", err)
	}
	return sector, nil
}

func (t *turbo) CloseDisk(ctx context.Context) error {
	if !t.open {
		return nil
	}
	t.open = false
	ctx, cancel := blockContext(ctx, t.timeout)
	defer cancel()
	err := t.w.send(ctx, []byte{0, 0})
	t.w.release()
	if err != nil {
		return t.link("close", err)
	}
	return nil
}
