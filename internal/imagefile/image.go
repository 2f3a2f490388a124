// Package imagefile is the disk image side of a copy: .d64, .d71, .d80,
// .d81 and .d82 files addressed by track and sector.
//
// Notes:
//   - Block data comes first, an optional error map (one byte per block, 1 =
//     no error) follows it.
//   - Every block write is recorded before it starts and cleared when it is
//     done. Cleanup replays a recorded write so an interrupted copy never
//     leaves half a block behind.
package imagefile

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"cbmcopy/internal/geometry"
	"cbmcopy/internal/proto"
	"cbmcopy/internal/transfer"
)

const errorMapOK = 1

// pendingWrite is a block write that has been recorded but not confirmed.
type pendingWrite struct {
	off  int64
	idx  int
	data []byte
	code byte
}

// Image implements transfer.Transport for an image file.
type Image struct {
	path string
	geom *geometry.Geometry

	mu        sync.Mutex
	f         *os.File
	writing   bool
	tracks    int // tracks present in the file
	endTrack  int
	errMap    []byte // job code per block, MaxTracks wide
	errorMode transfer.ErrorMode
	pending   *pendingWrite
}

// New returns an image transport for path. g may be nil, the format is then
// taken from the settings or the file name extension when the disk is opened.
func New(path string, g *geometry.Geometry) *Image {
	return &Image{path: path, geom: g}
}

func (img *Image) IsCBMDrive() bool { return false }
func (img *Image) NeedsTurbo() bool { return false }

// Path returns the file name of the image.
func (img *Image) Path() string { return img.path }

// Geometry returns the layout in use, nil before OpenDisk.
func (img *Image) Geometry() *geometry.Geometry { return img.geom }

// Tracks returns the tracks present in the file.
func (img *Image) Tracks() int { return img.tracks }

func (img *Image) resolveGeometry(s *transfer.Settings) error {
	if img.geom != nil {
		return nil
	}
	if s != nil && s.Geometry != nil {
		img.geom = s.Geometry
		return nil
	}
	g, err := geometry.ByPath(img.path)
	if err != nil {
		return err
	}
	img.geom = g
	return nil
}

func (img *Image) OpenDisk(ctx context.Context, s *transfer.Settings, forWriting bool, _ transfer.StartFunc, msg transfer.MessageFunc) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.f != nil {
		return proto.NewStatusErr(proto.StatusInternal, "%s: already open", img.path)
	}
	if err := img.resolveGeometry(s); err != nil {
		return proto.NewStatusErr(proto.StatusOpenFailed, "%s: %v", img.path, err)
	}
	g := img.geom
	img.writing = forWriting
	img.errMap = make([]byte, g.Blocks(g.MaxTracks))
	for i := range img.errMap {
		img.errMap[i] = errorMapOK
	}
	img.tracks = 0
	img.endTrack = g.Tracks
	img.errorMode = transfer.ErrorsOnError
	if s != nil {
		img.errorMode = s.ErrorMode
		if s.EndTrack > 0 {
			img.endTrack = s.EndTrack
		}
	}

	var (
		f   *os.File
		err error
	)
	if forWriting {
		f, err = os.OpenFile(img.path, os.O_RDWR|os.O_CREATE, 0o644)
	} else {
		f, err = os.Open(img.path)
	}
	if err != nil {
		return proto.NewStatusErr(proto.StatusOpenFailed, "can't open %s: %v", img.path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return proto.NewStatusErr(proto.StatusOpenFailed, "can't stat %s: %v", img.path, err)
	}
	if fi.Size() > 0 || !forWriting {
		tracks, hasErrors, err := g.DetectLayout(fi.Size())
		if err != nil {
			_ = f.Close()
			return proto.NewStatusErr(proto.StatusOpenFailed, "%s: %v", img.path, err)
		}
		img.tracks = tracks
		if hasErrors {
			blocks := g.Blocks(tracks)
			if _, err := f.ReadAt(img.errMap[:blocks], int64(blocks)*geometry.BlockSize); err != nil {
				_ = f.Close()
				return proto.NewStatusErr(proto.StatusOpenFailed, "%s: read error map: %v", img.path, err)
			}
		}
	}
	img.f = f
	log.WithFields(log.Fields{
		"image":  img.path,
		"format": g.Name,
		"tracks": img.tracks,
		"write":  forWriting,
	}).Debug("image opened")
	return nil
}

// errorCode converts an error map byte back to the DOS code it stands for.
func errorCode(b byte) int {
	switch {
	case b == errorMapOK || b == 0:
		return proto.DOSOk
	case b >= 2 && b <= 11:
		return int(b) + 18
	default:
		return int(b)
	}
}

func (img *Image) ReadBlock(ctx context.Context, track, sector int, buf []byte) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.f == nil {
		return proto.NewStatusErr(proto.StatusInternal, "%s: not open", img.path)
	}
	if len(buf) < geometry.BlockSize {
		return errors.Errorf("read block: buffer too small (%d)", len(buf))
	}
	idx, err := img.geom.BlockIndex(track, sector)
	if err != nil || (img.tracks > 0 && track > img.tracks) {
		return proto.NewDriveError(proto.DOSIllegalTS)
	}
	off := int64(idx) * geometry.BlockSize
	n, err := img.f.ReadAt(buf[:geometry.BlockSize], off)
	if err != nil && !(err == io.EOF && n == geometry.BlockSize) {
		if err == io.EOF {
			return proto.NewDriveError(proto.DOSIllegalTS)
		}
		return proto.Link("read "+img.path, err)
	}
	if code := errorCode(img.errMap[idx]); code != proto.DOSOk {
		return proto.NewDriveError(code)
	}
	return nil
}

// WriteBlock stores 256 bytes. readStatus is kept in the error map.
func (img *Image) WriteBlock(ctx context.Context, track, sector int, buf []byte, readStatus int) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.f == nil || !img.writing {
		return proto.NewStatusErr(proto.StatusInternal, "%s: not open for writing", img.path)
	}
	if len(buf) != geometry.BlockSize {
		return errors.Errorf("write block: %s takes %d byte blocks, got %d", img.path, geometry.BlockSize, len(buf))
	}
	idx, err := img.geom.BlockIndex(track, sector)
	if err != nil {
		return proto.NewDriveError(proto.DOSIllegalTS)
	}
	img.pending = &pendingWrite{
		off:  int64(idx) * geometry.BlockSize,
		idx:  idx,
		data: append([]byte(nil), buf...),
		code: proto.JobCode(readStatus),
	}
	if err := img.commit(); err != nil {
		return proto.Link("write "+img.path, err)
	}
	return nil
}

// commit performs the recorded write and clears it.
func (img *Image) commit() error {
	p := img.pending
	if p == nil {
		return nil
	}
	if _, err := img.f.WriteAt(p.data, p.off); err != nil {
		return err
	}
	img.errMap[p.idx] = p.code
	if t := trackOf(img.geom, p.idx); t > img.tracks {
		img.tracks = t
	}
	img.pending = nil
	return nil
}

// trackOf returns the track holding block idx.
func trackOf(g *geometry.Geometry, idx int) int {
	for t := 1; t <= g.MaxTracks; t++ {
		if idx < g.Blocks(t) {
			return t
		}
	}
	return g.MaxTracks
}

// finalBlocks is the block count the file is cut or grown to.
func (img *Image) finalBlocks() int {
	n := img.geom.Tracks
	if img.endTrack > n {
		n = img.endTrack
	}
	if img.tracks > n {
		n = img.tracks
	}
	return img.geom.Blocks(n)
}

func (img *Image) hasErrors(blocks int) bool {
	for _, b := range img.errMap[:blocks] {
		if b != errorMapOK {
			return true
		}
	}
	return false
}

// finish sizes the file, appends the error map and closes it.
func (img *Image) finish() error {
	f := img.f
	img.f = nil
	if !img.writing {
		return f.Close()
	}
	blocks := img.finalBlocks()
	size := int64(blocks) * geometry.BlockSize
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "resize %s", img.path)
	}
	withMap := img.errorMode == transfer.ErrorsAlways ||
		(img.errorMode == transfer.ErrorsOnError && img.hasErrors(blocks))
	if withMap {
		if _, err := f.WriteAt(img.errMap[:blocks], size); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "write error map to %s", img.path)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sync %s", img.path)
	}
	log.WithFields(log.Fields{"image": img.path, "blocks": blocks, "error_map": withMap}).Debug("image closed")
	return f.Close()
}

func (img *Image) CloseDisk(ctx context.Context) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.f == nil {
		return nil
	}
	if err := img.finish(); err != nil {
		return proto.Link("close "+img.path, err)
	}
	return nil
}

// Cleanup completes a write that was interrupted and closes the image.
func (img *Image) Cleanup() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.f == nil {
		return nil
	}
	if img.pending != nil {
		log.WithFields(log.Fields{"image": img.path, "block": img.pending.idx}).Debug("replaying interrupted write")
		if err := img.commit(); err != nil {
			_ = img.f.Close()
			img.f = nil
			return errors.Wrapf(err, "replay write to %s", img.path)
		}
	}
	return img.finish()
}

func (img *Image) SendTrackMap(context.Context, int, []transfer.SectorStatus, int) error {
	return proto.NewStatusErr(proto.StatusUnsupported, "image files have no track maps")
}

func (img *Image) ReadGCRBlock(context.Context, []byte) (int, error) {
	return 0, proto.NewStatusErr(proto.StatusUnsupported, "image files do not stream GCR blocks")
}

// ErrorMap returns a copy of the error map of the first blocks blocks.
func (img *Image) ErrorMap(blocks int) []byte {
	img.mu.Lock()
	defer img.mu.Unlock()
	if blocks > len(img.errMap) {
		blocks = len(img.errMap)
	}
	return append([]byte(nil), img.errMap[:blocks]...)
}

var (
	_ transfer.Transport = (*Image)(nil)
	_ transfer.Cleaner   = (*Image)(nil)
)
