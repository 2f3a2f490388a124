// Package bam reads the Block Availability Map of a source disk and derives
// which sectors a copy has to transfer.
package bam

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"cbmcopy/internal/geometry"
	"cbmcopy/internal/proto"
	"cbmcopy/internal/transfer"
)

// Block is one block of the BAM chain.
type Block struct {
	geometry.TS
	Data []byte
}

// BAM holds the BAM blocks of one disk. A set bit marks a free sector.
type BAM struct {
	geom *geometry.Geometry
	// Header is the disk header block where it is separate from the BAM.
	Header *Block
	Blocks []Block
	// SingleSided is set for a d71 whose header lacks the double-sided flag.
	SingleSided bool
}

// ErrLayout reports a BAM chain that does not match the expected layout.
var ErrLayout = errors.New("unexpected BAM layout")

const (
	d64EntrySize    = 4
	d71Side2Offset  = 0
	d71Side2Entry   = 3
	d71DoubleSided  = 0x80
	d81EntryOffset  = 0x10
	d81EntrySize    = 6
	d81TracksPerBAM = 40
	d80EntryOffset  = 6
	d80EntrySize    = 5
	d80TracksPerBAM = 50
	maxChain        = 8
)

func readBlock(ctx context.Context, src transfer.Transport, ts geometry.TS) ([]byte, error) {
	buf := make([]byte, geometry.BlockSize)
	if err := src.ReadBlock(ctx, ts.Track, ts.Sector, buf); err != nil {
		return nil, errors.Wrapf(err, "read BAM block %d/%d", ts.Track, ts.Sector)
	}
	return buf, nil
}

// Read fetches the BAM of the disk behind src.
func Read(ctx context.Context, src transfer.Transport, g *geometry.Geometry) (*BAM, error) {
	b := &BAM{geom: g}
	switch g.Format {
	case geometry.D64, geometry.D71:
		data, err := readBlock(ctx, src, geometry.TS{Track: 18, Sector: 0})
		if err != nil {
			return nil, err
		}
		b.Blocks = append(b.Blocks, Block{geometry.TS{Track: 18, Sector: 0}, data})
		if g.Format == geometry.D71 {
			if data[3]&d71DoubleSided == 0 {
				b.SingleSided = true
				return b, errors.Wrap(ErrLayout, "d71 header has no double-sided flag")
			}
			side2, err := readBlock(ctx, src, geometry.TS{Track: 53, Sector: 0})
			if err != nil {
				return nil, err
			}
			b.Blocks = append(b.Blocks, Block{geometry.TS{Track: 53, Sector: 0}, side2})
		}
		return b, nil
	case geometry.D81, geometry.D80, geometry.D82:
		return b, b.readChain(ctx, src)
	}
	return nil, errors.Errorf("no BAM layout for %s", g.Name)
}

// readChain reads the header block and the BAM blocks. A d81 keeps its BAM
// at fixed sectors (the header links to the directory), d80 and d82 headers
// start a chain over the BAM track.
func (b *BAM) readChain(ctx context.Context, src transfer.Transport) error {
	g := b.geom
	hdr, err := readBlock(ctx, src, g.Header)
	if err != nil {
		return err
	}
	b.Header = &Block{g.Header, hdr}
	if g.Format == geometry.D81 {
		return b.readFixed(ctx, src)
	}
	bamTrack := g.BAM[0].Track
	next := geometry.TS{Track: int(hdr[0]), Sector: int(hdr[1])}
	for len(b.Blocks) < maxChain && next.Track == bamTrack {
		data, err := readBlock(ctx, src, next)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"track": next.Track, "sector": next.Sector}).Debug("BAM block")
		b.Blocks = append(b.Blocks, Block{next, data})
		next = geometry.TS{Track: int(data[0]), Sector: int(data[1])}
	}
	if len(b.Blocks) != len(g.BAM) {
		return errors.Wrapf(ErrLayout, "%s: found %d BAM blocks, expected %d", g.Name, len(b.Blocks), len(g.BAM))
	}
	return nil
}

// readFixed reads the BAM blocks at their fixed places. Each but the last
// must link to the next one.
func (b *BAM) readFixed(ctx context.Context, src transfer.Transport) error {
	g := b.geom
	for i, ts := range g.BAM {
		data, err := readBlock(ctx, src, ts)
		if err != nil {
			return err
		}
		if i+1 < len(g.BAM) {
			if link := (geometry.TS{Track: int(data[0]), Sector: int(data[1])}); link != g.BAM[i+1] {
				return errors.Wrapf(ErrLayout, "%s: BAM block %d/%d links to %d/%d", g.Name, ts.Track, ts.Sector, link.Track, link.Sector)
			}
		}
		log.WithFields(log.Fields{"track": ts.Track, "sector": ts.Sector}).Debug("BAM block")
		b.Blocks = append(b.Blocks, Block{ts, data})
	}
	return nil
}

// entry returns the bitmap bytes covering track and whether the BAM has them.
func (b *BAM) entry(track int) ([]byte, bool) {
	g := b.geom
	switch g.Format {
	case geometry.D64, geometry.D71:
		if track >= 1 && track <= 35 {
			off := d64EntrySize*track + 1
			return b.Blocks[0].Data[off : off+3], true
		}
		if g.Format == geometry.D71 && track > 35 && track <= 70 && len(b.Blocks) > 1 {
			off := d71Side2Offset + (track-36)*d71Side2Entry
			return b.Blocks[1].Data[off : off+3], true
		}
	case geometry.D81:
		k := (track - 1) / d81TracksPerBAM
		if track >= 1 && k < len(b.Blocks) {
			off := d81EntryOffset + ((track-1)%d81TracksPerBAM)*d81EntrySize + 1
			return b.Blocks[k].Data[off : off+5], true
		}
	case geometry.D80, geometry.D82:
		k := (track - 1) / d80TracksPerBAM
		if track >= 1 && k < len(b.Blocks) {
			off := d80EntryOffset + ((track-1)%d80TracksPerBAM)*d80EntrySize + 1
			return b.Blocks[k].Data[off : off+4], true
		}
	}
	return nil, false
}

// Allocated reports whether track/sector is in use. Sectors the BAM does not
// cover (d64 tracks 36 to 42) count as allocated.
func (b *BAM) Allocated(track, sector int) bool {
	e, ok := b.entry(track)
	if !ok || sector < 0 || sector/8 >= len(e) {
		return true
	}
	return e[sector/8]&(1<<uint(sector%8)) == 0
}

// IsBAMBlock reports whether ts is the header or one of the BAM blocks.
func (b *BAM) IsBAMBlock(ts geometry.TS) bool {
	if b.Header != nil && b.Header.TS == ts {
		return true
	}
	for _, blk := range b.Blocks {
		if blk.TS == ts {
			return true
		}
	}
	return false
}

// Build reads the BAM of src when the mode needs it and returns the sector
// map for tracks s.StartTrack..s.EndTrack together with the BAM mode that was
// applied. A BAM that cannot be read or looks wrong downgrades the copy to
// ignore mode with a warning.
func Build(ctx context.Context, src transfer.Transport, s *transfer.Settings, msg transfer.MessageFunc) (*Map, transfer.BAMMode, error) {
	g := s.Geometry
	mode := s.BAMMode
	var b *BAM
	if mode != transfer.BAMIgnore {
		var err error
		b, err = Read(ctx, src, g)
		if err != nil {
			if proto.IsCanceled(err) || ctx.Err() != nil {
				return nil, mode, err
			}
			if proto.Code(err) == proto.DOSIllegalTS {
				msg.Printf(transfer.SevWarning, "BAM chain points to an illegal track or sector, copying all sectors")
			} else {
				msg.Printf(transfer.SevWarning, "can't use BAM (%v), copying all sectors", err)
			}
			mode = transfer.BAMIgnore
			b = nil
		}
	}
	m := NewMap(g)
	for t := 1; t <= g.MaxTracks; t++ {
		row := m.Track(t)
		for se := range row {
			row[se] = classify(b, g, mode, s, t, se)
			if row[se] == transfer.MustCopy {
				m.Total++
			}
		}
	}
	return m, mode, nil
}

func classify(b *BAM, g *geometry.Geometry, mode transfer.BAMMode, s *transfer.Settings, track, sector int) transfer.SectorStatus {
	if track < s.StartTrack || track > s.EndTrack {
		return transfer.DontCopy
	}
	if mode == transfer.BAMIgnore || b == nil {
		return transfer.MustCopy
	}
	if mode == transfer.BAMSave && g.IsSystemTrack(track) {
		return transfer.MustCopy
	}
	if b.IsBAMBlock(geometry.TS{Track: track, Sector: sector}) || b.Allocated(track, sector) {
		return transfer.MustCopy
	}
	return transfer.DontCopy
}
