// Package geometry describes the track and sector layout of the Commodore
// disk formats the copier handles.
//
// Notes:
//   - Tracks are 1-based, sectors 0-based, blocks are always 256 bytes.
//   - Two-sided formats store all side 1 tracks before the side 2 tracks and
//     repeat the side 1 zone table on side 2.
//   - Image files may carry one error byte per block after the block data.
package geometry

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const BlockSize = 256

// Format identifies a disk layout.
type Format int

const (
	Unknown Format = iota
	D64
	D71
	D80
	D81
	D82
)

// TS is a track/sector address.
type TS struct {
	Track  int
	Sector int
}

// zone is a range of tracks sharing one sector count.
type zone struct {
	last    int
	sectors int
}

// Geometry is the descriptor of one disk format.
type Geometry struct {
	Format Format
	Name   string
	Ext    string

	// Tracks is the standard track count, MaxTracks the highest track an
	// extended image or drive may use.
	Tracks    int
	MaxTracks int
	TwoSided  bool

	// SideTracks is the number of tracks per side for two-sided formats.
	SideTracks int

	// MaxSectors is the largest sector count of any track.
	MaxSectors int

	// MaxInterleave bounds the sector stride accepted for this format.
	MaxInterleave int

	// Header is the disk header block.
	Header TS
	// BAM lists the BAM blocks in the order the engine reads them.
	BAM []TS
	// SystemTracks hold the BAM and directory ("save" BAM mode copies them whole).
	SystemTracks []int

	zones   []zone
	offsets []int // offsets[t] = blocks before track t, 1..MaxTracks+1
}

var (
	d64Zones = []zone{{17, 21}, {24, 19}, {30, 18}, {42, 17}}
	d80Zones = []zone{{39, 29}, {53, 27}, {64, 25}, {77, 23}}
	d81Zones = []zone{{80, 40}}
)

func build(g *Geometry, z []zone) *Geometry {
	g.zones = z
	g.offsets = make([]int, g.MaxTracks+2)
	cum := 0
	for t := 1; t <= g.MaxTracks; t++ {
		g.offsets[t] = cum
		n := g.SectorCount(t)
		cum += n
		if n > g.MaxSectors {
			g.MaxSectors = n
		}
	}
	g.offsets[g.MaxTracks+1] = cum
	return g
}

var (
	geomD64 = build(&Geometry{
		Format: D64, Name: "d64", Ext: ".d64",
		Tracks: 35, MaxTracks: 42,
		MaxInterleave: 17,
		Header:        TS{18, 0},
		BAM:           []TS{{18, 0}},
		SystemTracks:  []int{18},
	}, d64Zones)

	geomD71 = build(&Geometry{
		Format: D71, Name: "d71", Ext: ".d71",
		Tracks: 70, MaxTracks: 70, TwoSided: true, SideTracks: 35,
		MaxInterleave: 17,
		Header:        TS{18, 0},
		BAM:           []TS{{18, 0}, {53, 0}},
		SystemTracks:  []int{18, 53},
	}, d64Zones)

	geomD80 = build(&Geometry{
		Format: D80, Name: "d80", Ext: ".d80",
		Tracks: 77, MaxTracks: 77,
		MaxInterleave: 24,
		Header:        TS{39, 0},
		BAM:           []TS{{38, 0}, {38, 3}},
		SystemTracks:  []int{38, 39},
	}, d80Zones)

	geomD82 = build(&Geometry{
		Format: D82, Name: "d82", Ext: ".d82",
		Tracks: 154, MaxTracks: 154, TwoSided: true, SideTracks: 77,
		MaxInterleave: 24,
		Header:        TS{39, 0},
		BAM:           []TS{{38, 0}, {38, 3}, {38, 6}, {38, 9}},
		SystemTracks:  []int{38, 39},
	}, d80Zones)

	geomD81 = build(&Geometry{
		Format: D81, Name: "d81", Ext: ".d81",
		Tracks: 80, MaxTracks: 80,
		MaxInterleave: 39,
		Header:        TS{40, 0},
		BAM:           []TS{{40, 1}, {40, 2}},
		SystemTracks:  []int{40},
	}, d81Zones)
)

var all = []*Geometry{geomD64, geomD71, geomD80, geomD81, geomD82}

// ErrUnknownFormat is returned for names or extensions that match no format.
var ErrUnknownFormat = errors.New("unknown disk format")

// Lookup returns the geometry of f.
func Lookup(f Format) (*Geometry, error) {
	for _, g := range all {
		if g.Format == f {
			return g, nil
		}
	}
	return nil, ErrUnknownFormat
}

// ByName accepts "d64", ".D64" and the like.
func ByName(name string) (*Geometry, error) {
	n := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), ".")
	for _, g := range all {
		if g.Name == n {
			return g, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownFormat, "%q", name)
}

// ByPath derives the format from a file name extension.
func ByPath(path string) (*Geometry, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return nil, errors.Wrapf(ErrUnknownFormat, "%s has no extension", path)
	}
	return ByName(ext)
}

// All returns every known geometry.
func All() []*Geometry {
	out := make([]*Geometry, len(all))
	copy(out, all)
	return out
}

func (f Format) String() string {
	if g, err := Lookup(f); err == nil {
		return g.Name
	}
	return "unknown"
}

// sideTrack maps a side 2 track to its side 1 equivalent.
func (g *Geometry) sideTrack(track int) int {
	if g.TwoSided && track > g.SideTracks {
		return track - g.SideTracks
	}
	return track
}

// Side returns 0 for side 1 tracks and 1 for side 2 tracks.
func (g *Geometry) Side(track int) int {
	if g.TwoSided && track > g.SideTracks {
		return 1
	}
	return 0
}

// SectorCount returns the sectors on track, 0 for tracks outside the format.
func (g *Geometry) SectorCount(track int) int {
	if track < 1 || track > g.MaxTracks {
		return 0
	}
	t := g.sideTrack(track)
	for _, z := range g.zones {
		if t <= z.last {
			return z.sectors
		}
	}
	return 0
}

// Blocks returns the number of blocks on tracks 1..tracks.
func (g *Geometry) Blocks(tracks int) int {
	if tracks < 0 {
		return 0
	}
	if tracks > g.MaxTracks {
		tracks = g.MaxTracks
	}
	return g.offsets[tracks+1]
}

// BlockIndex returns the 0-based block number of track/sector.
func (g *Geometry) BlockIndex(track, sector int) (int, error) {
	n := g.SectorCount(track)
	if n == 0 {
		return 0, errors.Errorf("%s: invalid track %d", g.Name, track)
	}
	if sector < 0 || sector >= n {
		return 0, errors.Errorf("%s: invalid sector %d on track %d", g.Name, sector, track)
	}
	return g.offsets[track] + sector, nil
}

// Offset returns the byte offset of track/sector in an image file.
func (g *Geometry) Offset(track, sector int) (int64, error) {
	idx, err := g.BlockIndex(track, sector)
	if err != nil {
		return 0, err
	}
	return int64(idx) * BlockSize, nil
}

// ValidInterleave reports whether il is an accepted stride for this format.
func (g *Geometry) ValidInterleave(il int) bool {
	return il >= 1 && il <= g.MaxInterleave
}

// TrackOrder returns the order tracks start..end are visited in. With zigzag
// set, two-sided formats alternate between the sides.
func (g *Geometry) TrackOrder(start, end int, zigzag bool) []int {
	if start < 1 {
		start = 1
	}
	if end > g.MaxTracks {
		end = g.MaxTracks
	}
	out := make([]int, 0, end-start+1)
	if !zigzag || !g.TwoSided {
		for t := start; t <= end; t++ {
			out = append(out, t)
		}
		return out
	}
	seen := make(map[int]bool, end-start+1)
	add := func(t int) {
		if t >= start && t <= end && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for t := 1; t <= g.SideTracks; t++ {
		add(t)
		add(t + g.SideTracks)
	}
	return out
}

// IsSystemTrack reports whether track holds BAM or directory blocks.
func (g *Geometry) IsSystemTrack(track int) bool {
	for _, t := range g.SystemTracks {
		if t == track {
			return true
		}
	}
	return false
}

// DetectLayout derives the track count of an image from its file size and
// reports whether per-block error bytes follow the data.
func (g *Geometry) DetectLayout(size int64) (tracks int, hasErrors bool, err error) {
	if size <= 0 {
		return 0, false, errors.Errorf("%s: empty image", g.Name)
	}
	for t := g.Tracks; t <= g.MaxTracks; t++ {
		blocks := int64(g.Blocks(t))
		switch size {
		case blocks * BlockSize:
			return t, false, nil
		case blocks * (BlockSize + 1):
			return t, true, nil
		}
	}
	return 0, false, errors.Errorf("%s: unsupported image size %d", g.Name, size)
}
