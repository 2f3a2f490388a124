package bam

import (
	"strings"

	"cbmcopy/internal/geometry"
	"cbmcopy/internal/transfer"
)

// Map is the live copy state of every sector of a disk.
type Map struct {
	geom   *geometry.Geometry
	tracks [][]transfer.SectorStatus // index 0 unused

	// Total counts the sectors that were must_copy when the map was built.
	Total int
}

// NewMap returns a map with every sector invalid.
func NewMap(g *geometry.Geometry) *Map {
	m := &Map{geom: g, tracks: make([][]transfer.SectorStatus, g.MaxTracks+1)}
	for t := 1; t <= g.MaxTracks; t++ {
		m.tracks[t] = make([]transfer.SectorStatus, g.SectorCount(t))
	}
	return m
}

// Geometry returns the layout the map was built for.
func (m *Map) Geometry() *geometry.Geometry { return m.geom }

// Track returns the live status row of track, nil if out of range.
func (m *Map) Track(track int) []transfer.SectorStatus {
	if track < 1 || track >= len(m.tracks) {
		return nil
	}
	return m.tracks[track]
}

// Get returns the status of one sector.
func (m *Map) Get(track, sector int) transfer.SectorStatus {
	row := m.Track(track)
	if sector < 0 || sector >= len(row) {
		return transfer.Invalid
	}
	return row[sector]
}

// Set changes the status of one sector.
func (m *Map) Set(track, sector int, st transfer.SectorStatus) {
	row := m.Track(track)
	if sector >= 0 && sector < len(row) {
		row[sector] = st
	}
}

// Count returns the number of sectors with status st.
func (m *Map) Count(st transfer.SectorStatus) int {
	n := 0
	for _, row := range m.tracks {
		for _, x := range row {
			if x == st {
				n++
			}
		}
	}
	return n
}

// Sectors lists the sectors with status st in track order.
func (m *Map) Sectors(st transfer.SectorStatus) []geometry.TS {
	var out []geometry.TS
	for t, row := range m.tracks {
		for se, x := range row {
			if x == st {
				out = append(out, geometry.TS{Track: t, Sector: se})
			}
		}
	}
	return out
}

// Render returns the disk map line of track.
func (m *Map) Render(track int) string {
	row := m.Track(track)
	var sb strings.Builder
	sb.Grow(len(row))
	for _, st := range row {
		sb.WriteRune(st.Rune())
	}
	return sb.String()
}
