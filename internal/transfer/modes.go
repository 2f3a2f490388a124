package transfer

import (
	"strings"

	"cbmcopy/internal/cbm"
	"cbmcopy/internal/proto"
)

// Mode table indexes, in declaration order.
const (
	ModeAuto = iota
	ModeSerial1
	ModeSerial2
	ModeParallel
	ModeBurst
	ModeOriginal
)

type mode struct {
	name   string
	abbrev string // a trailing % allows any prefix of name
	// interleave is the default sector stride, 0 for auto.
	interleave int
	warp       bool
}

var modes = []mode{
	ModeAuto:     {name: "auto", abbrev: "a%"},
	ModeSerial1:  {name: "serial1", abbrev: "s1", interleave: 4, warp: true},
	ModeSerial2:  {name: "serial2", abbrev: "s2", interleave: 13, warp: true},
	ModeParallel: {name: "parallel", abbrev: "p%", interleave: 7, warp: true},
	ModeBurst:    {name: "burst", abbrev: "b%", interleave: 1},
	ModeOriginal: {name: "original", abbrev: "o%", interleave: 17},
}

// ModeInfo describes one table entry.
type ModeInfo struct {
	Index      int
	Name       string
	Abbrev     string
	Interleave int
	Warp       bool
}

// Modes lists the transfer modes in declaration order.
func Modes() []ModeInfo {
	out := make([]ModeInfo, len(modes))
	for i, m := range modes {
		out[i] = ModeInfo{Index: i, Name: m.name, Abbrev: m.abbrev, Interleave: m.interleave, Warp: m.warp}
	}
	return out
}

// ModeName returns the name of table entry i.
func ModeName(i int) string {
	if i < 0 || i >= len(modes) {
		return "invalid"
	}
	return modes[i].name
}

// FindMode resolves a user supplied transfer mode. Entries are tried in
// declaration order and the first match wins: the full name (case
// insensitive), then the abbreviation. An abbreviation ending in % matches
// every prefix of the full name that starts with it, any other abbreviation
// must match exactly. The empty name selects auto.
func FindMode(name string) (int, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return ModeAuto, nil
	}
	for i, m := range modes {
		if n == m.name {
			return i, nil
		}
		if stem, ok := strings.CutSuffix(m.abbrev, "%"); ok {
			if strings.HasPrefix(n, stem) && strings.HasPrefix(m.name, n) {
				return i, nil
			}
		} else if n == m.abbrev {
			return i, nil
		}
	}
	return 0, proto.NewStatusErr(proto.StatusInvalidSettings, "unknown transfer mode: %s", name)
}

// DefaultInterleave returns the stride used when Settings.Interleave is -1.
func DefaultInterleave(i int) int {
	if i < 0 || i >= len(modes) {
		return 1
	}
	return modes[i].interleave
}

// ResolveAuto picks the transfer mode for an auto selection.
func ResolveAuto(bus cbm.Bus, dev int, drive cbm.DriveType) int {
	if drive.IsIEEE() {
		return ModeOriginal
	}
	if pp, ok := bus.(cbm.ParallelPort); ok && pp.ParallelCable(dev) && drive.Is1541Family() {
		if _, ok := bus.(cbm.Lines); ok {
			return ModeParallel
		}
	}
	if _, ok := bus.(cbm.Lines); !ok {
		if _, ok := bus.(cbm.BurstPort); ok && (drive == cbm.Drive1571 || drive == cbm.Drive1581) {
			return ModeBurst
		}
		return ModeOriginal
	}
	return ModeSerial2
}

// CheckMode reports a structural error when mode i cannot serve drive over bus.
func CheckMode(i int, bus cbm.Bus, dev int, drive cbm.DriveType) error {
	if i <= ModeAuto || i >= len(modes) {
		return proto.NewStatusErr(proto.StatusInvalidSettings, "transfer mode %s must be resolved first", ModeName(i))
	}
	name := modes[i].name
	if drive.IsIEEE() && i != ModeOriginal {
		return proto.NewStatusErr(proto.StatusUnsupported, "%s drives only support the original transfer mode", drive)
	}
	switch i {
	case ModeSerial1, ModeSerial2:
		if _, ok := bus.(cbm.Lines); !ok {
			return proto.NewStatusErr(proto.StatusUnsupported, "adapter has no IEC line access for %s", name)
		}
	case ModeParallel:
		if drive == cbm.Drive1581 {
			return proto.NewStatusErr(proto.StatusUnsupported, "1581 drives do not support %s", name)
		}
		_, lines := bus.(cbm.Lines)
		pp, ok := bus.(cbm.ParallelPort)
		if !ok || !lines || !pp.ParallelCable(dev) {
			return proto.NewStatusErr(proto.StatusUnsupported, "no parallel cable on drive %d", dev)
		}
	case ModeBurst:
		if drive != cbm.Drive1571 && drive != cbm.Drive1581 && drive != cbm.Drive1570 && drive != cbm.Drive1541 {
			return proto.NewStatusErr(proto.StatusUnsupported, "%s drives do not support %s", drive, name)
		}
		if _, ok := bus.(cbm.BurstPort); !ok {
			return proto.NewStatusErr(proto.StatusUnsupported, "adapter does not support %s", name)
		}
	}
	return nil
}

// WarpCapable reports whether mode i can run warp transfers with drive.
func WarpCapable(i int, drive cbm.DriveType) bool {
	if i < 0 || i >= len(modes) || !modes[i].warp {
		return false
	}
	return drive.Is1541Family()
}

// New returns a fresh transport for mode i talking to dev over bus.
func New(i int, bus cbm.Bus, dev int) (Transport, error) {
	switch i {
	case ModeOriginal:
		return NewOriginal(bus, dev), nil
	case ModeSerial1:
		l, ok := bus.(cbm.Lines)
		if !ok {
			return nil, proto.NewStatusErr(proto.StatusUnsupported, "adapter has no IEC line access")
		}
		return newTurbo(bus, dev, &serial1{l: l}), nil
	case ModeSerial2:
		l, ok := bus.(cbm.Lines)
		if !ok {
			return nil, proto.NewStatusErr(proto.StatusUnsupported, "adapter has no IEC line access")
		}
		return newTurbo(bus, dev, &serial2{l: l}), nil
	case ModeParallel:
		l, ok := bus.(cbm.Lines)
		pp, ok2 := bus.(cbm.ParallelPort)
		if !ok || !ok2 {
			return nil, proto.NewStatusErr(proto.StatusUnsupported, "adapter has no parallel port")
		}
		return newTurbo(bus, dev, &parallel{l: l, pp: pp}), nil
	case ModeBurst:
		bp, ok := bus.(cbm.BurstPort)
		if !ok {
			return nil, proto.NewStatusErr(proto.StatusUnsupported, "adapter does not support burst transfers")
		}
		return newTurbo(bus, dev, &burst{bp: bp}), nil
	}
	return nil, proto.NewStatusErr(proto.StatusInvalidSettings, "no transport for transfer mode %s", ModeName(i))
}
