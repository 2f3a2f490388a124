// Package cbm defines what the copy engine needs from a host adapter: DOS
// level access to the serial or IEEE-488 bus, raw control of the IEC lines,
// and the optional parallel and burst side channels.
package cbm

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// CommandChannel is the secondary address of the DOS command channel.
const CommandChannel = 15

// Bus is DOS level access to drives attached to an adapter.
type Bus interface {
	Listen(ctx context.Context, dev, sa int) error
	Unlisten(ctx context.Context) error
	Talk(ctx context.Context, dev, sa int) error
	Untalk(ctx context.Context) error

	// OpenFile and CloseFile open or close a channel, name may be empty.
	OpenFile(ctx context.Context, dev, sa int, name []byte) error
	CloseFile(ctx context.Context, dev, sa int) error

	// RawWrite and RawRead move bytes to a listener or from a talker.
	RawWrite(ctx context.Context, p []byte) (int, error)
	RawRead(ctx context.Context, p []byte) (int, error)

	// Command sends a command string on the command channel.
	Command(ctx context.Context, dev int, cmd []byte) error
	// DeviceStatus reads the error channel.
	DeviceStatus(ctx context.Context, dev int) (code int, text string, err error)

	// Upload stores code in drive memory at addr.
	Upload(ctx context.Context, dev int, addr uint16, code []byte) (int, error)
	Identify(ctx context.Context, dev int) (DriveType, error)
	Reset(ctx context.Context) error

	// Shutdown releases the adapter.
	Shutdown() error
}

// Line is a bit mask of IEC bus lines.
type Line uint8

const (
	LineData Line = 1 << iota
	LineClock
	LineATN
	LineReset
)

func (l Line) String() string {
	var parts []string
	for _, x := range []struct {
		l Line
		n string
	}{{LineData, "DATA"}, {LineClock, "CLOCK"}, {LineATN, "ATN"}, {LineReset, "RESET"}} {
		if l&x.l != 0 {
			parts = append(parts, x.n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Lines gives raw access to the open collector IEC lines. Set pulls a line
// low (asserted), Release lets it float. Get reports whether a line is
// asserted by anybody on the bus.
type Lines interface {
	Set(l Line)
	Release(l Line)
	SetRelease(set, release Line)
	Get(l Line) bool
	// Wait blocks until l is asserted (state true) or released.
	Wait(ctx context.Context, l Line, state bool) error
}

// ParallelPort is the 8 bit XP1541/XP1571 side channel.
type ParallelPort interface {
	// ParallelCable reports whether a parallel cable is connected to dev.
	ParallelCable(dev int) bool
	ReadPP() byte
	WritePP(b byte)
}

// BurstPort is a byte stream to and from drive code, provided by adapters
// that run the bus handshake themselves.
type BurstPort interface {
	BurstWrite(ctx context.Context, p []byte) error
	BurstRead(ctx context.Context, p []byte) error
}

// ParseStatus splits an error channel message like "21, READ ERROR,18,00".
func ParseStatus(s string) (code int, text string, err error) {
	s = strings.TrimRight(s, "\r\n")
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return 0, "", errors.Errorf("malformed drive status %q", s)
	}
	code, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, "", errors.Wrapf(err, "malformed drive status %q", s)
	}
	return code, strings.TrimSpace(parts[1]), nil
}

// OpenFunc opens an adapter. arg is the part after the colon of the
// adapter name ("sim:disk.d64" passes "disk.d64").
type OpenFunc func(arg string) (Bus, error)

var (
	adaptersMu sync.RWMutex
	adapters   = make(map[string]OpenFunc)
)

// Register makes an adapter available by name. It panics when called twice
// with the same name.
func Register(name string, open OpenFunc) {
	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	if open == nil {
		panic("cbm: Register open func is nil")
	}
	if _, dup := adapters[name]; dup {
		panic("cbm: Register called twice for adapter " + name)
	}
	adapters[name] = open
}

// Adapters lists the registered adapter names.
func Adapters() []string {
	adaptersMu.RLock()
	defer adaptersMu.RUnlock()
	out := make([]string, 0, len(adapters))
	for n := range adapters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Open opens the adapter named by spec ("name" or "name:arg").
func Open(spec string) (Bus, error) {
	name, arg, _ := strings.Cut(spec, ":")
	adaptersMu.RLock()
	open, ok := adapters[name]
	adaptersMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown adapter %q (available: %s)", name, strings.Join(Adapters(), ", "))
	}
	bus, err := open(arg)
	if err != nil {
		return nil, errors.Wrapf(err, "open adapter %s", name)
	}
	return bus, nil
}
