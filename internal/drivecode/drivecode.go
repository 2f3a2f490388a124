// Package drivecode uploads the drive side programs of the fast transfer
// protocols and starts them.
//
// Two programs are required per session: the protocol driver (the bit or
// byte exchange routines of one transfer mode) at ProtocolAddr and the main
// program (read or write, turbo or warp, per drive family) at MainAddr.
package drivecode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"cbmcopy/internal/cbm"
)

const (
	MainAddr     uint16 = 0x0500
	ProtocolAddr uint16 = 0x0700

	maxMainSize     = int(ProtocolAddr - MainAddr)
	maxProtocolSize = 0x100
)

// ErrNotFound is returned by a Library for names it does not hold.
var ErrNotFound = errors.New("drive program not found")

// Program selects one main program variant.
type Program struct {
	Write  bool
	Warp   bool
	Family cbm.Family
}

// Name returns the library name of p, e.g. "read-warp-1541".
func (p Program) Name() string {
	dir := "read"
	if p.Write {
		dir = "write"
	}
	kind := "turbo"
	if p.Warp {
		kind = "warp"
	}
	return fmt.Sprintf("%s-%s-%s", dir, kind, p.Family)
}

// Library resolves drive program names to code.
type Library interface {
	Load(name string) ([]byte, error)
}

// DirLibrary loads "<name>.prg" files from a directory. A two byte load
// address in front of the code is stripped when it matches the expected
// upload address.
type DirLibrary string

func (d DirLibrary) Load(name string) ([]byte, error) {
	path := filepath.Join(string(d), name+".prg")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, path)
		}
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return b, nil
}

// MapLibrary is an in-memory Library.
type MapLibrary map[string][]byte

func (m MapLibrary) Load(name string) ([]byte, error) {
	b, ok := m[name]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	return b, nil
}

// stripLoadAddress removes a PRG style load address equal to addr.
func stripLoadAddress(code []byte, addr uint16) []byte {
	if len(code) >= 2 && uint16(code[0])|uint16(code[1])<<8 == addr {
		return code[2:]
	}
	return code
}

// Loader talks to one drive.
type Loader struct {
	Bus cbm.Bus
	Dev int
	Lib Library
}

// Init resets the drive state before a copy. 1571 drives are switched to
// double-sided mode only when a two-sided copy is requested.
func (l *Loader) Init(ctx context.Context, drive cbm.DriveType, twoSided bool) error {
	if err := l.Bus.Command(ctx, l.Dev, []byte("I0:")); err != nil {
		return errors.Wrap(err, "initialize drive")
	}
	if drive == cbm.Drive1571 {
		cmd := "U0>M0"
		if twoSided {
			cmd = "U0>M1"
		}
		if err := l.Bus.Command(ctx, l.Dev, []byte(cmd)); err != nil {
			return errors.Wrapf(err, "send %s", cmd)
		}
	}
	return nil
}

// Upload transfers the protocol driver for mode and the main program p.
func (l *Loader) Upload(ctx context.Context, mode string, p Program) error {
	if l.Lib == nil {
		return errors.New("no drive code library configured")
	}
	if p.Family == cbm.FamilyUnknown || p.Family == cbm.FamilyIEEE {
		return errors.Errorf("no drive code for %s drives", p.Family)
	}
	if err := l.upload(ctx, strings.ToLower(mode), ProtocolAddr, maxProtocolSize); err != nil {
		return err
	}
	return l.upload(ctx, p.Name(), MainAddr, maxMainSize)
}

func (l *Loader) upload(ctx context.Context, name string, addr uint16, max int) error {
	code, err := l.Lib.Load(name)
	if err != nil {
		return err
	}
	code = stripLoadAddress(code, addr)
	if len(code) == 0 || len(code) > max {
		return errors.Errorf("drive program %s: size %d out of range 1..%d", name, len(code), max)
	}
	log.WithFields(log.Fields{
		"program": name,
		"addr":    fmt.Sprintf("$%04x", addr),
		"size":    len(code),
	}).Debug("uploading drive code")
	n, err := l.Bus.Upload(ctx, l.Dev, addr, code)
	if err != nil {
		return errors.Wrapf(err, "upload %s", name)
	}
	if n != len(code) {
		return errors.Errorf("upload %s: short write %d of %d", name, n, len(code))
	}
	return nil
}

// StartCommand returns the user command that starts the main program.
func StartCommand(warp bool) string {
	if warp {
		return "U4:"
	}
	return "U3:"
}

// Start runs the uploaded main program.
func (l *Loader) Start(ctx context.Context, warp bool) error {
	cmd := StartCommand(warp)
	if err := l.Bus.Command(ctx, l.Dev, []byte(cmd)); err != nil {
		return errors.Wrapf(err, "start drive code (%s)", cmd)
	}
	return nil
}
