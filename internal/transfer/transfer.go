// Package transfer defines the block transport contract shared by every
// wire protocol and the image file backend, together with the settings of
// one copy run.
package transfer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"cbmcopy/internal/cbm"
	"cbmcopy/internal/geometry"
)

// Transport moves 256 byte blocks to or from one side of a copy.
//
// Errors follow the proto taxonomy: *proto.DriveError for recoverable per
// block failures, *proto.LinkError when the link itself failed.
type Transport interface {
	// OpenDisk establishes the session. For transports with NeedsTurbo the
	// drive code is already uploaded and start runs it.
	OpenDisk(ctx context.Context, s *Settings, forWriting bool, start StartFunc, msg MessageFunc) error
	ReadBlock(ctx context.Context, track, sector int, buf []byte) error
	// WriteBlock writes buf, which holds 256 plain bytes or, in warp mode,
	// gcr.EncodedSize GCR bytes. readStatus is the DOS code of the read that
	// produced buf, 0 if it succeeded.
	WriteBlock(ctx context.Context, track, sector int, buf []byte, readStatus int) error
	CloseDisk(ctx context.Context) error
	// SendTrackMap tells a warp drive program which sectors of track are
	// still needed. count is the number of needed sectors.
	SendTrackMap(ctx context.Context, track int, m []SectorStatus, count int) error
	// ReadGCRBlock receives the next block a warp drive program streams.
	// gcr must hold gcr.BufSize bytes.
	ReadGCRBlock(ctx context.Context, gcr []byte) (sector int, err error)

	IsCBMDrive() bool
	NeedsTurbo() bool
}

// Cleaner is implemented by transports that need to finish interrupted work
// when a run is canceled.
type Cleaner interface {
	Cleanup() error
}

// StartFunc starts the uploaded drive code.
type StartFunc func(ctx context.Context) error

// Severity of an engine message.
type Severity int

const (
	SevFatal Severity = iota
	SevWarning
	SevInfo
	SevDebug
)

func (s Severity) String() string {
	switch s {
	case SevFatal:
		return "fatal"
	case SevWarning:
		return "warning"
	case SevInfo:
		return "info"
	case SevDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// MessageFunc receives engine messages.
type MessageFunc func(sev Severity, format string, args ...interface{})

// Printf calls f if it is set.
func (f MessageFunc) Printf(sev Severity, format string, args ...interface{}) {
	if f != nil {
		f(sev, format, args...)
	}
}

// SectorStatus is the copy state of one sector.
type SectorStatus byte

const (
	Invalid SectorStatus = iota
	DontCopy
	MustCopy
	Error
	Copied
)

// Needed reports whether a transfer attempt is still due.
func (st SectorStatus) Needed() bool { return st == MustCopy || st == Error }

// Rune returns the disk map character of st.
func (st SectorStatus) Rune() rune {
	switch st {
	case Copied:
		return '*'
	case Error:
		return '?'
	case MustCopy:
		return '-'
	case DontCopy:
		return '.'
	default:
		return ' '
	}
}

func (st SectorStatus) String() string {
	switch st {
	case DontCopy:
		return "dont_copy"
	case MustCopy:
		return "must_copy"
	case Error:
		return "error"
	case Copied:
		return "copied"
	default:
		return "invalid"
	}
}

// WarpMode is the requested warp setting.
type WarpMode int

const (
	WarpAuto WarpMode = iota
	WarpOn
	WarpOff
)

// ParseWarp accepts auto, on and off.
func ParseWarp(s string) (WarpMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return WarpAuto, nil
	case "on", "yes", "true":
		return WarpOn, nil
	case "off", "no", "false":
		return WarpOff, nil
	}
	return WarpAuto, errors.Errorf("invalid warp mode %q", s)
}

func (w WarpMode) String() string {
	switch w {
	case WarpOn:
		return "on"
	case WarpOff:
		return "off"
	default:
		return "auto"
	}
}

// BAMMode selects which sectors are copied.
type BAMMode int

const (
	BAMIgnore BAMMode = iota
	BAMAllocated
	BAMSave
)

// ParseBAMMode accepts ignore, allocated and save.
func ParseBAMMode(s string) (BAMMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ignore":
		return BAMIgnore, nil
	case "allocated":
		return BAMAllocated, nil
	case "save":
		return BAMSave, nil
	}
	return BAMIgnore, errors.Errorf("invalid BAM mode %q", s)
}

func (m BAMMode) String() string {
	switch m {
	case BAMAllocated:
		return "allocated"
	case BAMSave:
		return "save"
	default:
		return "ignore"
	}
}

// ErrorMode selects when an image gets a trailing error map.
type ErrorMode int

const (
	ErrorsOnError ErrorMode = iota
	ErrorsAlways
	ErrorsNever
)

// ParseErrorMode accepts on_error, always and never.
func ParseErrorMode(s string) (ErrorMode, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "", "on_error":
		return ErrorsOnError, nil
	case "always":
		return ErrorsAlways, nil
	case "never":
		return ErrorsNever, nil
	}
	return ErrorsOnError, errors.Errorf("invalid error map mode %q", s)
}

func (m ErrorMode) String() string {
	switch m {
	case ErrorsAlways:
		return "always"
	case ErrorsNever:
		return "never"
	default:
		return "on_error"
	}
}

// DefaultBlockTimeout bounds one block operation on a bus transport.
const DefaultBlockTimeout = 10 * time.Second

// Settings configures one copy run. The orchestrator resolves Warp, Transfer,
// DriveType and Geometry before the transports are opened.
type Settings struct {
	Warp       WarpMode
	Retries    int
	Interleave int // -1: protocol default
	StartTrack int
	EndTrack   int // 0: last track of the format
	TwoSided   bool
	// ZigZag alternates the sides of two-sided disks.
	ZigZag    bool
	Transfer  int
	DriveType cbm.DriveType
	BAMMode   BAMMode
	ErrorMode ErrorMode
	Format    geometry.Format

	BlockTimeout time.Duration

	// Geometry is the resolved disk layout.
	Geometry *geometry.Geometry
}

// DefaultSettings returns the settings of a plain full disk copy.
func DefaultSettings() *Settings {
	return &Settings{
		Warp:         WarpAuto,
		Retries:      0,
		Interleave:   -1,
		StartTrack:   1,
		Transfer:     ModeAuto,
		BAMMode:      BAMIgnore,
		ErrorMode:    ErrorsOnError,
		BlockTimeout: DefaultBlockTimeout,
	}
}

// UseWarp reports whether the resolved settings enable warp transfers.
func (s *Settings) UseWarp() bool { return s.Warp == WarpOn }

func (s *Settings) String() string {
	return fmt.Sprintf("transfer=%s warp=%s interleave=%d retries=%d tracks=%d-%d bam=%s",
		ModeName(s.Transfer), s.Warp, s.Interleave, s.Retries, s.StartTrack, s.EndTrack, s.BAMMode)
}

// blockContext applies the per block timeout.
func blockContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultBlockTimeout
	}
	return context.WithTimeout(ctx, d)
}
