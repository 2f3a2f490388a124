package cbm

import (
	"strings"

	"github.com/pkg/errors"
)

// DriveType identifies a Commodore drive model.
type DriveType int

const (
	DriveUnknown DriveType = iota
	Drive1541
	Drive1570
	Drive1571
	Drive1581
	Drive2031
	Drive2040
	Drive3040
	Drive4040
	Drive8050
	Drive8250
	DriveSFD1001
)

// Family groups drive models that run the same drive code.
type Family int

const (
	FamilyUnknown Family = iota
	Family1541
	Family1571
	Family1581
	FamilyIEEE
)

var driveNames = map[DriveType]string{
	DriveUnknown: "unknown",
	Drive1541:    "1541",
	Drive1570:    "1570",
	Drive1571:    "1571",
	Drive1581:    "1581",
	Drive2031:    "2031",
	Drive2040:    "2040",
	Drive3040:    "3040",
	Drive4040:    "4040",
	Drive8050:    "8050",
	Drive8250:    "8250",
	DriveSFD1001: "sfd1001",
}

func (d DriveType) String() string {
	if n, ok := driveNames[d]; ok {
		return n
	}
	return "unknown"
}

// ParseDriveType accepts the model number ("1541", "sfd1001", "SFD-1001").
// "auto" and the empty string yield DriveUnknown.
func ParseDriveType(s string) (DriveType, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.ReplaceAll(n, "-", "")
	if n == "" || n == "auto" {
		return DriveUnknown, nil
	}
	for d, name := range driveNames {
		if d != DriveUnknown && name == n {
			return d, nil
		}
	}
	return DriveUnknown, errors.Errorf("unknown drive type %q", s)
}

// Family returns the drive code family of d.
func (d DriveType) Family() Family {
	switch d {
	case Drive1541, Drive1570:
		return Family1541
	case Drive1571:
		return Family1571
	case Drive1581:
		return Family1581
	case Drive2031, Drive2040, Drive3040, Drive4040, Drive8050, Drive8250, DriveSFD1001:
		return FamilyIEEE
	default:
		return FamilyUnknown
	}
}

// IsIEEE reports whether the drive sits on an IEEE-488 bus.
func (d DriveType) IsIEEE() bool { return d.Family() == FamilyIEEE }

// Is1541Family reports whether d runs 1541 drive code (1571 included).
func (d DriveType) Is1541Family() bool {
	f := d.Family()
	return f == Family1541 || f == Family1571
}

// DoubleSided reports whether the drive can access a second disk side.
func (d DriveType) DoubleSided() bool {
	switch d {
	case Drive1571, Drive8250, DriveSFD1001:
		return true
	}
	return false
}

func (f Family) String() string {
	switch f {
	case Family1541:
		return "1541"
	case Family1571:
		return "1571"
	case Family1581:
		return "1581"
	case FamilyIEEE:
		return "ieee"
	default:
		return "unknown"
	}
}
