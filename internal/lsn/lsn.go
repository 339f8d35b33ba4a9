// Package lsn implements arithmetic over PostgreSQL Log Sequence Numbers.
//
// An LSN is rendered as two hexadecimal halves separated by a slash,
// e.g. "16/B374D848". Both halves are unsigned 32-bit values and the
// pair is totally ordered lexicographically.
package lsn

import (
	"database/sql/driver"
	"fmt"
	"regexp"
	"strconv"
)

var pattern = regexp.MustCompile(`^[0-9A-Fa-f]+/[0-9A-Fa-f]+$`)

// ErrInvalid is returned when a string does not parse as an LSN.
type ErrInvalid struct {
	Input string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("invalid lsn: %q", e.Input)
}

// LSN is a totally ordered pair (major, minor) of 32-bit segments.
type LSN struct {
	Major uint32
	Minor uint32
}

// Zero is the sentinel "never seen" LSN, rendered "0/0".
var Zero = LSN{}

// Parse parses a string of the form "MAJOR/MINOR", both hexadecimal.
func Parse(s string) (LSN, error) {
	if !pattern.MatchString(s) {
		return LSN{}, &ErrInvalid{Input: s}
	}
	var i int
	for i = 0; i < len(s); i++ {
		if s[i] == '/' {
			break
		}
	}
	maj, err := strconv.ParseUint(s[:i], 16, 32)
	if err != nil {
		return LSN{}, &ErrInvalid{Input: s}
	}
	min, err := strconv.ParseUint(s[i+1:], 16, 32)
	if err != nil {
		return LSN{}, &ErrInvalid{Input: s}
	}
	return LSN{Major: uint32(maj), Minor: uint32(min)}, nil
}

// MustParse parses s and panics on error. Intended for constants in tests
// and static table definitions, never for input off the wire.
func MustParse(s string) LSN {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the LSN as "MAJOR/MINOR", uppercase hex, no leading zero padding.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", l.Major, l.Minor)
}

// IsZero reports whether l is the sentinel 0/0.
func (l LSN) IsZero() bool {
	return l.Major == 0 && l.Minor == 0
}

// Compare returns -1, 0, or 1 as l is less than, equal to, or greater than other.
func Compare(a, b LSN) int {
	switch {
	case a.Major < b.Major:
		return -1
	case a.Major > b.Major:
		return 1
	case a.Minor < b.Minor:
		return -1
	case a.Minor > b.Minor:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b.
func Less(a, b LSN) bool { return Compare(a, b) < 0 }

// Max returns the greater of a and b.
func Max(a, b LSN) LSN {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

// Value implements driver.Valuer so an LSN can be written directly as the
// "lsn text" column described in spec.md §6.
func (l LSN) Value() (driver.Value, error) {
	return l.String(), nil
}

// Scan implements sql.Scanner for the inverse direction.
func (l *LSN) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*l = Zero
		return nil
	default:
		return fmt.Errorf("lsn: unsupported scan type %T", src)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Slice is a []LSN that satisfies sort.Interface in ascending order.
type Slice []LSN

func (s Slice) Len() int           { return len(s) }
func (s Slice) Less(i, j int) bool { return Less(s[i], s[j]) }
func (s Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
