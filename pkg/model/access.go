package model

import (
	"fmt"
	"strings"
)

// AccessRights are the access flags of an item.
type AccessRights uint8

const (
	// AccessReadable allows reading the item.
	AccessReadable AccessRights = 1 << iota

	// AccessWriteable allows writing the item.
	AccessWriteable

	// AccessReadWrite is read and write.
	AccessReadWrite = AccessReadable | AccessWriteable
)

// CanRead returns true if reading is allowed.
func (a AccessRights) CanRead() bool { return a&AccessReadable != 0 }

// CanWrite returns true if writing is allowed.
func (a AccessRights) CanWrite() bool { return a&AccessWriteable != 0 }

// String returns the access flags as a string.
func (a AccessRights) String() string {
	var s string
	if a.CanRead() {
		s += "R"
	}
	if a.CanWrite() {
		s += "W"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Text returns the access rights as shown by OPC tools.
func (a AccessRights) Text() string {
	switch a & AccessReadWrite {
	case AccessReadable:
		return "Read"
	case AccessWriteable:
		return "Write"
	case AccessReadWrite:
		return "Read/Write"
	default:
		return "None"
	}
}

// ParseAccessRights parses "r", "w", "rw", "read", "write", "readwrite".
func ParseAccessRights(s string) (AccessRights, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "/", "")) {
	case "", "r", "ro", "read", "readonly":
		return AccessReadable, nil
	case "w", "wo", "write", "writeonly":
		return AccessWriteable, nil
	case "rw", "readwrite":
		return AccessReadWrite, nil
	}
	return 0, fmt.Errorf("unknown access rights %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a AccessRights) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(a.String())), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AccessRights) UnmarshalText(text []byte) error {
	v, err := ParseAccessRights(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
