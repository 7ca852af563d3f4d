package endpoint

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/billm/fanout/pkg/types"
)

// Network identifies the transport an Address lives on
type Network string

const (
	NetworkUnix Network = "unix"
	NetworkTCP  Network = "tcp"
)

// Address identifies a connection target. It is immutable and comparable.
type Address struct {
	Network Network `json:"network" yaml:"network"`
	Addr    string  `json:"address" yaml:"address"`
}

// Unix returns the address of a Unix domain socket at path
func Unix(path string) Address {
	return Address{Network: NetworkUnix, Addr: path}
}

// TCP returns the address of a TCP endpoint at hostPort
func TCP(hostPort string) Address {
	return Address{Network: NetworkTCP, Addr: hostPort}
}

// ParseAddress parses "unix:<path>" or "tcp:<host>:<port>". A bare value
// starting with "/" or "." is taken as a Unix socket path and any other
// bare value as a TCP host:port pair.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, types.NewError(types.ErrCodeInvalidArgument, "address cannot be empty")
	}

	var addr Address
	switch {
	case strings.HasPrefix(s, "unix:"):
		addr = Unix(strings.TrimPrefix(s, "unix:"))
	case strings.HasPrefix(s, "tcp:"):
		addr = TCP(strings.TrimPrefix(s, "tcp:"))
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "."):
		addr = Unix(s)
	default:
		addr = TCP(s)
	}

	if err := addr.Validate(); err != nil {
		return Address{}, err
	}
	return addr, nil
}

// MustParseAddress is like ParseAddress but panics on error
func MustParseAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// Validate checks that the address is usable for Listen and Dial
func (a Address) Validate() error {
	switch a.Network {
	case NetworkUnix:
		if a.Addr == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "unix socket path cannot be empty")
		}
	case NetworkTCP:
		if _, _, err := net.SplitHostPort(a.Addr); err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid tcp address: %q", a.Addr), err)
		}
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("unsupported network: %q (must be unix or tcp)", a.Network))
	}
	return nil
}

// IsZero reports whether the address is the zero value
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the address in the form accepted by ParseAddress
func (a Address) String() string {
	return string(a.Network) + ":" + a.Addr
}

// MarshalText implements encoding.TextMarshaler so addresses can be used in
// YAML and flag values.
func (a Address) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return []byte{}, nil
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Address) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// EncodeAddress returns the control-channel encoding of an address
func EncodeAddress(a Address) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	// The struct form is used rather than the text form so the payload
	// always starts with '{'.
	type wire Address
	data, err := json.Marshal(wire(a))
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode address", err)
	}
	return data, nil
}

// DecodeAddress parses the control-channel encoding of an address
func DecodeAddress(data []byte) (Address, error) {
	type wire Address
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Address{}, types.WrapError(types.ErrCodeInvalid, "failed to decode address", err)
	}
	a := Address(w)
	if err := a.Validate(); err != nil {
		return Address{}, err
	}
	return a, nil
}
