package assign

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownStrategy     = errors.New("unknown assignment strategy")
	ErrUnsupportedTopology = errors.New("topology not supported by assignment strategy")
	ErrDuplicateID         = errors.New("duplicate switch identifier")
	ErrPoolExhausted       = errors.New("address pool exhausted")
)

// InterfaceRef names an interface by node and interface name.
type InterfaceRef struct {
	Node      string
	Interface string
}

func (r InterfaceRef) String() string { return r.Node + "/" + r.Interface }

// AddressConflictError reports two explicitly configured interfaces that
// claim the same MAC or IP address.
type AddressConflictError struct {
	Address string
	First   InterfaceRef
	Second  InterfaceRef
}

func (e *AddressConflictError) Error() string {
	return fmt.Sprintf("address %s assigned to both %s and %s", e.Address, e.First, e.Second)
}
