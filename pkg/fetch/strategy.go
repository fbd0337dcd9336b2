package fetch

import "fmt"

// Strategy is how much of each block is fetched.
type Strategy int32

const (
	// Full fetches the header, extrinsics and events of every block.
	Full Strategy = iota
	// Light fetches the header and events only.
	Light
)

// String returns the strategy name.
func (s Strategy) String() string {
	if s == Light {
		return "light"
	}
	return "full"
}

// HandlerKind is the kind of data a project handler consumes.
type HandlerKind int

const (
	BlockHandler HandlerKind = iota
	CallHandler
	EventHandler
)

// String returns the handler kind name.
func (k HandlerKind) String() string {
	switch k {
	case BlockHandler:
		return "block"
	case CallHandler:
		return "call"
	case EventHandler:
		return "event"
	default:
		return fmt.Sprintf("HandlerKind(%d)", int(k))
	}
}

// ParseHandlerKind parses a handler kind name.
func ParseHandlerKind(s string) (HandlerKind, error) {
	switch s {
	case "block":
		return BlockHandler, nil
	case "call":
		return CallHandler, nil
	case "event":
		return EventHandler, nil
	default:
		return 0, fmt.Errorf("unknown handler kind %q", s)
	}
}

// SelectStrategy picks Light only when every handler consumes events and the
// operator opted to skip transaction bodies. A project with no handlers is
// fetched in full.
func SelectStrategy(handlers []HandlerKind, skipTransactions bool) Strategy {
	if !skipTransactions || len(handlers) == 0 {
		return Full
	}
	for _, h := range handlers {
		if h != EventHandler {
			return Full
		}
	}
	return Light
}
