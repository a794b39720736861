package contentstore

import (
	"errors"
	"fmt"
)

// Kind classifies a failed fetch.
type Kind int

const (
	// KindTransient failures are retried with backoff.
	KindTransient Kind = iota
	// KindNotFound means the network does not have the CID.
	KindNotFound
	// KindCorrupt means the payload could not be decoded.
	KindCorrupt
	// KindUnreachable is returned once retries are exhausted.
	KindUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindCorrupt:
		return "corrupt"
	case KindUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FetchError is the typed error returned by Fetch.
type FetchError struct {
	CID  string
	Kind Kind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.CID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Terminal reports whether the failure must not be retried.
func (e *FetchError) Terminal() bool { return e.Kind != KindTransient }

// IsTerminal reports whether err is a terminal fetch failure.
func IsTerminal(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Terminal()
}

// IsNotFound reports whether err means the CID does not exist on the network.
func IsNotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindNotFound
}
