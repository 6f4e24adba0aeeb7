package types

import "fmt"

// Identity is attached to every uploaded record. One IdentityManager hands out
// the same Identity for its whole lifetime.
type Identity struct {
	Fingerprint string
	Machine     int64
}

// Outcome classifies one upload attempt.
type Outcome int

// The zero Outcome is Rejected, so an unset Delivery never drops a record.
const (
	// Rejected covers every status but 200 as well as transport failures.
	Rejected Outcome = iota
	// Delivered means the collector answered HTTP 200.
	Delivered
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivery is the result of one upload attempt. Reason is set for rejections
// and describes why; it is informational, not a failure of the caller.
type Delivery struct {
	Outcome    Outcome
	StatusCode int // 0 when no response was received
	Reason     error
}

// Accepted reports whether the collector took the record.
func (d Delivery) Accepted() bool { return d.Outcome == Delivered }
