package vehicle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Snapshot is a point-in-time read of the vehicle's charge state. Each poll
// produces a fresh snapshot that fully replaces the previous one; there is no
// merging of partial data.
type Snapshot struct {
	PluggedIn      bool      `json:"plugged_in"`
	Charging       bool      `json:"charging"`
	ActualAmps     float64   `json:"actual_amps"`
	RequestedAmps  int       `json:"requested_amps"`
	PowerW         float64   `json:"power_w"`
	VoltageV       float64   `json:"voltage_v"`
	LifetimeWh     float64   `json:"lifetime_wh"`
	BatteryPercent float64   `json:"battery_percent"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Client is the remote vehicle-control capability the bridge drives. All
// calls may be slow (seconds) and may fail transiently; callers must never
// assume synchronous success.
type Client interface {
	ReadTelemetry(ctx context.Context) (*Snapshot, error)
	SetChargingCurrent(ctx context.Context, amps int) error
	StartCharging(ctx context.Context) error
	StopCharging(ctx context.Context) error
}

// ErrorKind classifies vehicle API failures so callers can pick a recovery
// strategy (retry, back off, fault, surface to the protocol peer).
type ErrorKind int

const (
	// ErrKindUnknown covers failures we cannot classify.
	ErrKindUnknown ErrorKind = iota
	// ErrKindUnreachable marks transient reachability failures (vehicle
	// asleep, network timeout, upstream 5xx). Counted toward the fault
	// threshold.
	ErrKindUnreachable
	// ErrKindRateLimited marks API throttling. Backed off, never counted
	// toward the fault threshold.
	ErrKindRateLimited
	// ErrKindRejected marks commands the vehicle refused. Not retryable.
	ErrKindRejected
	// ErrKindAuthExpired marks a dead client relationship. Fatal until
	// re-authentication happens outside the bridge.
	ErrKindAuthExpired
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindUnreachable:
		return "unreachable"
	case ErrKindRateLimited:
		return "rate_limited"
	case ErrKindRejected:
		return "rejected"
	case ErrKindAuthExpired:
		return "auth_expired"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by Client implementations.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vehicle %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("vehicle %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed vehicle failure.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the failure kind from an error chain. Errors that are not
// vehicle errors report ErrKindUnknown.
func KindOf(err error) ErrorKind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ErrKindUnknown
}

// IsUnreachable reports whether err is a transient reachability failure.
func IsUnreachable(err error) bool { return KindOf(err) == ErrKindUnreachable }

// IsRateLimited reports whether err is an API throttling failure.
func IsRateLimited(err error) bool { return KindOf(err) == ErrKindRateLimited }

// IsRejected reports whether the vehicle refused the command.
func IsRejected(err error) bool { return KindOf(err) == ErrKindRejected }

// IsAuthExpired reports whether the client relationship is dead.
func IsAuthExpired(err error) bool { return KindOf(err) == ErrKindAuthExpired }

// IsTransient reports whether err is worth retrying at all.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == ErrKindUnreachable || k == ErrKindRateLimited
}
