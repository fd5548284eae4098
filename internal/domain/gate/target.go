package gate

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"
)

// TransportKind identifies the protocol used to reach a Target.
type TransportKind string

const (
	// TransportUDP is the local, connectionless datagram transport.
	TransportUDP TransportKind = "udp"
	// TransportMQTT is the remote, connection-oriented pub/sub transport.
	TransportMQTT TransportKind = "mqtt"
)

func (k TransportKind) String() string { return string(k) }

// priority orders transports for fallback: local before remote.
func (k TransportKind) priority() int {
	switch k {
	case TransportUDP:
		return 0
	case TransportMQTT:
		return 1
	default:
		return 2
	}
}

// ParseTransportKind converts a string to a TransportKind. Unknown values return "".
func ParseTransportKind(s string) TransportKind {
	switch s {
	case "udp", "UDP":
		return TransportUDP
	case "mqtt", "MQTT":
		return TransportMQTT
	default:
		return ""
	}
}

// ReachabilityStatus is the cached result of the last reachability probe.
type ReachabilityStatus string

const (
	ReachabilityUnknown     ReachabilityStatus = "UNKNOWN"
	ReachabilityReachable   ReachabilityStatus = "REACHABLE"
	ReachabilityUnreachable ReachabilityStatus = "UNREACHABLE"
)

func (r ReachabilityStatus) String() string { return string(r) }

// Target is one network endpoint through which the relay may be triggered.
type Target struct {
	Name string
	Host string
	Port int
	Kind TransportKind

	// Secure enables TLS for connection-oriented transports.
	Secure bool
	// WebSocketPath, when set, makes the pub/sub transport connect over
	// websockets at this path.
	WebSocketPath string

	// Timeout overrides the per-adapter budget. Zero means the default for Kind.
	Timeout time.Duration

	Reachability ReachabilityStatus
	CheckedAt    time.Time
}

// Address returns host:port.
func (t Target) Address() string { return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) }

// Key identifies the connection this target needs. Two targets with the same
// key can share an adapter; a changed key forces a new connection identity.
func (t Target) Key() string {
	return fmt.Sprintf("%s|%s|%d|%t|%s", t.Kind, t.Host, t.Port, t.Secure, t.WebSocketPath)
}

func (t Target) String() string { return fmt.Sprintf("%s://%s", t.Kind, t.Address()) }

// PingResult is the outcome of one reachability probe. It is never persisted.
type PingResult struct {
	Target    Target
	Reachable bool
	Duration  time.Duration
	Timestamp time.Time
}

// AnyReachable is the logical OR over individual probe results.
func AnyReachable(results []PingResult) bool {
	for _, r := range results {
		if r.Reachable {
			return true
		}
	}
	return false
}

// TargetList is the ordered set of targets. Index order is fallback priority.
// Methods never mutate the receiver.
type TargetList []Target

// NewTargetList copies targets and orders them by transport priority (local
// datagram before remote pub/sub). The relative order of targets with the same
// transport is preserved. Reachability starts as unknown.
func NewTargetList(targets []Target) TargetList {
	l := make(TargetList, len(targets))
	copy(l, targets)
	for i := range l {
		if l[i].Reachability == "" {
			l[i].Reachability = ReachabilityUnknown
		}
	}
	slices.SortStableFunc(l, func(a, b Target) int {
		return a.Kind.priority() - b.Kind.priority()
	})
	return l
}

// Clone returns an independent copy.
func (l TargetList) Clone() TargetList {
	if l == nil {
		return nil
	}
	c := make(TargetList, len(l))
	copy(c, l)
	return c
}

// AnyReachable reports whether at least one target was last seen reachable.
func (l TargetList) AnyReachable() bool {
	for _, t := range l {
		if t.Reachability == ReachabilityReachable {
			return true
		}
	}
	return false
}

// WithReachability returns a copy of the list with the cached status updated
// from results. Results are matched by Key.
func (l TargetList) WithReachability(results []PingResult) TargetList {
	c := l.Clone()
	for _, r := range results {
		for i := range c {
			if c[i].Key() != r.Target.Key() {
				continue
			}
			c[i].CheckedAt = r.Timestamp
			if r.Reachable {
				c[i].Reachability = ReachabilityReachable
			} else {
				c[i].Reachability = ReachabilityUnreachable
			}
		}
	}
	return c
}

// Stale reports whether the cached reachability should be refreshed: some
// target is unknown or was last checked more than ttl before now.
func (l TargetList) Stale(now time.Time, ttl time.Duration) bool {
	for _, t := range l {
		if t.Reachability == ReachabilityUnknown || t.CheckedAt.IsZero() {
			return true
		}
		if now.Sub(t.CheckedAt) > ttl {
			return true
		}
	}
	return false
}
