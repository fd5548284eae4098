package icmp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/icmp"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// PayloadSignature prefixes every echo payload sent by the prober.
const PayloadSignature = "GATEKEEPER-PING"

const (
	networkRaw      = "ip4:icmp"
	networkDatagram = "udp4"

	maxPacketSize = 1500
)

// Mode selects which kind of ICMP socket the prober opens.
type Mode string

const (
	// ModeAuto tries a raw socket and falls back to a datagram socket when the
	// process lacks the privilege.
	ModeAuto Mode = "auto"
	// ModePrivileged uses raw ip4:icmp sockets only.
	ModePrivileged Mode = "privileged"
	// ModeUnprivileged uses datagram ICMP sockets only. The kernel replaces
	// the identifier with the socket's local port.
	ModeUnprivileged Mode = "unprivileged"
)

// ListenFunc opens a packet socket on the given network.
type ListenFunc func(network, address string) (net.PacketConn, error)

// ResolveFunc returns the IPv4 addresses of host.
type ResolveFunc func(ctx context.Context, host string) ([]net.IP, error)

// Option configures a Prober.
type Option func(*Prober)

// WithListenFunc replaces the socket factory.
func WithListenFunc(fn ListenFunc) Option { return func(p *Prober) { p.listen = fn } }

// WithResolveFunc replaces the name resolver.
func WithResolveFunc(fn ResolveFunc) Option { return func(p *Prober) { p.resolve = fn } }

// WithMode sets the socket mode. Defaults to ModeAuto.
func WithMode(m Mode) Option { return func(p *Prober) { p.mode = m } }

var _ gate.Prober = (*Prober)(nil)

// Prober sends ICMP echo requests to determine whether targets are alive.
//
// A Prober is one probe session: its identifier is chosen at random when it
// is created and its sequence number advances on every Probe or ProbeMany
// call. Concurrent probes within a call use separate sockets and only accept
// replies from the address they probed.
type Prober struct {
	id   uint16
	seq  atomic.Uint32
	mode Mode

	listen  ListenFunc
	resolve ResolveFunc

	tracer trace.Tracer
	logger *logger.Logger
}

// NewProber creates a Prober with a random session identifier.
func NewProber(tracer trace.Tracer, log *logger.Logger, opts ...Option) *Prober {
	p := &Prober{
		id:      uint16(rand.N(0xFFFF) + 1),
		mode:    ModeAuto,
		listen:  listenICMP,
		resolve: lookupIPv4,
		tracer:  tracer,
		logger:  log.With("component", "icmp_prober"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func listenICMP(network, address string) (net.PacketConn, error) {
	conn, err := icmp.ListenPacket(network, address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func lookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip4", host)
}

// Resolve returns the first IPv4 address of host.
func (p *Prober) Resolve(ctx context.Context, host string) (net.IP, error) {
	ips, err := p.resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("resolve %q: no ipv4 record", host)
}

// Probe sends a single echo request to target and waits up to timeout for
// the matching reply. Every failure is reported as unreachable.
func (p *Prober) Probe(ctx context.Context, target gate.Target, timeout time.Duration) gate.PingResult {
	return p.probe(ctx, target, timeout, p.nextSeq())
}

// ProbeMany probes every target concurrently with one socket per target.
// Results are returned in input order.
func (p *Prober) ProbeMany(ctx context.Context, targets []gate.Target, timeout time.Duration) []gate.PingResult {
	ctx, span := p.tracer.Start(ctx, "icmp.probe_many", trace.WithAttributes(
		attribute.Int("target_count", len(targets)),
		attribute.Int64("timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	seq := p.nextSeq()
	results := make([]gate.PingResult, len(targets))

	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			results[i] = p.probe(ctx, t, timeout, seq)
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Bool("any_reachable", gate.AnyReachable(results)))
	return results
}

func (p *Prober) nextSeq() uint16 { return uint16(p.seq.Add(1)) }

func (p *Prober) probe(ctx context.Context, target gate.Target, timeout time.Duration, seq uint16) gate.PingResult {
	ctx, span := p.tracer.Start(ctx, "icmp.probe", trace.WithAttributes(
		attribute.String("host", target.Host),
		attribute.Int("seq", int(seq)),
	))
	defer span.End()

	start := time.Now()
	res := gate.PingResult{Target: target, Timestamp: start}

	rtt, err := p.ping(ctx, target.Host, timeout, seq)
	res.Duration = time.Since(start)
	if err != nil {
		err = fmt.Errorf("%w: %w", gate.ErrReachabilityUnknown, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "probe failed")
		p.logger.Debug(ctx, "probe failed", "host", target.Host, "seq", seq, "error", err)
		return res
	}

	res.Reachable = true
	res.Duration = rtt
	span.SetAttributes(attribute.Int64("rtt_us", rtt.Microseconds()))
	p.logger.Debug(ctx, "probe succeeded", "host", target.Host, "seq", seq, "rtt", rtt)
	return res
}

// ping performs one echo exchange. The socket is closed on every return path.
func (p *Prober) ping(ctx context.Context, host string, timeout time.Duration, seq uint16) (time.Duration, error) {
	ip, err := p.Resolve(ctx, host)
	if err != nil {
		return 0, err
	}

	conn, network, err := p.open()
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set deadline: %w", err)
	}

	// Unblock ReadFrom when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	id := p.id
	var dst net.Addr = &net.IPAddr{IP: ip}
	if network == networkDatagram {
		dst = &net.UDPAddr{IP: ip}
		if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			id = uint16(ua.Port)
		}
	}

	sent := time.Now()
	if _, err := conn.WriteTo(BuildEchoRequest(id, seq, buildPayload(sent)), dst); err != nil {
		return 0, fmt.Errorf("send echo to %s: %w", ip, err)
	}

	buf := make([]byte, maxPacketSize)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("await reply from %s: %w", ip, err)
		}

		reply, err := ParseEchoReply(buf[:n])
		if err != nil {
			continue
		}
		if !reply.Matches(id, seq) || !fromAddr(peer, ip) {
			continue
		}
		return time.Since(sent), nil
	}
}

// open returns a socket for the configured mode and the network it uses.
func (p *Prober) open() (net.PacketConn, string, error) {
	switch p.mode {
	case ModePrivileged:
		conn, err := p.listen(networkRaw, "0.0.0.0")
		if err != nil {
			return nil, "", fmt.Errorf("open raw icmp socket: %w", err)
		}
		return conn, networkRaw, nil
	case ModeUnprivileged:
		conn, err := p.listen(networkDatagram, "0.0.0.0")
		if err != nil {
			return nil, "", fmt.Errorf("open datagram icmp socket: %w", err)
		}
		return conn, networkDatagram, nil
	default:
		conn, rawErr := p.listen(networkRaw, "0.0.0.0")
		if rawErr == nil {
			return conn, networkRaw, nil
		}
		conn, err := p.listen(networkDatagram, "0.0.0.0")
		if err != nil {
			return nil, "", fmt.Errorf("open icmp socket: %w", errors.Join(rawErr, err))
		}
		return conn, networkDatagram, nil
	}
}

func buildPayload(sent time.Time) []byte {
	payload := make([]byte, len(PayloadSignature)+8)
	copy(payload, PayloadSignature)
	binary.BigEndian.PutUint64(payload[len(PayloadSignature):], uint64(sent.UnixNano()))
	return payload
}

func fromAddr(peer net.Addr, ip net.IP) bool {
	switch a := peer.(type) {
	case *net.IPAddr:
		return a.IP.Equal(ip)
	case *net.UDPAddr:
		return a.IP.Equal(ip)
	default:
		return false
	}
}
