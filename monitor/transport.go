package monitor

import (
	"context"
	"net"
	"time"

	"github.com/jedisct1/dlog"
	"golang.org/x/time/rate"
)

// Transport owns the UDP socket lifecycle for a single query: send one
// packet, wait for one datagram, close. Retry policy belongs to callers.
type Transport struct {
	resolver *Resolver
	policy   *AddressPolicy
	egress   *rate.Limiter
	timeout  time.Duration
}

func NewTransport(resolver *Resolver, policy *AddressPolicy, egressPerSecond int) *Transport {
	if egressPerSecond <= 0 {
		egressPerSecond = 100
	}
	return &Transport{
		resolver: resolver,
		policy:   policy,
		egress:   rate.NewLimiter(rate.Limit(egressPerSecond), egressPerSecond),
		timeout:  QueryTimeout,
	}
}

// Exchange resolves the target, sends packet builder output for the given
// opcode and returns the response payload (bytes past the 11-byte header)
// along with the measured round-trip time.
func (transport *Transport) Exchange(ctx context.Context, target ServerIdentity, opcode byte) ([]byte, time.Duration, error) {
	packet, _, ip, literal, err := transport.prepare(target, opcode, false)
	if err != nil {
		return nil, 0, err
	}
	return transport.roundTrip(ctx, packet, ip, target.Port, literal, opcode)
}

// ExchangePing is the ping-opcode variant: it appends the random echo
// sequence and verifies the response echoes it back.
func (transport *Transport) ExchangePing(ctx context.Context, target ServerIdentity) (time.Duration, error) {
	packet, echo, ip, literal, err := transport.prepare(target, OpcodePing, true)
	if err != nil {
		return 0, err
	}
	payload, rtt, err := transport.roundTrip(ctx, packet, ip, target.Port, literal, OpcodePing)
	if err != nil {
		return 0, err
	}
	if !ParsePingEcho(payload, echo) {
		return 0, ErrSpoofedResponse
	}
	return rtt, nil
}

func (transport *Transport) prepare(target ServerIdentity, opcode byte, ping bool) ([]byte, [PingPayloadSize]byte, net.IP, bool, error) {
	var echo [PingPayloadSize]byte
	ip, literal, err := transport.resolver.Resolve(target.Host)
	if err != nil {
		return nil, echo, nil, literal, err
	}
	if !transport.policy.Allowed(ip) {
		dlog.Debugf("Refusing to query non-routable address [%s] for %v", ip, target)
		return nil, echo, nil, literal, ErrAddressNotAllowed
	}
	var packet []byte
	var ok bool
	if ping {
		packet, echo, ok = BuildPingQuery(ip, target.Port)
	} else {
		packet, ok = BuildQuery(ip, target.Port, opcode)
	}
	if !ok {
		return nil, echo, nil, literal, ErrAddressNotAllowed
	}
	return packet, echo, ip, literal, nil
}

func (transport *Transport) roundTrip(ctx context.Context, packet []byte, ip net.IP, port int, literal bool, opcode byte) ([]byte, time.Duration, error) {
	if err := transport.egress.Wait(ctx); err != nil {
		return nil, 0, err
	}
	pc, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, 0, ErrNoResponse
	}
	defer pc.Close()
	deadline := time.Now().Add(transport.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	pc.SetDeadline(deadline)
	start := time.Now()
	if _, err := pc.Write(packet); err != nil {
		return nil, 0, ErrNoResponse
	}
	response := make([]byte, MaxResponseSize)
	length, err := pc.Read(response)
	rtt := time.Since(start)
	if err != nil {
		return nil, 0, ErrNoResponse
	}
	response = response[:length]
	if !ValidateResponse(response, ip, port, literal, opcode) {
		return nil, 0, ErrSpoofedResponse
	}
	return response[QueryHeaderSize:], rtt, nil
}
