package monitor

import (
	"net"

	"github.com/jedisct1/dlog"
	"github.com/k-sone/critbitgo"
)

// nonRoutableRanges lists address space that a query should never be sent to
// outside of development setups: unspecified, loopback, RFC1918, CGNAT,
// link-local, documentation/test ranges, benchmarking, multicast and
// reserved space.
var nonRoutableRanges = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
}

// developmentRanges are additionally allowed when the policy runs in
// development mode (local test servers).
var developmentRanges = []string{
	"10.0.0.0/8",
	"127.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"198.51.100.0/24",
	"203.0.113.0/24",
}

// AddressPolicy answers "may we contact this address" before a single packet
// leaves the process.
type AddressPolicy struct {
	blocked     *critbitgo.Net
	development *critbitgo.Net
	allowLocal  bool
}

func NewAddressPolicy(allowLocal bool) *AddressPolicy {
	policy := &AddressPolicy{
		blocked:     critbitgo.NewNet(),
		development: critbitgo.NewNet(),
		allowLocal:  allowLocal,
	}
	for _, cidr := range nonRoutableRanges {
		if err := policy.blocked.AddCIDR(cidr, struct{}{}); err != nil {
			dlog.Errorf("Invalid blocked range [%s]: %v", cidr, err)
		}
	}
	for _, cidr := range developmentRanges {
		if err := policy.development.AddCIDR(cidr, struct{}{}); err != nil {
			dlog.Errorf("Invalid development range [%s]: %v", cidr, err)
		}
	}
	return policy
}

// Allowed reports whether packets may be sent to ip.
func (policy *AddressPolicy) Allowed(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	blocked, err := policy.blocked.ContainedIP(ip4)
	if err != nil || !blocked {
		return err == nil
	}
	if !policy.allowLocal {
		return false
	}
	dev, err := policy.development.ContainedIP(ip4)
	return err == nil && dev
}

// ValidateResponse performs structural and provenance checks on a received
// datagram: the SAMP magic must open the packet, the echoed opcode must match
// the request, and when the original target was a literal IPv4 address the
// embedded address and port must exactly reproduce the request's. Responses
// for resolved domain names skip the address comparison since round-robin
// records legitimately answer from a different A record.
func ValidateResponse(packet []byte, targetIP net.IP, targetPort int, literalIP bool, opcode byte) bool {
	if len(packet) < QueryHeaderSize {
		return false
	}
	if string(packet[:4]) != QueryMagic {
		return false
	}
	if packet[10] != opcode {
		return false
	}
	if literalIP {
		ip4 := targetIP.To4()
		if ip4 == nil {
			return false
		}
		for i := 0; i < 4; i++ {
			if packet[4+i] != ip4[i] {
				return false
			}
		}
		port := int(packet[8]) | int(packet[9])<<8
		if port != targetPort {
			return false
		}
	}
	return true
}
