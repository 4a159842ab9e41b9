package monitor

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// BuildQuery assembles the 11-byte SAMP query header: magic, the four IPv4
// octets of the target, the port split low byte first, then the opcode.
// The ip must already be resolved to IPv4.
func BuildQuery(ip net.IP, port int, opcode byte) ([]byte, bool) {
	ip4 := ip.To4()
	if ip4 == nil || port < 0 || port > 0xffff {
		return nil, false
	}
	packet := make([]byte, 0, QueryHeaderSize)
	packet = append(packet, QueryMagic...)
	packet = append(packet, ip4[0], ip4[1], ip4[2], ip4[3])
	packet = append(packet, byte(port&0xff), byte((port>>8)&0xff))
	packet = append(packet, opcode)
	return packet, true
}

// BuildPingQuery appends a random 4-byte echo sequence to a 'p' query.
// The server is expected to send the same bytes back.
func BuildPingQuery(ip net.IP, port int) ([]byte, [PingPayloadSize]byte, bool) {
	var echo [PingPayloadSize]byte
	packet, ok := BuildQuery(ip, port, OpcodePing)
	if !ok {
		return nil, echo, false
	}
	if _, err := crypto_rand.Read(echo[:]); err != nil {
		return nil, echo, false
	}
	return append(packet, echo[:]...), echo, true
}

// payloadReader walks a response payload with sticky bounds checking. Once a
// read would cross the end of the buffer every later read fails too, so parse
// functions only need to test ok at checkpoints.
type payloadReader struct {
	buf []byte
	off int
	ok  bool
}

func newPayloadReader(buf []byte) *payloadReader {
	return &payloadReader{buf: buf, ok: true}
}

func (r *payloadReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *payloadReader) readByte() byte {
	if !r.ok || r.remaining() < 1 {
		r.ok = false
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *payloadReader) readUint16() uint16 {
	if !r.ok || r.remaining() < 2 {
		r.ok = false
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *payloadReader) readUint32() uint32 {
	if !r.ok || r.remaining() < 4 {
		r.ok = false
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *payloadReader) readInt32() int32 {
	return int32(r.readUint32())
}

func (r *payloadReader) readBytes(n int) []byte {
	if !r.ok || n < 0 || r.remaining() < n {
		r.ok = false
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// readString8 reads a string prefixed with a 1-byte length.
func (r *payloadReader) readString8(maxLen int) string {
	n := int(r.readByte())
	if !r.ok || n > maxLen {
		r.ok = false
		return ""
	}
	return decodeString(r.readBytes(n))
}

// readString32 reads a string prefixed with a 4-byte little-endian length.
func (r *payloadReader) readString32(maxLen int) string {
	n := int(r.readUint32())
	if !r.ok || n > maxLen {
		r.ok = false
		return ""
	}
	return decodeString(r.readBytes(n))
}

// legacyDecoders are tried in order when a string field is not valid UTF-8.
// SA-MP servers predate any encoding convention; Western European and
// Cyrillic code pages cover the overwhelming majority of the wild.
var legacyDecoders = []*charmap.Charmap{
	charmap.Windows1252,
	charmap.Windows1251,
	charmap.ISO8859_1,
}

// decodeString interprets raw bytes as UTF-8 when they decode cleanly, and
// otherwise retries with a short list of legacy single-byte code pages,
// keeping the first attempt without replacement characters. The last attempt
// wins if none decode cleanly.
func decodeString(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	last := ""
	for _, cm := range legacyDecoders {
		decoded, err := cm.NewDecoder().Bytes(raw)
		if err != nil {
			continue
		}
		last = string(decoded)
		if !strings.ContainsRune(last, utf8.RuneError) {
			return last
		}
	}
	if last == "" {
		return string(raw)
	}
	return last
}

// ParseInfo decodes an 'i' payload. A false return means the payload failed
// structural validation; no partial result is ever produced.
func ParseInfo(payload []byte) (*ServerInfo, bool) {
	r := newPayloadReader(payload)
	passworded := r.readByte() != 0
	players := int(r.readUint16())
	maxPlayers := int(r.readUint16())
	hostname := r.readString32(MaxHostnameLength)
	gamemode := r.readString32(MaxGamemodeLength)
	language := r.readString32(MaxLanguageLength)
	if !r.ok {
		return nil, false
	}
	if players > MaxReportedPlayers || players > maxPlayers {
		return nil, false
	}
	return &ServerInfo{
		Passworded: passworded,
		Players:    players,
		MaxPlayers: maxPlayers,
		Hostname:   hostname,
		Gamemode:   gamemode,
		Language:   language,
	}, true
}

// ParseRules decodes an 'r' payload into name/value pairs.
func ParseRules(payload []byte) ([]ServerRule, bool) {
	r := newPayloadReader(payload)
	count := int(r.readUint16())
	if !r.ok {
		return nil, false
	}
	rules := make([]ServerRule, 0, Min(count, 64))
	for i := 0; i < count; i++ {
		name := r.readString8(255)
		value := r.readString8(255)
		if !r.ok {
			return nil, false
		}
		rules = append(rules, ServerRule{Name: name, Value: value})
	}
	return rules, true
}

// ParsePlayers decodes a 'c' payload into the basic player list.
func ParsePlayers(payload []byte) ([]Player, bool) {
	r := newPayloadReader(payload)
	count := int(r.readUint16())
	if !r.ok || count > MaxReportedPlayers {
		return nil, false
	}
	players := make([]Player, 0, count)
	for i := 0; i < count; i++ {
		name := r.readString8(255)
		score := r.readInt32()
		if !r.ok {
			return nil, false
		}
		players = append(players, Player{Name: name, Score: score})
	}
	return players, true
}

// ParseDetailedPlayers decodes a 'd' payload.
func ParseDetailedPlayers(payload []byte) ([]DetailedPlayer, bool) {
	r := newPayloadReader(payload)
	count := int(r.readUint16())
	if !r.ok || count > MaxReportedPlayers {
		return nil, false
	}
	players := make([]DetailedPlayer, 0, count)
	for i := 0; i < count; i++ {
		id := r.readByte()
		name := r.readString8(255)
		score := r.readInt32()
		ping := r.readUint32()
		if !r.ok {
			return nil, false
		}
		players = append(players, DetailedPlayer{ID: id, Name: name, Score: score, Ping: ping})
	}
	return players, true
}

// ParseOpenMPExtra decodes an 'o' payload. Legacy SA-MP servers echo the bare
// header with no payload; that is the "not open.mp" signal, reported as a nil
// result with ok=true.
func ParseOpenMPExtra(payload []byte) (*OpenMPExtra, bool) {
	if len(payload) == 0 {
		return nil, true
	}
	r := newPayloadReader(payload)
	extra := &OpenMPExtra{}
	fields := []*string{&extra.DiscordInvite, &extra.LightBanner, &extra.DarkBanner, &extra.Logo}
	for _, field := range fields {
		if r.remaining() == 0 {
			break
		}
		value := r.readString32(MaxResponseSize)
		if !r.ok {
			return nil, false
		}
		*field = value
	}
	return extra, true
}

// ParsePingEcho checks that a 'p' payload echoes the 4 bytes that were sent.
func ParsePingEcho(payload []byte, sent [PingPayloadSize]byte) bool {
	if len(payload) < PingPayloadSize {
		return false
	}
	for i := 0; i < PingPayloadSize; i++ {
		if payload[i] != sent[i] {
			return false
		}
	}
	return true
}
