package monitor

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func newTestService(t *testing.T) (*QueryService, *ProtectionManager, *CacheStore) {
	t.Helper()
	cache, err := NewCacheStore(64, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cache.Stop)
	transport := NewTransport(NewResolver(), NewAddressPolicy(false), 100)
	limiter := NewRateLimiter(nil, nil)
	analyzer := NewBehaviorAnalyzer(DefaultBehaviorConfig())
	protection := NewProtectionManager(noCooldownConfig(), DefaultBreakerConfig(), limiter, analyzer, nil)
	t.Cleanup(protection.Stop)
	service := NewQueryService(transport, cache, protection, nil, nil, DefaultServiceConfig())
	return service, protection, cache
}

// startFakeResponder runs a loopback UDP server speaking the query protocol:
// it echoes the 11-byte request header and appends the configured payload for
// the opcode (or the request's own echo bytes for ping).
func startFakeResponder(t *testing.T, payloads map[byte][]byte) ServerIdentity {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, MaxResponseSize)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < QueryHeaderSize {
				continue
			}
			response := append([]byte(nil), buf[:QueryHeaderSize]...)
			if opcode := buf[10]; opcode == OpcodePing {
				response = append(response, buf[QueryHeaderSize:n]...)
			} else {
				response = append(response, payloads[opcode]...)
			}
			conn.WriteTo(response, addr)
		}
	}()
	port := conn.LocalAddr().(*net.UDPAddr).Port
	return ServerIdentity{Host: "127.0.0.1", Port: port}
}

// newLoopbackService allows local addresses and keeps the default protection
// knobs, per-server cooldowns included.
func newLoopbackService(t *testing.T) (*QueryService, *CacheStore) {
	t.Helper()
	cache, err := NewCacheStore(64, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cache.Stop)
	transport := NewTransport(NewResolver(), NewAddressPolicy(true), 100)
	limiter := NewRateLimiter(nil, nil)
	analyzer := NewBehaviorAnalyzer(DefaultBehaviorConfig())
	protection := NewProtectionManager(DefaultProtectionConfig(), DefaultBreakerConfig(), limiter, analyzer, nil)
	t.Cleanup(protection.Stop)
	service := NewQueryService(transport, cache, protection, nil, nil, DefaultServiceConfig())
	return service, cache
}

func TestCacheKeyFormat(t *testing.T) {
	server := ServerIdentity{Host: "203.0.113.5", Port: 7777}
	if key := cacheKey(keyKindInfo, server); key != "info|203.0.113.5:7777" {
		t.Errorf("cacheKey = %q", key)
	}
}

func TestQuickStatusServedFromCache(t *testing.T) {
	service, _, cache := newTestService(t)
	ctx := context.Background()
	server := ServerIdentity{Host: "203.0.113.5", Port: 7777}
	cache.Set(ctx, cacheKey(keyKindInfo, server), &ServerInfo{
		Hostname:   "Cached Server",
		Gamemode:   "freeroam",
		Players:    12,
		MaxPlayers: 100,
	}, time.Minute)

	status, err := service.GetQuickStatus(ctx, QueryRequest{Server: server, GuildID: "g1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if !status.Online || !status.FromCache {
		t.Errorf("status = %+v, want online from cache", status)
	}
	if status.Hostname != "Cached Server" || status.Players != 12 || status.MaxPlayers != 100 {
		t.Errorf("status = %+v", status)
	}
}

// An open breaker denies with a cache hint; when a cached value exists the
// caller gets it instead of an error.
func TestDenialFallsBackToCachedValue(t *testing.T) {
	service, protection, cache := newTestService(t)
	ctx := context.Background()
	server := ServerIdentity{Host: "203.0.113.5", Port: 7777}
	for i := 0; i < 5; i++ {
		protection.RecordQueryResult(server, "g1", "u1", false, 0)
	}
	cache.Set(ctx, cacheKey(keyKindInfo, server), &ServerInfo{Hostname: "Last Known"}, time.Minute)

	info, err := service.GetServerInfo(ctx, QueryRequest{Server: server, GuildID: "g1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if info.Hostname != "Last Known" {
		t.Errorf("info = %+v, want the cached value", info)
	}
}

func TestDenialWithoutCacheSurfacesDecision(t *testing.T) {
	service, protection, _ := newTestService(t)
	server := ServerIdentity{Host: "203.0.113.5", Port: 7777}
	for i := 0; i < 5; i++ {
		protection.RecordQueryResult(server, "g1", "u1", false, 0)
	}

	_, err := service.GetServerInfo(context.Background(), QueryRequest{Server: server, GuildID: "g1", UserID: "u1"})
	if err == nil {
		t.Fatal("expected an error with breaker open and cache empty")
	}
	decision, denied := Denied(err)
	if !denied {
		t.Fatalf("err = %v, want a denial", err)
	}
	if decision.Allowed || len(decision.Reason) == 0 || decision.RetryAfter <= 0 {
		t.Errorf("decision = %+v", decision)
	}
}

func TestNonRoutableTargetRejected(t *testing.T) {
	service, _, _ := newTestService(t)
	_, err := service.GetServerInfo(context.Background(), QueryRequest{
		Server:  ServerIdentity{Host: "127.0.0.1", Port: 7777},
		GuildID: "g1",
		UserID:  "u1",
	})
	if !errors.Is(err, ErrAddressNotAllowed) {
		t.Errorf("err = %v, want %v", err, ErrAddressNotAllowed)
	}
}

func TestPingDeniedWhenBreakerOpen(t *testing.T) {
	service, protection, _ := newTestService(t)
	server := ServerIdentity{Host: "203.0.113.5", Port: 7777}
	for i := 0; i < 5; i++ {
		protection.RecordQueryResult(server, "g1", "u1", false, 0)
	}
	_, err := service.GetPing(context.Background(), QueryRequest{Server: server, GuildID: "g1", UserID: "u1"})
	if _, denied := Denied(err); !denied {
		t.Errorf("err = %v, want a denial", err)
	}
}

// The aggregate pays admission once: with the default per-server cooldown in
// force, a single call still collects info, rules, players and ping instead
// of only the first sub-query.
func TestFullServerInfoAggregatesAllSubQueries(t *testing.T) {
	rules := []byte{1, 0}
	rules = appendString8(rules, "weather")
	rules = appendString8(rules, "10")
	players := []byte{2, 0}
	players = appendString8(players, "Alice")
	players = append(players, 42, 0, 0, 0)
	players = appendString8(players, "Bob")
	players = append(players, 7, 0, 0, 0)

	server := startFakeResponder(t, map[byte][]byte{
		OpcodeInfo:    buildInfoPayload(false, 2, 32, "Full Server", "DM", "EN"),
		OpcodeRules:   rules,
		OpcodePlayers: players,
	})
	service, _ := newLoopbackService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	full, err := service.GetFullServerInfo(ctx, QueryRequest{Server: server, GuildID: "g1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if full.Info == nil || full.Info.Hostname != "Full Server" {
		t.Fatalf("Info = %+v", full.Info)
	}
	if len(full.Rules) != 1 || full.Rules[0].Name != "weather" {
		t.Errorf("Rules = %+v, want the weather rule", full.Rules)
	}
	if len(full.Players) != 2 {
		t.Errorf("Players = %+v, want 2 entries", full.Players)
	}
	if !full.HasPing {
		t.Error("HasPing = false, want a measured ping")
	}
	if full.OpenMP != nil {
		t.Errorf("OpenMP = %+v, want nil for a header-only 'o' echo", full.OpenMP)
	}
}

func TestFullServerInfoDeniedComposesFromCache(t *testing.T) {
	service, protection, cache := newTestService(t)
	ctx := context.Background()
	server := ServerIdentity{Host: "203.0.113.5", Port: 7777}
	for i := 0; i < 5; i++ {
		protection.RecordQueryResult(server, "g1", "u1", false, 0)
	}
	cache.Set(ctx, cacheKey(keyKindInfo, server), &ServerInfo{Hostname: "Last Known"}, time.Minute)
	cache.Set(ctx, cacheKey(keyKindRules, server), []ServerRule{{Name: "weather", Value: "10"}}, time.Minute)

	full, err := service.GetFullServerInfo(ctx, QueryRequest{Server: server, GuildID: "g1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if full.Info == nil || full.Info.Hostname != "Last Known" {
		t.Fatalf("Info = %+v, want the cached value", full.Info)
	}
	if len(full.Rules) != 1 {
		t.Errorf("Rules = %+v, want the cached rule", full.Rules)
	}
	if full.HasPing {
		t.Error("HasPing = true, want no ping while denied")
	}
}

func TestRevalidateRefreshesExtraEntry(t *testing.T) {
	server := startFakeResponder(t, map[byte][]byte{
		OpcodeExtraInfo: appendString32(nil, "discord.gg/openmp"),
	})
	service, cache := newLoopbackService(t)

	service.revalidateKey(cacheKey(keyKindExtra, server))

	var decoded OpenMPExtra
	value, status := cache.Get(context.Background(), cacheKey(keyKindExtra, server), &decoded)
	if status != CacheHit {
		t.Fatalf("status = %v, want hit after revalidation", status)
	}
	if extra := asOpenMPExtra(value); extra == nil || extra.DiscordInvite != "discord.gg/openmp" {
		t.Errorf("extra = %+v", extra)
	}
}

func TestRevalidateRefreshesMetadataEntry(t *testing.T) {
	server := startFakeResponder(t, map[byte][]byte{
		OpcodeInfo:      buildInfoPayload(false, 0, 32, "Meta Server", "RP", "PT"),
		OpcodeExtraInfo: appendString32(nil, "discord.gg/openmp"),
	})
	service, cache := newLoopbackService(t)

	service.revalidateKey(cacheKey(keyKindMetadata, server))

	var decoded ServerMetadata
	value, status := cache.Get(context.Background(), cacheKey(keyKindMetadata, server), &decoded)
	if status != CacheHit {
		t.Fatalf("status = %v, want hit after revalidation", status)
	}
	metadata := asMetadata(value)
	if metadata == nil || metadata.Hostname != "Meta Server" {
		t.Fatalf("metadata = %+v", metadata)
	}
	if !metadata.IsOpenMP || metadata.DiscordInvite != "discord.gg/openmp" {
		t.Errorf("metadata = %+v, want open.mp fields", metadata)
	}
}

func TestInvalidateServerDropsAllKinds(t *testing.T) {
	service, _, cache := newTestService(t)
	ctx := context.Background()
	server := ServerIdentity{Host: "203.0.113.5", Port: 7777}
	other := ServerIdentity{Host: "203.0.113.9", Port: 7777}
	cache.Set(ctx, cacheKey(keyKindInfo, server), &ServerInfo{}, time.Minute)
	cache.Set(ctx, cacheKey(keyKindRules, server), []ServerRule{}, time.Minute)
	cache.Set(ctx, cacheKey(keyKindInfo, other), &ServerInfo{}, time.Minute)

	service.InvalidateServer(ctx, server)

	if _, status := cache.Get(ctx, cacheKey(keyKindInfo, server), nil); status != CacheMiss {
		t.Error("info entry survived invalidation")
	}
	if _, status := cache.Get(ctx, cacheKey(keyKindRules, server), nil); status != CacheMiss {
		t.Error("rules entry survived invalidation")
	}
	if _, status := cache.Get(ctx, cacheKey(keyKindInfo, other), nil); status != CacheHit {
		t.Error("unrelated server entry was dropped")
	}
}
