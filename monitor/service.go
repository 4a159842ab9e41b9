package monitor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jedisct1/dlog"
)

type ServiceConfig struct {
	InfoTTL          time.Duration
	RulesTTL         time.Duration
	PlayersTTL       time.Duration
	ExtraTTL         time.Duration
	MetadataTTL      time.Duration
	MaxListedPlayers int
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		InfoTTL:          30 * time.Second,
		RulesTTL:         5 * time.Minute,
		PlayersTTL:       30 * time.Second,
		ExtraTTL:         time.Hour,
		MetadataTTL:      10 * time.Minute,
		MaxListedPlayers: 100,
	}
}

const (
	keyKindInfo     = "info"
	keyKindRules    = "rules"
	keyKindPlayers  = "players"
	keyKindDetailed = "detailed"
	keyKindExtra    = "extra"
	keyKindMetadata = "metadata"
)

func cacheKey(kind string, server ServerIdentity) string {
	return kind + "|" + server.Key()
}

// QuickStatus is a cached, display-oriented summary for status lines.
type QuickStatus struct {
	Online     bool   `json:"online"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"max_players"`
	Hostname   string `json:"hostname"`
	Gamemode   string `json:"gamemode"`
	FromCache  bool   `json:"from_cache"`
}

// ServerMetadata is the slow-changing identity of a server, cached longer
// than live state.
type ServerMetadata struct {
	Hostname      string    `json:"hostname"`
	Gamemode      string    `json:"gamemode"`
	Language      string    `json:"language"`
	IsOpenMP      bool      `json:"is_openmp"`
	DiscordInvite string    `json:"discord_invite,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// QueryService is the public facade: each method runs one admission-checked,
// cache-backed query against the target server.
type QueryService struct {
	transport  *Transport
	cache      *CacheStore
	protection *ProtectionManager
	decisions  *DecisionLogger
	snapshot   *MetadataSnapshot
	cfg        ServiceConfig
}

func NewQueryService(transport *Transport, cache *CacheStore, protection *ProtectionManager, decisions *DecisionLogger, snapshot *MetadataSnapshot, cfg ServiceConfig) *QueryService {
	service := &QueryService{
		transport:  transport,
		cache:      cache,
		protection: protection,
		decisions:  decisions,
		snapshot:   snapshot,
		cfg:        cfg,
	}
	cache.SetRevalidator(service.revalidateKey)
	return service
}

// admit runs the admission pipeline and logs the decision. A denial that
// permits cache fallback is not an error from the caller's point of view as
// long as something cached exists; that substitution happens in the fetch
// helpers.
func (service *QueryService) admit(ctx context.Context, request QueryRequest) QueryDecision {
	decision := service.protection.CheckQueryPermission(ctx, request)
	if service.decisions != nil {
		service.decisions.Log(request, decision)
	}
	return decision
}

// fetch is the shared query flow: admission, then the cache/network round
// trip in fetchDirect.
func (service *QueryService) fetch(
	ctx context.Context,
	request QueryRequest,
	kind string,
	ttl time.Duration,
	dest interface{},
	parse func(payload []byte) (interface{}, bool),
) (interface{}, error) {
	decision := service.admit(ctx, request)
	if !decision.Allowed {
		if decision.UseCache {
			key := cacheKey(kind, request.Server)
			if value, status := service.cache.Get(ctx, key, dest); status != CacheMiss {
				dlog.Debugf("Serving %v for %v from cache after denial (%s)", kind, request.Server, decision.Reason)
				return value, nil
			}
		}
		return nil, &DeniedError{Decision: decision}
	}
	return service.fetchDirect(ctx, request, kind, ttl, dest, parse)
}

// fetchDirect is the post-admission flow: fresh-cache short circuit, network
// round trip, validation/parse, cache write, result bookkeeping. Callers that
// compose several sub-queries pay admission once and come straight here for
// the rest.
func (service *QueryService) fetchDirect(
	ctx context.Context,
	request QueryRequest,
	kind string,
	ttl time.Duration,
	dest interface{},
	parse func(payload []byte) (interface{}, bool),
) (interface{}, error) {
	key := cacheKey(kind, request.Server)
	if value, status := service.cache.Get(ctx, key, dest); status == CacheHit {
		return value, nil
	}

	payload, rtt, err := service.transport.Exchange(ctx, request.Server, request.Kind.Opcode())
	if err != nil {
		service.protection.RecordQueryResult(request.Server, request.GuildID, request.UserID, false, 0)
		return nil, err
	}
	value, ok := parse(payload)
	if !ok {
		service.protection.RecordQueryResult(request.Server, request.GuildID, request.UserID, false, rtt)
		return nil, ErrMalformedResponse
	}
	service.cache.Set(ctx, key, value, ttl)
	service.protection.RecordQueryResult(request.Server, request.GuildID, request.UserID, true, rtt)
	return value, nil
}

func (service *QueryService) GetServerInfo(ctx context.Context, request QueryRequest) (*ServerInfo, error) {
	request.Kind = QueryInfo
	var decoded ServerInfo
	value, err := service.fetch(ctx, request, keyKindInfo, service.cfg.InfoTTL, &decoded, func(payload []byte) (interface{}, bool) {
		info, ok := ParseInfo(payload)
		return info, ok
	})
	if err != nil {
		return nil, err
	}
	return value.(*ServerInfo), nil
}

func (service *QueryService) GetServerRules(ctx context.Context, request QueryRequest) ([]ServerRule, error) {
	request.Kind = QueryRules
	var decoded []ServerRule
	value, err := service.fetch(ctx, request, keyKindRules, service.cfg.RulesTTL, &decoded, func(payload []byte) (interface{}, bool) {
		rules, ok := ParseRules(payload)
		return rules, ok
	})
	if err != nil {
		return nil, err
	}
	return asRules(value), nil
}

func (service *QueryService) GetPlayers(ctx context.Context, request QueryRequest) ([]Player, error) {
	request.Kind = QueryPlayers
	var decoded []Player
	value, err := service.fetch(ctx, request, keyKindPlayers, service.cfg.PlayersTTL, &decoded, func(payload []byte) (interface{}, bool) {
		players, ok := ParsePlayers(payload)
		return players, ok
	})
	if err != nil {
		return nil, err
	}
	return asPlayers(value), nil
}

func (service *QueryService) GetDetailedPlayers(ctx context.Context, request QueryRequest) ([]DetailedPlayer, error) {
	request.Kind = QueryDetailedPlayers
	var decoded []DetailedPlayer
	value, err := service.fetch(ctx, request, keyKindDetailed, service.cfg.PlayersTTL, &decoded, func(payload []byte) (interface{}, bool) {
		players, ok := ParseDetailedPlayers(payload)
		return players, ok
	})
	if err != nil {
		return nil, err
	}
	return asDetailedPlayers(value), nil
}

// GetPing measures wall-clock round-trip latency. Never cached: a cached
// latency is a contradiction in terms.
func (service *QueryService) GetPing(ctx context.Context, request QueryRequest) (time.Duration, error) {
	request.Kind = QueryPing
	decision := service.admit(ctx, request)
	if !decision.Allowed {
		return 0, &DeniedError{Decision: decision}
	}
	return service.pingDirect(ctx, request)
}

func (service *QueryService) pingDirect(ctx context.Context, request QueryRequest) (time.Duration, error) {
	rtt, err := service.transport.ExchangePing(ctx, request.Server)
	if err != nil {
		service.protection.RecordQueryResult(request.Server, request.GuildID, request.UserID, false, 0)
		return 0, err
	}
	service.protection.RecordQueryResult(request.Server, request.GuildID, request.UserID, true, rtt)
	return rtt, nil
}

// GetOpenMPExtraInfo queries the open.mp 'o' opcode. A nil result with nil
// error means the server answered like a legacy SA-MP server.
func (service *QueryService) GetOpenMPExtraInfo(ctx context.Context, request QueryRequest) (*OpenMPExtra, error) {
	request.Kind = QueryExtraInfo
	key := cacheKey(keyKindExtra, request.Server)

	decision := service.admit(ctx, request)
	if !decision.Allowed {
		if decision.UseCache {
			var decoded OpenMPExtra
			if value, status := service.cache.Get(ctx, key, &decoded); status != CacheMiss {
				return asOpenMPExtra(value), nil
			}
		}
		return nil, &DeniedError{Decision: decision}
	}
	return service.extraDirect(ctx, request)
}

func (service *QueryService) extraDirect(ctx context.Context, request QueryRequest) (*OpenMPExtra, error) {
	key := cacheKey(keyKindExtra, request.Server)
	var decoded OpenMPExtra
	if value, status := service.cache.Get(ctx, key, &decoded); status == CacheHit {
		return asOpenMPExtra(value), nil
	}

	payload, rtt, err := service.transport.Exchange(ctx, request.Server, OpcodeExtraInfo)
	if err != nil {
		service.protection.RecordQueryResult(request.Server, request.GuildID, request.UserID, false, 0)
		return nil, err
	}
	extra, ok := ParseOpenMPExtra(payload)
	if !ok {
		service.protection.RecordQueryResult(request.Server, request.GuildID, request.UserID, false, rtt)
		return nil, ErrMalformedResponse
	}
	service.protection.RecordQueryResult(request.Server, request.GuildID, request.UserID, true, rtt)
	if extra != nil {
		service.cache.Set(ctx, key, extra, service.cfg.ExtraTTL)
	}
	return extra, nil
}

// IsOpenMP reports whether the server speaks the open.mp extra-info opcode.
func (service *QueryService) IsOpenMP(ctx context.Context, request QueryRequest) (bool, error) {
	extra, err := service.GetOpenMPExtraInfo(ctx, request)
	if err != nil {
		return false, err
	}
	return extra != nil, nil
}

// GetFullServerInfo aggregates info, rules, players, ping and the open.mp
// probe. Admission is paid once for the whole composition; running every
// sub-query through its own admission would trip the per-server cooldown and
// guarantee a partial result. Partial failure is still tolerated: whatever
// sub-queries succeed make it into the result.
func (service *QueryService) GetFullServerInfo(ctx context.Context, request QueryRequest) (*FullServerInfo, error) {
	request.Kind = QueryInfo
	decision := service.admit(ctx, request)
	if !decision.Allowed {
		if decision.UseCache {
			if full := service.fullFromCache(ctx, request.Server); full != nil {
				return full, nil
			}
		}
		return nil, &DeniedError{Decision: decision}
	}

	full := &FullServerInfo{}
	var decodedInfo ServerInfo
	value, err := service.fetchDirect(ctx, request, keyKindInfo, service.cfg.InfoTTL, &decodedInfo, func(payload []byte) (interface{}, bool) {
		info, ok := ParseInfo(payload)
		return info, ok
	})
	if err != nil {
		return full, nil
	}
	info := value.(*ServerInfo)
	full.Info = info

	rulesRequest := request
	rulesRequest.Kind = QueryRules
	var decodedRules []ServerRule
	if value, err := service.fetchDirect(ctx, rulesRequest, keyKindRules, service.cfg.RulesTTL, &decodedRules, func(payload []byte) (interface{}, bool) {
		rules, ok := ParseRules(payload)
		return rules, ok
	}); err == nil {
		full.Rules = asRules(value)
	}

	if info.Players > 0 && info.Players <= service.cfg.MaxListedPlayers {
		playersRequest := request
		playersRequest.Kind = QueryPlayers
		var decodedPlayers []Player
		if value, err := service.fetchDirect(ctx, playersRequest, keyKindPlayers, service.cfg.PlayersTTL, &decodedPlayers, func(payload []byte) (interface{}, bool) {
			players, ok := ParsePlayers(payload)
			return players, ok
		}); err == nil {
			full.Players = asPlayers(value)
		}
	}

	if ping, err := service.pingDirect(ctx, request); err == nil {
		full.Ping = ping
		full.HasPing = true
	}
	if extra, err := service.extraDirect(ctx, request); err == nil {
		full.OpenMP = extra
	}
	return full, nil
}

// fullFromCache composes the aggregate from whatever the cache still holds.
// Without at least cached info there is nothing worth returning.
func (service *QueryService) fullFromCache(ctx context.Context, server ServerIdentity) *FullServerInfo {
	var decodedInfo ServerInfo
	value, status := service.cache.Get(ctx, cacheKey(keyKindInfo, server), &decodedInfo)
	if status == CacheMiss {
		return nil
	}
	full := &FullServerInfo{Info: value.(*ServerInfo)}
	var decodedRules []ServerRule
	if value, status := service.cache.Get(ctx, cacheKey(keyKindRules, server), &decodedRules); status != CacheMiss {
		full.Rules = asRules(value)
	}
	var decodedPlayers []Player
	if value, status := service.cache.Get(ctx, cacheKey(keyKindPlayers, server), &decodedPlayers); status != CacheMiss {
		full.Players = asPlayers(value)
	}
	var decodedExtra OpenMPExtra
	if value, status := service.cache.Get(ctx, cacheKey(keyKindExtra, server), &decodedExtra); status != CacheMiss {
		full.OpenMP = asOpenMPExtra(value)
	}
	return full
}

// GetQuickStatus answers "is it up and how full is it" from cache whenever
// possible.
func (service *QueryService) GetQuickStatus(ctx context.Context, request QueryRequest) (*QuickStatus, error) {
	key := cacheKey(keyKindInfo, request.Server)
	var decoded ServerInfo
	if value, status := service.cache.Get(ctx, key, &decoded); status != CacheMiss {
		info := value.(*ServerInfo)
		return &QuickStatus{
			Online:     true,
			Players:    info.Players,
			MaxPlayers: info.MaxPlayers,
			Hostname:   info.Hostname,
			Gamemode:   info.Gamemode,
			FromCache:  true,
		}, nil
	}
	info, err := service.GetServerInfo(ctx, request)
	if err != nil {
		return &QuickStatus{Online: false}, err
	}
	return &QuickStatus{
		Online:     true,
		Players:    info.Players,
		MaxPlayers: info.MaxPlayers,
		Hostname:   info.Hostname,
		Gamemode:   info.Gamemode,
	}, nil
}

// GetServerMetadata returns the slow-changing server identity, composing the
// info and open.mp probes and caching the merged result.
func (service *QueryService) GetServerMetadata(ctx context.Context, request QueryRequest) (*ServerMetadata, error) {
	key := cacheKey(keyKindMetadata, request.Server)
	var decoded ServerMetadata
	if value, status := service.cache.Get(ctx, key, &decoded); status != CacheMiss {
		return asMetadata(value), nil
	}

	info, err := service.GetServerInfo(ctx, request)
	if err != nil {
		// The persisted snapshot is the last line of defense for display
		// surfaces: stale identity beats no identity.
		if metadata, found := service.snapshot.Lookup(request.Server); found {
			return metadata, nil
		}
		return nil, err
	}
	metadata := &ServerMetadata{
		Hostname:  info.Hostname,
		Gamemode:  info.Gamemode,
		Language:  info.Language,
		UpdatedAt: time.Now(),
	}
	if extra, err := service.GetOpenMPExtraInfo(ctx, request); err == nil && extra != nil {
		metadata.IsOpenMP = true
		metadata.DiscordInvite = extra.DiscordInvite
	}
	service.cache.Set(ctx, key, metadata, service.cfg.MetadataTTL)
	service.snapshot.Update(request.Server, metadata)
	return metadata, nil
}

// InvalidateServer drops every cached entry for a server, e.g. after it was
// removed from monitoring.
func (service *QueryService) InvalidateServer(ctx context.Context, server ServerIdentity) {
	service.cache.InvalidatePattern(ctx, server.Key())
}

// revalidateKey refreshes a stale cache entry in the background. It goes
// straight to the network: admission was already paid when the entry was
// first populated, and a stale-serving refresh should not consume a guild's
// budget. The breaker still gates it so an offline server is not poked on
// every stale hit.
func (service *QueryService) revalidateKey(key string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) != 2 {
		return
	}
	kind := parts[0]
	host, portStr, found := strings.Cut(parts[1], ":")
	if !found {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}
	server := ServerIdentity{Host: host, Port: port}
	if service.protection.BreakerState(server) == BreakerOpen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), QueryTimeout+time.Second)
	defer cancel()

	var opcode byte
	var parse func([]byte) (interface{}, bool)
	var ttl time.Duration
	switch kind {
	case keyKindInfo:
		opcode, ttl = OpcodeInfo, service.cfg.InfoTTL
		parse = func(p []byte) (interface{}, bool) { v, ok := ParseInfo(p); return v, ok }
	case keyKindRules:
		opcode, ttl = OpcodeRules, service.cfg.RulesTTL
		parse = func(p []byte) (interface{}, bool) { v, ok := ParseRules(p); return v, ok }
	case keyKindPlayers:
		opcode, ttl = OpcodePlayers, service.cfg.PlayersTTL
		parse = func(p []byte) (interface{}, bool) { v, ok := ParsePlayers(p); return v, ok }
	case keyKindDetailed:
		opcode, ttl = OpcodeDetailedPlayers, service.cfg.PlayersTTL
		parse = func(p []byte) (interface{}, bool) { v, ok := ParseDetailedPlayers(p); return v, ok }
	case keyKindExtra:
		service.revalidateExtra(ctx, server, key)
		return
	case keyKindMetadata:
		service.revalidateMetadata(ctx, server, key)
		return
	default:
		return
	}

	payload, rtt, err := service.transport.Exchange(ctx, server, opcode)
	if err != nil {
		service.protection.RecordQueryResult(server, "", "", false, 0)
		dlog.Debugf("Background revalidation of [%s] failed: %v", key, err)
		return
	}
	value, ok := parse(payload)
	if !ok {
		service.protection.RecordQueryResult(server, "", "", false, rtt)
		return
	}
	service.cache.Set(ctx, key, value, ttl)
	service.protection.RecordQueryResult(server, "", "", true, rtt)
	dlog.Debugf("Revalidated [%s]", key)
}

func (service *QueryService) revalidateExtra(ctx context.Context, server ServerIdentity, key string) {
	payload, rtt, err := service.transport.Exchange(ctx, server, OpcodeExtraInfo)
	if err != nil {
		service.protection.RecordQueryResult(server, "", "", false, 0)
		return
	}
	extra, ok := ParseOpenMPExtra(payload)
	if !ok {
		service.protection.RecordQueryResult(server, "", "", false, rtt)
		return
	}
	service.protection.RecordQueryResult(server, "", "", true, rtt)
	if extra == nil {
		// The server answers like legacy SA-MP now; the entry has no
		// successor value.
		service.cache.Invalidate(ctx, key)
		return
	}
	service.cache.Set(ctx, key, extra, service.cfg.ExtraTTL)
	dlog.Debugf("Revalidated [%s]", key)
}

func (service *QueryService) revalidateMetadata(ctx context.Context, server ServerIdentity, key string) {
	payload, rtt, err := service.transport.Exchange(ctx, server, OpcodeInfo)
	if err != nil {
		service.protection.RecordQueryResult(server, "", "", false, 0)
		return
	}
	info, ok := ParseInfo(payload)
	if !ok {
		service.protection.RecordQueryResult(server, "", "", false, rtt)
		return
	}
	service.protection.RecordQueryResult(server, "", "", true, rtt)
	metadata := &ServerMetadata{
		Hostname:  info.Hostname,
		Gamemode:  info.Gamemode,
		Language:  info.Language,
		UpdatedAt: time.Now(),
	}
	if extra, err := service.extraDirect(ctx, QueryRequest{Server: server, Kind: QueryExtraInfo}); err == nil && extra != nil {
		metadata.IsOpenMP = true
		metadata.DiscordInvite = extra.DiscordInvite
	}
	service.cache.Set(ctx, key, metadata, service.cfg.MetadataTTL)
	service.snapshot.Update(server, metadata)
	dlog.Debugf("Revalidated [%s]", key)
}

func asRules(value interface{}) []ServerRule {
	switch typed := value.(type) {
	case []ServerRule:
		return typed
	case *[]ServerRule:
		return *typed
	}
	return nil
}

func asPlayers(value interface{}) []Player {
	switch typed := value.(type) {
	case []Player:
		return typed
	case *[]Player:
		return *typed
	}
	return nil
}

func asDetailedPlayers(value interface{}) []DetailedPlayer {
	switch typed := value.(type) {
	case []DetailedPlayer:
		return typed
	case *[]DetailedPlayer:
		return *typed
	}
	return nil
}

func asOpenMPExtra(value interface{}) *OpenMPExtra {
	if typed, ok := value.(*OpenMPExtra); ok {
		return typed
	}
	return nil
}

func asMetadata(value interface{}) *ServerMetadata {
	if typed, ok := value.(*ServerMetadata); ok {
		return typed
	}
	return nil
}
