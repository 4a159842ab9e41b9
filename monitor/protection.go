package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/jedisct1/dlog"
	clocksmith "github.com/jedisct1/go-clocksmith"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// QueryRequest describes one intended query, before any packet is sent.
type QueryRequest struct {
	Server       ServerIdentity
	GuildID      string
	UserID       string
	Kind         QueryKind
	IsMonitoring bool
	IsManual     bool
}

// QueryDecision is the admission controller's verdict.
type QueryDecision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	UseCache   bool
	Priority   Priority
	TrustScore float64
}

type ProtectionConfig struct {
	BatchWindow        time.Duration
	BatchLimit         int
	MonitoringCooldown time.Duration
	UserCooldown       time.Duration
	MaxGuildsPerServer int
	RTTRingSize        int
	HealthCheckEvery   time.Duration
	CleanupEvery       time.Duration
	IdleStateAfter     time.Duration
}

func DefaultProtectionConfig() ProtectionConfig {
	return ProtectionConfig{
		BatchWindow:        30 * time.Second,
		BatchLimit:         3,
		MonitoringCooldown: 5 * time.Second,
		UserCooldown:       2 * time.Second,
		MaxGuildsPerServer: 10,
		RTTRingSize:        50,
		HealthCheckEvery:   5 * time.Minute,
		CleanupEvery:       time.Hour,
		IdleStateAfter:     2 * time.Hour,
	}
}

const behaviorScoreEwmaDecay = 10.0

// serverProtectionState aggregates everything the controller knows about one
// upstream server.
type serverProtectionState struct {
	identity         ServerIdentity
	totalQueries     uint64
	guilds           map[string]time.Time
	lastQueryAt      time.Time
	lastMonitoringAt time.Time
	lastUserAt       time.Time
	failures         uint64
	successes        uint64
	breaker          *CircuitBreaker
	behaviorScore    ewma.MovingAverage
	rttRing          []float64
	rttNext          int
	rttFilled        bool
	lastHealthCheck  time.Time
}

func (state *serverProtectionState) recordRTT(rtt time.Duration) {
	if len(state.rttRing) == 0 {
		return
	}
	state.rttRing[state.rttNext] = float64(rtt.Milliseconds())
	state.rttNext++
	if state.rttNext == len(state.rttRing) {
		state.rttNext = 0
		state.rttFilled = true
	}
}

func (state *serverProtectionState) averageRTT() (float64, bool) {
	n := state.rttNext
	if state.rttFilled {
		n = len(state.rttRing)
	}
	if n == 0 {
		return 0, false
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += state.rttRing[i]
	}
	return sum / float64(n), true
}

type monitoringBatch struct {
	windowStart time.Time
	count       int
}

// ProtectionManager is the admission controller: it folds the circuit
// breaker, behavioral analyzer, rate limiter, cooldowns and the monitoring
// batch window into a single allow/deny decision per query.
type ProtectionManager struct {
	sync.Mutex
	cfg        ProtectionConfig
	breakerCfg BreakerConfig
	limiter    *RateLimiter
	analyzer   *BehaviorAnalyzer
	resolver   *Resolver
	servers    map[string]*serverProtectionState
	batches    map[string]*monitoringBatch
	quit       chan struct{}
	stopOnce   sync.Once
}

func NewProtectionManager(cfg ProtectionConfig, breakerCfg BreakerConfig, limiter *RateLimiter, analyzer *BehaviorAnalyzer, resolver *Resolver) *ProtectionManager {
	manager := &ProtectionManager{
		cfg:        cfg,
		breakerCfg: breakerCfg,
		limiter:    limiter,
		analyzer:   analyzer,
		resolver:   resolver,
		servers:    make(map[string]*serverProtectionState),
		batches:    make(map[string]*monitoringBatch),
		quit:       make(chan struct{}),
	}
	go manager.healthCheckLoop()
	go manager.cleanupLoop()
	return manager
}

func (manager *ProtectionManager) Stop() {
	manager.stopOnce.Do(func() { close(manager.quit) })
}

func (manager *ProtectionManager) state(server ServerIdentity) *serverProtectionState {
	key := server.Key()
	manager.Lock()
	defer manager.Unlock()
	return manager.stateLocked(key, server)
}

func (manager *ProtectionManager) stateLocked(key string, server ServerIdentity) *serverProtectionState {
	state, found := manager.servers[key]
	if !found {
		state = &serverProtectionState{
			identity:      server,
			guilds:        make(map[string]time.Time),
			breaker:       NewCircuitBreaker(manager.breakerCfg),
			behaviorScore: ewma.NewMovingAverage(behaviorScoreEwmaDecay),
			rttRing:       make([]float64, manager.cfg.RTTRingSize),
		}
		state.behaviorScore.Set(1.0)
		manager.servers[key] = state
	}
	return state
}

// CheckQueryPermission runs the admission pipeline for one request.
//
// Manual commands are a deliberate break-glass path: a human explicitly asked
// and is trusted past every protection layer. Monitoring traffic is expected
// and regular, so it only answers to its batch window. Everything else walks
// breaker, behavior, rate limits, cooldown and the guild cap, cheapest and
// most authoritative check first.
func (manager *ProtectionManager) CheckQueryPermission(ctx context.Context, request QueryRequest) QueryDecision {
	state := manager.state(request.Server)
	now := time.Now()

	if request.IsManual {
		manager.admit(state, request, now)
		return QueryDecision{Allowed: true, Priority: PriorityHigh, TrustScore: 1.0, Reason: "manual override"}
	}

	if request.IsMonitoring {
		if decision, denied := manager.checkMonitoringBatch(request, now); denied {
			return decision
		}
		// Monitoring traffic still feeds the analyzer: it builds the volume
		// baselines, and a poller gone haywire is denied once the new-guild
		// grace has been outgrown.
		verdict := manager.analyzer.Analyze(request, manager.serverIP(request.Server))
		if !verdict.Allowed {
			return QueryDecision{
				Allowed:    false,
				Reason:     verdict.Reason,
				RetryAfter: verdict.RetryAfter,
				UseCache:   true,
				Priority:   PriorityLow,
				TrustScore: verdict.TrustScore,
			}
		}
	} else {
		if state.breaker.IsOpen() {
			return QueryDecision{
				Allowed:    false,
				Reason:     "server circuit breaker open",
				RetryAfter: state.breaker.RetryAfter(),
				UseCache:   true,
				TrustScore: manager.analyzer.TrustScore("guild:" + request.GuildID),
			}
		}

		serverIP := manager.serverIP(request.Server)
		verdict := manager.analyzer.Analyze(request, serverIP)
		if !verdict.Allowed {
			return QueryDecision{
				Allowed:    false,
				Reason:     verdict.Reason,
				RetryAfter: verdict.RetryAfter,
				UseCache:   true,
				TrustScore: verdict.TrustScore,
			}
		}

		checks := []LimitCheck{
			{Scope: ScopeServer, Identifier: request.Server.Key(), Points: request.Kind.Cost()},
			{Scope: ScopeGuild, Identifier: request.GuildID, Points: 1},
		}
		if len(request.UserID) > 0 {
			checks = append(checks, LimitCheck{Scope: ScopeUser, Identifier: request.UserID, Points: 1})
		}
		if multi := manager.limiter.CheckMultipleLimits(ctx, checks); !multi.Allowed {
			return QueryDecision{
				Allowed:    false,
				Reason:     "rate limit exceeded (" + string(multi.FailedScope) + ")",
				RetryAfter: multi.RetryAfter,
				UseCache:   true,
				TrustScore: verdict.TrustScore,
			}
		}

		if decision, denied := manager.checkCooldown(state, request, now, verdict.TrustScore); denied {
			return decision
		}

		if decision, denied := manager.checkGuildCap(state, request, verdict.TrustScore); denied {
			return decision
		}

		manager.admit(state, request, now)
		return QueryDecision{Allowed: true, Priority: PriorityNormal, TrustScore: verdict.TrustScore}
	}

	// Monitoring request inside its batch budget: the cooldown still applies
	// so a misconfigured poller cannot tight-loop one server.
	if decision, denied := manager.checkCooldown(state, request, now, 1.0); denied {
		return decision
	}
	manager.admit(state, request, now)
	return QueryDecision{Allowed: true, Priority: PriorityLow, TrustScore: 1.0}
}

func (manager *ProtectionManager) checkMonitoringBatch(request QueryRequest, now time.Time) (QueryDecision, bool) {
	key := request.Server.Key() + "|" + request.GuildID
	manager.Lock()
	defer manager.Unlock()
	batch, found := manager.batches[key]
	if !found || now.Sub(batch.windowStart) >= manager.cfg.BatchWindow {
		batch = &monitoringBatch{windowStart: now}
		manager.batches[key] = batch
	}
	if batch.count >= manager.cfg.BatchLimit {
		remaining := batch.windowStart.Add(manager.cfg.BatchWindow).Sub(now)
		return QueryDecision{
			Allowed:    false,
			Reason:     "monitoring batch window exhausted",
			RetryAfter: remaining,
			UseCache:   true,
			Priority:   PriorityLow,
			TrustScore: 1.0,
		}, true
	}
	batch.count++
	return QueryDecision{}, false
}

func (manager *ProtectionManager) checkCooldown(state *serverProtectionState, request QueryRequest, now time.Time, trust float64) (QueryDecision, bool) {
	manager.Lock()
	defer manager.Unlock()
	cooldown := manager.cfg.UserCooldown
	last := state.lastUserAt
	if request.IsMonitoring {
		cooldown = manager.cfg.MonitoringCooldown
		last = state.lastMonitoringAt
	}
	if last.IsZero() || now.Sub(last) >= cooldown {
		return QueryDecision{}, false
	}
	return QueryDecision{
		Allowed:    false,
		Reason:     "server cooldown",
		RetryAfter: cooldown - now.Sub(last),
		UseCache:   true,
		TrustScore: trust,
	}, true
}

func (manager *ProtectionManager) checkGuildCap(state *serverProtectionState, request QueryRequest, trust float64) (QueryDecision, bool) {
	manager.Lock()
	defer manager.Unlock()
	if _, watching := state.guilds[request.GuildID]; watching {
		return QueryDecision{}, false
	}
	if len(state.guilds) >= manager.cfg.MaxGuildsPerServer {
		return QueryDecision{
			Allowed:    false,
			Reason:     "too many guilds watching this server",
			UseCache:   true,
			TrustScore: trust,
		}, true
	}
	return QueryDecision{}, false
}

func (manager *ProtectionManager) admit(state *serverProtectionState, request QueryRequest, now time.Time) {
	trust := manager.analyzer.TrustScore("guild:" + request.GuildID)
	manager.Lock()
	defer manager.Unlock()
	state.totalQueries++
	state.guilds[request.GuildID] = now
	state.lastQueryAt = now
	if request.IsMonitoring {
		state.lastMonitoringAt = now
	} else {
		state.lastUserAt = now
	}
	state.behaviorScore.Add(trust)
}

// RecordQueryResult feeds a completed query back into the breaker, the
// analyzer and the response-time ring.
func (manager *ProtectionManager) RecordQueryResult(server ServerIdentity, guildID, userID string, success bool, rtt time.Duration) {
	state := manager.state(server)
	if success {
		state.breaker.RecordSuccess()
	} else {
		state.breaker.RecordFailure()
	}
	manager.analyzer.RecordOutcome(manager.serverIP(server), guildID, userID, success)
	manager.Lock()
	defer manager.Unlock()
	if success {
		state.successes++
		if rtt > 0 {
			state.recordRTT(rtt)
		}
	} else {
		state.failures++
	}
}

// BreakerState exposes the per-server breaker, mainly for status displays.
func (manager *ProtectionManager) BreakerState(server ServerIdentity) BreakerState {
	return manager.state(server).breaker.State()
}

func (manager *ProtectionManager) serverIP(server ServerIdentity) string {
	if manager.resolver != nil {
		if ip, _, err := manager.resolver.Resolve(server.Host); err == nil {
			return ip.String()
		}
	}
	return server.Host
}

// healthCheckLoop passively logs per-server health. It never enforces:
// enforcement belongs to the breaker and the analyzer, this is for operators
// reading the logs.
func (manager *ProtectionManager) healthCheckLoop() {
	for {
		select {
		case <-manager.quit:
			return
		default:
		}
		clocksmith.Sleep(manager.cfg.HealthCheckEvery)
		now := time.Now()
		manager.Lock()
		states := make([]*serverProtectionState, 0, len(manager.servers))
		for _, state := range manager.servers {
			states = append(states, state)
		}
		manager.Unlock()
		for _, state := range states {
			manager.Lock()
			total := state.successes + state.failures
			failures := state.failures
			avgRTT, hasRTT := state.averageRTT()
			state.lastHealthCheck = now
			manager.Unlock()
			if total == 0 {
				continue
			}
			failureRate := float64(failures) / float64(total)
			if failureRate > 0.5 {
				dlog.Warnf("[%v] failure rate %.0f%% over %d queries (breaker: %v)", state.identity, failureRate*100, total, state.breaker.State())
			}
			if hasRTT && avgRTT > 5000 {
				dlog.Warnf("[%v] slow responses: %.0fms average (breaker: %v)", state.identity, avgRTT, state.breaker.State())
			}
		}
	}
}

// cleanupLoop bounds memory as monitored servers come and go: protection
// states that never served a query and went idle are dropped, along with
// batch windows older than twice their span.
func (manager *ProtectionManager) cleanupLoop() {
	for {
		select {
		case <-manager.quit:
			return
		default:
		}
		clocksmith.Sleep(manager.cfg.CleanupEvery)
		now := time.Now()
		manager.Lock()
		for key, state := range manager.servers {
			if state.totalQueries == 0 && now.Sub(state.lastQueryAt) > manager.cfg.IdleStateAfter {
				delete(manager.servers, key)
			}
		}
		for key, batch := range manager.batches {
			if now.Sub(batch.windowStart) > 2*manager.cfg.BatchWindow {
				delete(manager.batches, key)
			}
		}
		manager.Unlock()
		manager.analyzer.Cleanup()
		manager.limiter.Cleanup()
	}
}
