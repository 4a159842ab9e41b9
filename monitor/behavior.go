package monitor

import (
	"math"
	"sort"
	"sync"
	"time"
)

// BehaviorConfig carries the anomaly-detection knobs. The spike baseline
// (IQR cleaning + sigma multiplier) is a heuristic that has not been
// validated against production traffic; it is kept configurable so it can be
// recalibrated without a code change.
type BehaviorConfig struct {
	AnalysisWindow        time.Duration
	MaxRequestsPerMinute  int
	BurstThreshold        int
	UniformCVThreshold    float64
	FailureRatioThreshold float64
	SuspicionThreshold    float64
	SpikeWindow           time.Duration
	SpikeSigma            float64
	RegularSpacingMax     time.Duration
	CoordinatedGuilds     int
	CoordinatedWindow     time.Duration
	NewGuildGrace         int
	MaxTimestamps         int
}

func DefaultBehaviorConfig() BehaviorConfig {
	return BehaviorConfig{
		AnalysisWindow:        time.Hour,
		MaxRequestsPerMinute:  30,
		BurstThreshold:        20,
		UniformCVThreshold:    0.1,
		FailureRatioThreshold: 0.5,
		SuspicionThreshold:    0.3,
		SpikeWindow:           5 * time.Minute,
		SpikeSigma:            5.0,
		RegularSpacingMax:     5 * time.Second,
		CoordinatedGuilds:     5,
		CoordinatedWindow:     10 * time.Minute,
		NewGuildGrace:         50,
		MaxTimestamps:         512,
	}
}

// Instant-score penalties. Multiplicative and composable: several triggered
// conditions compound into a much lower instant score.
const (
	penaltyHighRate    = 0.3
	penaltyBurst       = 0.2
	penaltyUniform     = 0.4
	penaltyFailures    = 0.6
	penaltySpike       = 0.4
	penaltyRegular     = 0.5
	penaltyCoordinated = 0.5
)

const (
	trustSmoothingOld = 0.8
	trustSmoothingNew = 0.2
)

type behaviorRecord struct {
	timestamps    []time.Time
	trust         float64
	successes     uint64
	failures      uint64
	flags         map[string]time.Time
	totalRequests uint64
	lastSeen      time.Time
}

func newBehaviorRecord(now time.Time) *behaviorRecord {
	return &behaviorRecord{trust: 1.0, flags: make(map[string]time.Time), lastSeen: now}
}

func (rec *behaviorRecord) prune(now time.Time, window time.Duration, maxKept int) {
	cutoff := now.Add(-window)
	kept := rec.timestamps[:0]
	for _, ts := range rec.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) > maxKept {
		kept = kept[len(kept)-maxKept:]
	}
	rec.timestamps = kept
}

func (rec *behaviorRecord) countSince(cutoff time.Time) int {
	count := 0
	for i := len(rec.timestamps) - 1; i >= 0; i-- {
		if rec.timestamps[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// windowHistory tracks per-window request counts for the volume-spike
// baseline of one guild.
type windowHistory struct {
	windowStart time.Time
	count       int
	history     []float64
}

const maxWindowHistory = 288

// BehaviorVerdict is the analyzer's answer for a single request.
type BehaviorVerdict struct {
	Allowed    bool
	TrustScore float64
	Flags      []string
	Reason     string
	RetryAfter time.Duration
}

// BehaviorAnalyzer keeps rolling-window traffic profiles per server IP, guild
// and user, and scores each request against them.
type BehaviorAnalyzer struct {
	sync.Mutex
	cfg       BehaviorConfig
	records   map[string]*behaviorRecord
	guildHist map[string]*windowHistory
	watchers  map[string]map[string]time.Time
}

func NewBehaviorAnalyzer(cfg BehaviorConfig) *BehaviorAnalyzer {
	return &BehaviorAnalyzer{
		cfg:       cfg,
		records:   make(map[string]*behaviorRecord),
		guildHist: make(map[string]*windowHistory),
		watchers:  make(map[string]map[string]time.Time),
	}
}

func (analyzer *BehaviorAnalyzer) record(key string, now time.Time) *behaviorRecord {
	rec, found := analyzer.records[key]
	if !found {
		rec = newBehaviorRecord(now)
		analyzer.records[key] = rec
	}
	return rec
}

// Analyze scores one request. Manual commands are exempt by contract and the
// caller does not route them here.
func (analyzer *BehaviorAnalyzer) Analyze(request QueryRequest, serverIP string) BehaviorVerdict {
	now := time.Now()
	analyzer.Lock()
	defer analyzer.Unlock()

	entityKeys := []string{"server:" + serverIP, "guild:" + request.GuildID}
	if len(request.UserID) > 0 {
		entityKeys = append(entityKeys, "user:"+request.UserID)
	}

	var flags []string
	seen := make(map[string]bool)
	addFlag := func(flag string) {
		if !seen[flag] {
			seen[flag] = true
			flags = append(flags, flag)
		}
	}

	blended := 0.0
	guildRec := analyzer.record("guild:"+request.GuildID, now)
	for _, key := range entityKeys {
		rec := analyzer.record(key, now)
		rec.timestamps = append(rec.timestamps, now)
		rec.totalRequests++
		rec.lastSeen = now
		rec.prune(now, analyzer.cfg.AnalysisWindow, analyzer.cfg.MaxTimestamps)

		instant, entityFlags := analyzer.instantScore(rec, now)
		for _, flag := range entityFlags {
			addFlag(flag)
			rec.flags[flag] = now
		}
		rec.trust = clampScore(rec.trust*trustSmoothingOld + instant*trustSmoothingNew)
		blended += rec.trust
	}
	blended /= float64(len(entityKeys))

	crossInstant := 1.0
	if analyzer.guildVolumeSpike(request.GuildID, now) {
		addFlag("volume_spike")
		guildRec.flags["volume_spike"] = now
		crossInstant *= penaltySpike
	}
	if analyzer.temporalRegularity(guildRec) {
		addFlag("temporal_regularity")
		guildRec.flags["temporal_regularity"] = now
		crossInstant *= penaltyRegular
	}
	if analyzer.coordinatedPattern(request.Server.Key(), request.GuildID, now) {
		addFlag("coordinated_pattern")
		guildRec.flags["coordinated_pattern"] = now
		crossInstant *= penaltyCoordinated
	}
	if crossInstant < 1.0 {
		guildRec.trust = clampScore(guildRec.trust*trustSmoothingOld + crossInstant*trustSmoothingNew)
		blended = math.Min(blended, guildRec.trust)
	}

	// Startup grace: a guild without an established baseline is never
	// penalized for its monitoring traffic.
	if request.IsMonitoring && guildRec.totalRequests < uint64(analyzer.cfg.NewGuildGrace) {
		return BehaviorVerdict{Allowed: true, TrustScore: clampScore(blended), Flags: flags}
	}

	if blended < analyzer.cfg.SuspicionThreshold && len(flags) > 0 {
		return BehaviorVerdict{
			Allowed:    false,
			TrustScore: clampScore(blended),
			Flags:      flags,
			Reason:     "suspicious traffic pattern: " + flags[0],
			RetryAfter: suspicionCooldown(blended),
		}
	}
	return BehaviorVerdict{Allowed: true, TrustScore: clampScore(blended), Flags: flags}
}

// RecordOutcome feeds a completed query's result back into the entity
// counters used by the failure-ratio penalty.
func (analyzer *BehaviorAnalyzer) RecordOutcome(serverIP, guildID, userID string, success bool) {
	now := time.Now()
	analyzer.Lock()
	defer analyzer.Unlock()
	keys := []string{"server:" + serverIP, "guild:" + guildID}
	if len(userID) > 0 {
		keys = append(keys, "user:"+userID)
	}
	for _, key := range keys {
		rec := analyzer.record(key, now)
		if success {
			rec.successes++
		} else {
			rec.failures++
		}
		rec.lastSeen = now
	}
}

// TrustScore returns the current smoothed score for an entity key such as
// "guild:123", defaulting to 1.0 for unknown entities.
func (analyzer *BehaviorAnalyzer) TrustScore(key string) float64 {
	analyzer.Lock()
	defer analyzer.Unlock()
	if rec, found := analyzer.records[key]; found {
		return rec.trust
	}
	return 1.0
}

func (analyzer *BehaviorAnalyzer) instantScore(rec *behaviorRecord, now time.Time) (float64, []string) {
	instant := 1.0
	var flags []string

	lastMinute := rec.countSince(now.Add(-time.Minute))
	if lastMinute > analyzer.cfg.MaxRequestsPerMinute {
		instant *= penaltyHighRate
		flags = append(flags, "high_rate")
	}
	if lastMinute > analyzer.cfg.BurstThreshold {
		instant *= penaltyBurst
		flags = append(flags, "burst")
	}
	if cv, ok := intervalCV(rec.timestamps); ok && cv < analyzer.cfg.UniformCVThreshold {
		instant *= penaltyUniform
		flags = append(flags, "uniform_pattern")
	}
	total := rec.successes + rec.failures
	if total >= 5 {
		ratio := float64(rec.failures) / float64(total)
		if ratio > analyzer.cfg.FailureRatioThreshold {
			instant *= penaltyFailures
			flags = append(flags, "high_failures")
		}
	}
	return instant, flags
}

// guildVolumeSpike compares the guild's current 5-minute request count to an
// IQR-outlier-cleaned mean plus SpikeSigma standard deviations of its own
// historical per-window counts.
func (analyzer *BehaviorAnalyzer) guildVolumeSpike(guildID string, now time.Time) bool {
	hist, found := analyzer.guildHist[guildID]
	if !found {
		hist = &windowHistory{windowStart: now}
		analyzer.guildHist[guildID] = hist
	}
	for now.Sub(hist.windowStart) >= analyzer.cfg.SpikeWindow {
		hist.history = append(hist.history, float64(hist.count))
		if len(hist.history) > maxWindowHistory {
			hist.history = hist.history[len(hist.history)-maxWindowHistory:]
		}
		hist.count = 0
		hist.windowStart = hist.windowStart.Add(analyzer.cfg.SpikeWindow)
		if now.Sub(hist.windowStart) >= time.Hour {
			// The guild went quiet for a long stretch; re-anchor instead of
			// replaying empty windows one by one.
			hist.windowStart = now
			break
		}
	}
	hist.count++

	// A baseline needs at least a dozen observed windows.
	if len(hist.history) < 12 {
		return false
	}
	cleaned := iqrClean(hist.history)
	if len(cleaned) == 0 {
		return false
	}
	mean, stddev := meanStddev(cleaned)
	threshold := mean + analyzer.cfg.SpikeSigma*stddev
	return float64(hist.count) > threshold && hist.count > 1
}

// temporalRegularity flags very low-variance, sub-5-second average spacing:
// the signature of an unthrottled script rather than human traffic.
func (analyzer *BehaviorAnalyzer) temporalRegularity(rec *behaviorRecord) bool {
	recent := rec.timestamps
	if len(recent) < 10 {
		return false
	}
	intervals := make([]float64, 0, len(recent)-1)
	for i := 1; i < len(recent); i++ {
		intervals = append(intervals, recent[i].Sub(recent[i-1]).Seconds())
	}
	mean, stddev := meanStddev(intervals)
	if mean <= 0 || mean > analyzer.cfg.RegularSpacingMax.Seconds() {
		return false
	}
	return stddev/mean < analyzer.cfg.UniformCVThreshold
}

// coordinatedPattern flags many distinct guilds starting to query the same
// target inside a short trailing window.
func (analyzer *BehaviorAnalyzer) coordinatedPattern(serverKey, guildID string, now time.Time) bool {
	watchers, found := analyzer.watchers[serverKey]
	if !found {
		watchers = make(map[string]time.Time)
		analyzer.watchers[serverKey] = watchers
	}
	cutoff := now.Add(-analyzer.cfg.CoordinatedWindow)
	for guild, first := range watchers {
		if first.Before(cutoff) {
			delete(watchers, guild)
		}
	}
	if _, known := watchers[guildID]; !known {
		watchers[guildID] = now
	}
	return len(watchers) > analyzer.cfg.CoordinatedGuilds
}

// Cleanup drops entities unseen for more than twice the analysis window.
func (analyzer *BehaviorAnalyzer) Cleanup() {
	now := time.Now()
	cutoff := now.Add(-2 * analyzer.cfg.AnalysisWindow)
	analyzer.Lock()
	defer analyzer.Unlock()
	for key, rec := range analyzer.records {
		if rec.lastSeen.Before(cutoff) {
			delete(analyzer.records, key)
		}
	}
	for guildID, hist := range analyzer.guildHist {
		if hist.windowStart.Before(cutoff) {
			delete(analyzer.guildHist, guildID)
		}
	}
	for serverKey, watchers := range analyzer.watchers {
		for guild, first := range watchers {
			if first.Before(now.Add(-analyzer.cfg.CoordinatedWindow)) {
				delete(watchers, guild)
			}
		}
		if len(watchers) == 0 {
			delete(analyzer.watchers, serverKey)
		}
	}
}

func suspicionCooldown(score float64) time.Duration {
	switch {
	case score < 0.1:
		return time.Hour
	case score < 0.2:
		return 30 * time.Minute
	default:
		return 10 * time.Minute
	}
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// intervalCV returns the coefficient of variation of inter-request intervals.
// Fewer than five samples is not enough signal.
func intervalCV(timestamps []time.Time) (float64, bool) {
	if len(timestamps) < 5 {
		return 0, false
	}
	intervals := make([]float64, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		intervals = append(intervals, timestamps[i].Sub(timestamps[i-1]).Seconds())
	}
	mean, stddev := meanStddev(intervals)
	if mean <= 0 {
		return 0, false
	}
	return stddev / mean, true
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// iqrClean removes interquartile-range outliers so a handful of historically
// extreme windows does not inflate the spike baseline.
func iqrClean(values []float64) []float64 {
	if len(values) < 4 {
		return values
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	low, high := q1-1.5*iqr, q3+1.5*iqr
	cleaned := make([]float64, 0, len(values))
	for _, v := range values {
		if v >= low && v <= high {
			cleaned = append(cleaned, v)
		}
	}
	return cleaned
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
