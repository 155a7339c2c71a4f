package deadlock

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Strategy selects which transaction in a confirmed cycle becomes the
// victim.
type Strategy string

const (
	AbortYoungest       Strategy = "abort_youngest"
	AbortOldest         Strategy = "abort_oldest"
	AbortLowestPriority Strategy = "abort_lowest_priority"
	AbortLeastWork      Strategy = "abort_least_work"
	AbortRandom         Strategy = "abort_random"
)

const staleTransactionAge = time.Hour

// txInfo tracks what the detector needs to know about a registered
// transaction to score cycles and pick victims.
type txInfo struct {
	startTime time.Time
	priority  int
}

// Deadlock is one verified cycle, with the transactions in wait order and
// the victim filled in once Resolve has run.
type Deadlock struct {
	DetectedAt         time.Time
	InvolvedTxIDs      []string
	Chain              []ChainLink
	ConfidenceScore    float64
	VictimTxID         string
	ResolutionStrategy Strategy
}

// ChainLink describes one waiter->holder edge in a reported deadlock.
type ChainLink struct {
	Waiter   string
	Holder   string
	Resource string
	Kind     LockKind
	WaitTime time.Duration
}

// Stats is the detector's exposed counter block.
type Stats struct {
	Detected               int64
	Resolved               int64
	FalsePositives         int64
	ResolutionFailures     int64
	AverageDetectionTime   time.Duration
	AverageResolutionTime  time.Duration
	ActiveTransactions     int
	CurrentWaitRelations   int
	RecentDeadlocks        int
	ResolutionSuccessRate  float64
}

// WorkCounter lets the detector break ties for abort_least_work without
// importing the transaction coordinator; the composition root supplies a
// func reading live operation counts.
type WorkCounter func(txID string) int

// VictimFunc is the one-shot callback invoked after Resolve picks a
// victim. It always runs outside the graph lock, so the detector never
// calls back into the transaction coordinator while holding its own
// lock.
type VictimFunc func(txID string)

// Detector finds and resolves deadlocks over the wait-for graph.
type Detector struct {
	detectionInterval time.Duration
	strategy          Strategy
	workCounter       WorkCounter
	onVictim          VictimFunc

	graphMu  sync.Mutex
	graph    *waitForGraph
	txInfo   map[string]txInfo

	statsMu sync.Mutex
	stats   Stats
	history []Deadlock

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Config configures a Detector.
type Config struct {
	DetectionInterval time.Duration
	Strategy          Strategy
	WorkCounter       WorkCounter
	OnVictim          VictimFunc
}

func New(cfg Config) *Detector {
	if cfg.DetectionInterval <= 0 {
		cfg.DetectionInterval = time.Second
	}
	if cfg.Strategy == "" {
		cfg.Strategy = AbortYoungest
	}
	d := &Detector{
		detectionInterval: cfg.DetectionInterval,
		strategy:          cfg.Strategy,
		workCounter:       cfg.WorkCounter,
		onVictim:          cfg.OnVictim,
		graph:             newWaitForGraph(),
		txInfo:            make(map[string]txInfo),
		stopCh:            make(chan struct{}),
	}
	d.wg.Add(1)
	go d.monitorLoop()
	return d
}

// Stop halts the background detection loop.
func (d *Detector) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Register adds a transaction to deadlock monitoring.
func (d *Detector) Register(txID string, priority int) {
	d.graphMu.Lock()
	defer d.graphMu.Unlock()
	d.txInfo[txID] = txInfo{startTime: time.Now(), priority: priority}
}

// Unregister removes a transaction from monitoring and from the graph.
func (d *Detector) Unregister(txID string) {
	d.graphMu.Lock()
	defer d.graphMu.Unlock()
	delete(d.txInfo, txID)
	d.graph.removeTransaction(txID)
}

// AddWait records that waiter is blocked on holder for resource.
func (d *Detector) AddWait(waiter, holder, resource string, kind LockKind) {
	d.graphMu.Lock()
	defer d.graphMu.Unlock()
	d.graph.addWait(waiter, holder, resource, kind)
}

// RemoveWait clears a wait relationship once it resolves without conflict.
func (d *Detector) RemoveWait(waiter, holder string) {
	d.graphMu.Lock()
	defer d.graphMu.Unlock()
	d.graph.removeWait(waiter, holder)
}

// Detect runs DFS cycle detection, verifies each candidate and returns the
// confirmed deadlocks. Verification re-checks that every edge in the
// candidate cycle still exists, so a lock released between enumeration and
// verification does not produce a false positive.
func (d *Detector) Detect() []Deadlock {
	start := time.Now()
	var confirmed []Deadlock

	d.graphMu.Lock()
	cycles := d.graph.detectCycles()
	for _, cycle := range cycles {
		if len(cycle) <= 2 {
			continue // a 2-element closed path is a self-loop, not a real cycle
		}
		if !d.verifyLocked(cycle) {
			continue
		}
		dl := Deadlock{
			DetectedAt:      time.Now(),
			InvolvedTxIDs:   cycle[:len(cycle)-1],
			Chain:           d.buildChainLocked(cycle),
			ConfidenceScore: d.confidenceScoreLocked(cycle),
		}
		confirmed = append(confirmed, dl)
	}
	d.graphMu.Unlock()

	d.statsMu.Lock()
	d.stats.Detected += int64(len(confirmed))
	d.history = append(d.history, confirmed...)
	d.updateAverageDetectionTimeLocked(time.Since(start))
	d.statsMu.Unlock()

	return confirmed
}

// verifyLocked must be called with graphMu held.
func (d *Detector) verifyLocked(cycle []string) bool {
	for _, txID := range cycle[:len(cycle)-1] {
		if _, ok := d.txInfo[txID]; !ok {
			return false
		}
	}
	for i := 0; i < len(cycle)-1; i++ {
		if !d.graph.hasEdge(cycle[i], cycle[i+1]) {
			return false
		}
	}
	return true
}

func (d *Detector) buildChainLocked(cycle []string) []ChainLink {
	chain := make([]ChainLink, 0, len(cycle)-1)
	for i := 0; i < len(cycle)-1; i++ {
		waiter, holder := cycle[i], cycle[i+1]
		edge, ok := d.graph.edges[waiter][holder]
		link := ChainLink{Waiter: waiter, Holder: holder, Resource: "unknown"}
		if ok {
			link.Resource = edge.resource
			link.Kind = edge.kind
			link.WaitTime = time.Since(edge.requestedAt)
		}
		chain = append(chain, link)
	}
	return chain
}

func (d *Detector) confidenceScoreLocked(cycle []string) float64 {
	score := 0.8
	if len(cycle) > 3 {
		score += 0.1
	}

	var totalWait time.Duration
	var count int
	for _, holders := range d.graph.edges {
		for _, edge := range holders {
			if containsStr(cycle, edge.holder) {
				totalWait += time.Since(edge.requestedAt)
				count++
			}
		}
	}
	if count > 0 && (totalWait/time.Duration(count)) > 10*time.Second {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func containsStr(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Resolve picks a victim per the configured strategy, unregisters it and
// invokes onVictim outside the graph lock.
func (d *Detector) Resolve(dl *Deadlock) bool {
	start := time.Now()

	d.graphMu.Lock()
	victim := d.selectVictimLocked(dl.InvolvedTxIDs)
	d.graphMu.Unlock()

	if victim == "" {
		d.statsMu.Lock()
		d.stats.ResolutionFailures++
		d.statsMu.Unlock()
		log.Error().Msg("deadlock: could not select a victim transaction")
		return false
	}

	dl.VictimTxID = victim
	dl.ResolutionStrategy = d.strategy
	d.Unregister(victim)

	d.statsMu.Lock()
	d.stats.Resolved++
	d.updateAverageResolutionTimeLocked(time.Since(start))
	d.statsMu.Unlock()

	log.Info().Str("tx_id", victim).Str("strategy", string(d.strategy)).Msg("deadlock: resolved by aborting transaction")

	if d.onVictim != nil {
		d.onVictim(victim)
	}
	return true
}

// selectVictimLocked must be called with graphMu held.
func (d *Detector) selectVictimLocked(txIDs []string) string {
	if len(txIDs) == 0 {
		return ""
	}
	switch d.strategy {
	case AbortYoungest:
		var victim string
		var youngest time.Time
		for _, id := range txIDs {
			info, ok := d.txInfo[id]
			if !ok {
				continue
			}
			if youngest.IsZero() || info.startTime.After(youngest) {
				victim, youngest = id, info.startTime
			}
		}
		return victim
	case AbortOldest:
		var victim string
		var oldest time.Time
		for _, id := range txIDs {
			info, ok := d.txInfo[id]
			if !ok {
				continue
			}
			if oldest.IsZero() || info.startTime.Before(oldest) {
				victim, oldest = id, info.startTime
			}
		}
		return victim
	case AbortLowestPriority:
		var victim string
		lowest := int(^uint(0) >> 1)
		for _, id := range txIDs {
			p := d.txInfo[id].priority
			if p < lowest {
				victim, lowest = id, p
			}
		}
		return victim
	case AbortLeastWork:
		if d.workCounter == nil {
			return txIDs[0]
		}
		var victim string
		least := -1
		for _, id := range txIDs {
			work := d.workCounter(id)
			if least == -1 || work < least {
				victim, least = id, work
			}
		}
		return victim
	case AbortRandom:
		return txIDs[rand.Intn(len(txIDs))]
	default:
		return txIDs[0]
	}
}

func (d *Detector) updateAverageDetectionTimeLocked(elapsed time.Duration) {
	total := d.stats.Detected
	if total <= 0 {
		d.stats.AverageDetectionTime = elapsed
		return
	}
	d.stats.AverageDetectionTime = weightedAverage(d.stats.AverageDetectionTime, total, elapsed)
}

func (d *Detector) updateAverageResolutionTimeLocked(elapsed time.Duration) {
	total := d.stats.Resolved
	if total <= 0 {
		d.stats.AverageResolutionTime = elapsed
		return
	}
	d.stats.AverageResolutionTime = weightedAverage(d.stats.AverageResolutionTime, total, elapsed)
}

func weightedAverage(currentAvg time.Duration, total int64, sample time.Duration) time.Duration {
	return time.Duration((int64(currentAvg)*(total-1) + int64(sample)) / total)
}

// Stats reports the detector's statistics.
func (d *Detector) Stats() Stats {
	d.graphMu.Lock()
	active := len(d.txInfo)
	waitRelations := 0
	for _, holders := range d.graph.edges {
		waitRelations += len(holders)
	}
	d.graphMu.Unlock()

	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	recent := 0
	cutoff := time.Now().Add(-time.Hour)
	for _, h := range d.history {
		if h.DetectedAt.After(cutoff) {
			recent++
		}
	}

	s := d.stats
	s.ActiveTransactions = active
	s.CurrentWaitRelations = waitRelations
	s.RecentDeadlocks = recent
	denom := s.Detected
	if denom < 1 {
		denom = 1
	}
	s.ResolutionSuccessRate = float64(s.Resolved) / float64(denom)
	return s
}

// monitorLoop is the background detection loop: detect, resolve, evict
// stale transaction records, repeat every detection_interval.
func (d *Detector) monitorLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.detectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			deadlocks := d.Detect()
			for i := range deadlocks {
				d.Resolve(&deadlocks[i])
			}
			d.evictStaleTransactions()
		}
	}
}

func (d *Detector) evictStaleTransactions() {
	cutoff := time.Now().Add(-staleTransactionAge)
	d.graphMu.Lock()
	var stale []string
	for id, info := range d.txInfo {
		if info.startTime.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(d.txInfo, id)
		d.graph.removeTransaction(id)
	}
	d.graphMu.Unlock()
}
