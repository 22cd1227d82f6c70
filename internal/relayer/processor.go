// Package relayer implements the settlement processor (C5): the orchestrator
// that drives each settlement through Pending -> Signing -> Submitting ->
// Awaiting -> {Completed, Failed, Expired}, retrying with backoff, sweeping
// expired settlements, and recovering in-flight work after a restart.
package relayer

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/scalarorg/svm-aptos-relayer/pkg/backoff"
	"github.com/scalarorg/svm-aptos-relayer/pkg/destination"
	"github.com/scalarorg/svm-aptos-relayer/pkg/events"
	"github.com/scalarorg/svm-aptos-relayer/pkg/monitor"
	"github.com/scalarorg/svm-aptos-relayer/pkg/signer"
	"github.com/scalarorg/svm-aptos-relayer/pkg/store"
	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

// Pinger is the minimal reachability check a chain backend exposes for the
// periodic health probe; both pkg/source.Chain and pkg/destination.Chain
// satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health is the outcome of the most recent health-probe tick.
type Health struct {
	StoreHealthy       bool
	SourceHealthy      bool
	DestinationHealthy bool
	CheckedAt          time.Time
}

// Processor is the C5 settlement processor. It holds every component the
// pipeline depends on and owns the pipeline's concurrency and lifecycle.
type Processor struct {
	store   store.Store
	signer  *signer.Signer
	dest    destination.Chain
	source  Pinger
	bus     *events.Bus
	cfg     Config
	metrics *monitor.Metrics

	queue chan string   // source_tx_hash admitted for processing
	sem   chan struct{} // bounded worker pool permits
	wg    sync.WaitGroup
	cron  *cron.Cron

	healthMu sync.RWMutex
	health   Health

	cancel context.CancelFunc
}

// Option configures optional Processor dependencies not every caller needs
// (tests in particular construct a Processor without a source chain or
// metrics registry).
type Option func(*Processor)

// WithSourceChain registers the source chain's Ping for the periodic health
// probe. Without it, the probe reports the source chain as always healthy.
func WithSourceChain(p Pinger) Option {
	return func(proc *Processor) { proc.source = p }
}

// WithMetrics wires proc's Prometheus collectors so submit/terminal/
// duration/in-flight/health metrics are recorded as the pipeline runs.
func WithMetrics(m *monitor.Metrics) Option {
	return func(proc *Processor) { proc.metrics = m }
}

// New constructs a Processor. Call Start to begin processing.
func New(st store.Store, sg *signer.Signer, dest destination.Chain, bus *events.Bus, cfg Config, opts ...Option) *Processor {
	cfg = cfg.defaulted()
	p := &Processor{
		store:  st,
		signer: sg,
		dest:   dest,
		bus:    bus,
		cfg:    cfg,
		queue:  make(chan string, cfg.QueueSize),
		sem:    make(chan struct{}, cfg.MaxConcurrentSettlements),
		cron:   cron.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Admit implements source.Sink: it durably persists req (idempotently) and
// enqueues it for processing. A full queue applies back-pressure by
// blocking until ctx is canceled or room frees up, per spec.md §5.
func (p *Processor) Admit(ctx context.Context, req types.SettlementRequest) error {
	if err := p.store.PutIfAbsent(ctx, req); err != nil {
		if err == store.ErrAlreadyExists {
			return nil
		}
		return fmt.Errorf("relayer: admit: %w", err)
	}
	select {
	case p.queue <- req.SourceTxHash:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the worker fan-out and periodic jobs. It returns once
// everything is scheduled; call Shutdown to stop.
func (p *Processor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if err := p.Recover(ctx); err != nil {
		return fmt.Errorf("relayer: recover: %w", err)
	}

	p.wg.Add(1)
	go p.dispatchLoop(ctx)

	if _, err := p.cron.AddFunc(fmt.Sprintf("@every %s", p.cfg.ExpirySweepInterval), func() {
		p.sweepExpired(ctx)
	}); err != nil {
		return fmt.Errorf("relayer: schedule expiry sweep: %w", err)
	}
	if _, err := p.cron.AddFunc(fmt.Sprintf("@every %s", p.cfg.HealthProbeInterval), func() {
		p.probeHealth(ctx)
	}); err != nil {
		return fmt.Errorf("relayer: schedule health probe: %w", err)
	}
	p.probeHealth(ctx)
	if p.cfg.CompactionHorizon > 0 {
		if _, err := p.cron.AddFunc("@every 1h", func() {
			p.compact(ctx)
		}); err != nil {
			return fmt.Errorf("relayer: schedule compaction: %w", err)
		}
	}
	p.cron.Start()

	log.Info().
		Int("max_concurrent_settlements", p.cfg.MaxConcurrentSettlements).
		Int("queue_size", p.cfg.QueueSize).
		Msg("relayer: processor started")
	return nil
}

// Shutdown cancels in-flight work and waits up to ShutdownTimeout for
// workers to drain. Non-terminal records simply remain non-terminal in the
// store and are picked up by Recover on the next start.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	cronCtx := p.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(p.cfg.ShutdownTimeout):
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("relayer: processor stopped cleanly")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		return fmt.Errorf("relayer: shutdown timed out after %s", p.cfg.ShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health returns the outcome of the most recent health-probe tick.
func (p *Processor) Health() Health {
	p.healthMu.RLock()
	defer p.healthMu.RUnlock()
	return p.health
}

// probeHealth pings the store and both chain backends, records the result
// for Health()/the monitor's /health endpoint, and syncs the in-flight and
// pending gauges from the same store round trip.
func (p *Processor) probeHealth(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	counts, err := p.store.CountByStatus(probeCtx)
	storeHealthy := err == nil
	if err != nil {
		log.Warn().Err(err).Msg("relayer: health probe: store unreachable")
	}

	sourceHealthy := true
	if p.source != nil {
		if err := p.source.Ping(probeCtx); err != nil {
			sourceHealthy = false
			log.Warn().Err(err).Msg("relayer: health probe: source chain unreachable")
		}
	}

	destHealthy := true
	if p.dest != nil {
		if err := p.dest.Ping(probeCtx); err != nil {
			destHealthy = false
			log.Warn().Err(err).Msg("relayer: health probe: destination chain unreachable")
		}
	}

	now := time.Now().UTC()
	p.healthMu.Lock()
	p.health = Health{StoreHealthy: storeHealthy, SourceHealthy: sourceHealthy, DestinationHealthy: destHealthy, CheckedAt: now}
	p.healthMu.Unlock()

	if p.metrics != nil {
		p.metrics.SourceHealthy.Set(boolToFloat(sourceHealthy))
		p.metrics.DestinationHealthy.Set(boolToFloat(destHealthy))
		if storeHealthy {
			var inFlight, pending int64
			for status, n := range counts {
				if status == types.StatusPending {
					pending = n
				}
				if !status.Terminal() {
					inFlight += n
				}
			}
			p.metrics.SettlementsInFlight.Set(float64(inFlight))
			p.metrics.SettlementsPending.Set(float64(pending))
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Recover scans every non-terminal status in created_at order and
// re-injects each record into the same admission path used for fresh
// events, so a crash mid-pipeline resumes without operator intervention.
func (p *Processor) Recover(ctx context.Context) error {
	nonTerminal := []types.Status{
		types.StatusPending, types.StatusSigning, types.StatusSubmitting, types.StatusAwaiting,
	}
	var recovered int
	for _, status := range nonTerminal {
		recs, err := p.store.ListByStatus(ctx, status, 0)
		if err != nil {
			return fmt.Errorf("relayer: recover list %s: %w", status, err)
		}
		for _, rec := range recs {
			select {
			case p.queue <- rec.Request.SourceTxHash:
				recovered++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if recovered > 0 {
		log.Info().Int("count", recovered).Msg("relayer: recovered in-flight settlements")
	}
	return nil
}

// dispatchLoop pulls admitted hashes off the queue and spawns a bounded
// number of concurrent workers to drive each through the pipeline.
func (p *Processor) dispatchLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case hash := <-p.queue:
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			p.wg.Add(1)
			go func(hash string) {
				defer p.wg.Done()
				defer func() { <-p.sem }()
				p.process(ctx, hash)
			}(hash)
		}
	}
}

// process drives a single settlement forward one pipeline step. If the
// settlement isn't yet terminal after the step, it re-enqueues itself
// (after any required delay) rather than looping in place, so the worker
// slot is released between steps.
func (p *Processor) process(ctx context.Context, hash string) {
	rec, err := p.store.Get(ctx, hash)
	if err != nil {
		log.Error().Err(err).Str("source_tx_hash", hash).Msg("relayer: process: load failed")
		return
	}
	if rec.State.Status.Terminal() {
		return
	}

	switch rec.State.Status {
	case types.StatusPending:
		p.runSigning(ctx, rec)
	case types.StatusSigning:
		p.runSubmitting(ctx, rec)
	case types.StatusSubmitting:
		p.runSubmitting(ctx, rec)
	case types.StatusAwaiting:
		p.runAwaiting(ctx, rec)
	}
}

func (p *Processor) transition(ctx context.Context, hash string, version int64, mutate store.Mutate) (types.SettlementState, bool) {
	result, err := p.store.UpdateState(ctx, hash, version, mutate)
	if err != nil {
		log.Error().Err(err).Str("source_tx_hash", hash).Msg("relayer: transition: update failed")
		return types.SettlementState{}, false
	}
	if result != store.Updated {
		// Another worker already advanced this record (or it vanished);
		// back off and let whichever worker holds the current version
		// continue driving it.
		return types.SettlementState{}, false
	}
	rec, err := p.store.Get(ctx, hash)
	if err != nil {
		log.Error().Err(err).Str("source_tx_hash", hash).Msg("relayer: transition: reload failed")
		return types.SettlementState{}, false
	}
	p.bus.Publish(events.StatusChange{SourceTxHash: hash, To: rec.State.Status, At: time.Now().UTC()})
	return rec.State, true
}

func (p *Processor) requeue(hash string, after time.Duration) {
	if after <= 0 {
		select {
		case p.queue <- hash:
		default:
			go func() { p.queue <- hash }()
		}
		return
	}
	time.AfterFunc(after, func() {
		p.queue <- hash
	})
}

func (p *Processor) runSigning(ctx context.Context, rec types.Record) {
	hash := rec.Request.SourceTxHash
	state, ok := p.transition(ctx, hash, rec.State.Version, func(s *types.SettlementState) {
		s.Status = types.StatusSigning
	})
	if !ok {
		return
	}
	_ = state
	p.requeue(hash, 0)
}

func (p *Processor) runSubmitting(ctx context.Context, rec types.Record) {
	hash := rec.Request.SourceTxHash

	// Every entry into Submitting is one attempt at C4's submit, whether
	// this is the first try or a retry after a prior failure — increment
	// unconditionally here rather than only on failure, per spec.md §4.5.
	state, ok := p.transition(ctx, hash, rec.State.Version, func(s *types.SettlementState) {
		s.Status = types.StatusSubmitting
		s.Attempts++
		now := time.Now().UTC()
		s.SubmittedAt = &now
	})
	if !ok {
		return
	}

	intent := p.signer.Build(rec.Request)
	signed, err := p.signer.Sign(intent)
	if err != nil {
		p.fail(ctx, hash, state.Version, fmt.Sprintf("sign: %v", err))
		return
	}

	sigBytes, err := base64.StdEncoding.DecodeString(signed.Signature)
	if err != nil {
		p.fail(ctx, hash, state.Version, fmt.Sprintf("decode signature: %v", err))
		return
	}

	result, err := p.dest.Submit(ctx, signed, sigBytes)
	if err != nil {
		p.retryOrFail(ctx, hash, state, fmt.Sprintf("submit transport error: %v", err))
		return
	}

	switch result.Outcome {
	case destination.Accepted:
		p.toAwaiting(ctx, hash, state.Version, result.TxHash)
	case destination.Rejected:
		if destination.IsAlreadySettledAbort(result.Reason) {
			settled, err := p.dest.IsSettled(ctx, hash)
			if err == nil && settled {
				p.complete(ctx, hash, state.Version, result.TxHash)
				return
			}
		}
		p.retryOrFail(ctx, hash, state, fmt.Sprintf("rejected: %s", result.Reason))
	case destination.TransportError:
		p.retryOrFail(ctx, hash, state, fmt.Sprintf("submit transport error: %s", result.Reason))
	}
}

func (p *Processor) toAwaiting(ctx context.Context, hash string, version int64, destTxHash string) {
	state, ok := p.transition(ctx, hash, version, func(s *types.SettlementState) {
		s.Status = types.StatusAwaiting
		s.DestinationTxHash = destTxHash
	})
	if !ok {
		return
	}
	_ = state
	p.requeue(hash, 0)
}

func (p *Processor) runAwaiting(ctx context.Context, rec types.Record) {
	hash := rec.Request.SourceTxHash
	deadline := time.Now().Add(p.cfg.ConfirmTimeout)

	outcome, err := p.dest.Confirm(ctx, rec.State.DestinationTxHash, deadline)
	if err != nil {
		p.retryOrFail(ctx, hash, rec.State, fmt.Sprintf("confirm error: %v", err))
		return
	}

	switch outcome {
	case destination.Confirmed:
		p.complete(ctx, hash, rec.State.Version, rec.State.DestinationTxHash)
	case destination.Reverted:
		p.retryOrFail(ctx, hash, rec.State, "destination transaction reverted")
	case destination.Timeout:
		p.retryOrFail(ctx, hash, rec.State, "confirmation timed out")
	}
}

func (p *Processor) complete(ctx context.Context, hash string, version int64, destTxHash string) {
	state, ok := p.transition(ctx, hash, version, func(s *types.SettlementState) {
		s.Status = types.StatusCompleted
		s.DestinationTxHash = destTxHash
		now := time.Now().UTC()
		s.ConfirmedAt = &now
	})
	if ok {
		log.Info().Str("source_tx_hash", hash).Str("destination_tx_hash", destTxHash).Msg("relayer: settlement completed")
		p.recordTerminal("success", state)
	}
}

func (p *Processor) fail(ctx context.Context, hash string, version int64, reason string) {
	state, ok := p.transition(ctx, hash, version, func(s *types.SettlementState) {
		s.Status = types.StatusFailed
		s.LastError = reason
	})
	if ok {
		log.Warn().Str("source_tx_hash", hash).Str("reason", reason).Msg("relayer: settlement failed")
		p.recordTerminal("failure", state)
	}
}

// recordTerminal observes settlements_total and settlement_duration_seconds
// for a settlement that just reached a terminal status.
func (p *Processor) recordTerminal(result string, state types.SettlementState) {
	if p.metrics == nil {
		return
	}
	p.metrics.SettlementsTotal.WithLabelValues(result).Inc()
	if !state.CreatedAt.IsZero() {
		p.metrics.SettlementDuration.Observe(time.Since(state.CreatedAt).Seconds())
	}
}

// retryOrFail either schedules a backoff-delayed retry (re-entering
// Submitting, which increments the attempt counter itself on its next run)
// or terminates as Failed once max_attempts is exhausted. state.Attempts
// already reflects the attempt that just failed, since runSubmitting
// increments it unconditionally on every entry.
func (p *Processor) retryOrFail(ctx context.Context, hash string, state types.SettlementState, reason string) {
	if state.Attempts >= p.cfg.MaxAttempts {
		p.fail(ctx, hash, state.Version, reason)
		return
	}

	newState, ok := p.transition(ctx, hash, state.Version, func(s *types.SettlementState) {
		s.LastError = reason
		s.Status = types.StatusSubmitting
	})
	if !ok {
		return
	}
	delay := retryDelay(p.cfg.RetryDelay, state.Attempts)
	log.Warn().Str("source_tx_hash", hash).Int("attempts", state.Attempts).Dur("retry_in", delay).
		Str("reason", reason).Msg("relayer: settlement retry scheduled")
	_ = newState
	p.requeue(hash, delay)
}

// retryDelay implements retry_delay * 2^(attempts-1), capped at 30s, per
// spec.md's retry formula, reusing the same backoff policy the source
// watcher applies to its own RPC retries.
func retryDelay(base time.Duration, attempts int) time.Duration {
	return backoff.Policy{Base: base, Cap: backoff.DefaultCap}.Delay(attempts)
}

// sweepExpired transitions any non-terminal settlement past its intent
// expiry into Expired. Expiry is source_timestamp + intent_ttl, per
// spec.md §4.5 step 7 — not the store's admission time, which can lag the
// source event under watcher backlog or crash-recovery replay.
func (p *Processor) sweepExpired(ctx context.Context) {
	now := time.Now()
	statuses := []types.Status{types.StatusPending, types.StatusSigning, types.StatusSubmitting, types.StatusAwaiting}
	var expired int
	for _, status := range statuses {
		recs, err := p.store.ListByStatus(ctx, status, 0)
		if err != nil {
			log.Error().Err(err).Msg("relayer: expiry sweep: list failed")
			continue
		}
		for _, rec := range recs {
			expiry := time.Unix(rec.Request.SourceTimestamp, 0).Add(p.cfg.IntentExpiry)
			if now.Before(expiry) {
				continue
			}
			state, ok := p.transition(ctx, rec.Request.SourceTxHash, rec.State.Version, func(s *types.SettlementState) {
				s.Status = types.StatusExpired
				s.LastError = "intent expired before confirmation"
			})
			if ok {
				expired++
				p.recordTerminal("failure", state)
			}
		}
	}
	if expired > 0 {
		log.Info().Int("count", expired).Msg("relayer: expiry sweep complete")
	}
}

// compact runs the optional, disabled-by-default archival job.
func (p *Processor) compact(ctx context.Context) {
	horizon := time.Now().Add(-p.cfg.CompactionHorizon)
	archived, err := p.store.CompactBefore(ctx, horizon)
	if err != nil {
		log.Error().Err(err).Msg("relayer: compaction failed")
		return
	}
	if archived > 0 {
		log.Info().Int64("archived", archived).Msg("relayer: compaction complete")
	}
}
