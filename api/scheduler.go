/*
scheduler.go - Periodic balance audit

PURPOSE:
  Periodically refolds every (material, warehouse) balance from the ledger,
  refreshes the cached snapshot and checks that no point of the history is
  negative. The engine never admits a movement that would break this, so a
  violation means the store was written around the engine.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each run lists Store.Keys, then Calculator.Rebuild and Timeline per key
  - Errors on one key are recorded and the run continues
  - The last report is kept for GET /api/admin/audit

USAGE:
  auditor := NewBalanceAuditor(engine, logger)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - handlers.go: RunAudit, LastAudit endpoints
  - ledger/timeline.go: FirstNegative
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/ledger"
)

// BalanceAuditor checks the non-negativity of every balance history.
type BalanceAuditor struct {
	Engine        *ledger.Engine
	CheckInterval time.Duration
	Enabled       bool
	Logger        zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   *AuditDTO
}

// NewBalanceAuditor creates an auditor running every five minutes.
func NewBalanceAuditor(engine *ledger.Engine, logger zerolog.Logger) *BalanceAuditor {
	return &BalanceAuditor{
		Engine:        engine,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
		Logger:        logger.With().Str("component", "auditor").Logger(),
	}
}

// Start begins the periodic audit.
func (a *BalanceAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Enabled || a.CheckInterval <= 0 {
		a.Logger.Info().Msg("auditor disabled, not starting")
		return
	}
	if a.ticker != nil {
		return
	}

	a.ticker = time.NewTicker(a.CheckInterval)
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run(a.ticker, a.stop)

	a.Logger.Info().Dur("interval", a.CheckInterval).Msg("auditor started")
}

// Stop stops the auditor and waits for a running audit to finish.
func (a *BalanceAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker == nil {
		return
	}
	a.ticker.Stop()
	close(a.stop)
	a.wg.Wait()
	a.ticker = nil
	a.Logger.Info().Msg("auditor stopped")
}

func (a *BalanceAuditor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			a.Run(ctx)
		case <-stop:
			return
		}
	}
}

// Run audits every key once and stores the report.
func (a *BalanceAuditor) Run(ctx context.Context) AuditDTO {
	begin := time.Now()
	started := a.Engine.Clock()
	report := AuditDTO{
		StartedAt:  started.UTC().Format(time.RFC3339Nano),
		Violations: []ViolationDTO{},
	}

	keys, err := a.Engine.Store.Keys(ctx)
	if err != nil {
		a.Logger.Error().Err(err).Msg("audit: listing keys failed")
		report.Errors = append(report.Errors, err.Error())
		a.setLast(report)
		return report
	}
	report.Keys = len(keys)

	for _, key := range ledger.SortKeys(keys) {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err().Error())
			break
		}
		if _, err := a.Engine.Calculator.Rebuild(ctx, key); err != nil {
			a.Logger.Warn().Err(err).Str("key", key.String()).Msg("audit: rebuild failed")
			report.Errors = append(report.Errors, key.String()+": "+err.Error())
			continue
		}
		timeline, err := a.Engine.Calculator.Timeline(ctx, key)
		if err != nil {
			report.Errors = append(report.Errors, key.String()+": "+err.Error())
			continue
		}
		if p := timeline.FirstNegative(); p != nil {
			a.Logger.Error().
				Str("material_id", string(key.MaterialID)).
				Str("warehouse_id", string(key.WarehouseID)).
				Str("movement_id", string(p.MovementID)).
				Str("balance", p.Balance.String()).
				Time("at", p.At).
				Msg("negative balance in history")
			report.Violations = append(report.Violations, ViolationDTO{
				MaterialID:  string(key.MaterialID),
				WarehouseID: string(key.WarehouseID),
				MovementID:  string(p.MovementID),
				At:          p.At.UTC().Format(time.RFC3339Nano),
				Balance:     p.Balance,
			})
		}
	}

	a.Logger.Info().
		Int("keys", report.Keys).
		Int("violations", len(report.Violations)).
		Int("errors", len(report.Errors)).
		Dur("took", time.Since(begin)).
		Msg("audit completed")

	a.setLast(report)
	return report
}

// Last returns the most recent report, or nil before the first run.
func (a *BalanceAuditor) Last() *AuditDTO {
	a.lastMu.RLock()
	defer a.lastMu.RUnlock()
	return a.last
}

func (a *BalanceAuditor) setLast(r AuditDTO) {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	a.last = &r
}
