package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/internal/config"
	"github.com/gregtusar/etfarb/pkg/arbitrage"
	"github.com/gregtusar/etfarb/pkg/gateway"
	"github.com/gregtusar/etfarb/pkg/ledger"
	"github.com/gregtusar/etfarb/pkg/metrics"
	"github.com/gregtusar/etfarb/pkg/models"
	"github.com/gregtusar/etfarb/pkg/venue"
)

// ErrStopped is returned to operator commands once the loop has exited.
var ErrStopped = errors.New("trader is not running")

// Trader runs the single trading loop. Everything that touches books or
// ledgers happens on the loop goroutine; operators reach it through
// Dispatch and the atomic toggles.
type Trader struct {
	cfg       config.StrategyConfig
	client    venue.Client
	gateway   *gateway.Gateway
	positions *ledger.PositionLedger
	cash      *ledger.CurrencyLedger
	engine    *arbitrage.Engine
	market    *Market
	tenders   *TenderBook
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	residuals map[string]*Residual
	pair      pairState
	caseInfo  models.CaseInfo

	paused   atomic.Bool
	enabled  map[string]*atomic.Bool
	commands chan request
	status   atomic.Pointer[Status]
	done     chan struct{}
}

func New(cfg config.StrategyConfig, client venue.Client, gw *gateway.Gateway, positions *ledger.PositionLedger, m *metrics.Metrics, logger *logrus.Logger) *Trader {
	engine := arbitrage.NewEngine(arbitrage.Params{
		PortfolioCurrency: cfg.PortfolioCurrency,
		SlippageTolerance: cfg.SlippageTolerance,
		ConvertFee:        cfg.ConvertFee,
		FeeCurrency:       cfg.FeeCurrency,
		SelectByThreshold: cfg.SelectByThreshold,
	}, positions.Cash(), logger)

	t := &Trader{
		cfg:       cfg,
		client:    client,
		gateway:   gw,
		positions: positions,
		cash:      positions.Cash(),
		engine:    engine,
		market:    NewMarket(client, positions, cfg.PortfolioCurrency, cfg.FXTickers, cfg.TransactionFee, cfg.RebateFee, logger),
		tenders:   NewTenderBook(),
		metrics:   m,
		logger:    logger,
		residuals: make(map[string]*Residual),
		enabled: map[string]*atomic.Bool{
			arbitrage.StrategyTender:     {},
			arbitrage.StrategyConversion: {},
			arbitrage.StrategyCrossETF:   {},
			arbitrage.StrategyRiskExit:   {},
		},
		commands: make(chan request, 16),
		done:     make(chan struct{}),
	}
	t.enabled[arbitrage.StrategyTender].Store(cfg.Enabled.Tender)
	t.enabled[arbitrage.StrategyConversion].Store(cfg.Enabled.Conversion)
	t.enabled[arbitrage.StrategyCrossETF].Store(cfg.Enabled.CrossETF)
	t.enabled[arbitrage.StrategyRiskExit].Store(cfg.Enabled.RiskExit)
	t.publish()
	return t
}

// Run trades until the period end, a fatal venue error or ctx ending. The
// book is flattened before a normal return.
func (t *Trader) Run(ctx context.Context) error {
	defer close(t.done)
	t.positions.SetMaxUsage(t.cfg.MaxUsage)
	t.cash.SetMaxUsage(t.cfg.MaxUsage)

	if err := t.gateway.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load initial state: %w", err)
	}
	t.logger.WithFields(logrus.Fields{
		"instruments": len(t.positions.Tickers()),
		"currencies":  len(t.cash.Currencies()),
	}).Info("Starting trading loop")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := t.client.FetchCase(ctx)
		if err != nil {
			if models.Fatal(err) {
				return t.halt(err)
			}
			t.logger.WithError(err).Warn("Failed to fetch case")
			t.sleep(ctx)
			continue
		}
		t.caseInfo = info
		if t.metrics != nil {
			t.metrics.Tick.Set(float64(info.Tick))
		}

		if !info.Active() || info.Tick >= t.ticksPerPeriod(info)-t.cfg.EndTradeBefore {
			t.logger.WithFields(logrus.Fields{
				"tick":   info.Tick,
				"status": info.Status,
			}).Info("Trading window closed, flattening")
			if err := t.closeAll(ctx); err != nil && models.Fatal(err) {
				return t.halt(err)
			}
			t.publish()
			return nil
		}

		if err := t.step(ctx); err != nil {
			if models.Fatal(err) {
				return t.halt(err)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			t.logger.WithError(err).Warn("Trading step failed")
		}
		t.sleep(ctx)
	}
}

func (t *Trader) halt(err error) error {
	t.logger.WithError(err).Error("Venue session lost, halting trading loop")
	t.publish()
	return err
}

func (t *Trader) ticksPerPeriod(info models.CaseInfo) int {
	if info.TicksPerPeriod > 0 {
		return info.TicksPerPeriod
	}
	return t.cfg.TicksPerPeriod
}

func (t *Trader) sleep(ctx context.Context) {
	timer := time.NewTimer(t.cfg.SleepTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// step is one loop iteration. Fills are reconciled before any signal is
// evaluated.
func (t *Trader) step(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
		t.publish()
	}()

	if err := t.gateway.Reconcile(ctx); err != nil {
		return err
	}
	if err := t.gateway.Refresh(ctx); err != nil {
		if models.Fatal(err) {
			return err
		}
		t.logger.WithError(err).Warn("Failed to refresh ledgers")
	}
	if err := t.market.Refresh(ctx, t.caseInfo.Tick); err != nil {
		return err
	}
	if err := t.syncTenders(ctx); err != nil {
		return err
	}
	if err := t.drainCommands(ctx); err != nil {
		return err
	}

	if t.paused.Load() {
		return nil
	}
	if !t.gateway.CanSubmit(1) {
		t.logger.Debug("Order rate window full, skipping strategies")
		return nil
	}

	toggles := t.Strategies()
	runs := []struct {
		name string
		on   bool
		run  func(context.Context) error
	}{
		{arbitrage.StrategyTender, toggles[arbitrage.StrategyTender], t.runTenders},
		{arbitrage.StrategyConversion, toggles[arbitrage.StrategyConversion], t.runConversion},
		// an open pair is managed even with new entries switched off
		{arbitrage.StrategyCrossETF, true, func(ctx context.Context) error {
			return t.runCrossETF(ctx, toggles[arbitrage.StrategyCrossETF])
		}},
		{arbitrage.StrategyRiskExit, toggles[arbitrage.StrategyRiskExit], t.runRiskExit},
		{"hedge", true, t.hedge},
	}
	for _, r := range runs {
		if !r.on {
			continue
		}
		if err := r.run(ctx); err != nil {
			if models.Fatal(err) || ctx.Err() != nil {
				return err
			}
			t.logger.WithError(err).WithField("strategy", r.name).Warn("Strategy run failed")
		}
	}
	return nil
}

func (t *Trader) syncTenders(ctx context.Context) error {
	offered, err := t.client.FetchTenders(ctx)
	if err != nil {
		if models.Fatal(err) {
			return err
		}
		t.logger.WithError(err).Warn("Failed to fetch tenders")
		return nil
	}
	added, expired := t.tenders.Sync(offered)
	for _, tn := range added {
		t.logger.WithFields(logrus.Fields{
			"tender_id": tn.ID,
			"ticker":    tn.Ticker,
			"action":    tn.Action,
			"volume":    tn.Volume,
			"price":     tn.Price.String(),
			"expires":   tn.Expires,
		}).Info("New tender offered")
	}
	for _, tn := range expired {
		t.logger.WithField("tender_id", tn.ID).Debug("Tender withdrawn")
	}
	return nil
}

// Strategies returns the current toggle of every strategy.
func (t *Trader) Strategies() map[string]bool {
	out := make(map[string]bool, len(t.enabled))
	for name, b := range t.enabled {
		out[name] = b.Load()
	}
	return out
}

// SetStrategy switches one strategy on or off.
func (t *Trader) SetStrategy(name string, enabled bool) error {
	b, ok := t.enabled[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("%w: unknown strategy %q (have %s)", models.ErrValidation, name, strings.Join(t.strategyNames(), ", "))
	}
	b.Store(enabled)
	t.logger.WithFields(logrus.Fields{
		"strategy": name,
		"enabled":  enabled,
	}).Info("Strategy toggled")
	return nil
}

func (t *Trader) strategyNames() []string {
	out := make([]string, 0, len(t.enabled))
	for name := range t.enabled {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (t *Trader) Paused() bool { return t.paused.Load() }

func (t *Trader) SetPaused(paused bool) {
	if t.paused.Swap(paused) != paused {
		t.logger.WithField("paused", paused).Info("Automatic trading toggled")
	}
}
