package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/models"
)

var ErrUnknownCurrency = errors.New("unknown currency")

// Subaccount is the cash balance held in one currency.
type Subaccount struct {
	Currency       string
	Balance        float64
	Initial        float64
	Credit         float64
	MaxTransaction float64
	GrossLimit     float64
	NetLimit       float64
	Tradeable      bool
}

// CurrencyLedger holds one subaccount per currency plus the FX table used to
// value them in a common currency.
type CurrencyLedger struct {
	mu       sync.RWMutex
	logger   *logrus.Logger
	main     string
	fx       *FXTable
	accounts map[string]*Subaccount
	history  map[string][]float64

	grossLimit float64
	netLimit   float64
	maxUsage   float64

	reportedGross float64
	reportedNet   float64
	grossFine     float64
	netFine       float64
}

func NewCurrencyLedger(mainCurrency string, logger *logrus.Logger) *CurrencyLedger {
	return &CurrencyLedger{
		logger:     logger,
		main:       normCurrency(mainCurrency),
		fx:         NewFXTable(),
		accounts:   make(map[string]*Subaccount),
		history:    make(map[string][]float64),
		grossLimit: math.Inf(1),
		netLimit:   math.Inf(1),
		maxUsage:   1,
	}
}

func (c *CurrencyLedger) Main() string { return c.main }

func (c *CurrencyLedger) FX() *FXTable { return c.fx }

// AddSubaccount opens a currency account. A credit of zero means the balance
// may not go negative; pass math.Inf(1) for an unlimited overdraft.
func (c *CurrencyLedger) AddSubaccount(currency string, initial, credit float64) error {
	currency = normCurrency(currency)
	if currency == "" {
		return fmt.Errorf("%w: empty currency", models.ErrValidation)
	}
	if credit < 0 {
		return fmt.Errorf("%w: negative credit for %s", models.ErrValidation, currency)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.accounts[currency]; ok {
		return fmt.Errorf("%w: subaccount %s already exists", models.ErrValidation, currency)
	}
	c.accounts[currency] = &Subaccount{
		Currency:       currency,
		Balance:        initial,
		Initial:        initial,
		Credit:         credit,
		MaxTransaction: math.Inf(1),
		GrossLimit:     math.Inf(1),
		NetLimit:       math.Inf(1),
		Tradeable:      true,
	}
	c.history[currency] = []float64{initial}
	return nil
}

func (c *CurrencyLedger) account(currency string) (*Subaccount, error) {
	a, ok := c.accounts[normCurrency(currency)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return a, nil
}

func (c *CurrencyLedger) Balance(currency string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, err := c.account(currency)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

func (c *CurrencyLedger) Subaccount(currency string) (Subaccount, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, err := c.account(currency)
	if err != nil {
		return Subaccount{}, err
	}
	return *a, nil
}

// SetBalance overwrites a balance from the venue snapshot.
func (c *CurrencyLedger) SetBalance(currency string, balance float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.account(currency)
	if err != nil {
		return err
	}
	a.Balance = balance
	c.history[a.Currency] = append(c.history[a.Currency], balance)
	return nil
}

// Adjust moves a balance by delta after a local fill.
func (c *CurrencyLedger) Adjust(currency string, delta float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.account(currency)
	if err != nil {
		return err
	}
	a.Balance += delta
	c.history[a.Currency] = append(c.history[a.Currency], a.Balance)
	return nil
}

func (c *CurrencyLedger) History(currency string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.history[normCurrency(currency)]
	out := make([]float64, len(h))
	copy(out, h)
	return out
}

// Currencies returns the subaccount currencies in sorted order.
func (c *CurrencyLedger) Currencies() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.accounts))
	for k := range c.accounts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *CurrencyLedger) SetMaxTransaction(currency string, size float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.account(currency)
	if err != nil {
		return err
	}
	a.MaxTransaction = size
	return nil
}

func (c *CurrencyLedger) SetTradeable(currency string, tradeable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.account(currency)
	if err != nil {
		return err
	}
	a.Tradeable = tradeable
	return nil
}

func (c *CurrencyLedger) SetSubaccountLimits(currency string, gross, net float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.account(currency)
	if err != nil {
		return err
	}
	a.GrossLimit = gross
	a.NetLimit = net
	return nil
}

// SetLimits sets the cash limits across all subaccounts, in the main currency.
func (c *CurrencyLedger) SetLimits(gross, net float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grossLimit = gross
	c.netLimit = net
}

// SetMaxUsage caps the fraction of every limit the ledger will use.
func (c *CurrencyLedger) SetMaxUsage(usage float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxUsage = usage
}

// ApplyLimitUsage records the venue's own view of cash limit usage.
func (c *CurrencyLedger) ApplyLimitUsage(u models.LimitUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reportedGross = u.Gross
	c.reportedNet = u.Net
	c.grossFine = u.GrossFine
	c.netFine = u.NetFine
	if u.GrossLimit > 0 {
		c.grossLimit = u.GrossLimit
	}
	if u.NetLimit > 0 {
		c.netLimit = u.NetLimit
	}
}

func (c *CurrencyLedger) SetFXRate(base, quote string, bid, ask float64) error {
	return c.fx.Set(base, quote, bid, ask)
}

func (c *CurrencyLedger) Rate(base, quote string, action models.OrderSide) (float64, error) {
	return c.fx.Rate(base, quote, action)
}

// ConvertAmount is how much of to the given amount of from is worth. Positive
// amounts buy to at the ask; negative amounts use the bid.
func (c *CurrencyLedger) ConvertAmount(from, to string, amount float64) (float64, error) {
	if amount == 0 {
		return 0, nil
	}
	action := models.OrderSideBuy
	if amount < 0 {
		action = models.OrderSideSell
	}
	rate, err := c.fx.Rate(from, to, action)
	if err != nil {
		return 0, err
	}
	return amount / rate, nil
}

// ConvertToTarget is how much of from is needed to obtain target units of to.
func (c *CurrencyLedger) ConvertToTarget(from, to string, target float64) (float64, error) {
	rate, err := c.fx.Rate(from, to, models.OrderSideBuy)
	if err != nil {
		return 0, err
	}
	return target * rate, nil
}

// Value expresses a signed amount of from in to. Long amounts are sold,
// short amounts are valued at the cost of buying them back.
func (c *CurrencyLedger) Value(from, to string, amount float64) (float64, error) {
	switch {
	case amount > 0:
		return c.ConvertAmount(from, to, amount)
	case amount < 0:
		cost, err := c.ConvertToTarget(to, from, -amount)
		return -cost, err
	}
	return 0, nil
}

// TotalValue sums every subaccount in target.
func (c *CurrencyLedger) TotalValue(target string) (float64, error) {
	c.mu.RLock()
	balances := make(map[string]float64, len(c.accounts))
	for k, a := range c.accounts {
		balances[k] = a.Balance
	}
	c.mu.RUnlock()

	total := 0.0
	for cur, bal := range balances {
		v, err := c.Value(cur, target, bal)
		if err != nil {
			return 0, fmt.Errorf("failed to value %s balance: %w", cur, err)
		}
		total += v
	}
	return total, nil
}

// CheckLimits reports whether moving amount through a subaccount would breach
// its own limits, its credit floor or the portfolio cash limits.
func (c *CurrencyLedger) CheckLimits(currency string, amount float64) (bool, error) {
	if _, err := c.Subaccount(currency); err != nil {
		return false, err
	}
	total, err := c.TotalValue(c.main)
	if err != nil {
		return false, err
	}
	inMain, err := c.Value(currency, c.main, amount)
	if err != nil {
		return false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	a, err := c.account(currency)
	if err != nil {
		return false, err
	}

	if a.Balance+amount < -a.Credit {
		return true, nil
	}
	if math.Abs(a.Balance+amount) > a.NetLimit*c.maxUsage {
		return true, nil
	}
	if math.Abs(a.Balance)+math.Abs(amount) > a.GrossLimit*c.maxUsage {
		return true, nil
	}
	if math.Abs(total+inMain) > c.netLimit*c.maxUsage {
		return true, nil
	}
	if math.Abs(total)+math.Abs(inMain) > c.grossLimit*c.maxUsage {
		return true, nil
	}
	return false, nil
}

type AccountView struct {
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
	Initial  float64 `json:"initial"`
}

// CashSnapshot is a read-only view of the ledger. Unlimited values are left
// out so the snapshot always encodes as JSON.
type CashSnapshot struct {
	Main        string        `json:"main_currency"`
	Accounts    []AccountView `json:"accounts"`
	TotalValue  float64       `json:"total_value"`
	GrossUsage  float64       `json:"gross_usage"`
	NetUsage    float64       `json:"net_usage"`
	GrossFine   float64       `json:"gross_fine"`
	NetFine     float64       `json:"net_fine"`
	ValueErrors int           `json:"value_errors,omitempty"`
}

func (c *CurrencyLedger) Snapshot() CashSnapshot {
	total, err := c.TotalValue(c.main)
	snap := CashSnapshot{Main: c.main, TotalValue: total}
	if err != nil {
		snap.ValueErrors = 1
		if c.logger != nil {
			c.logger.WithError(err).Debug("Cash snapshot valued without a full FX table")
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cur := range sortedKeys(c.accounts) {
		a := c.accounts[cur]
		snap.Accounts = append(snap.Accounts, AccountView{Currency: a.Currency, Balance: a.Balance, Initial: a.Initial})
	}
	snap.GrossUsage = c.reportedGross
	snap.NetUsage = c.reportedNet
	snap.GrossFine = c.grossFine
	snap.NetFine = c.netFine
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
