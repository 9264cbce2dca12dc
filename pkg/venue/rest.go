package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/gregtusar/etfarb/pkg/metrics"
	"github.com/gregtusar/etfarb/pkg/models"
)

// Authenticator decorates outgoing venue requests.
type Authenticator interface {
	AddAuthHeaders(req *http.Request, method, path, body string) error
}

// APIKeyAuthenticator sends the static key header the trading API expects.
type APIKeyAuthenticator struct {
	apiKey string
}

func NewAPIKeyAuthenticator(apiKey string) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{apiKey: apiKey}
}

func (a *APIKeyAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	if a.apiKey == "" {
		return fmt.Errorf("%w: empty API key", models.ErrAuth)
	}
	req.Header.Set("X-API-key", a.apiKey)
	return nil
}

type RESTConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	BreakerTimeout    time.Duration
	BreakerFailures   uint32
}

// RESTClient talks to the venue's JSON API. Reads go through a circuit
// breaker; every request waits on a token bucket first.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	auth       Authenticator
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

func NewRESTClient(cfg RESTConfig, auth Authenticator, m *metrics.Metrics, logger *logrus.Logger) *RESTClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 2 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	c := &RESTClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		auth:       auth,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		metrics:    m,
		logger:     logger,
	}
	failures := cfg.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "venue-read",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// the venue answered, so the path is healthy even if it said no
		IsSuccessful: func(err error) bool {
			var rejected *models.VenueRejectedError
			if errors.As(err, &rejected) {
				return rejected.Code < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, models.ErrAuth)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Venue circuit breaker changed state")
			if m != nil {
				m.BreakerState.Set(float64(to))
			}
		},
	})
	return c
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *RESTClient) do(ctx context.Context, method, endpoint, path string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		if err := c.auth.AddAuthHeaders(req, method, path, ""); err != nil {
			return err
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.metrics != nil {
		c.metrics.VenueLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		c.observe(endpoint, "error")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.observe(endpoint, strconv.Itoa(resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, path, models.ErrAuth)
	}
	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
			msg = eb.Message
		}
		return &models.VenueRejectedError{Code: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *RESTClient) observe(endpoint, code string) {
	if c.metrics != nil {
		c.metrics.VenueRequests.WithLabelValues(endpoint, code).Inc()
	}
}

func (c *RESTClient) get(ctx context.Context, endpoint, path string, params url.Values, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, http.MethodGet, endpoint, path, params, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return err
}

type caseJSON struct {
	Tick           int    `json:"tick"`
	Period         int    `json:"period"`
	TicksPerPeriod int    `json:"ticks_per_period"`
	Status         string `json:"status"`
}

func (c *RESTClient) FetchCase(ctx context.Context) (models.CaseInfo, error) {
	var cj caseJSON
	if err := c.get(ctx, "case", "/case", nil, &cj); err != nil {
		return models.CaseInfo{}, err
	}
	return models.CaseInfo{
		Tick:           cj.Tick,
		Period:         cj.Period,
		TicksPerPeriod: cj.TicksPerPeriod,
		Status:         cj.Status,
	}, nil
}

type limitRefJSON struct {
	Name  string  `json:"name"`
	Units float64 `json:"units"`
}

type securityJSON struct {
	Ticker             string          `json:"ticker"`
	Type               string          `json:"type"`
	Currency           string          `json:"currency"`
	Limits             []limitRefJSON  `json:"limits"`
	IsShortable        bool            `json:"is_shortable"`
	IsTradeable        bool            `json:"is_tradeable"`
	MinTradeSize       float64         `json:"min_trade_size"`
	MaxTradeSize       float64         `json:"max_trade_size"`
	StartPrice         float64         `json:"start_price"`
	Position           float64         `json:"position"`
	APIOrdersPerSecond int             `json:"api_orders_per_second"`
	TradingFee         float64         `json:"trading_fee"`
	LimitOrderRebate   float64         `json:"limit_order_rebate"`
	VWAP               float64         `json:"vwap"`
	NLV                float64         `json:"nlv"`
	Realized           float64         `json:"realized"`
	Unrealized         float64         `json:"unrealized"`
	Last               decimal.Decimal `json:"last"`
	Bid                decimal.Decimal `json:"bid"`
	Ask                decimal.Decimal `json:"ask"`
	BidSize            decimal.Decimal `json:"bid_size"`
	AskSize            decimal.Decimal `json:"ask_size"`
}

func (s securityJSON) model() models.Security {
	sec := models.Security{
		Ticker:          s.Ticker,
		Type:            models.SecurityType(strings.ToLower(s.Type)),
		Currency:        s.Currency,
		Shortable:       s.IsShortable,
		Tradeable:       s.IsTradeable,
		MinTradeSize:    s.MinTradeSize,
		MaxTradeSize:    s.MaxTradeSize,
		StartPrice:      s.StartPrice,
		TradingFee:      s.TradingFee,
		LimitRebate:     s.LimitOrderRebate,
		OrdersPerSecond: s.APIOrdersPerSecond,
		Position:        s.Position,
		VWAP:            s.VWAP,
		NLV:             s.NLV,
		Realized:        s.Realized,
		Unrealized:      s.Unrealized,
	}
	if len(s.Limits) > 0 {
		sec.LimitName = s.Limits[0].Name
		sec.LimitUnit = s.Limits[0].Units
	}
	return sec
}

func (c *RESTClient) FetchSecurities(ctx context.Context) ([]models.Security, error) {
	var list []securityJSON
	if err := c.get(ctx, "securities", "/securities", nil, &list); err != nil {
		return nil, err
	}
	out := make([]models.Security, 0, len(list))
	for _, s := range list {
		out = append(out, s.model())
	}
	return out, nil
}

func (c *RESTClient) FetchQuote(ctx context.Context, ticker string) (models.Quote, error) {
	var list []securityJSON
	params := url.Values{"ticker": {ticker}}
	if err := c.get(ctx, "securities", "/securities", params, &list); err != nil {
		return models.Quote{}, err
	}
	for _, s := range list {
		if s.Ticker == ticker {
			return models.Quote{Last: s.Last, Bid: s.Bid, Ask: s.Ask, BidSize: s.BidSize, AskSize: s.AskSize}, nil
		}
	}
	return models.Quote{}, &models.VenueRejectedError{Code: http.StatusNotFound, Message: "no quote for " + ticker}
}

type bookEntryJSON struct {
	OrderID        int64           `json:"order_id"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	QuantityFilled decimal.Decimal `json:"quantity_filled"`
	Action         string          `json:"action"`
	Status         string          `json:"status"`
}

type bookJSON struct {
	Bids []bookEntryJSON `json:"bids"`
	Asks []bookEntryJSON `json:"asks"`
}

func entries(list []bookEntryJSON, side models.BookSide) []models.BookEntry {
	out := make([]models.BookEntry, 0, len(list))
	for _, e := range list {
		out = append(out, models.BookEntry{
			ID:       e.OrderID,
			Price:    e.Price,
			Quantity: e.Quantity,
			Filled:   e.QuantityFilled,
			Side:     side,
			Status:   e.Status,
		})
	}
	return out
}

func (c *RESTClient) FetchBook(ctx context.Context, ticker string) ([]models.BookEntry, []models.BookEntry, error) {
	var b bookJSON
	params := url.Values{"ticker": {ticker}, "limit": {"100"}}
	if err := c.get(ctx, "book", "/securities/book", params, &b); err != nil {
		return nil, nil, err
	}
	return entries(b.Bids, models.BookSideBid), entries(b.Asks, models.BookSideAsk), nil
}

type transactionJSON struct {
	ID       int64           `json:"id"`
	Period   int             `json:"period"`
	Tick     int             `json:"tick"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

func (c *RESTClient) FetchTape(ctx context.Context, ticker string, after int64) ([]models.Transaction, error) {
	var list []transactionJSON
	params := url.Values{"ticker": {ticker}}
	if after >= 0 {
		params.Set("after", strconv.FormatInt(after, 10))
	}
	if err := c.get(ctx, "tas", "/securities/tas", params, &list); err != nil {
		return nil, err
	}
	out := make([]models.Transaction, 0, len(list))
	for _, t := range list {
		out = append(out, models.Transaction{ID: t.ID, Period: t.Period, Tick: t.Tick, Price: t.Price, Quantity: t.Quantity})
	}
	return out, nil
}

type tenderJSON struct {
	TenderID   int64           `json:"tender_id"`
	Ticker     string          `json:"ticker"`
	Quantity   float64         `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Action     string          `json:"action"`
	Tick       int             `json:"tick"`
	Expires    int             `json:"expires"`
	IsFixedBid bool            `json:"is_fixed_bid"`
	Caption    string          `json:"caption"`
}

func (c *RESTClient) FetchTenders(ctx context.Context) ([]models.Tender, error) {
	var list []tenderJSON
	if err := c.get(ctx, "tenders", "/tenders", nil, &list); err != nil {
		return nil, err
	}
	out := make([]models.Tender, 0, len(list))
	for _, t := range list {
		action, err := models.ParseTenderAction(t.Action)
		if err != nil {
			c.logger.WithError(err).WithField("tender_id", t.TenderID).Warn("Skipping tender with unknown action")
			continue
		}
		out = append(out, models.Tender{
			ID:      t.TenderID,
			Ticker:  t.Ticker,
			Volume:  t.Quantity,
			Price:   t.Price,
			Fixed:   t.IsFixedBid,
			Action:  action,
			Tick:    t.Tick,
			Expires: t.Expires,
			Caption: t.Caption,
		})
	}
	return out, nil
}

type limitJSON struct {
	Name       string  `json:"name"`
	GrossLimit float64 `json:"gross_limit"`
	NetLimit   float64 `json:"net_limit"`
	Gross      float64 `json:"gross"`
	Net        float64 `json:"net"`
	GrossFine  float64 `json:"gross_fine"`
	NetFine    float64 `json:"net_fine"`
}

func (c *RESTClient) FetchLimits(ctx context.Context) ([]models.LimitUsage, error) {
	var list []limitJSON
	if err := c.get(ctx, "limits", "/limits", nil, &list); err != nil {
		return nil, err
	}
	out := make([]models.LimitUsage, 0, len(list))
	for _, l := range list {
		out = append(out, models.LimitUsage(l))
	}
	return out, nil
}

type orderJSON struct {
	OrderID        int64           `json:"order_id"`
	Ticker         string          `json:"ticker"`
	Type           string          `json:"type"`
	Action         string          `json:"action"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	QuantityFilled decimal.Decimal `json:"quantity_filled"`
	VWAP           decimal.Decimal `json:"vwap"`
	Tick           int             `json:"tick"`
	Status         string          `json:"status"`
}

// SubmitOrder posts an order. Writes bypass the breaker so that a degraded
// read path never blocks flattening.
func (c *RESTClient) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	params := url.Values{
		"ticker":   {req.Ticker},
		"type":     {venueType(req.Type)},
		"quantity": {strconv.FormatFloat(req.Quantity, 'f', -1, 64)},
		"action":   {venueAction(req.Action)},
		"dry_run":  {"0"},
	}
	if req.Type == models.OrderTypeLimit && req.Price.Valid {
		params.Set("price", req.Price.Decimal.String())
	}

	var oj orderJSON
	if err := c.do(ctx, http.MethodPost, "orders", "/orders", params, &oj); err != nil {
		return nil, err
	}
	order := &models.Order{
		ID:            oj.OrderID,
		Ticker:        oj.Ticker,
		Side:          bookSide(oj.Action),
		Type:          req.Type,
		Price:         oj.Price,
		InitialVolume: oj.Quantity,
		FilledVolume:  oj.QuantityFilled,
		VWAP:          oj.VWAP,
		Tick:          oj.Tick,
	}
	if order.Ticker == "" {
		order.Ticker = req.Ticker
	}
	if order.InitialVolume.IsZero() {
		order.InitialVolume = decimal.NewFromFloat(req.Quantity)
	}
	order.Status = orderStatus(oj.Status, order.InitialVolume, order.FilledVolume)
	return order, nil
}

func (c *RESTClient) FetchOrderStatus(ctx context.Context, id int64) (models.OrderStatusReport, error) {
	var oj orderJSON
	if err := c.get(ctx, "order", "/orders/"+strconv.FormatInt(id, 10), nil, &oj); err != nil {
		return models.OrderStatusReport{}, err
	}
	return models.OrderStatusReport{
		ID:       id,
		Quantity: oj.Quantity,
		Filled:   oj.QuantityFilled,
		VWAP:     oj.VWAP,
		Status:   oj.Status,
	}, nil
}

type successJSON struct {
	Success bool `json:"success"`
}

func (c *RESTClient) RespondTender(ctx context.Context, id int64, accept bool, price decimal.NullDecimal) (bool, error) {
	path := "/tenders/" + strconv.FormatInt(id, 10)
	var s successJSON
	if !accept {
		if err := c.do(ctx, http.MethodDelete, "tenders", path, nil, &s); err != nil {
			return false, err
		}
		return s.Success, nil
	}
	var params url.Values
	if price.Valid {
		params = url.Values{"price": {price.Decimal.String()}}
	}
	if err := c.do(ctx, http.MethodPost, "tenders", path, params, &s); err != nil {
		return false, err
	}
	return s.Success, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, id int64) (bool, error) {
	var s successJSON
	if err := c.do(ctx, http.MethodDelete, "orders", "/orders/"+strconv.FormatInt(id, 10), nil, &s); err != nil {
		return false, err
	}
	return s.Success, nil
}

type cancelledJSON struct {
	CancelledOrderIDs []int64 `json:"cancelled_order_ids"`
}

func (c *RESTClient) BulkCancel(ctx context.Context, q models.CancelQuery) ([]int64, error) {
	params := url.Values{}
	switch {
	case q.All:
		params.Set("all", "1")
	case q.Ticker != "":
		params.Set("ticker", q.Ticker)
	case len(q.IDs) > 0:
		ids := make([]string, 0, len(q.IDs))
		for _, id := range q.IDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		params.Set("ids", strings.Join(ids, ","))
	case q.Query != "":
		params.Set("query", q.Query)
	default:
		return nil, fmt.Errorf("%w: empty cancel query", models.ErrValidation)
	}

	var cj cancelledJSON
	if err := c.do(ctx, http.MethodPost, "cancel", "/commands/cancel", params, &cj); err != nil {
		return nil, err
	}
	return cj.CancelledOrderIDs, nil
}
