package venue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/metrics"
	"github.com/gregtusar/etfarb/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestClient(t *testing.T, h http.HandlerFunc) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewRESTClient(RESTConfig{BaseURL: srv.URL, RequestsPerSecond: 1000, Burst: 100},
		NewAPIKeyAuthenticator("secret"), metrics.New(false), quietLogger())
}

func TestFetchCaseSendsKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"tick":42,"period":1,"ticks_per_period":300,"total_periods":1,"status":"ACTIVE"}`)
	})

	ci, err := c.FetchCase(context.Background())
	if err != nil {
		t.Fatalf("fetch case: %v", err)
	}
	if ci.Tick != 42 || ci.TicksPerPeriod != 300 || !ci.Active() {
		t.Fatalf("case=%+v", ci)
	}
}

func TestUnauthorizedIsFatal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.FetchCase(context.Background())
	if !errors.Is(err, models.ErrAuth) || !models.Fatal(err) {
		t.Fatalf("err=%v want ErrAuth", err)
	}
}

func TestRejectionCarriesMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"code":"TOO_MANY_REQUESTS","message":"slow down","wait":0.1}`)
	})
	_, err := c.SubmitOrder(context.Background(), models.OrderRequest{
		Ticker: "RITC", Type: models.OrderTypeMarket, Quantity: 10, Action: models.OrderSideBuy,
	})
	var rej *models.VenueRejectedError
	if !errors.As(err, &rej) || rej.Code != http.StatusTooManyRequests || rej.Message != "slow down" {
		t.Fatalf("err=%v", err)
	}
}

func TestFetchBookAndSecurities(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/securities/book":
			if r.URL.Query().Get("ticker") != "BULL" {
				t.Errorf("ticker=%q", r.URL.Query().Get("ticker"))
			}
			fmt.Fprint(w, `{"bids":[{"order_id":7,"price":9.99,"quantity":500,"quantity_filled":100,"action":"BUY","status":"OPEN"}],
				"asks":[{"order_id":8,"price":10.01,"quantity":300,"quantity_filled":0,"action":"SELL","status":"OPEN"}]}`)
		case "/securities":
			fmt.Fprint(w, `[{"ticker":"BULL","type":"STOCK","currency":"CAD","limits":[{"name":"LIMIT-STOCK","units":1}],
				"is_shortable":true,"is_tradeable":true,"max_trade_size":10000,"position":-200,"vwap":10.2,"trading_fee":0.02,
				"last":10,"bid":9.99,"ask":10.01,"bid_size":500,"ask_size":300}]`)
		default:
			http.NotFound(w, r)
		}
	})

	bids, asks, err := c.FetchBook(context.Background(), "BULL")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if len(bids) != 1 || bids[0].ID != 7 || bids[0].Side != models.BookSideBid || !bids[0].Filled.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("bids=%+v", bids)
	}
	if len(asks) != 1 || !asks[0].Price.Equal(decimal.RequireFromString("10.01")) {
		t.Fatalf("asks=%+v", asks)
	}

	secs, err := c.FetchSecurities(context.Background())
	if err != nil || len(secs) != 1 {
		t.Fatalf("securities=%v err=%v", secs, err)
	}
	s := secs[0]
	if s.Type != models.SecurityTypeStock || s.LimitName != "LIMIT-STOCK" || s.Position != -200 || s.TradingFee != 0.02 {
		t.Fatalf("security=%+v", s)
	}

	q, err := c.FetchQuote(context.Background(), "BULL")
	if err != nil || !q.Ask.Equal(decimal.RequireFromString("10.01")) {
		t.Fatalf("quote=%+v err=%v", q, err)
	}
}

func TestSubmitOrderParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("type") != "LIMIT" || q.Get("action") != "SELL" || q.Get("price") != "10.05" || q.Get("quantity") != "250" {
			t.Errorf("params=%v", q)
		}
		fmt.Fprint(w, `{"order_id":99,"ticker":"BULL","type":"LIMIT","action":"SELL","price":10.05,
			"quantity":250,"quantity_filled":50,"vwap":10.05,"tick":12,"status":"OPEN"}`)
	})

	o, err := c.SubmitOrder(context.Background(), models.OrderRequest{
		Ticker:   "BULL",
		Type:     models.OrderTypeLimit,
		Quantity: 250,
		Action:   models.OrderSideSell,
		Price:    decimal.NewNullDecimal(decimal.RequireFromString("10.05")),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.ID != 99 || o.Side != models.BookSideAsk || o.Status != models.OrderStatusPartiallyFilled || o.Tick != 12 {
		t.Fatalf("order=%+v", o)
	}
}

func TestTendersAndBulkCancel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/tenders" && r.Method == http.MethodGet:
			fmt.Fprint(w, `[{"tender_id":5,"ticker":"RITC","quantity":1000,"price":9.5,"action":"SELL","tick":3,"expires":33,"is_fixed_bid":true}]`)
		case r.URL.Path == "/tenders/5" && r.Method == http.MethodDelete:
			fmt.Fprint(w, `{"success":true}`)
		case r.URL.Path == "/commands/cancel":
			if r.URL.Query().Get("ids") != "1,2" {
				t.Errorf("ids=%q", r.URL.Query().Get("ids"))
			}
			fmt.Fprint(w, `{"cancelled_order_ids":[1,2]}`)
		default:
			http.NotFound(w, r)
		}
	})

	tenders, err := c.FetchTenders(context.Background())
	if err != nil || len(tenders) != 1 {
		t.Fatalf("tenders=%v err=%v", tenders, err)
	}
	if tenders[0].Action != models.OrderSideSell || tenders[0].Delta() != -1000 || !tenders[0].Fixed {
		t.Fatalf("tender=%+v", tenders[0])
	}

	ok, err := c.RespondTender(context.Background(), 5, false, decimal.NullDecimal{})
	if err != nil || !ok {
		t.Fatalf("reject ok=%v err=%v", ok, err)
	}

	ids, err := c.BulkCancel(context.Background(), models.CancelQuery{IDs: []int64{1, 2}})
	if err != nil || len(ids) != 2 {
		t.Fatalf("ids=%v err=%v", ids, err)
	}
	if _, err := c.BulkCancel(context.Background(), models.CancelQuery{}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("empty query err=%v", err)
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 5; i++ {
		if _, err := c.FetchLimits(context.Background()); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := c.FetchLimits(context.Background())
	if err == nil || !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Fatalf("err=%v want open breaker", err)
	}
	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Fatalf("server saw %d calls want 5", got)
	}
}
