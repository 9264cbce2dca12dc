package gateway

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/gregtusar/etfarb/pkg/ledger"
	"github.com/gregtusar/etfarb/pkg/metrics"
	"github.com/gregtusar/etfarb/pkg/models"
	"github.com/gregtusar/etfarb/pkg/venue"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fixture struct {
	gw      *Gateway
	sim     *venue.Simulator
	pos     *ledger.PositionLedger
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, capacity int) fixture {
	t.Helper()
	log := quietLogger()
	sim := venue.NewSimulator(300, 1, log)
	sim.AddSecurity(models.Security{Ticker: "CAD", Type: models.SecurityTypeCurrency, Currency: "CAD", Position: 100000})
	sim.AddSecurity(models.Security{Ticker: "USD", Type: models.SecurityTypeCurrency, Currency: "CAD", Tradeable: true,
		Shortable: true, MaxTradeSize: 1000, StartPrice: 1.3})
	sim.AddSecurity(models.Security{Ticker: "BULL", Type: models.SecurityTypeStock, Currency: "CAD", Tradeable: true,
		Shortable: true, MaxTradeSize: 100, LimitName: "LIMIT-STOCK", LimitUnit: 1})
	sim.AddSecurity(models.Security{Ticker: "BEAR", Type: models.SecurityTypeStock, Currency: "CAD", Tradeable: true,
		MaxTradeSize: 1000, Position: 50, VWAP: 5})
	books := map[string][2][]venue.SimLevel{
		"USD":  {{{Price: 1.29, Quantity: 100000}}, {{Price: 1.31, Quantity: 100000}}},
		"BULL": {{{Price: 9.99, Quantity: 1000}}, {{Price: 10.01, Quantity: 1000}}},
		"BEAR": {{{Price: 4.99, Quantity: 1000}}, {{Price: 5.01, Quantity: 1000}}},
	}
	for tk, b := range books {
		if err := sim.SetBook(tk, b[0], b[1]); err != nil {
			t.Fatalf("book %s: %v", tk, err)
		}
	}

	cash := ledger.NewCurrencyLedger("CAD", log)
	pos := ledger.NewPositionLedger(cash, log)
	m := metrics.New(false)
	gw := New(sim, pos, NewAdmission(capacity, 0), m, log)
	if err := gw.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return fixture{gw: gw, sim: sim, pos: pos, metrics: m}
}

func limitPrice(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestRefreshPopulatesLedgers(t *testing.T) {
	f := newFixture(t, 100)
	if got := f.pos.Position("BEAR"); got != 50 {
		t.Fatalf("BEAR=%v want 50", got)
	}
	cad, err := f.pos.Cash().Balance("CAD")
	if err != nil || cad != 100000 {
		t.Fatalf("CAD=%v err=%v", cad, err)
	}
	usd, _ := f.pos.Cash().Subaccount("USD")
	if usd.MaxTransaction != 1000 || !usd.Tradeable || !math.IsInf(usd.Credit, 1) {
		t.Fatalf("USD subaccount=%+v", usd)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newFixture(t, 100)
	tests := []struct {
		name string
		req  models.OrderRequest
	}{
		{"zero quantity", models.OrderRequest{Ticker: "BULL", Type: models.OrderTypeMarket, Action: models.OrderSideBuy}},
		{"limit without price", models.OrderRequest{Ticker: "BULL", Type: models.OrderTypeLimit, Quantity: 10, Action: models.OrderSideBuy}},
		{"bad type", models.OrderRequest{Ticker: "BULL", Type: "stop", Quantity: 10, Action: models.OrderSideBuy}},
		{"bad action", models.OrderRequest{Ticker: "BULL", Type: models.OrderTypeMarket, Quantity: 10, Action: "hold"}},
		{"unknown ticker", models.OrderRequest{Ticker: "ZZZ", Type: models.OrderTypeMarket, Quantity: 10, Action: models.OrderSideBuy}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.gw.PlaceOrder(context.Background(), tt.req)
			if !errors.Is(err, models.ErrValidation) {
				t.Fatalf("err=%v want ErrValidation", err)
			}
		})
	}
	if n := f.gw.Admission().Len(); n != 0 {
		t.Fatalf("validation failures consumed %d admission slots", n)
	}
	if got := f.sim.Position("BULL"); got != 0 {
		t.Fatalf("venue saw an order: BULL=%v", got)
	}
}

func TestPlaceOrderClips(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	o, err := f.gw.PlaceOrder(ctx, models.OrderRequest{Ticker: "bull", Type: models.OrderTypeMarket, Quantity: 150, Action: models.OrderSideBuy})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !o.InitialVolume.Equal(decimal.NewFromInt(100)) || o.Status != models.OrderStatusFilled {
		t.Fatalf("order=%+v want 100 filled", o)
	}
	if got := f.pos.Position("BULL"); got != 100 {
		t.Fatalf("ledger BULL=%v want 100", got)
	}
	if ids := f.gw.Completed(); len(ids) != 1 || ids[0] != o.ID {
		t.Fatalf("completed=%v", ids)
	}

	o, err = f.gw.PlaceOrder(ctx, models.OrderRequest{Ticker: "BEAR", Type: models.OrderTypeMarket, Quantity: 80, Action: models.OrderSideSell})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !o.InitialVolume.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("non-shortable sell=%s want clipped to 50", o.InitialVolume)
	}
	if got := f.pos.Position("BEAR"); got != 0 {
		t.Fatalf("ledger BEAR=%v want 0", got)
	}

	_, err = f.gw.PlaceOrder(ctx, models.OrderRequest{Ticker: "BEAR", Type: models.OrderTypeMarket, Quantity: 10, Action: models.OrderSideSell})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("short of non-shortable err=%v", err)
	}
}

func TestPlaceOrderRateLimited(t *testing.T) {
	f := newFixture(t, 3)
	req := models.OrderRequest{Ticker: "BULL", Type: models.OrderTypeMarket, Quantity: 1, Action: models.OrderSideBuy}
	for i := 0; i < 2; i++ {
		if _, err := f.gw.PlaceOrder(context.Background(), req); err != nil {
			t.Fatalf("order %d: %v", i, err)
		}
	}
	_, err := f.gw.PlaceOrder(context.Background(), req)
	if !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("err=%v want ErrRateLimited", err)
	}
	if got := testutil.ToFloat64(f.metrics.AdmissionDenied); got != 1 {
		t.Fatalf("admission denied=%v", got)
	}
}

func TestPlaceOrderVenueRejected(t *testing.T) {
	f := newFixture(t, 100)
	f.sim.FailNextSubmits(1)
	_, err := f.gw.PlaceOrder(context.Background(), models.OrderRequest{Ticker: "BULL", Type: models.OrderTypeMarket, Quantity: 1, Action: models.OrderSideBuy})
	if !models.IsVenueRejected(err) || models.Fatal(err) {
		t.Fatalf("err=%v want a non-fatal venue rejection", err)
	}
	if got := testutil.ToFloat64(f.metrics.OrdersRejected.WithLabelValues("BULL", "venue")); got != 1 {
		t.Fatalf("rejected=%v", got)
	}
}

func TestReconcileFills(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	o, err := f.gw.PlaceOrder(ctx, models.OrderRequest{Ticker: "BULL", Type: models.OrderTypeLimit, Quantity: 50,
		Action: models.OrderSideSell, Price: limitPrice("10.50")})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ids := f.gw.Active(); len(ids) != 1 {
		t.Fatalf("active=%v", ids)
	}

	f.sim.FillResting(o.ID, 20, 10.50)
	if err := f.gw.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, _ := f.gw.Order(o.ID)
	if got.Status != models.OrderStatusPartiallyFilled || !got.FilledVolume.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("order=%+v", got)
	}
	if p := f.pos.Position("BULL"); p != -20 {
		t.Fatalf("BULL=%v want -20", p)
	}

	f.gw.apply(o.ID, models.OrderStatusReport{ID: o.ID, Filled: decimal.NewFromInt(10), Status: "OPEN"})
	got, _ = f.gw.Order(o.ID)
	if !got.FilledVolume.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("filled volume went backwards: %s", got.FilledVolume)
	}

	f.sim.FillResting(o.ID, 30, 10.50)
	_ = f.gw.Reconcile(ctx)
	if ids := f.gw.Active(); len(ids) != 0 {
		t.Fatalf("active=%v want none", ids)
	}
	if ids := f.gw.Completed(); len(ids) != 1 || ids[0] != o.ID {
		t.Fatalf("completed=%v", ids)
	}
	if p := f.pos.Position("BULL"); p != -50 {
		t.Fatalf("BULL=%v want -50", p)
	}
}

func TestReconcileVenueCancelAndAuth(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	req := models.OrderRequest{Ticker: "BULL", Type: models.OrderTypeLimit, Quantity: 10, Action: models.OrderSideBuy, Price: limitPrice("9.00")}

	o, _ := f.gw.PlaceOrder(ctx, req)
	_, _ = f.sim.CancelOrder(ctx, o.ID)
	if err := f.gw.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if ids := f.gw.Cancelled(); len(ids) != 1 || ids[0] != o.ID {
		t.Fatalf("cancelled=%v", ids)
	}

	_, _ = f.gw.PlaceOrder(ctx, req)
	f.sim.SetAuthFailure(true)
	if err := f.gw.Reconcile(ctx); !errors.Is(err, models.ErrAuth) {
		t.Fatalf("err=%v want ErrAuth", err)
	}
	if ok, err := f.gw.Cancel(ctx, 12345); ok || !errors.Is(err, models.ErrAuth) {
		t.Fatalf("cancel ok=%v err=%v", ok, err)
	}
}

func TestCancelAndBulkCancel(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	req := models.OrderRequest{Ticker: "BULL", Type: models.OrderTypeLimit, Quantity: 10, Action: models.OrderSideBuy, Price: limitPrice("9.00")}

	a, _ := f.gw.PlaceOrder(ctx, req)
	b, _ := f.gw.PlaceOrder(ctx, req)
	c, _ := f.gw.PlaceOrder(ctx, req)

	ok, err := f.gw.Cancel(ctx, a.ID)
	if err != nil || !ok {
		t.Fatalf("cancel ok=%v err=%v", ok, err)
	}
	ok, err = f.gw.Cancel(ctx, 999999)
	if err != nil || ok {
		t.Fatalf("unknown cancel ok=%v err=%v", ok, err)
	}

	ids, err := f.gw.BulkCancel(ctx, models.CancelQuery{Ticker: "BULL"})
	if err != nil || len(ids) != 2 {
		t.Fatalf("bulk ids=%v err=%v", ids, err)
	}
	if act := f.gw.Active(); len(act) != 0 {
		t.Fatalf("active=%v", act)
	}
	if can := f.gw.Cancelled(); len(can) != 3 || can[1] != b.ID || can[2] != c.ID {
		t.Fatalf("cancelled=%v", can)
	}
}

func TestAcceptTenderChecked(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.pos.SetLimits(1000, 1000)

	big := models.Tender{Ticker: "BULL", Volume: 2000, Price: decimal.RequireFromString("9.5"), Fixed: true, Action: models.OrderSideBuy, Expires: 50}
	big.ID = f.sim.AddTender(big)
	ok, err := f.gw.AcceptTenderChecked(ctx, big, decimal.NullDecimal{})
	if err != nil || ok {
		t.Fatalf("oversized tender ok=%v err=%v", ok, err)
	}
	tenders, _ := f.sim.FetchTenders(ctx)
	if len(tenders) != 1 {
		t.Fatal("a limit breach must not reach the venue")
	}
	if got := testutil.ToFloat64(f.metrics.Tenders.WithLabelValues("BULL", "limit")); got != 1 {
		t.Fatalf("limit decisions=%v", got)
	}

	small := models.Tender{Ticker: "BULL", Volume: 500, Price: decimal.RequireFromString("9.5"), Fixed: true, Action: models.OrderSideBuy, Expires: 50}
	small.ID = f.sim.AddTender(small)
	ok, err = f.gw.AcceptTenderChecked(ctx, small, decimal.NullDecimal{})
	if err != nil || !ok {
		t.Fatalf("accept ok=%v err=%v", ok, err)
	}
	if got := f.pos.Position("BULL"); got != 500 {
		t.Fatalf("ledger BULL=%v", got)
	}
	if got := f.sim.Position("BULL"); got != 500 {
		t.Fatalf("venue BULL=%v", got)
	}

	ok, err = f.gw.RejectTender(ctx, big)
	if err != nil || !ok {
		t.Fatalf("reject ok=%v err=%v", ok, err)
	}
	acc, rej := f.gw.TenderDecisions()
	if len(acc) != 1 || len(rej) != 1 {
		t.Fatalf("accepted=%v rejected=%v", acc, rej)
	}
}

func TestClosePosition(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	if o, err := f.gw.ClosePosition(ctx, "BULL", 0); o != nil || err != nil {
		t.Fatalf("flat close o=%v err=%v", o, err)
	}
	o, err := f.gw.ClosePosition(ctx, "BEAR", 0)
	if err != nil || o.Action() != models.OrderSideSell || !o.InitialVolume.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("close o=%+v err=%v", o, err)
	}
	if got := f.sim.Position("BEAR"); got != 0 {
		t.Fatalf("venue BEAR=%v", got)
	}
}

func TestPlaceCurrencyOrder(t *testing.T) {
	f := newFixture(t, 100)
	qty, err := f.gw.PlaceCurrencyOrder(context.Background(), "usd", models.OrderSideBuy, 1500)
	if err != nil || qty != 1000 {
		t.Fatalf("qty=%v err=%v want clipped 1000", qty, err)
	}
	usd, _ := f.pos.Cash().Balance("USD")
	cad, _ := f.pos.Cash().Balance("CAD")
	if usd != 1000 || math.Abs(cad-(100000-1310)) > 1e-6 {
		t.Fatalf("USD=%v CAD=%v", usd, cad)
	}
	if got := f.sim.Position("USD"); got != 1000 {
		t.Fatalf("venue USD=%v", got)
	}

	if _, err := f.gw.PlaceCurrencyOrder(context.Background(), "CAD", models.OrderSideSell, 10); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("main currency is not tradeable: err=%v", err)
	}
}

func TestCancelLeavesTerminalOrdersAlone(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	o, err := f.gw.PlaceOrder(ctx, models.OrderRequest{Ticker: "BULL", Type: models.OrderTypeMarket, Quantity: 10, Action: models.OrderSideBuy})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ids := f.gw.Completed(); len(ids) != 1 || ids[0] != o.ID {
		t.Fatalf("completed=%v", ids)
	}

	f.gw.markCancelled(o.ID)
	f.gw.markCancelled(424242)

	if ids := f.gw.Cancelled(); len(ids) != 0 {
		t.Fatalf("cancelled=%v want none", ids)
	}
	got, _ := f.gw.Order(o.ID)
	if got.Status != models.OrderStatusFilled {
		t.Fatalf("status=%s want filled", got.Status)
	}
}

func TestCurrencyFillWithoutMainAccountIsLogged(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	sim := venue.NewSimulator(300, 1, log)
	sim.AddSecurity(models.Security{Ticker: "USD", Type: models.SecurityTypeCurrency, Currency: "CAD", Tradeable: true,
		Shortable: true, MaxTradeSize: 1000, StartPrice: 1.3})
	if err := sim.SetBook("USD", []venue.SimLevel{{Price: 1.29, Quantity: 10000}}, []venue.SimLevel{{Price: 1.31, Quantity: 10000}}); err != nil {
		t.Fatalf("book: %v", err)
	}
	pos := ledger.NewPositionLedger(ledger.NewCurrencyLedger("CAD", log), log)
	gw := New(sim, pos, NewAdmission(100, 0), metrics.New(false), log)
	if err := gw.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := gw.PlaceCurrencyOrder(context.Background(), "USD", models.OrderSideBuy, 100); err != nil {
		t.Fatalf("currency order: %v", err)
	}
	if usd, _ := pos.Cash().Balance("USD"); usd != 100 {
		t.Fatalf("USD=%v want 100", usd)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel || entry.Message != "Failed to book currency fill" {
		t.Fatalf("last entry=%+v", entry)
	}
	if err, _ := entry.Data[logrus.ErrorKey].(error); !errors.Is(err, ledger.ErrUnknownCurrency) {
		t.Fatalf("logged error=%v want ErrUnknownCurrency", entry.Data[logrus.ErrorKey])
	}
}
