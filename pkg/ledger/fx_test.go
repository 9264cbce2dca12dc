package ledger

import (
	"errors"
	"math"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestFXTableLookup(t *testing.T) {
	fx := NewFXTable()
	if err := fx.Set("cad", "usd", 1.29, 1.31); err != nil {
		t.Fatalf("set: %v", err)
	}

	q, edge, err := fx.Lookup("CAD", "USD")
	if err != nil || edge != EdgeDirect || q.Bid != 1.29 || q.Ask != 1.31 {
		t.Fatalf("direct lookup = %+v %v %v", q, edge, err)
	}

	q, edge, err = fx.Lookup("USD", "CAD")
	if err != nil || edge != EdgeInverse {
		t.Fatalf("inverse lookup edge=%v err=%v", edge, err)
	}
	if !approx(q.Bid, 1/1.31) || !approx(q.Ask, 1/1.29) {
		t.Fatalf("inverse quote=%+v want bid 1/1.31 ask 1/1.29", q)
	}

	q, edge, _ = fx.Lookup("USD", "usd")
	if edge != EdgeSame || q.Bid != 1 || q.Ask != 1 {
		t.Fatalf("same currency = %+v %v", q, edge)
	}

	if _, _, err := fx.Lookup("EUR", "CAD"); !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("err=%v want ErrRateNotFound", err)
	}
}

func TestFXTableSetKeepsOtherEdges(t *testing.T) {
	fx := NewFXTable()
	_ = fx.Set("CAD", "USD", 1.3, 1.3)
	_ = fx.Set("CAD", "EUR", 1.5, 1.5)
	if _, _, err := fx.Lookup("CAD", "USD"); err != nil {
		t.Fatalf("CAD/USD lost after adding CAD/EUR: %v", err)
	}
	if got := fx.Pairs(); len(got) != 2 {
		t.Fatalf("pairs=%v want 2", got)
	}
	if err := fx.Set("CAD", "USD", 0, 1); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err=%v want ErrValidation", err)
	}
}

func TestRateBySide(t *testing.T) {
	c := NewCurrencyLedger("CAD", quietLogger())
	_ = c.SetFXRate("CAD", "USD", 1.29, 1.31)

	buy, _ := c.Rate("CAD", "USD", models.OrderSideBuy)
	sell, _ := c.Rate("CAD", "USD", models.OrderSideSell)
	if buy != 1.31 || sell != 1.29 {
		t.Fatalf("buy=%v sell=%v want 1.31/1.29", buy, sell)
	}
	one, _ := c.Rate("CAD", "CAD", models.OrderSideBuy)
	if one != 1 {
		t.Fatalf("same currency rate=%v", one)
	}
}

func TestConversions(t *testing.T) {
	c := NewCurrencyLedger("CAD", quietLogger())
	_ = c.SetFXRate("CAD", "USD", 1.29, 1.31)

	tests := []struct {
		name string
		fn   func() (float64, error)
		want float64
	}{
		{"sell usd for cad", func() (float64, error) { return c.ConvertAmount("USD", "CAD", 100) }, 129},
		{"negative usd at the other side", func() (float64, error) { return c.ConvertAmount("USD", "CAD", -100) }, -131},
		{"zero", func() (float64, error) { return c.ConvertAmount("USD", "CAD", 0) }, 0},
		{"cad needed for usd", func() (float64, error) { return c.ConvertToTarget("CAD", "USD", 100) }, 131},
		{"short usd valued at buy back", func() (float64, error) { return c.Value("USD", "CAD", -100) }, -131},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if err != nil {
				t.Fatalf("err: %v", err)
			}
			if !approx(got, tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestRoundTripNeverGains(t *testing.T) {
	c := NewCurrencyLedger("CAD", quietLogger())
	_ = c.SetFXRate("CAD", "USD", 1.29, 1.31)

	for _, amt := range []float64{1, 100, 12345.67} {
		cad, err := c.ConvertAmount("USD", "CAD", amt)
		if err != nil {
			t.Fatalf("convert: %v", err)
		}
		back, err := c.ConvertAmount("CAD", "USD", cad)
		if err != nil {
			t.Fatalf("convert back: %v", err)
		}
		if back > amt {
			t.Fatalf("round trip of %v returned %v", amt, back)
		}
	}
}

func TestTotalValue(t *testing.T) {
	c := NewCurrencyLedger("CAD", quietLogger())
	_ = c.AddSubaccount("CAD", 1000, math.Inf(1))
	_ = c.AddSubaccount("USD", -100, math.Inf(1))
	_ = c.SetFXRate("CAD", "USD", 1.29, 1.31)

	got, err := c.TotalValue("CAD")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !approx(got, 1000-131) {
		t.Fatalf("total=%v want %v", got, 1000-131.0)
	}

	_ = c.SetBalance("USD", 100)
	got, _ = c.TotalValue("CAD")
	if !approx(got, 1129) {
		t.Fatalf("total=%v want 1129", got)
	}
	if h := c.History("USD"); len(h) != 2 || h[1] != 100 {
		t.Fatalf("history=%v", h)
	}
}

func TestCashCheckLimits(t *testing.T) {
	c := NewCurrencyLedger("CAD", quietLogger())
	_ = c.AddSubaccount("CAD", 1000, 0)
	_ = c.AddSubaccount("USD", 0, math.Inf(1))
	_ = c.SetFXRate("CAD", "USD", 1.3, 1.3)

	exceeds, err := c.CheckLimits("CAD", -1500)
	if err != nil || !exceeds {
		t.Fatalf("overdraft without credit: exceeds=%v err=%v", exceeds, err)
	}

	_ = c.SetSubaccountLimits("USD", 1000, 500)
	exceeds, _ = c.CheckLimits("USD", 600)
	if !exceeds {
		t.Fatal("USD net limit not enforced")
	}
	exceeds, _ = c.CheckLimits("USD", 400)
	if exceeds {
		t.Fatal("USD 400 within limits")
	}

	if _, err := c.CheckLimits("EUR", 1); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("err=%v want ErrUnknownCurrency", err)
	}
}
