package arbitrage

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/book"
	"github.com/gregtusar/etfarb/pkg/ledger"
	"github.com/gregtusar/etfarb/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

var nextID int64

func entries(side models.BookSide, levels [][2]float64) []models.BookEntry {
	out := make([]models.BookEntry, 0, len(levels))
	for _, lv := range levels {
		nextID++
		out = append(out, models.BookEntry{
			ID:       nextID,
			Price:    decimal.NewFromFloat(lv[0]),
			Quantity: decimal.NewFromFloat(lv[1]),
			Side:     side,
			Status:   "OPEN",
		})
	}
	return out
}

func ladder(t *testing.T, ticker, currency string, fee float64, bids, asks [][2]float64) *book.Ladder {
	t.Helper()
	l := book.NewLadder(ticker, currency, decimal.NewFromFloat(fee), decimal.Zero)
	if err := l.Replace(entries(models.BookSideBid, bids), entries(models.BookSideAsk, asks)); err != nil {
		t.Fatalf("replace %s: %v", ticker, err)
	}
	return l
}

func engine(t *testing.T, params Params) *Engine {
	t.Helper()
	cash := ledger.NewCurrencyLedger("CAD", quietLogger())
	if err := cash.SetFXRate("CAD", "USD", 1.29, 1.31); err != nil {
		t.Fatalf("fx: %v", err)
	}
	if params.PortfolioCurrency == "" {
		params.PortfolioCurrency = "CAD"
	}
	return NewEngine(params, cash, quietLogger())
}

func TestTenderSignal(t *testing.T) {
	e := engine(t, Params{})
	tests := []struct {
		name      string
		book      *book.Ladder
		tender    models.Tender
		buyThr    float64
		sellThr   float64
		direction int
		profit    float64
	}{
		{
			name:      "sell tender above the unwind cost",
			book:      ladder(t, "RITC", "CAD", 0, [][2]float64{{8.9, 5000}}, [][2]float64{{9.0, 1000}}),
			tender:    models.Tender{ID: 1, Ticker: "RITC", Volume: 1000, Price: decimal.RequireFromString("9.5"), Fixed: true, Action: models.OrderSideSell},
			sellThr:   200,
			direction: 1,
			profit:    500,
		},
		{
			name:      "fee eats into the edge",
			book:      ladder(t, "RITC", "CAD", 0.02, nil, [][2]float64{{9.0, 1000}}),
			tender:    models.Tender{ID: 2, Ticker: "RITC", Volume: 1000, Price: decimal.RequireFromString("9.5"), Fixed: true, Action: models.OrderSideSell},
			sellThr:   490,
			direction: 0,
			profit:    480,
		},
		{
			name:      "buy tender below the bid",
			book:      ladder(t, "RITC", "CAD", 0, [][2]float64{{10, 1000}}, nil),
			tender:    models.Tender{ID: 3, Ticker: "RITC", Volume: 1000, Price: decimal.RequireFromString("9.8"), Fixed: true, Action: models.OrderSideBuy},
			buyThr:    100,
			sellThr:   1e9,
			direction: 1,
			profit:    200,
		},
		{
			name:      "buy tender under its own threshold",
			book:      ladder(t, "RITC", "CAD", 0, [][2]float64{{10, 1000}}, nil),
			tender:    models.Tender{ID: 4, Ticker: "RITC", Volume: 1000, Price: decimal.RequireFromString("9.8"), Fixed: true, Action: models.OrderSideBuy},
			buyThr:    250,
			direction: 0,
			profit:    200,
		},
		{
			name:      "usd edge valued in cad",
			book:      ladder(t, "RITU", "USD", 0, nil, [][2]float64{{9.0, 1000}}),
			tender:    models.Tender{ID: 5, Ticker: "RITU", Volume: 1000, Price: decimal.RequireFromString("9.5"), Fixed: true, Action: models.OrderSideSell},
			sellThr:   200,
			direction: 1,
			profit:    645,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := e.TenderSignal(tt.tender, tt.book, tt.buyThr, tt.sellThr)
			if err != nil {
				t.Fatalf("signal: %v", err)
			}
			if sig.Direction != tt.direction || !approx(sig.Profit, tt.profit) {
				t.Fatalf("direction=%d profit=%v want %d %v", sig.Direction, sig.Profit, tt.direction, tt.profit)
			}
			if len(sig.Legs) != 1 || sig.Legs[0].Action != tt.tender.Action.Opposite() || sig.Legs[0].Quantity != tt.tender.Volume {
				t.Fatalf("legs=%+v", sig.Legs)
			}
		})
	}
}

func TestFloatingTenderBid(t *testing.T) {
	e := engine(t, Params{})
	tests := []struct {
		name    string
		book    *book.Ladder
		action  models.OrderSide
		bid     string
		profit  float64
		bidding bool
	}{
		{
			name:    "buy tender bid under the unwind bid",
			book:    ladder(t, "RITC", "CAD", 0, [][2]float64{{9.0, 5000}}, nil),
			action:  models.OrderSideBuy,
			bid:     "8.79",
			profit:  210,
			bidding: true,
		},
		{
			name:    "sell tender offered over the unwind ask",
			book:    ladder(t, "RITC", "CAD", 0, nil, [][2]float64{{9.0, 5000}}),
			action:  models.OrderSideSell,
			bid:     "9.21",
			profit:  210,
			bidding: true,
		},
		{
			name:   "threshold leaves no positive bid",
			book:   ladder(t, "RITC", "CAD", 0, [][2]float64{{0.1, 5000}}, nil),
			action: models.OrderSideBuy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// the venue sends a null price for floating tenders
			tender := models.Tender{ID: 7, Ticker: "RITC", Volume: 1000, Action: tt.action}
			sig, err := e.TenderSignal(tender, tt.book, 200, 200)
			if err != nil {
				t.Fatalf("signal: %v", err)
			}
			if !tt.bidding {
				if sig.Active() || sig.Bid.Valid {
					t.Fatalf("signal=%+v want no bid", sig)
				}
				return
			}
			if !sig.Active() || !sig.Bid.Valid || !sig.Bid.Decimal.Equal(decimal.RequireFromString(tt.bid)) {
				t.Fatalf("direction=%d bid=%v want active at %s", sig.Direction, sig.Bid, tt.bid)
			}
			if !approx(sig.Profit, tt.profit) {
				t.Fatalf("profit=%v want %v", sig.Profit, tt.profit)
			}
		})
	}
}

func TestTenderSignalInsufficientDepth(t *testing.T) {
	e := engine(t, Params{})
	b := ladder(t, "RITC", "CAD", 0, nil, [][2]float64{{9.0, 500}})
	_, err := e.TenderSignal(models.Tender{ID: 1, Ticker: "RITC", Volume: 1000, Price: decimal.NewFromInt(10), Fixed: true, Action: models.OrderSideSell}, b, 0, 0)
	if !errors.Is(err, models.ErrInsufficientDepth) {
		t.Fatalf("err=%v want ErrInsufficientDepth", err)
	}
}

func basket(t *testing.T, etfBid, etfAsk float64) (map[string]Book, map[string]float64, *book.Ladder) {
	t.Helper()
	stocks := map[string]Book{
		"AAA": ladder(t, "AAA", "CAD", 0, [][2]float64{{9.9, 1000}}, [][2]float64{{10, 1000}}),
		"BBB": ladder(t, "BBB", "CAD", 0, [][2]float64{{19.9, 1000}}, [][2]float64{{20, 1000}}),
	}
	weights := map[string]float64{"AAA": 1, "BBB": 1}
	etf := ladder(t, "ETF", "CAD", 0, [][2]float64{{etfBid, 1000}}, [][2]float64{{etfAsk, 1000}})
	return stocks, weights, etf
}

func TestConversionProfit(t *testing.T) {
	e := engine(t, Params{SlippageTolerance: 0.5, ConvertFee: 0.1})
	stocks, weights, etf := basket(t, 31, 31.1)

	create, err := e.ConversionProfit(stocks, weights, etf, 100, true, decimal.NullDecimal{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !approx(create.Profit, 3100-3000-10) {
		t.Fatalf("create profit=%v want 90", create.Profit)
	}
	if len(create.Legs) != 3 || create.Legs[0].Ticker != "AAA" || create.Legs[0].Action != models.OrderSideBuy ||
		create.Legs[2].Ticker != "ETF" || create.Legs[2].Action != models.OrderSideSell {
		t.Fatalf("legs=%+v", create.Legs)
	}

	redeem, _ := e.ConversionProfit(stocks, weights, etf, 100, false, decimal.NullDecimal{})
	if !approx(redeem.Profit, 2980-3110-10) {
		t.Fatalf("redeem profit=%v want -140", redeem.Profit)
	}

	delete(weights, "BBB")
	if _, err := e.ConversionProfit(stocks, weights, etf, 100, true, decimal.NullDecimal{}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("missing weight err=%v", err)
	}
}

func TestConversionSignal(t *testing.T) {
	e := engine(t, Params{SlippageTolerance: 0.5})
	stocks, weights, etf := basket(t, 31, 31.1)

	sig, err := e.ConversionSignal(stocks, weights, etf, 100, 0, 0.5, 0.5)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if sig.Direction != 1 || !approx(sig.Profit, 100) || len(sig.Legs) != 3 {
		t.Fatalf("signal=%+v", sig)
	}

	sig, _ = e.ConversionSignal(stocks, weights, etf, 100, -0.6, 0.5, 0.5)
	if sig.Active() {
		t.Fatalf("a negative shift should silence create: %+v", sig)
	}
}

// With a crossed ETF book both directions pay; the threshold comparison
// decides, not the profit.
func TestConversionTieBreak(t *testing.T) {
	tests := []struct {
		name      string
		byThresh  bool
		createThr float64
		redeemThr float64
		direction int
	}{
		{"create threshold higher", true, 0.2, 0.1, 1},
		{"redeem threshold higher picks redeem despite lower profit", true, 0.1, 0.2, -1},
		{"by profit", false, 0.1, 0.2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := engine(t, Params{SlippageTolerance: 0.5, SelectByThreshold: tt.byThresh})
			stocks, weights, etf := basket(t, 31, 29.5)
			sig, err := e.ConversionSignal(stocks, weights, etf, 100, 0, tt.createThr, tt.redeemThr)
			if err != nil {
				t.Fatalf("signal: %v", err)
			}
			if sig.Direction != tt.direction {
				t.Fatalf("direction=%d want %d", sig.Direction, tt.direction)
			}
		})
	}
}

func TestETFTenderSignal(t *testing.T) {
	e := engine(t, Params{SlippageTolerance: 0.5})
	stocks, weights, etf := basket(t, 31, 31.1)

	tender := models.Tender{ID: 9, Ticker: "ETF", Volume: 100, Price: decimal.RequireFromString("31.5"), Fixed: true, Action: models.OrderSideSell}
	sig, err := e.ETFTenderSignal(tender, stocks, weights, etf, 1)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if sig.Direction != 1 || !approx(sig.Profit, 150) {
		t.Fatalf("signal=%+v", sig)
	}
	for _, l := range sig.Legs {
		if l.Ticker == "ETF" || l.Action != models.OrderSideBuy {
			t.Fatalf("unexpected leg %+v", l)
		}
	}

	sig, _ = e.ETFTenderSignal(tender, stocks, weights, etf, 2)
	if sig.Active() {
		t.Fatal("1.5 per unit is under a threshold of 2")
	}

	tender.Fixed = false
	tender.Price = decimal.Zero
	sig, err = e.ETFTenderSignal(tender, stocks, weights, etf, 1)
	if err != nil || sig.Active() {
		t.Fatalf("floating ETF tender signal=%+v err=%v want no bid", sig, err)
	}
}

func TestCrossETFSignal(t *testing.T) {
	e := engine(t, Params{})
	tests := []struct {
		name      string
		a, b      *book.Ladder
		direction int
		conflict  bool
		profit    float64
	}{
		{
			name:      "buy a sell b",
			a:         ladder(t, "ETFA", "CAD", 0, [][2]float64{{9.9, 1000}}, [][2]float64{{10, 1000}}),
			b:         ladder(t, "ETFB", "CAD", 0, [][2]float64{{10.2, 1000}}, [][2]float64{{10.3, 1000}}),
			direction: 1,
			profit:    20,
		},
		{
			name:      "sell a buy b",
			a:         ladder(t, "ETFA", "CAD", 0, [][2]float64{{10.5, 1000}}, [][2]float64{{10.6, 1000}}),
			b:         ladder(t, "ETFB", "CAD", 0, [][2]float64{{10.0, 1000}}, [][2]float64{{10.1, 1000}}),
			direction: -1,
			profit:    40,
		},
		{
			name:     "conflict",
			a:        ladder(t, "ETFA", "CAD", 0, [][2]float64{{10.5, 1000}}, [][2]float64{{10, 1000}}),
			b:        ladder(t, "ETFB", "CAD", 0, [][2]float64{{10.2, 1000}}, [][2]float64{{10.1, 1000}}),
			conflict: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := e.CrossETFSignal(tt.a, tt.b, 100, 10, 10)
			if err != nil {
				t.Fatalf("signal: %v", err)
			}
			if sig.Direction != tt.direction || sig.Conflict != tt.conflict {
				t.Fatalf("signal=%+v", sig)
			}
			if tt.direction != 0 && (!approx(sig.Profit, tt.profit) || len(sig.Legs) != 2) {
				t.Fatalf("profit=%v legs=%+v", sig.Profit, sig.Legs)
			}
		})
	}
}
