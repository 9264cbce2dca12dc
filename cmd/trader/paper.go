package main

import (
	"sort"

	"github.com/gregtusar/etfarb/internal/config"
	"github.com/gregtusar/etfarb/pkg/models"
	"github.com/gregtusar/etfarb/pkg/venue"
)

const (
	paperLimitName = "LIMIT-STOCK"
	paperFXRate    = 1.3
)

// seedPaperMarket lists the configured basket, ETFs and FX pairs on the
// paper venue. Basket stocks start at 10, 20, 30 and so on; the home ETF
// starts at its basket value and the foreign ETF at the same value in the
// first FX currency.
func seedPaperMarket(sim *venue.Simulator, cfg config.StrategyConfig) {
	home := cfg.PortfolioCurrency
	foreignCcy := home
	if len(cfg.FXTickers) > 0 {
		foreignCcy = cfg.FXTickers[0]
	}

	sim.AddSecurity(models.Security{Ticker: home, Type: models.SecurityTypeCurrency, Currency: home})
	for _, fx := range cfg.FXTickers {
		sim.AddSecurity(models.Security{
			Ticker:       fx,
			Type:         models.SecurityTypeCurrency,
			Currency:     home,
			Tradeable:    true,
			Shortable:    true,
			MaxTradeSize: 2500000,
			StartPrice:   paperFXRate,
		})
	}

	stock := func(ticker, currency string, price float64) {
		sim.AddSecurity(models.Security{
			Ticker:       ticker,
			Type:         models.SecurityTypeStock,
			Currency:     currency,
			LimitName:    paperLimitName,
			Tradeable:    true,
			Shortable:    true,
			MaxTradeSize: 10000,
			StartPrice:   price,
			TradingFee:   cfg.TransactionFee,
			LimitRebate:  cfg.RebateFee,
		})
	}

	tickers := make([]string, 0, len(cfg.Basket.Weights))
	for t := range cfg.Basket.Weights {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	basket := 0.0
	for i, t := range tickers {
		price := float64(10 * (i + 1))
		stock(t, home, price)
		basket += cfg.Basket.Weights[t] * price
	}

	if cfg.Basket.ETF != "" {
		stock(cfg.Basket.ETF, home, basket)
	}
	if cfg.CrossETF.Home != "" && cfg.CrossETF.Home != cfg.Basket.ETF {
		stock(cfg.CrossETF.Home, home, basket)
	}
	if cfg.CrossETF.Foreign != "" {
		stock(cfg.CrossETF.Foreign, foreignCcy, basket/paperFXRate)
	}

	sim.SetLimit(paperLimitName, 250000, 100000)
}
