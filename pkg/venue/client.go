package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/etfarb/pkg/models"
)

// Client is everything the agent needs from the trading venue.
type Client interface {
	FetchCase(ctx context.Context) (models.CaseInfo, error)
	FetchSecurities(ctx context.Context) ([]models.Security, error)
	FetchBook(ctx context.Context, ticker string) (bids, asks []models.BookEntry, err error)
	FetchQuote(ctx context.Context, ticker string) (models.Quote, error)
	FetchTape(ctx context.Context, ticker string, after int64) ([]models.Transaction, error)
	FetchTenders(ctx context.Context) ([]models.Tender, error)
	FetchLimits(ctx context.Context) ([]models.LimitUsage, error)

	SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	FetchOrderStatus(ctx context.Context, id int64) (models.OrderStatusReport, error)
	RespondTender(ctx context.Context, id int64, accept bool, price decimal.NullDecimal) (bool, error)
	CancelOrder(ctx context.Context, id int64) (bool, error)
	BulkCancel(ctx context.Context, q models.CancelQuery) ([]int64, error)
}

// orderStatus maps the venue's order status onto the local state machine.
func orderStatus(status string, quantity, filled decimal.Decimal) models.OrderStatus {
	switch status {
	case "TRANSACTED":
		return models.OrderStatusFilled
	case "CANCELLED":
		return models.OrderStatusCancelled
	}
	if filled.IsPositive() {
		if filled.GreaterThanOrEqual(quantity) {
			return models.OrderStatusFilled
		}
		return models.OrderStatusPartiallyFilled
	}
	return models.OrderStatusNew
}

func bookSide(action string) models.BookSide {
	if action == "BUY" || action == "buy" {
		return models.BookSideBid
	}
	return models.BookSideAsk
}

func venueAction(side models.OrderSide) string {
	if side == models.OrderSideBuy {
		return "BUY"
	}
	return "SELL"
}

func venueType(t models.OrderType) string {
	if t == models.OrderTypeLimit {
		return "LIMIT"
	}
	return "MARKET"
}
