package models

import (
	"fmt"
	"strconv"
	"strings"
)

type CommandKind string

const (
	CommandPause   CommandKind = "pause"
	CommandResume  CommandKind = "resume"
	CommandEnable  CommandKind = "enable"
	CommandDisable CommandKind = "disable"
	CommandOrder   CommandKind = "order"
	CommandCancel  CommandKind = "cancel"
	CommandFlatten CommandKind = "flatten"
)

// Command is an operator instruction delivered to the trading loop.
type Command struct {
	ID       string      `json:"id"`
	Kind     CommandKind `json:"kind"`
	Strategy string      `json:"strategy,omitempty"`
	Ticker   string      `json:"ticker,omitempty"`
	Action   OrderSide   `json:"action,omitempty"`
	Type     OrderType   `json:"type,omitempty"`
	Quantity float64     `json:"quantity,omitempty"`
	Price    *float64    `json:"price,omitempty"`
	OrderID  int64       `json:"order_id,omitempty"`
}

// CommandReply acknowledges a command.
type CommandReply struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// ParseCommand reads the console line syntax:
//
//	p | pause, r | resume
//	enable <strategy>, disable <strategy>
//	buy|sell <ticker> <qty> [market | limit <price>]
//	cancel <order id>
//	flatten <ticker>
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrValidation)
	}
	switch strings.ToLower(fields[0]) {
	case "p", "pause":
		return Command{Kind: CommandPause}, nil
	case "r", "resume":
		return Command{Kind: CommandResume}, nil
	case "enable", "disable":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%w: usage: %s <strategy>", ErrValidation, fields[0])
		}
		kind := CommandEnable
		if strings.ToLower(fields[0]) == "disable" {
			kind = CommandDisable
		}
		return Command{Kind: kind, Strategy: strings.ToLower(fields[1])}, nil
	case "cancel":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%w: usage: cancel <order id>", ErrValidation)
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad order id %q", ErrValidation, fields[1])
		}
		return Command{Kind: CommandCancel, OrderID: id}, nil
	case "flatten":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%w: usage: flatten <ticker>", ErrValidation)
		}
		return Command{Kind: CommandFlatten, Ticker: strings.ToUpper(fields[1])}, nil
	case "b", "buy", "s", "sell":
		return parseOrderCommand(fields)
	}
	return Command{}, fmt.Errorf("%w: unknown command %q", ErrValidation, fields[0])
}

func parseOrderCommand(fields []string) (Command, error) {
	if len(fields) < 3 {
		return Command{}, fmt.Errorf("%w: usage: buy|sell <ticker> <qty> [market|limit <price>]", ErrValidation)
	}
	action, err := ParseOrderSide(fields[0])
	if err != nil {
		return Command{}, err
	}
	qty, err := strconv.ParseFloat(fields[2], 64)
	if err != nil || qty <= 0 {
		return Command{}, fmt.Errorf("%w: bad quantity %q", ErrValidation, fields[2])
	}
	cmd := Command{
		Kind:     CommandOrder,
		Ticker:   strings.ToUpper(fields[1]),
		Action:   action,
		Type:     OrderTypeMarket,
		Quantity: qty,
	}
	if len(fields) == 3 {
		return cmd, nil
	}
	typ, err := ParseOrderType(fields[3])
	if err != nil {
		return Command{}, err
	}
	cmd.Type = typ
	if typ == OrderTypeLimit {
		if len(fields) != 5 {
			return Command{}, fmt.Errorf("%w: limit order needs a price", ErrValidation)
		}
		price, err := strconv.ParseFloat(fields[4], 64)
		if err != nil || price <= 0 {
			return Command{}, fmt.Errorf("%w: bad price %q", ErrValidation, fields[4])
		}
		cmd.Price = &price
	}
	return cmd, nil
}
