package trader

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/models"
)

// flattenAll is the flatten target that closes the whole book.
const flattenAll = "ALL"

type request struct {
	cmd   models.Command
	reply chan models.CommandReply
}

// Dispatch applies an operator command. Pause, resume and strategy toggles
// take effect at once; commands that trade are queued for the loop and the
// call waits for their outcome.
func (t *Trader) Dispatch(ctx context.Context, cmd models.Command) models.CommandReply {
	reply := models.CommandReply{ID: cmd.ID}
	switch cmd.Kind {
	case models.CommandPause:
		t.SetPaused(true)
		reply.OK, reply.Message = true, "automatic trading paused"
		return reply
	case models.CommandResume:
		t.SetPaused(false)
		reply.OK, reply.Message = true, "automatic trading resumed"
		return reply
	case models.CommandEnable, models.CommandDisable:
		enabled := cmd.Kind == models.CommandEnable
		if err := t.SetStrategy(cmd.Strategy, enabled); err != nil {
			reply.Message = err.Error()
			return reply
		}
		reply.OK, reply.Message = true, fmt.Sprintf("%s %sd", cmd.Strategy, cmd.Kind)
		return reply
	case models.CommandOrder, models.CommandCancel, models.CommandFlatten:
	default:
		reply.Message = fmt.Sprintf("unknown command kind %q", cmd.Kind)
		return reply
	}

	req := request{cmd: cmd, reply: make(chan models.CommandReply, 1)}
	select {
	case t.commands <- req:
	case <-t.done:
		reply.Message = ErrStopped.Error()
		return reply
	case <-ctx.Done():
		reply.Message = ctx.Err().Error()
		return reply
	}
	select {
	case r := <-req.reply:
		return r
	case <-t.done:
		reply.Message = ErrStopped.Error()
		return reply
	case <-ctx.Done():
		reply.Message = ctx.Err().Error()
		return reply
	}
}

// drainCommands executes every queued command on the loop goroutine.
func (t *Trader) drainCommands(ctx context.Context) error {
	for {
		select {
		case req := <-t.commands:
			r, err := t.execute(ctx, req.cmd)
			req.reply <- r
			if err != nil && models.Fatal(err) {
				return err
			}
		default:
			return nil
		}
	}
}

func (t *Trader) execute(ctx context.Context, cmd models.Command) (models.CommandReply, error) {
	reply := models.CommandReply{ID: cmd.ID}
	log := t.logger.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"kind":       cmd.Kind,
	})

	var err error
	switch cmd.Kind {
	case models.CommandOrder:
		req := models.OrderRequest{
			Ticker:   cmd.Ticker,
			Type:     cmd.Type,
			Quantity: cmd.Quantity,
			Action:   cmd.Action,
		}
		if req.Type == "" {
			req.Type = models.OrderTypeMarket
		}
		if cmd.Price != nil {
			req.Price = decimal.NewNullDecimal(decimal.NewFromFloat(*cmd.Price))
		}
		var order *models.Order
		if order, err = t.gateway.PlaceOrder(ctx, req); err == nil {
			reply.OK = true
			reply.Message = fmt.Sprintf("order %d %s %s %s filled %s/%s",
				order.ID, order.Action(), order.Ticker, order.Status, order.FilledVolume, order.InitialVolume)
		}
	case models.CommandCancel:
		var ok bool
		if ok, err = t.gateway.Cancel(ctx, cmd.OrderID); err == nil {
			reply.OK = ok
			reply.Message = fmt.Sprintf("order %d cancelled", cmd.OrderID)
			if !ok {
				reply.Message = fmt.Sprintf("order %d was not cancelled", cmd.OrderID)
			}
		}
	case models.CommandFlatten:
		if cmd.Ticker == flattenAll {
			if err = t.closeAll(ctx); err == nil {
				reply.OK, reply.Message = true, "all positions flattened"
			}
			break
		}
		before := t.positions.Position(cmd.Ticker)
		if _, err = t.gateway.ClosePosition(ctx, cmd.Ticker, 0); err == nil {
			t.clearResidual(cmd.Ticker)
			reply.OK = true
			reply.Message = fmt.Sprintf("%s flattened from %v, now %v", cmd.Ticker, before, t.positions.Position(cmd.Ticker))
			if math.Abs(t.positions.Position(cmd.Ticker)) > volumeEpsilon {
				reply.Message += " (partial)"
			}
		}
	}

	if err != nil {
		reply.OK = false
		reply.Message = err.Error()
		log.WithError(err).Warn("Operator command failed")
		return reply, err
	}
	log.WithField("result", reply.Message).Info("Operator command executed")
	return reply, nil
}
