package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantrail/tradingcore/core/engine"
	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// PortfolioHandlers backs the PortfolioSync queue's task types: SyncBalances,
// UpdatePositions, ComputePnL, ValidateRiskLimits.
type PortfolioHandlers struct {
	Broker *BrokerClient
	Bus    *eventbus.Bus
}

func NewPortfolioHandlers(broker *BrokerClient, bus *eventbus.Bus) *PortfolioHandlers {
	return &PortfolioHandlers{Broker: broker, Bus: bus}
}

func (h *PortfolioHandlers) publishPortfolioUpdated(ctx context.Context, detail map[string]interface{}) {
	if h.Bus == nil {
		return
	}
	_ = h.Bus.Publish(ctx, &taskstore.Event{
		ID:            uuid.NewString(),
		Type:          taskstore.EventPortfolioUpdated,
		Source:        "handlers.portfolio",
		Timestamp:     time.Now(),
		CorrelationID: engine.CorrelationIDFromContext(ctx),
		Payload:       detail,
	})
}

func (h *PortfolioHandlers) SyncBalances(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	balances, err := h.Broker.GetBalances(ctx, engine.TaskIDFromContext(ctx))
	if err != nil {
		return errResult(err)
	}
	h.publishPortfolioUpdated(ctx, map[string]interface{}{"kind": "balances"})
	return taskstore.Result{Value: map[string]interface{}{"balances": balances}}
}

func (h *PortfolioHandlers) UpdatePositions(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	positions, err := h.Broker.GetPositions(ctx, engine.TaskIDFromContext(ctx))
	if err != nil {
		return errResult(err)
	}
	h.publishPortfolioUpdated(ctx, map[string]interface{}{"kind": "positions"})
	return taskstore.Result{Value: map[string]interface{}{"positions": positions}}
}

func (h *PortfolioHandlers) ComputePnL(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	holdings, err := h.Broker.GetHoldings(ctx, engine.TaskIDFromContext(ctx))
	if err != nil {
		return errResult(err)
	}
	var realized, unrealized float64
	if positions, ok := holdings["positions"].([]interface{}); ok {
		for _, p := range positions {
			pos, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if v, ok := pos["unrealized_pnl"].(float64); ok {
				unrealized += v
			}
			if v, ok := pos["realized_pnl"].(float64); ok {
				realized += v
			}
		}
	}
	return taskstore.Result{Value: map[string]interface{}{
		"realized_pnl":   realized,
		"unrealized_pnl": unrealized,
	}}
}

// ValidateRiskLimits fails Validation (non-recoverable) if a position breaches
// the configured max_position_pct of total equity; this never calls out to
// the broker itself, so it carries no APIs entry in its HandlerSpec.
func (h *PortfolioHandlers) ValidateRiskLimits(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	maxPositionPct, _ := payload["max_position_pct"].(float64)
	if maxPositionPct <= 0 {
		maxPositionPct = 0.25
	}
	positions, _ := payload["positions"].([]interface{})
	equity, _ := payload["total_equity"].(float64)
	if equity <= 0 {
		return taskstore.Result{Value: map[string]interface{}{"ok": true, "reason": "no equity to check against"}}
	}
	for _, p := range positions {
		pos, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		value, _ := pos["market_value"].(float64)
		if value/equity > maxPositionPct {
			symbol, _ := pos["symbol"].(string)
			return taskstore.Result{Err: &taskstore.TaskError{
				Kind:        taskstore.ErrValidation,
				Message:     fmt.Sprintf("position %s exceeds max_position_pct %.2f", symbol, maxPositionPct),
				Recoverable: false,
			}}
		}
	}
	return taskstore.Result{Value: map[string]interface{}{"ok": true}}
}

func errResult(err error) taskstore.Result {
	if taskErr, ok := err.(*taskstore.TaskError); ok {
		return taskstore.Result{Err: taskErr}
	}
	return taskstore.Result{Err: &taskstore.TaskError{Kind: taskstore.ErrTransient, Message: err.Error(), Recoverable: true}}
}
