package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quantrail/tradingcore/core/engine"
	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// DataFetcherHandlers backs the DataFetcher queue's task types: FetchNews,
// FetchEarnings, FetchFundamentals, FetchOptionChain.
type DataFetcherHandlers struct {
	MarketData *MarketDataClient
	Bus        *eventbus.Bus
}

func NewDataFetcherHandlers(marketData *MarketDataClient, bus *eventbus.Bus) *DataFetcherHandlers {
	return &DataFetcherHandlers{MarketData: marketData, Bus: bus}
}

func (h *DataFetcherHandlers) fetch(ctx context.Context, topic string, payload map[string]interface{}) taskstore.Result {
	filters := make(map[string]string, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			filters[k] = s
		}
	}
	data, err := h.MarketData.Fetch(ctx, topic, filters, engine.TaskIDFromContext(ctx))
	if err != nil {
		return errResult(err)
	}
	return taskstore.Result{Value: data}
}

func (h *DataFetcherHandlers) publish(ctx context.Context, etype taskstore.EventType, topic string) {
	if h.Bus == nil {
		return
	}
	_ = h.Bus.Publish(ctx, &taskstore.Event{
		ID:            uuid.NewString(),
		Type:          etype,
		Source:        "handlers.datafetcher",
		Timestamp:     time.Now(),
		CorrelationID: engine.CorrelationIDFromContext(ctx),
		Payload:       map[string]interface{}{"topic": topic},
	})
}

func (h *DataFetcherHandlers) FetchNews(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	result := h.fetch(ctx, "news", payload)
	if result.Err == nil {
		h.publish(ctx, taskstore.EventNewsIngested, "news")
	}
	return result
}

func (h *DataFetcherHandlers) FetchEarnings(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	result := h.fetch(ctx, "earnings", payload)
	if result.Err == nil {
		h.publish(ctx, taskstore.EventEarningsIngested, "earnings")
	}
	return result
}

func (h *DataFetcherHandlers) FetchFundamentals(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	return h.fetch(ctx, "fundamentals", payload)
}

func (h *DataFetcherHandlers) FetchOptionChain(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	return h.fetch(ctx, "option_chain", payload)
}
