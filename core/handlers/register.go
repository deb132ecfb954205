package handlers

import (
	"github.com/anthropics/anthropic-sdk-go"

	"github.com/quantrail/tradingcore/core/engine"
	"github.com/quantrail/tradingcore/core/eventbus"
	"github.com/quantrail/tradingcore/core/idempotency"
	"github.com/quantrail/tradingcore/core/ratebudget"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// Clients bundles every outbound collaborator client the registered handlers
// need, constructed once at process start and shared across queues.
type Clients struct {
	Broker     *BrokerClient
	MarketData *MarketDataClient
	LLM        *LLMClient
}

// NewClients builds the collaborator clients from the ambient configuration
// surface, sharing one idempotency store (for the broker's non-idempotent
// calls) and one Rate Budget (to which the LLM client reports 429s).
func NewClients(brokerBaseURL, marketDataBaseURL, anthropicAPIKey string, model anthropic.Model, idem *idempotency.Store, budget *ratebudget.Budget) *Clients {
	return &Clients{
		Broker:     NewBrokerClient(brokerBaseURL, idem),
		MarketData: NewMarketDataClient(marketDataBaseURL),
		LLM:        NewLLMClient(anthropicAPIKey, model, budget),
	}
}

// RegisterAll installs every queue's handlers into registry, declaring the
// external APIs each task type calls so the engine can evaluate the Rate
// Budget on the handler's behalf before dispatch.
func RegisterAll(registry *engine.Registry, clients *Clients, bus *eventbus.Bus) {
	portfolio := NewPortfolioHandlers(clients.Broker, bus)
	registry.Register(taskstore.QueuePortfolioSync, "SyncBalances", engine.HandlerSpec{Handler: portfolio.SyncBalances, APIs: []string{"broker"}})
	registry.Register(taskstore.QueuePortfolioSync, "UpdatePositions", engine.HandlerSpec{Handler: portfolio.UpdatePositions, APIs: []string{"broker"}})
	registry.Register(taskstore.QueuePortfolioSync, "ComputePnL", engine.HandlerSpec{Handler: portfolio.ComputePnL, APIs: []string{"broker"}})
	registry.Register(taskstore.QueuePortfolioSync, "ValidateRiskLimits", engine.HandlerSpec{Handler: portfolio.ValidateRiskLimits})

	fetcher := NewDataFetcherHandlers(clients.MarketData, bus)
	registry.Register(taskstore.QueueDataFetcher, "FetchNews", engine.HandlerSpec{Handler: fetcher.FetchNews, APIs: []string{"market_data"}})
	registry.Register(taskstore.QueueDataFetcher, "FetchEarnings", engine.HandlerSpec{Handler: fetcher.FetchEarnings, APIs: []string{"market_data"}})
	registry.Register(taskstore.QueueDataFetcher, "FetchFundamentals", engine.HandlerSpec{Handler: fetcher.FetchFundamentals, APIs: []string{"market_data"}})
	registry.Register(taskstore.QueueDataFetcher, "FetchOptionChain", engine.HandlerSpec{Handler: fetcher.FetchOptionChain, APIs: []string{"market_data"}})

	ai := NewAIAnalysisHandlers(clients.LLM, bus)
	registry.Register(taskstore.QueueAIAnalysis, "MorningPrep", engine.HandlerSpec{Handler: ai.MorningPrep, APIs: []string{"anthropic"}})
	registry.Register(taskstore.QueueAIAnalysis, "EveningReview", engine.HandlerSpec{Handler: ai.EveningReview, APIs: []string{"anthropic"}})
	registry.Register(taskstore.QueueAIAnalysis, "GenerateRecommendation", engine.HandlerSpec{Handler: ai.GenerateRecommendation, APIs: []string{"anthropic"}})
	registry.Register(taskstore.QueueAIAnalysis, "EvaluateStrategy", engine.HandlerSpec{Handler: ai.EvaluateStrategy, APIs: []string{"anthropic"}})
	registry.Register(taskstore.QueueAIAnalysis, "AnalyzeEarnings", engine.HandlerSpec{Handler: ai.AnalyzeEarnings, APIs: []string{"anthropic"}})
}
