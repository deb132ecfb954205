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

// AIAnalysisHandlers backs the AIAnalysis queue's task types: MorningPrep,
// EveningReview, GenerateRecommendation, EvaluateStrategy, AnalyzeEarnings.
type AIAnalysisHandlers struct {
	LLM *LLMClient
	Bus *eventbus.Bus
}

func NewAIAnalysisHandlers(llm *LLMClient, bus *eventbus.Bus) *AIAnalysisHandlers {
	return &AIAnalysisHandlers{LLM: llm, Bus: bus}
}

func (h *AIAnalysisHandlers) publishRecommendation(ctx context.Context, detail map[string]interface{}) {
	if h.Bus == nil {
		return
	}
	_ = h.Bus.Publish(ctx, &taskstore.Event{
		ID:            uuid.NewString(),
		Type:          taskstore.EventRecommendationProduced,
		Source:        "handlers.aianalysis",
		Timestamp:     time.Now(),
		CorrelationID: engine.CorrelationIDFromContext(ctx),
		Payload:       detail,
	})
}

func (h *AIAnalysisHandlers) MorningPrep(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	symbol, _ := payload["symbol"].(string)
	prompt := fmt.Sprintf("Prepare a concise pre-market briefing for %s: overnight news, futures context, and key levels to watch.", symbol)
	text, err := h.LLM.Analyze(ctx, prompt, nil)
	if err != nil {
		return errResult(err)
	}
	return taskstore.Result{Value: map[string]interface{}{"briefing": text}}
}

func (h *AIAnalysisHandlers) EveningReview(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	symbol, _ := payload["symbol"].(string)
	prompt := fmt.Sprintf("Summarize today's trading session for %s and flag anything requiring attention before tomorrow's open.", symbol)
	text, err := h.LLM.Analyze(ctx, prompt, nil)
	if err != nil {
		return errResult(err)
	}
	return taskstore.Result{Value: map[string]interface{}{"review": text}}
}

func (h *AIAnalysisHandlers) GenerateRecommendation(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	symbol, _ := payload["symbol"].(string)
	context_, _ := payload["context"].(string)
	prompt := fmt.Sprintf("Given the following context for %s, produce a buy/hold/sell recommendation with a one-sentence rationale.\n\nContext:\n%s", symbol, context_)
	text, err := h.LLM.Analyze(ctx, prompt, nil)
	if err != nil {
		return errResult(err)
	}
	h.publishRecommendation(ctx, map[string]interface{}{"symbol": symbol})
	return taskstore.Result{Value: map[string]interface{}{"recommendation": text}}
}

func (h *AIAnalysisHandlers) EvaluateStrategy(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	strategy, _ := payload["strategy"].(string)
	prompt := fmt.Sprintf("Evaluate this trading strategy for soundness and risk exposure:\n\n%s", strategy)
	text, err := h.LLM.Analyze(ctx, prompt, nil)
	if err != nil {
		return errResult(err)
	}
	return taskstore.Result{Value: map[string]interface{}{"evaluation": text}}
}

func (h *AIAnalysisHandlers) AnalyzeEarnings(ctx context.Context, payload map[string]interface{}) taskstore.Result {
	symbol, _ := payload["symbol"].(string)
	transcript, _ := payload["transcript"].(string)
	prompt := fmt.Sprintf("Analyze the earnings call transcript for %s and summarize guidance, surprises, and tone.\n\n%s", symbol, transcript)
	text, err := h.LLM.Analyze(ctx, prompt, nil)
	if err != nil {
		return errResult(err)
	}
	return taskstore.Result{Value: map[string]interface{}{"analysis": text}}
}
