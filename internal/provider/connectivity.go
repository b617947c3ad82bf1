package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/nevenhsu/llmbook-sub003/internal/events"
)

const connectivityPrompt = "Reply with the single word: ok"

type ConnectivityResult struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
	OK         bool   `json:"ok"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// TestConnectivity sends one minimal prompt to the provider without retries.
func (inv *Invoker) TestConnectivity(ctx context.Context, providerID string) ConnectivityResult {
	result := ConnectivityResult{ProviderID: providerID}

	reg, err := inv.registry(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("load route table: %v", err)
		return result
	}
	target, err := reg.ProbeTarget(providerID)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.ModelID = target.ModelID

	p, _ := reg.Provider(providerID)
	m, _ := reg.Model(target.ModelID)
	if !p.Enabled {
		result.Error = ErrProviderDisabled.Error()
		return result
	}
	client, err := inv.clients.Client(p, m)
	if err != nil {
		inv.emit(ctx, target, "", 1, false, 0, events.OutcomeError, err)
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	_, err = inv.attempt(ctx, client, target, "", connectivityRequest(), 1, false)
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.OK = true
	return result
}
