package providers

import (
	"context"
	"fmt"
)

// MockProvider returns deterministic contracts without any network I/O. It
// backs the cold-start scenario from spec §8 ("provider mocked to return two
// contracts") and the test suite.
type MockProvider struct {
	// Contracts, if set, is returned verbatim for every symbol. Otherwise a
	// built-in two-contract fixture is returned.
	Contracts RawPayload
	// FailSymbols causes FetchChain to error for the listed symbols, for
	// exercising the Raw Chain Worker's consecutive-failure degraded path.
	FailSymbols map[string]bool
}

// NewMockProvider constructs a MockProvider with the default two-contract
// fixture.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) FetchChain(_ context.Context, symbol string) (RawPayload, error) {
	if m.FailSymbols[symbol] {
		return nil, fmt.Errorf("mock provider: simulated failure for %s", symbol)
	}
	if m.Contracts != nil {
		return m.Contracts, nil
	}
	return RawPayload{
		"contracts": []any{
			map[string]any{"type": "CALL", "strike": 100.0, "expiry": "2026-01-16", "bid": 1.2, "ask": 1.4},
			map[string]any{"type": "PUT", "strike": 100.0, "expiry": "2026-01-16", "bid": 2.1, "ask": 2.3},
		},
	}, nil
}

// NormalizeMock converts the mock provider's fixture shape into
// ContractFields. It intentionally mirrors the conventions a real vendor
// normalizer would follow: uppercase contract_type lowercased, numeric
// coercion best-effort, malformed entries dropped and counted.
func NormalizeMock(payload RawPayload) ([]ContractFields, int) {
	return normalizeGenericList(payload, "contracts", "type", "strike", "expiry", "bid", "ask")
}
