package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/poisonguard/internal/params"
	"github.com/mbd888/poisonguard/internal/risk"
)

// --- Test helpers ---

var (
	refAddr    = "0x" + strings.Repeat("a", 40)
	poisonAddr = "0x" + strings.Repeat("a", 10) + strings.Repeat("b", 20) + strings.Repeat("a", 10)
)

func newHandlers() *Handlers {
	return NewHandlers(risk.NewEngine(), params.Defaults())
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func poisonArgs() map[string]any {
	return map[string]any{
		"transactions": []any{
			map[string]any{"counterparty_addr": poisonAddr, "token_amount": "0.0001", "caip2": "eip155:1"},
			map[string]any{"counterparty_addr": "0x" + strings.Repeat("c", 40), "token_amount": 500.0, "caip2": "eip155:1"},
		},
		"anchors": []any{
			map[string]any{"anchor_to_addr": refAddr, "caip2": "eip155:1"},
		},
	}
}

// ============================================================
// analyze_transactions
// ============================================================

func TestAnalyzeTransactions_Text(t *testing.T) {
	result, err := newHandlers().HandleAnalyzeTransactions(context.Background(), makeRequest(poisonArgs()))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Screened 2 transaction(s) against 1 anchor(s).")
	assert.Contains(t, text, "1 flagged transaction(s), highest action BLOCK")
}

func TestAnalyzeTransactions_JSON(t *testing.T) {
	args := poisonArgs()
	args["format"] = "json"
	result, err := newHandlers().HandleAnalyzeTransactions(context.Background(), makeRequest(args))
	require.NoError(t, err)

	var out struct {
		Results []risk.Result `json:"results"`
		Summary risk.Summary  `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	require.Len(t, out.Results, 1)
	assert.Equal(t, poisonAddr, out.Results[0].Transaction.CounterpartyAddr)
	assert.Equal(t, 1, out.Summary.Total)
}

func TestAnalyzeTransactions_StringDatasets(t *testing.T) {
	args := map[string]any{
		"transactions": `[{"counterparty_addr":"` + poisonAddr + `","token_amount":"0.0001","caip2":"eip155:1"}]`,
		"anchors":      `[{"anchor_to_addr":"` + refAddr + `","caip2":"eip155:1"}]`,
	}
	result, err := newHandlers().HandleAnalyzeTransactions(context.Background(), makeRequest(args))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "highest action BLOCK")
}

func TestAnalyzeTransactions_ParamsAndMinAction(t *testing.T) {
	args := poisonArgs()
	args["params"] = map[string]any{"bias": -20.0}
	args["min_action"] = "warning"
	result, err := newHandlers().HandleAnalyzeTransactions(context.Background(), makeRequest(args))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No suspicious transactions.")
}

func TestAnalyzeTransactions_Errors(t *testing.T) {
	h := newHandlers()
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing transactions", map[string]any{"anchors": []any{}}, "transactions is required"},
		{"not an array", map[string]any{"transactions": map[string]any{"a": 1}, "anchors": []any{}}, "transactions must be a JSON array"},
		{"bad params", func() map[string]any {
			a := poisonArgs()
			a["params"] = map[string]any{"unknown_key": 1}
			return a
		}(), "Invalid params"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleAnalyzeTransactions(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestAnalyzeTransactions_EmptyAnchors(t *testing.T) {
	args := poisonArgs()
	args["anchors"] = []any{}
	result, err := newHandlers().HandleAnalyzeTransactions(context.Background(), makeRequest(args))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Nothing to analyze")
}

// ============================================================
// classify_address / compare_addresses / default_params
// ============================================================

func TestClassifyAddress(t *testing.T) {
	h := newHandlers()

	result, err := h.HandleClassifyAddress(context.Background(), makeRequest(map[string]any{
		"address": "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Type: evm")
	assert.Contains(t, text, "Checksum: 0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

	result, err = h.HandleClassifyAddress(context.Background(), makeRequest(map[string]any{
		"address": "T" + strings.Repeat("R", 33),
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Type: tron")

	result, err = h.HandleClassifyAddress(context.Background(), makeRequest(map[string]any{"address": "bc1qxyz"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Type: unknown")

	result, err = h.HandleClassifyAddress(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCompareAddresses(t *testing.T) {
	h := newHandlers()

	result, err := h.HandleCompareAddresses(context.Background(), makeRequest(map[string]any{
		"suspect": poisonAddr, "reference": refAddr,
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Shared prefix: 12, shared suffix: 10")
	assert.Contains(t, text, "Look-alike: yes")

	result, err = h.HandleCompareAddresses(context.Background(), makeRequest(map[string]any{
		"suspect": "0x" + strings.Repeat("c", 40), "reference": refAddr,
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Look-alike: no")

	result, err = h.HandleCompareAddresses(context.Background(), makeRequest(map[string]any{
		"suspect": "T" + strings.Repeat("R", 33), "reference": refAddr,
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Not comparable")

	result, err = h.HandleCompareAddresses(context.Background(), makeRequest(map[string]any{
		"suspect": strings.ToUpper(refAddr[2:]), "reference": refAddr,
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Not comparable")

	result, err = h.HandleCompareAddresses(context.Background(), makeRequest(map[string]any{
		"suspect": refAddr, "reference": refAddr,
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "identical")
}

func TestDefaultParams(t *testing.T) {
	result, err := newHandlers().HandleDefaultParams(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	got, err := params.Parse([]byte(resultText(t, result)))
	require.NoError(t, err)
	assert.Equal(t, params.Defaults(), got)
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(risk.NewEngine(), params.Defaults())
	require.NotNil(t, s)

	resp := s.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{"analyze_transactions", "classify_address", "compare_addresses", "default_params"} {
		assert.Contains(t, string(raw), `"name":"`+name+`"`)
	}
}
