package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/poisonguard/internal/address"
	"github.com/mbd888/poisonguard/internal/dataset"
	"github.com/mbd888/poisonguard/internal/decision"
	"github.com/mbd888/poisonguard/internal/params"
	"github.com/mbd888/poisonguard/internal/risk"
	"github.com/mbd888/poisonguard/internal/similarity"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	engine   *risk.Engine
	defaults params.Params
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(engine *risk.Engine, defaults params.Params) *Handlers {
	return &Handlers{engine: engine, defaults: defaults.Clone()}
}

// HandleAnalyzeTransactions runs the engine over the supplied datasets.
func (h *Handlers) HandleAnalyzeTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	txs, err := decodeArg(args, "transactions", dataset.DecodeTransactions)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	anchors, err := decodeArg(args, "anchors", dataset.DecodeAnchors)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	p := h.defaults
	if raw, ok := args["params"].(map[string]any); ok && len(raw) > 0 {
		patch := make(map[string]json.RawMessage, len(raw))
		for k, v := range raw {
			b, err := json.Marshal(v)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("params.%s: %v", k, err)), nil
			}
			patch[k] = b
		}
		if p, err = h.defaults.Apply(patch); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid params: %v", err)), nil
		}
	}

	minAction := decision.Action(strings.ToUpper(req.GetString("min_action", string(decision.ActionPass))))
	format := req.GetString("format", "text")

	if len(txs) == 0 || len(anchors) == 0 {
		return mcp.NewToolResultText("Nothing to analyze: both transactions and anchors must be non-empty."), nil
	}

	results, err := h.engine.Analyze(ctx, txs, anchors, p)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Analysis failed: %v", err)), nil
	}
	results = risk.Filter(results, minAction)

	if format == "json" {
		out, err := json.MarshalIndent(map[string]any{
			"results": results,
			"summary": risk.Summarize(results),
		}, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode results: %v", err)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Screened %d transaction(s) against %d anchor(s).\n", len(txs), len(anchors))
	if err := risk.WriteText(&sb, results); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleClassifyAddress reports an address's family.
func (h *Handlers) HandleClassifyAddress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr := strings.TrimSpace(req.GetString("address", ""))
	if addr == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	typ := address.Classify(addr)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Address: %s\n", addr)
	fmt.Fprintf(&sb, "Type: %s\n", typ)
	switch typ {
	case address.TypeEVM:
		fmt.Fprintf(&sb, "Checksum: %s\n", address.Checksum(addr))
	case address.TypeUnknown:
		sb.WriteString("Not a recognised EVM or Tron address; it will never be compared.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCompareAddresses scores one suspect/reference pair for trait 1.
func (h *Handlers) HandleCompareAddresses(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	suspect := strings.TrimSpace(req.GetString("suspect", ""))
	reference := strings.TrimSpace(req.GetString("reference", ""))
	if suspect == "" || reference == "" {
		return mcp.NewToolResultError("suspect and reference are required"), nil
	}

	st, rt := address.Classify(suspect), address.Classify(reference)
	if !address.Comparable(st, rt) {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Not comparable: suspect is %s, reference is %s. Only two EVM or two Tron addresses can be compared.", st, rt)), nil
	}
	if address.Equal(suspect, reference) {
		return mcp.NewToolResultText("The addresses are identical; this is the reference itself, not a look-alike."), nil
	}

	res := similarity.Match(suspect, reference, h.defaults.Similarity())
	prefix := address.PrefixMatchLen(suspect, reference)
	suffix := address.SuffixMatchLen(suspect, reference)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Suspect:   %s\n", risk.Mark(address.Checksum(suspect), prefix, suffix))
	fmt.Fprintf(&sb, "Reference: %s\n", risk.Mark(address.Checksum(reference), prefix, suffix))
	fmt.Fprintf(&sb, "Shared prefix: %d, shared suffix: %d\n", prefix, suffix)
	if res.Hit {
		fmt.Fprintf(&sb, "Look-alike: yes (%s, rule %s), strength %.3f\n",
			res.Evidence.MatchType, res.Evidence.PrimaryRule, res.Strength)
	} else {
		sb.WriteString("Look-alike: no\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDefaultParams returns the parameter document.
func (h *Handlers) HandleDefaultParams(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(h.defaults)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode params: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// decodeArg re-encodes a tool argument and hands it to a dataset decoder.
// A JSON string argument is taken as the encoded document itself.
func decodeArg[T any](args map[string]any, key string, decode func([]byte) ([]T, error)) ([]T, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("%s is required", key)
	}
	var raw []byte
	if s, isString := v.(string); isString {
		raw = []byte(s)
	} else {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", key, err)
		}
		raw = b
	}
	return decode(raw)
}

func formatJSON(raw []byte) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
