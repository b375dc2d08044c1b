package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the poisonguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAnalyzeTransactions = mcp.NewTool("analyze_transactions",
	mcp.WithDescription(
		"Screen incoming token transfers for address-poisoning attacks. "+
			"Each transaction is compared with the wallet's known counterparties (anchors) for a look-alike address, "+
			"a dust amount and suspicious timing. Returns flagged transfers ranked by confidence with a "+
			"PASS/REMINDER/WARNING/BLOCK action."),
	mcp.WithArray("transactions",
		mcp.Required(),
		mcp.Description("Transfers to screen. Each item: {counterparty_addr, token_amount, caip2, blockTimestamp?}. "+
			"caip2 is the chain id such as 'eip155:1' or 'tron:mainnet'."),
		mcp.Items(map[string]any{"type": "object"})),
	mcp.WithArray("anchors",
		mcp.Required(),
		mcp.Description("Trusted counterparties the wallet has paid before. Each item: {anchor_to_addr, caip2, blockTimestamp?}."),
		mcp.Items(map[string]any{"type": "object"})),
	mcp.WithObject("params",
		mcp.Description("Optional parameter overrides, e.g. {\"amount_threshold\": 5, \"w1\": 2.5}. See default_params for keys.")),
	mcp.WithString("min_action",
		mcp.Description("Only report results at or above this action (default PASS)"),
		mcp.Enum("PASS", "REMINDER", "WARNING", "BLOCK")),
	mcp.WithString("format",
		mcp.Description("'text' for a readable report (default) or 'json' for the full evidence"),
		mcp.Enum("text", "json")),
)

var ToolClassifyAddress = mcp.NewTool("classify_address",
	mcp.WithDescription(
		"Identify whether an address is EVM (0x + 40 hex) or Tron (T + 33 chars) by its shape. "+
			"EVM addresses are also returned in EIP-55 checksum form. No on-chain lookup is made."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Address to classify")),
)

var ToolCompareAddresses = mcp.NewTool("compare_addresses",
	mcp.WithDescription(
		"Check whether a suspect address imitates a reference address by sharing its leading and trailing characters. "+
			"Returns the matched prefix/suffix lengths and the look-alike strength between 0 and 1."),
	mcp.WithString("suspect",
		mcp.Required(),
		mcp.Description("Address that may be a look-alike")),
	mcp.WithString("reference",
		mcp.Required(),
		mcp.Description("Known legitimate address")),
)

var ToolDefaultParams = mcp.NewTool("default_params",
	mcp.WithDescription(
		"Show the default analysis parameters: model weights, decision cutoffs, similarity windows, "+
			"timing window and dust threshold."),
)
