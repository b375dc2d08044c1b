package dataset

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/poisonguard/internal/address"
)

func TestDecodeTransactions(t *testing.T) {
	doc := `[
		{"counterparty_addr": "0xAbC0000000000000000000000000000000001234",
		 "token_amount": "0.0005", "caip2": "eip155:1",
		 "blockTimestamp": 1700000100, "nonce": 7, "tx_hash": "0xdead"},
		{"counterparty_addr": "TXYZ", "token_amount": 12.5, "caip_2": "tron:mainnet"}
	]`

	txs, err := DecodeTransactions([]byte(doc))
	require.NoError(t, err)
	require.Len(t, txs, 2)

	tx := txs[0]
	assert.Equal(t, "0xAbC0000000000000000000000000000000001234", tx.CounterpartyAddr)
	assert.Equal(t, "0.0005", tx.TokenAmount.String())
	assert.False(t, tx.TokenAmount.Numeric())
	assert.Equal(t, "eip155:1", tx.CAIP2)
	assert.Equal(t, "1700000100", tx.BlockTimestamp.String())
	assert.True(t, tx.BlockTimestamp.Numeric())
	assert.JSONEq(t, `7`, string(tx.Nonce))
	assert.JSONEq(t, `"0xdead"`, string(tx.Extra["tx_hash"]))
	assert.Equal(t, address.TypeEVM, tx.ChainType())

	tx = txs[1]
	assert.Equal(t, "tron:mainnet", tx.CAIP2, "caip_2 is accepted as the chain id")
	assert.Equal(t, "12.5", tx.TokenAmount.String())
	assert.True(t, tx.BlockTimestamp.IsZero())
	assert.Nil(t, tx.Extra, "caip_2 is consumed, not preserved")
	assert.Equal(t, address.TypeTron, tx.ChainType())
}

func TestDecodeAnchors(t *testing.T) {
	doc := `[
		{"anchor_to_addr": "0xaaaa", "caip2": "", "caip_2": "eip155:56", "blockTimestamp": "1700000000", "label": "exchange"},
		{"anchor_to_addr": "Tabc"}
	]`
	anchors, err := DecodeAnchors([]byte(doc))
	require.NoError(t, err)
	require.Len(t, anchors, 2)

	assert.Equal(t, "eip155:56", anchors[0].CAIP2, "empty caip2 falls back to caip_2")
	assert.Equal(t, "1700000000", anchors[0].BlockTimestamp.String())
	assert.JSONEq(t, `"exchange"`, string(anchors[0].Extra["label"]))

	assert.Equal(t, "", anchors[1].CAIP2)
	assert.Equal(t, address.TypeUnknown, anchors[1].ChainType())
}

func TestDecode_NotArray(t *testing.T) {
	for _, doc := range []string{`{"counterparty_addr": "0x1"}`, `"hello"`, `42`, ``, `null`} {
		_, err := DecodeTransactions([]byte(doc))
		require.Error(t, err, doc)
		assert.True(t, errors.Is(err, ErrNotArray), doc)

		var de *DecodeError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, -1, de.Index)
		assert.Equal(t, "transactions must be a JSON array", err.Error())
	}

	_, err := DecodeAnchors([]byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, "anchors must be a JSON array", err.Error())
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := DecodeTransactions([]byte(`[{"counterparty_addr": `))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotArray))
	assert.Contains(t, err.Error(), "invalid JSON")

	_, err = DecodeAnchors([]byte(`{oops`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestDecode_ElementErrorsReportIndex(t *testing.T) {
	_, err := DecodeTransactions([]byte(`[{"counterparty_addr": "0x1"}, {"counterparty_addr": 5}]`))
	require.Error(t, err)
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 1, de.Index)
	assert.Contains(t, err.Error(), "transactions[1]")
	assert.Contains(t, err.Error(), "counterparty_addr must be a string")

	_, err = DecodeTransactions([]byte(`[{"token_amount": {"v": 1}}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_amount must be a string or number")

	_, err = DecodeAnchors([]byte(`[[1, 2]]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anchors[0]")
}

func TestDecode_EmptyArray(t *testing.T) {
	txs, err := DecodeTransactions([]byte(` [] `))
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestTransaction_EncodeRenamesChainIDKey(t *testing.T) {
	txs, err := DecodeTransactions([]byte(`[{"counterparty_addr":"0x1","token_amount":"1","caip_2":"eip155:1","blockTimestamp":"17","nonce":{"n":1},"memo":"x"}]`))
	require.NoError(t, err)

	b, err := json.Marshal(txs[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"counterparty_addr": "0x1",
		"token_amount": "1",
		"caip2": "eip155:1",
		"blockTimestamp": "17",
		"nonce": {"n": 1},
		"memo": "x"
	}`, string(b))
}

func TestAnchor_EncodeKeepsNumbersNumeric(t *testing.T) {
	a := Anchor{AnchorToAddr: "Tabc", CAIP2: "tron:mainnet", BlockTimestamp: Number("1700000000")}
	b, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"anchor_to_addr":"Tabc","caip2":"tron:mainnet","blockTimestamp":1700000000}`, string(b))

	a.BlockTimestamp = Scalar{}
	b, err = json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"anchor_to_addr":"Tabc","caip2":"tron:mainnet"}`, string(b))
}

func TestScalar(t *testing.T) {
	var s Scalar
	require.NoError(t, json.Unmarshal([]byte(`null`), &s))
	assert.True(t, s.IsZero())
	assert.Equal(t, "", s.String())

	require.NoError(t, json.Unmarshal([]byte(`-1.5e3`), &s))
	assert.Equal(t, "-1.5e3", s.String())
	assert.True(t, s.Numeric())

	require.NoError(t, json.Unmarshal([]byte(`true`), &s))
	assert.Equal(t, "true", s.String())

	require.Error(t, json.Unmarshal([]byte(`[1]`), &s))

	assert.Equal(t, "abc", Text("abc").String())
	assert.False(t, Text("").IsZero())
}

func TestDecode_ChainIDValueKeptAsWritten(t *testing.T) {
	txs, err := DecodeTransactions([]byte(`[
		{"counterparty_addr":"0x1","caip2":"EIP155:1"},
		{"counterparty_addr":"0x2","caip_2":" eip155:1"},
		{"counterparty_addr":"0x3","caip2":"","caip_2":"tron:0x294270c5"}
	]`))
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "EIP155:1", txs[0].CAIP2)
	assert.Equal(t, " eip155:1", txs[1].CAIP2)
	assert.Equal(t, "tron:0x294270c5", txs[2].CAIP2)

	anchors, err := DecodeAnchors([]byte(`[{"anchor_to_addr":"0x1","caip_2":"Tron:mainnet "}]`))
	require.NoError(t, err)
	assert.Equal(t, "Tron:mainnet ", anchors[0].CAIP2)
}
