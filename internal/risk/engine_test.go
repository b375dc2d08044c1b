package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/poisonguard/internal/address"
	"github.com/mbd888/poisonguard/internal/dataset"
	"github.com/mbd888/poisonguard/internal/decision"
	"github.com/mbd888/poisonguard/internal/params"
	"github.com/mbd888/poisonguard/internal/similarity"
	"github.com/mbd888/poisonguard/internal/temporal"
)

const (
	evmChain  = "eip155:1"
	tronChain = "tron:mainnet"
)

var evmRef = "0x" + strings.Repeat("a", 40)

// evmLike shares n hex chars after "0x" and m trailing chars with evmRef.
func evmLike(n, m int) string {
	return "0x" + strings.Repeat("a", n) + strings.Repeat("b", 40-n-m) + strings.Repeat("a", m)
}

func tx(addr, amt, caip2, ts string) dataset.Transaction {
	t := dataset.Transaction{CounterpartyAddr: addr, TokenAmount: dataset.Text(amt), CAIP2: caip2}
	if ts != "" {
		t.BlockTimestamp = dataset.Text(ts)
	}
	return t
}

func anchor(addr, caip2, ts string) dataset.Anchor {
	a := dataset.Anchor{AnchorToAddr: addr, CAIP2: caip2}
	if ts != "" {
		a.BlockTimestamp = dataset.Text(ts)
	}
	return a
}

func analyze(t *testing.T, txs []dataset.Transaction, anchors []dataset.Anchor) []Result {
	t.Helper()
	results, err := NewEngine().Analyze(context.Background(), txs, anchors, params.Defaults())
	require.NoError(t, err)
	return results
}

func TestAnalyze_SimilarDustTransferBlocks(t *testing.T) {
	results := analyze(t,
		[]dataset.Transaction{tx(evmLike(10, 10), "0.0001", evmChain, "")},
		[]dataset.Anchor{anchor(evmRef, evmChain, "")},
	)
	require.Len(t, results, 1)
	r := results[0]

	assert.Equal(t, 1.0, r.S1)
	assert.Equal(t, 1.0, r.S2)
	assert.Equal(t, 0.0, r.S3)
	assert.InDelta(t, 4.5, r.Decision.Z, 1e-12)
	assert.InDelta(t, 0.989, r.Decision.Confidence, 0.001)
	assert.Equal(t, "L3", r.Decision.Level)
	assert.Equal(t, decision.ActionBlock, r.Decision.Action)

	require.NotNil(t, r.Anchor)
	assert.Equal(t, evmRef, r.Anchor.AnchorToAddr)
	require.NotNil(t, r.Trait1Evidence)
	require.NotNil(t, r.Trait2Evidence)
	assert.Nil(t, r.Trait3Evidence, "no timestamps, no trait-3 evidence")

	require.NotNil(t, r.Highlight)
	assert.Equal(t, 12, r.Highlight.Prefix)
	assert.Equal(t, 10, r.Highlight.Suffix)
}

func TestAnalyze_FirstTrait1MatchWins(t *testing.T) {
	candidate := evmLike(0, 4)
	stronger := "0x" + strings.Repeat("b", 35) + "c" + strings.Repeat("a", 4)

	results := analyze(t,
		[]dataset.Transaction{tx(candidate, "5", evmChain, "")},
		[]dataset.Anchor{
			anchor(evmRef, evmChain, ""),
			anchor(stronger, evmChain, ""),
		},
	)
	require.Len(t, results, 1)
	r := results[0]

	assert.Equal(t, evmRef, r.Anchor.AnchorToAddr, "scan stops at the first hit")
	assert.InDelta(t, 0.65, r.S1, 1e-12)
	assert.Equal(t, similarity.RuleA, r.Trait1Evidence.PrimaryRule)
	assert.Equal(t, decision.ActionWarning, r.Decision.Action)
}

func TestAnalyze_Trait3FollowsTrait1Anchor(t *testing.T) {
	unrelated := "0x" + strings.Repeat("c", 40)

	results := analyze(t,
		[]dataset.Transaction{tx(evmLike(10, 10), "5", evmChain, "1000100")},
		[]dataset.Anchor{
			anchor(unrelated, evmChain, "1000040"), // 60s earlier: s3 would be 1
			anchor(evmRef, evmChain, "900000"),     // hit, but far in the past
		},
	)
	require.Len(t, results, 1)
	r := results[0]

	assert.Equal(t, evmRef, r.Anchor.AnchorToAddr)
	assert.Equal(t, 0.0, r.S3, "trait 3 comes from the trait-1 anchor")
	require.NotNil(t, r.Trait3Evidence)
	require.NotNil(t, r.Trait3Evidence.DeltaSeconds)
	assert.Equal(t, 100100.0, *r.Trait3Evidence.DeltaSeconds)
}

func TestAnalyze_Trait1AnchorWithoutTimestampKeepsRunningTrait3(t *testing.T) {
	unrelated := "0x" + strings.Repeat("c", 40)

	results := analyze(t,
		[]dataset.Transaction{tx(evmLike(10, 10), "5", evmChain, "1000100")},
		[]dataset.Anchor{
			anchor(unrelated, evmChain, "1000040"),
			anchor(evmRef, evmChain, ""),
		},
	)
	require.Len(t, results, 1)
	r := results[0]

	assert.Equal(t, evmRef, r.Anchor.AnchorToAddr, "trait-1 anchor takes precedence")
	assert.Equal(t, 1.0, r.S3)
	require.NotNil(t, r.Trait3Evidence)
	assert.Equal(t, 1000040.0, *r.Trait3Evidence.TAnchor)
}

func TestAnalyze_Trait3Only(t *testing.T) {
	a := "0x" + strings.Repeat("c", 40)
	b := "0x" + strings.Repeat("d", 40)
	candidate := "0x" + strings.Repeat("e", 40)

	results := analyze(t,
		[]dataset.Transaction{tx(candidate, "5", evmChain, "2000")},
		[]dataset.Anchor{
			anchor(a, evmChain, "1950"), // s3 = 1
			anchor(b, evmChain, "1990"), // s3 = 1, not strictly greater
		},
	)
	require.Len(t, results, 1)
	r := results[0]

	assert.Equal(t, 0.0, r.S1)
	assert.Equal(t, 1.0, r.S3)
	assert.Equal(t, a, r.Anchor.AnchorToAddr, "ties keep the earlier anchor")
	assert.Nil(t, r.Trait1Evidence)
	assert.Nil(t, r.Highlight)
	assert.InDelta(t, 1/(1+math.Exp(1.2)), r.Decision.Confidence, 1e-12)
	assert.Equal(t, decision.ActionPass, r.Decision.Action)
}

func TestAnalyze_Trait3PicksStrongest(t *testing.T) {
	a := "0x" + strings.Repeat("c", 40)
	b := "0x" + strings.Repeat("d", 40)
	candidate := "0x" + strings.Repeat("e", 40)

	results := analyze(t,
		[]dataset.Transaction{tx(candidate, "5", evmChain, "20000")},
		[]dataset.Anchor{
			anchor(a, evmChain, "10000"),
			anchor(b, evmChain, "19000"),
		},
	)
	require.Len(t, results, 1)
	assert.Equal(t, b, results[0].Anchor.AnchorToAddr)
	want := math.Exp(-temporal.DefaultK * (1000.0 - temporal.DefaultTMin) / (temporal.DefaultTMax - temporal.DefaultTMin))
	assert.InDelta(t, want, results[0].S3, 1e-12)
}

func TestAnalyze_SameChainFamilyOnly(t *testing.T) {
	tronRef := "T" + strings.Repeat("c", 33)
	tronCandidate := "T" + strings.Repeat("c", 10) + strings.Repeat("d", 13) + strings.Repeat("c", 10)

	results := analyze(t,
		[]dataset.Transaction{
			tx(evmLike(10, 10), "5", tronChain, ""),      // EVM-shaped address on a tron chain
			tx(tronCandidate, "5", tronChain, ""),        // genuine tron look-alike
			tx(evmLike(10, 10), "5", "solana:mainnet", ""), // unknown family
		},
		[]dataset.Anchor{
			anchor(evmRef, evmChain, ""),
			anchor(tronRef, tronChain, ""),
		},
	)
	require.Len(t, results, 1)
	assert.Equal(t, tronCandidate, results[0].Transaction.CounterpartyAddr)
	assert.Equal(t, tronRef, results[0].Anchor.AnchorToAddr)
	assert.Equal(t, 1.0, results[0].S1)
}

func TestAnalyze_ChainIDIsCaseSensitive(t *testing.T) {
	txs, err := dataset.DecodeTransactions([]byte(`[{"counterparty_addr":"` + evmLike(10, 10) + `","token_amount":"5","caip2":"EIP155:1"}]`))
	require.NoError(t, err)
	anchors, err := dataset.DecodeAnchors([]byte(`[{"anchor_to_addr":"` + evmRef + `","caip2":" eip155:1"}]`))
	require.NoError(t, err)

	assert.Equal(t, address.TypeUnknown, txs[0].ChainType())
	assert.Equal(t, address.TypeUnknown, anchors[0].ChainType())
	assert.Empty(t, analyze(t, txs, anchors))

	// Well-formed anchor, mis-cased candidate chain.
	anchors[0].CAIP2 = evmChain
	assert.Empty(t, analyze(t, txs, anchors))
}

func TestAnalyze_AmountOnlyHasNoAnchor(t *testing.T) {
	results := analyze(t,
		[]dataset.Transaction{tx(evmLike(0, 0), "0.0001", "", "")},
		[]dataset.Anchor{anchor(evmRef, evmChain, "")},
	)
	require.Len(t, results, 1)
	r := results[0]
	assert.Nil(t, r.Anchor)
	assert.Equal(t, 1.0, r.S2)
	assert.InDelta(t, 1/(1+math.Exp(0.5)), r.Decision.Confidence, 1e-12)
	assert.Equal(t, decision.ActionWarning, r.Decision.Action)
}

func TestAnalyze_NothingFlagged(t *testing.T) {
	results := analyze(t,
		[]dataset.Transaction{
			tx(evmLike(0, 0), "250", evmChain, "5000"),
			tx(evmRef, "250", evmChain, "5000"), // identical address is not a look-alike
			tx(evmLike(3, 2), "abc", evmChain, ""),
		},
		[]dataset.Anchor{anchor(evmRef, evmChain, "1000000")},
	)
	assert.Empty(t, results)
	assert.NotNil(t, results)
}

func TestAnalyze_EmptyInputs(t *testing.T) {
	assert.Empty(t, analyze(t, nil, nil))
	assert.Empty(t, analyze(t, []dataset.Transaction{tx(evmLike(10, 10), "5", evmChain, "")}, nil))
}

func TestAnalyze_SortedByConfidenceStable(t *testing.T) {
	txs := []dataset.Transaction{
		tx("0x"+strings.Repeat("1", 40), "0.0001", evmChain, ""), // amount only
		tx(evmLike(10, 10), "0.0001", evmChain, ""),              // address + amount
		tx("0x"+strings.Repeat("2", 40), "0.0001", evmChain, ""), // amount only
		tx(evmLike(0, 4), "5", evmChain, ""),                     // weak address
	}
	results := analyze(t, txs, []dataset.Anchor{anchor(evmRef, evmChain, "")})
	require.Len(t, results, 4)

	assert.Equal(t, txs[1].CounterpartyAddr, results[0].Transaction.CounterpartyAddr)
	assert.Equal(t, txs[3].CounterpartyAddr, results[1].Transaction.CounterpartyAddr)
	assert.Equal(t, txs[0].CounterpartyAddr, results[2].Transaction.CounterpartyAddr)
	assert.Equal(t, txs[2].CounterpartyAddr, results[3].Transaction.CounterpartyAddr)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Decision.Confidence, results[i].Decision.Confidence)
	}
}

func TestAnalyze_ParallelMatchesSequential(t *testing.T) {
	var txs []dataset.Transaction
	for i := 0; i < 2000; i++ {
		n, m := i%12, (i/12)%12
		amt := "5"
		if i%7 == 0 {
			amt = "0.0005"
		}
		txs = append(txs, tx(evmLike(n, m), amt, evmChain, fmt.Sprint(1_000_000+i)))
	}
	anchors := []dataset.Anchor{
		anchor(evmRef, evmChain, "1000500"),
		anchor("0x"+strings.Repeat("f", 40), evmChain, "999000"),
	}

	seq, err := NewEngine().WithWorkers(1).Analyze(context.Background(), txs, anchors, params.Defaults())
	require.NoError(t, err)
	par, err := NewEngine().WithWorkers(16).Analyze(context.Background(), txs, anchors, params.Defaults())
	require.NoError(t, err)

	require.Equal(t, len(seq), len(par))
	for i := range seq {
		assert.Equal(t, seq[i].Transaction.CounterpartyAddr, par[i].Transaction.CounterpartyAddr)
		assert.Equal(t, seq[i].Decision, par[i].Decision)
	}
}

func TestAnalyze_CustomParams(t *testing.T) {
	p := params.Defaults()
	p.AmountThreshold = 10
	results, err := NewEngine().Analyze(context.Background(),
		[]dataset.Transaction{tx(evmLike(0, 0), "5", evmChain, "")}, nil, p)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 10.0, results[0].Trait2Evidence.Threshold)
}

func TestAnalyze_InvalidParams(t *testing.T) {
	p := params.Defaults()
	p.S0 = 2
	_, err := NewEngine().Analyze(context.Background(), nil, nil, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid params")
}

func TestAnalyze_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine().Analyze(ctx,
		[]dataset.Transaction{tx(evmLike(10, 10), "5", evmChain, "")},
		[]dataset.Anchor{anchor(evmRef, evmChain, "")},
		params.Defaults())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestResult_JSON(t *testing.T) {
	results := analyze(t,
		[]dataset.Transaction{tx(evmLike(10, 10), "0.0001", evmChain, "")},
		[]dataset.Anchor{anchor(evmRef, evmChain, "")},
	)
	require.Len(t, results, 1)

	b, err := json.Marshal(results[0])
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &m))
	for _, k := range []string{"transaction", "anchor", "s1", "s2", "s3",
		"trait1_evidence", "trait2_evidence", "trait3_evidence", "decision", "highlight"} {
		assert.Contains(t, m, k)
	}
	assert.JSONEq(t, "null", string(m["trait3_evidence"]))
	assert.JSONEq(t, `{"prefix":12,"suffix":10}`, string(m["highlight"]))
}

func TestSummarizeAndFilter(t *testing.T) {
	mk := func(a decision.Action, c float64) Result {
		return Result{Decision: decision.Decision{Action: a, Confidence: c}}
	}
	results := []Result{
		mk(decision.ActionBlock, 0.9),
		mk(decision.ActionWarning, 0.5),
		mk(decision.ActionWarning, 0.4),
		mk(decision.ActionPass, 0.2),
	}

	s := Summarize(results)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.ByAction[decision.ActionWarning])
	assert.Equal(t, 0.9, s.MaxConfidence)
	assert.Equal(t, decision.ActionBlock, s.HighestAction)

	assert.Len(t, Filter(results, decision.ActionWarning), 3)
	assert.Len(t, Filter(results, decision.ActionBlock), 1)

	empty := Summarize(nil)
	assert.Equal(t, 0, empty.Total)
	assert.Equal(t, decision.Action(""), empty.HighestAction)
}
