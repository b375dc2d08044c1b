package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/poisonguard/internal/address"
	"github.com/mbd888/poisonguard/internal/amount"
	"github.com/mbd888/poisonguard/internal/dataset"
	"github.com/mbd888/poisonguard/internal/decision"
	"github.com/mbd888/poisonguard/internal/idgen"
	"github.com/mbd888/poisonguard/internal/logging"
	"github.com/mbd888/poisonguard/internal/metrics"
	"github.com/mbd888/poisonguard/internal/params"
	"github.com/mbd888/poisonguard/internal/similarity"
	"github.com/mbd888/poisonguard/internal/temporal"
	"github.com/mbd888/poisonguard/internal/traces"
)

const (
	// DefaultWorkers bounds concurrent evaluation goroutines.
	DefaultWorkers = 8

	// chunkSize is the number of transactions one goroutine evaluates
	// before yielding to the next chunk.
	chunkSize = 256
)

// Engine evaluates transaction sets. It holds no per-run state and is safe
// for concurrent use.
type Engine struct {
	workers int
}

// NewEngine creates an analysis engine with DefaultWorkers.
func NewEngine() *Engine {
	return &Engine{workers: DefaultWorkers}
}

// WithWorkers overrides the worker bound. Values below 1 are ignored.
func (e *Engine) WithWorkers(n int) *Engine {
	if n >= 1 {
		e.workers = n
	}
	return e
}

// snapshot is the per-run projection of params, built once and shared
// read-only by every worker.
type snapshot struct {
	sim         similarity.Params
	temporal    temporal.Params
	model       decision.Model
	threshold   float64
	anchors     []dataset.Anchor
	anchorTypes []address.Type
}

// Analyze scores every transaction against the anchors and returns the
// flagged ones, most confident first. Equal confidences keep input order.
// The params snapshot is validated before any work starts.
func (e *Engine) Analyze(ctx context.Context, txs []dataset.Transaction, anchors []dataset.Anchor, p params.Params) ([]Result, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	runID := idgen.WithPrefix(idgen.PrefixRun)
	ctx, span := traces.StartSpan(ctx, "risk.Analyze",
		traces.RunID(runID),
		traces.Transactions(len(txs)),
		traces.Anchors(len(anchors)),
	)
	defer span.End()

	start := time.Now()
	snap := &snapshot{
		sim:         p.Similarity(),
		temporal:    p.Temporal(),
		model:       p.Model(),
		threshold:   p.AmountThreshold,
		anchors:     anchors,
		anchorTypes: make([]address.Type, len(anchors)),
	}
	for i := range anchors {
		snap.anchorTypes[i] = anchors[i].ChainType()
	}

	slots := make([]*Result, len(txs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for lo := 0; lo < len(txs); lo += chunkSize {
		hi := min(lo+chunkSize, len(txs))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				slots[i] = snap.evaluate(&txs[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		outcome := "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "canceled"
		}
		metrics.AnalysesTotal.WithLabelValues(outcome).Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("analysis %s: %w", runID, err)
	}

	results := make([]Result, 0, len(txs)/4)
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	sortByConfidence(results)

	elapsed := time.Since(start)
	metrics.AnalysesTotal.WithLabelValues("ok").Inc()
	metrics.AnalysisDuration.Observe(elapsed.Seconds())
	observeResults(results)
	span.SetAttributes(traces.Results(len(results)))

	logging.L(ctx).Debug("analysis complete",
		"run_id", runID,
		"transactions", len(txs),
		"anchors", len(anchors),
		"results", len(results),
		"duration_ms", elapsed.Milliseconds(),
	)
	return results, nil
}

// evaluate scores one transaction. It returns nil when no trait fired.
//
// Anchors are scanned in input order. The first anchor whose address hits
// trait 1 ends the scan, and trait 3 is then taken from that same anchor
// when both timestamps are present. Anchors that miss trait 1 still feed a
// running maximum of trait 3.
func (s *snapshot) evaluate(tx *dataset.Transaction) *Result {
	txType := tx.ChainType()
	amt := amount.Check(tx.TokenAmount.String(), s.threshold)
	txTS := tx.BlockTimestamp.String()

	var (
		t1Anchor, t3Anchor *dataset.Anchor
		t1Evidence         *similarity.Evidence
		t3Evidence         *temporal.Evidence
		s1, s3             float64
	)

	if txType != address.TypeUnknown {
		for i := range s.anchors {
			if s.anchorTypes[i] != txType {
				continue
			}
			anchor := &s.anchors[i]
			anchorTS := anchor.BlockTimestamp.String()
			bothTimestamps := txTS != "" && anchorTS != ""

			m := similarity.Match(tx.CounterpartyAddr, anchor.AnchorToAddr, s.sim)
			if m.Hit {
				t1Anchor, t1Evidence, s1 = anchor, m.Evidence, m.Strength
				if bothTimestamps {
					tr := temporal.Score(anchorTS, txTS, s.temporal)
					t3Anchor, t3Evidence, s3 = anchor, tr.Evidence, tr.Strength
				}
				break
			}

			if bothTimestamps {
				tr := temporal.Score(anchorTS, txTS, s.temporal)
				if tr.Strength > s3 {
					t3Anchor, t3Evidence, s3 = anchor, tr.Evidence, tr.Strength
				}
			}
		}
	}

	s2 := amt.Strength()
	if s1 <= 0 && s2 != 1 && s3 <= 0 {
		return nil
	}

	r := &Result{
		Transaction:    *tx,
		S1:             s1,
		S2:             s2,
		S3:             s3,
		Trait1Evidence: t1Evidence,
		Trait2Evidence: amt.Evidence,
		Trait3Evidence: t3Evidence,
		Decision:       decision.Decide(s1, s2, s3, s.model),
	}
	switch {
	case t1Anchor != nil:
		r.Anchor = t1Anchor
	case t3Anchor != nil:
		r.Anchor = t3Anchor
	}
	if t1Evidence != nil {
		r.Highlight = &Highlight{Prefix: t1Evidence.PrefixLen, Suffix: t1Evidence.SuffixLen}
	}
	return r
}

func observeResults(results []Result) {
	for _, r := range results {
		metrics.ResultsTotal.WithLabelValues(string(r.Decision.Action)).Inc()
		if r.S1 > 0 {
			metrics.TraitHitsTotal.WithLabelValues("address").Inc()
		}
		if r.S2 == 1 {
			metrics.TraitHitsTotal.WithLabelValues("amount").Inc()
		}
		if r.S3 > 0 {
			metrics.TraitHitsTotal.WithLabelValues("time").Inc()
		}
	}
}
