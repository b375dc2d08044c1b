package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/poisonguard/internal/dataset"
	"github.com/mbd888/poisonguard/internal/decision"
	"github.com/mbd888/poisonguard/internal/logging"
	"github.com/mbd888/poisonguard/internal/metrics"
	"github.com/mbd888/poisonguard/internal/params"
	"github.com/mbd888/poisonguard/internal/realtime"
	"github.com/mbd888/poisonguard/internal/risk"
	"github.com/mbd888/poisonguard/internal/syncutil"
	"github.com/mbd888/poisonguard/internal/traces"
	"github.com/mbd888/poisonguard/internal/validation"
)

// Analyzer runs the risk engine.
type Analyzer interface {
	Analyze(ctx context.Context, txs []dataset.Transaction, anchors []dataset.Anchor, p params.Params) ([]risk.Result, error)
}

// EventPublisher receives change notifications (realtime hub).
type EventPublisher interface {
	Publish(workspace string, typ realtime.EventType, severity decision.Action, data any)
}

// AlertNotifier forwards flagged results to an alert sink.
type AlertNotifier interface {
	Notify(ctx context.Context, workspace string, results []risk.Result) (int, error)
}

// Config bounds dataset sizes and analysis time. Zero values disable the
// corresponding limit.
type Config struct {
	MaxTransactions int
	MaxAnchors      int
	Timeout         time.Duration
}

// Service implements workspace operations. Mutations of one workspace are
// serialised; analysis runs on a consistent snapshot of its inputs.
type Service struct {
	store    Store
	engine   Analyzer
	defaults params.Params
	cfg      Config
	logger   *slog.Logger
	locks    *syncutil.KeyLock
	events   EventPublisher
	alerts   AlertNotifier
	now      func() time.Time
}

// NewService creates a workspace service. defaults seeds new workspaces and
// the reset operation.
func NewService(store Store, engine Analyzer, defaults params.Params, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		defaults: defaults.Clone(),
		cfg:      cfg,
		logger:   logger,
		locks:    syncutil.NewKeyLock(0),
		now:      time.Now,
	}
}

// WithEvents attaches a realtime publisher.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithAlerts attaches an alert notifier.
func (s *Service) WithAlerts(n AlertNotifier) *Service {
	s.alerts = n
	return s
}

// Defaults returns a copy of the engine defaults.
func (s *Service) Defaults() params.Params {
	return s.defaults.Clone()
}

// Create makes an empty workspace holding the default params.
func (s *Service) Create(ctx context.Context, name string) (*Workspace, error) {
	name = strings.TrimSpace(name)
	if errs := validation.Validate(validation.MaxLength("name", name, 200)); len(errs) > 0 {
		return nil, errs
	}
	now := s.now().UTC()
	w := &Workspace{
		ID:        newID(),
		Name:      name,
		Params:    s.defaults.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	metrics.Workspaces.Inc()
	logging.L(ctx).Info("workspace created", "workspace", w.ID, "name", w.Name)
	return w, nil
}

// Get returns a workspace.
func (s *Service) Get(ctx context.Context, id string) (*Workspace, error) {
	return s.store.Get(ctx, id)
}

// Params returns a workspace's current params.
func (s *Service) Params(ctx context.Context, id string) (params.Params, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return params.Params{}, err
	}
	return w.Params, nil
}

// LoadTransactions decodes raw and replaces the transaction set. A payload
// that fails to decode or exceeds the limit leaves the stored set untouched.
func (s *Service) LoadTransactions(ctx context.Context, id string, raw []byte) (*Report, error) {
	txs, err := dataset.DecodeTransactions(raw)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxTransactions > 0 && len(txs) > s.cfg.MaxTransactions {
		return nil, fmt.Errorf("%d transactions (max %d): %w", len(txs), s.cfg.MaxTransactions, ErrTooLarge)
	}
	return s.mutate(ctx, id, realtime.EventDatasetLoaded, map[string]any{"kind": "transactions", "count": len(txs)},
		func(w *Workspace) error {
			w.Transactions = txs
			return nil
		})
}

// LoadAnchors decodes raw and replaces the anchor set.
func (s *Service) LoadAnchors(ctx context.Context, id string, raw []byte) (*Report, error) {
	anchors, err := dataset.DecodeAnchors(raw)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxAnchors > 0 && len(anchors) > s.cfg.MaxAnchors {
		return nil, fmt.Errorf("%d anchors (max %d): %w", len(anchors), s.cfg.MaxAnchors, ErrTooLarge)
	}
	return s.mutate(ctx, id, realtime.EventDatasetLoaded, map[string]any{"kind": "anchors", "count": len(anchors)},
		func(w *Workspace) error {
			w.Anchors = anchors
			return nil
		})
}

// ClearTransactions empties the transaction set.
func (s *Service) ClearTransactions(ctx context.Context, id string) (*Report, error) {
	return s.mutate(ctx, id, realtime.EventDatasetCleared, map[string]any{"kind": "transactions"},
		func(w *Workspace) error {
			w.Transactions = nil
			return nil
		})
}

// ClearAnchors empties the anchor set.
func (s *Service) ClearAnchors(ctx context.Context, id string) (*Report, error) {
	return s.mutate(ctx, id, realtime.EventDatasetCleared, map[string]any{"kind": "anchors"},
		func(w *Workspace) error {
			w.Anchors = nil
			return nil
		})
}

// ReplaceParams swaps in a complete params document after validating it.
func (s *Service) ReplaceParams(ctx context.Context, id string, p params.Params) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, realtime.EventParamsUpdated, map[string]any{"op": "replace"},
		func(w *Workspace) error {
			w.Params = p.Clone()
			return nil
		})
}

// PatchParams applies a partial update. A null value restores that key's
// default. The patch is all-or-nothing.
func (s *Service) PatchParams(ctx context.Context, id string, patch map[string]json.RawMessage) (*Report, error) {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	return s.mutate(ctx, id, realtime.EventParamsUpdated, map[string]any{"op": "patch", "keys": keys},
		func(w *Workspace) error {
			next, err := w.Params.Apply(patch)
			if err != nil {
				return err
			}
			w.Params = next
			return nil
		})
}

// ResetParams restores the defaults.
func (s *Service) ResetParams(ctx context.Context, id string) (*Report, error) {
	return s.mutate(ctx, id, realtime.EventParamsUpdated, map[string]any{"op": "reset"},
		func(w *Workspace) error {
			w.Params = s.defaults.Clone()
			return nil
		})
}

// Results recomputes the analysis of the stored inputs.
func (s *Service) Results(ctx context.Context, id string) (*Report, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, w)
}

// Analyze scores an ad-hoc input set without touching any workspace.
func (s *Service) Analyze(ctx context.Context, txs []dataset.Transaction, anchors []dataset.Anchor, p params.Params) (*Report, error) {
	if s.cfg.MaxTransactions > 0 && len(txs) > s.cfg.MaxTransactions {
		return nil, fmt.Errorf("%d transactions (max %d): %w", len(txs), s.cfg.MaxTransactions, ErrTooLarge)
	}
	if s.cfg.MaxAnchors > 0 && len(anchors) > s.cfg.MaxAnchors {
		return nil, fmt.Errorf("%d anchors (max %d): %w", len(anchors), s.cfg.MaxAnchors, ErrTooLarge)
	}
	return s.analyze(ctx, "", txs, anchors, p)
}

// mutate applies fn to the stored workspace under its lock, persists it and
// re-runs analysis. Nothing is persisted when fn or the store fails.
func (s *Service) mutate(ctx context.Context, id string, typ realtime.EventType, data map[string]any, fn func(*Workspace) error) (*Report, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(w); err != nil {
		return nil, err
	}
	w.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, w); err != nil {
		return nil, fmt.Errorf("update workspace %s: %w", id, err)
	}
	logging.L(ctx).Info("workspace updated",
		"workspace", id,
		"event", string(typ),
		"transactions", len(w.Transactions),
		"anchors", len(w.Anchors),
	)
	s.publish(id, typ, "", data)

	return s.run(ctx, w)
}

// run analyses a workspace and fans the outcome out to events and alerts.
func (s *Service) run(ctx context.Context, w *Workspace) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "workspace.Analyze", traces.WorkspaceID(w.ID))
	defer span.End()

	report, err := s.analyze(ctx, w.ID, w.Transactions, w.Anchors, w.Params)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if report.State == StateEmpty {
		return report, nil
	}

	s.publish(w.ID, realtime.EventAnalysisCompleted, report.Summary.HighestAction, report.Summary)
	if s.alerts != nil && len(report.Results) > 0 {
		if _, err := s.alerts.Notify(ctx, w.ID, report.Results); err != nil {
			// Alert delivery is best effort; the analysis itself succeeded.
			logging.L(ctx).Warn("alert delivery failed", "workspace", w.ID, "error", err)
		}
	}
	return report, nil
}

func (s *Service) analyze(ctx context.Context, id string, txs []dataset.Transaction, anchors []dataset.Anchor, p params.Params) (*Report, error) {
	report := &Report{Workspace: id, Results: []risk.Result{}}
	if len(txs) == 0 || len(anchors) == 0 {
		report.State = StateEmpty
		report.Summary = risk.Summarize(nil)
		return report, nil
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	start := s.now()
	results, err := s.engine.Analyze(ctx, txs, anchors, p)
	if err != nil {
		return nil, err
	}

	report.Results = results
	report.Summary = risk.Summarize(results)
	report.State = StateResults
	if len(results) == 0 {
		report.State = StateNoResults
	}
	logging.L(ctx).Info("analysis finished",
		"workspace", id,
		"transactions", len(txs),
		"anchors", len(anchors),
		"results", len(results),
		"duration_ms", s.now().Sub(start).Milliseconds(),
	)
	return report, nil
}

func (s *Service) publish(id string, typ realtime.EventType, severity decision.Action, data any) {
	if s.events != nil {
		s.events.Publish(id, typ, severity, data)
	}
}
