// Package workspace keeps named analysis workspaces. Each holds one
// transaction set, one anchor set and one params snapshot. Results are never
// stored: every read and every change recomputes them from the inputs.
package workspace

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/poisonguard/internal/dataset"
	"github.com/mbd888/poisonguard/internal/idgen"
	"github.com/mbd888/poisonguard/internal/params"
	"github.com/mbd888/poisonguard/internal/risk"
)

var (
	ErrNotFound = errors.New("workspace not found")
	ErrTooLarge = errors.New("dataset exceeds the configured limit")
)

// Workspace is the persisted input state.
type Workspace struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Transactions []dataset.Transaction `json:"transactions"`
	Anchors      []dataset.Anchor      `json:"anchors"`
	Params       params.Params         `json:"params"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// Info is a workspace without its datasets.
type Info struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	TransactionCount int           `json:"transactionCount"`
	AnchorCount      int           `json:"anchorCount"`
	Params           params.Params `json:"params"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Info summarises w.
func (w *Workspace) Info() Info {
	return Info{
		ID:               w.ID,
		Name:             w.Name,
		TransactionCount: len(w.Transactions),
		AnchorCount:      len(w.Anchors),
		Params:           w.Params,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
	}
}

func newID() string {
	return idgen.WithPrefix(idgen.PrefixWorkspace)
}

// State describes what a results view contains.
type State string

const (
	StateEmpty     State = "empty"      // a dataset is missing
	StateNoResults State = "no_results" // analysed, nothing flagged
	StateResults   State = "results"
)

// Report is the outcome of analysing a workspace.
type Report struct {
	Workspace string        `json:"workspace,omitempty"`
	State     State         `json:"state"`
	Results   []risk.Result `json:"results"`
	Summary   risk.Summary  `json:"summary"`
}

// Store persists workspaces.
type Store interface {
	Create(ctx context.Context, w *Workspace) error
	Get(ctx context.Context, id string) (*Workspace, error)
	Update(ctx context.Context, w *Workspace) error
}
