package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/poisonguard/internal/dataset"
	"github.com/mbd888/poisonguard/internal/logging"
	"github.com/mbd888/poisonguard/internal/params"
	"github.com/mbd888/poisonguard/internal/validation"
)

// Handler provides HTTP endpoints for workspaces and stateless analysis.
type Handler struct {
	service *Service
}

// NewHandler creates a new workspace handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up workspace and analysis endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/analyze", h.Analyze)
	r.GET("/params/defaults", h.DefaultParams)

	ws := r.Group("/workspaces")
	ws.POST("", h.CreateWorkspace)
	ws.GET("/:id", h.GetWorkspace)
	ws.PUT("/:id/transactions", h.LoadTransactions)
	ws.DELETE("/:id/transactions", h.ClearTransactions)
	ws.PUT("/:id/anchors", h.LoadAnchors)
	ws.DELETE("/:id/anchors", h.ClearAnchors)
	ws.GET("/:id/params", h.GetParams)
	ws.PUT("/:id/params", h.ReplaceParams)
	ws.PATCH("/:id/params", h.PatchParams)
	ws.DELETE("/:id/params", h.ResetParams)
	ws.GET("/:id/results", h.GetResults)
}

// CreateWorkspaceRequest is the body of POST /v1/workspaces.
type CreateWorkspaceRequest struct {
	Name string `json:"name"`
}

// AnalyzeRequest is the body of POST /v1/analyze. Params overlays the
// service defaults key by key.
type AnalyzeRequest struct {
	Transactions json.RawMessage            `json:"transactions"`
	Anchors      json.RawMessage            `json:"anchors"`
	Params       map[string]json.RawMessage `json:"params,omitempty"`
}

// CreateWorkspace handles POST /v1/workspaces
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req CreateWorkspaceRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Request body must be a JSON object",
			})
			return
		}
	}

	w, err := h.service.Create(c.Request.Context(), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workspace": w.Info()})
}

// GetWorkspace handles GET /v1/workspaces/:id
func (h *Handler) GetWorkspace(c *gin.Context) {
	w, err := h.service.Get(workspaceContext(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace": w.Info()})
}

// LoadTransactions handles PUT /v1/workspaces/:id/transactions
func (h *Handler) LoadTransactions(c *gin.Context) {
	h.load(c, h.service.LoadTransactions)
}

// LoadAnchors handles PUT /v1/workspaces/:id/anchors
func (h *Handler) LoadAnchors(c *gin.Context) {
	h.load(c, h.service.LoadAnchors)
}

func (h *Handler) load(c *gin.Context, fn func(ctx context.Context, id string, raw []byte) (*Report, error)) {
	raw, err := c.GetRawData()
	if err != nil {
		respondError(c, err)
		return
	}
	report, err := fn(workspaceContext(c), c.Param("id"), raw)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ClearTransactions handles DELETE /v1/workspaces/:id/transactions
func (h *Handler) ClearTransactions(c *gin.Context) {
	h.respondReport(c)(h.service.ClearTransactions(workspaceContext(c), c.Param("id")))
}

// ClearAnchors handles DELETE /v1/workspaces/:id/anchors
func (h *Handler) ClearAnchors(c *gin.Context) {
	h.respondReport(c)(h.service.ClearAnchors(workspaceContext(c), c.Param("id")))
}

// GetParams handles GET /v1/workspaces/:id/params
func (h *Handler) GetParams(c *gin.Context) {
	p, err := h.service.Params(workspaceContext(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"params": p})
}

// ReplaceParams handles PUT /v1/workspaces/:id/params. Keys missing from the
// body take their default value.
func (h *Handler) ReplaceParams(c *gin.Context) {
	doc, ok := bindParams(c)
	if !ok {
		return
	}
	p, err := h.service.Defaults().Apply(doc)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondReport(c)(h.service.ReplaceParams(workspaceContext(c), c.Param("id"), p))
}

// PatchParams handles PATCH /v1/workspaces/:id/params
func (h *Handler) PatchParams(c *gin.Context) {
	doc, ok := bindParams(c)
	if !ok {
		return
	}
	h.respondReport(c)(h.service.PatchParams(workspaceContext(c), c.Param("id"), doc))
}

// ResetParams handles DELETE /v1/workspaces/:id/params
func (h *Handler) ResetParams(c *gin.Context) {
	h.respondReport(c)(h.service.ResetParams(workspaceContext(c), c.Param("id")))
}

// GetResults handles GET /v1/workspaces/:id/results
func (h *Handler) GetResults(c *gin.Context) {
	h.respondReport(c)(h.service.Results(workspaceContext(c), c.Param("id")))
}

// DefaultParams handles GET /v1/params/defaults
func (h *Handler) DefaultParams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"params": h.service.Defaults(),
		"keys":   params.Keys(),
	})
}

// Analyze handles POST /v1/analyze
func (h *Handler) Analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, err)
		return
	}
	txs, err := dataset.DecodeTransactions(orEmpty(req.Transactions))
	if err != nil {
		respondError(c, err)
		return
	}
	anchors, err := dataset.DecodeAnchors(orEmpty(req.Anchors))
	if err != nil {
		respondError(c, err)
		return
	}
	p, err := h.service.Defaults().Apply(req.Params)
	if err != nil {
		respondError(c, err)
		return
	}

	report, err := h.service.Analyze(c.Request.Context(), txs, anchors, p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) respondReport(c *gin.Context) func(*Report, error) {
	return func(report *Report, err error) {
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func bindParams(c *gin.Context) (map[string]json.RawMessage, bool) {
	var doc map[string]json.RawMessage
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON object of parameter values",
		})
		return nil, false
	}
	return doc, true
}

// workspaceContext tags the request context so every log line carries the
// workspace ID.
func workspaceContext(c *gin.Context) context.Context {
	return logging.WithWorkspace(c.Request.Context(), c.Param("id"))
}

// orEmpty treats an absent collection as an empty array.
func orEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("[]")
	}
	return raw
}

// respondError maps service errors to JSON error bodies.
func respondError(c *gin.Context, err error) {
	var (
		decodeErr *dataset.DecodeError
		fieldErrs validation.ValidationErrors
		sizeErr   *http.MaxBytesError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &decodeErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_dataset", "message": decodeErr.Error()})
	case errors.As(err, &fieldErrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_params", "message": fieldErrs.Error(), "fields": fieldErrs})
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, io.EOF):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Request body is not valid JSON"})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace_not_found", "message": "Workspace not found"})
	case errors.Is(err, ErrTooLarge), errors.As(err, &sizeErr):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "dataset_too_large", "message": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "analysis_timeout", "message": "Analysis did not finish in time"})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request_canceled", "message": "Request was canceled"})
	default:
		logging.L(c.Request.Context()).Error("workspace request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
