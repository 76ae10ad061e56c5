// Package handlers provides HTTP handler implementations for the ops API.
//
// This file implements the operational endpoints of the message lifecycle
// engine: an engine status snapshot, paginated conversation and read-position
// listings, and a manual expiry recheck trigger. The surface is a local
// debugging/ops aid for the desktop client host process, not a public API.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tasset/go-messenger-core/internal/core"
	"github.com/tasset/go-messenger-core/internal/domain"
	"github.com/tasset/go-messenger-core/internal/http/middleware"
	"github.com/tasset/go-messenger-core/internal/repo"
	"github.com/tasset/go-messenger-core/internal/utils"
)

// Pagination clamps for list endpoints.
const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Handler bundles the dependencies required by the ops endpoints.
//
// All fields are injected at router setup; the zero value is not usable.
type Handler struct {
	DB   *gorm.DB
	Core *core.Core
}

// New constructs a Handler wired to the given database and engine core.
func New(db *gorm.DB, c *core.Core) *Handler {
	return &Handler{DB: db, Core: c}
}

// StatusResponse is the engine status snapshot returned by GET /status.
type StatusResponse struct {
	Status           string `json:"status"`
	RegistrySize     int    `json:"registry_size"`
	SchedulerState   string `json:"scheduler_state"`
	NextDeadline     *int64 `json:"next_deadline,omitempty"`
	PendingReactions int    `json:"pending_reactions"`
	PendingRecalls   int    `json:"pending_recalls"`
}

// Status reports a point-in-time snapshot of the lifecycle engine: registry
// population, scheduler state and armed deadline, and pending-target index
// depths. Values are sampled independently and may be mutually inconsistent
// under concurrent load; the endpoint is for observability, not invariants.
func (h *Handler) Status(c *gin.Context) {
	reactions, recalls := h.Core.PendingDepths()
	resp := StatusResponse{
		Status:           "ok",
		RegistrySize:     h.Core.Registry.Len(),
		SchedulerState:   h.Core.Scheduler.State().String(),
		PendingReactions: reactions,
		PendingRecalls:   recalls,
	}
	if deadline, armed := h.Core.Scheduler.Deadline(); armed {
		resp.NextDeadline = &deadline
	}
	ok(c, http.StatusOK, resp)
}

// ConversationPage is the paginated envelope for conversation listings.
type ConversationPage struct {
	Page    int                   `json:"page"`
	PerPage int                   `json:"per_page"`
	Total   int64                 `json:"total"`
	Items   []domain.Conversation `json:"items"`
}

// ListConversations returns a page of known conversations ordered by recency.
//
// Query parameters:
//   - page:     1-based page number (default 1)
//   - per_page: page size, clamped to [1, 100] (default 20)
func (h *Handler) ListConversations(c *gin.Context) {
	page, perPage := utils.PageParams(c.Query("page"), c.Query("per_page"), defaultPerPage, maxPerPage)

	total, err := repo.CountConversations(c.Request.Context(), h.DB)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not count conversations")
		return
	}
	items, err := repo.ListConversationsPage(c.Request.Context(), h.DB, (page-1)*perPage, perPage)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list conversations")
		return
	}

	ok(c, http.StatusOK, ConversationPage{
		Page:    page,
		PerPage: perPage,
		Total:   total,
		Items:   items,
	})
}

// ReadPositionPage is the paginated envelope for read-position listings.
type ReadPositionPage struct {
	ConversationID string                `json:"conversation_id"`
	Page           int                   `json:"page"`
	PerPage        int                   `json:"per_page"`
	Items          []domain.ReadPosition `json:"items"`
}

// ListReadPositions returns the merged read positions recorded for a single
// conversation, one row per (reader, source device).
//
// Responds 404 when the conversation does not exist.
func (h *Handler) ListReadPositions(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id is required")
		return
	}

	if _, err := repo.GetConversation(c.Request.Context(), h.DB, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load conversation")
		return
	}

	page, perPage := utils.PageParams(c.Query("page"), c.Query("per_page"), defaultPerPage, maxPerPage)

	items, err := repo.ListReadPositions(c.Request.Context(), h.DB, id, (page-1)*perPage, perPage)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list read positions")
		return
	}

	ok(c, http.StatusOK, ReadPositionPage{
		ConversationID: id,
		Page:           page,
		PerPage:        perPage,
		Items:          items,
	})
}

// RecheckExpiry asks the scheduler to recompute its deadline as if the wall
// clock had jumped. The recheck is debounced engine-side, so hammering this
// endpoint coalesces into at most one recomputation per debounce window.
//
// Responds 202 because the recheck is asynchronous.
func (h *Handler) RecheckExpiry(c *gin.Context) {
	h.Core.Scheduler.TimeTravel()
	middleware.LoggerFrom(c).Info().Msg("expiry recheck requested")
	ok(c, http.StatusAccepted, gin.H{"status": "scheduled"})
}
