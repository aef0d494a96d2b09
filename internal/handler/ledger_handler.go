package handler

import (
	"errors"
	"time"

	"github.com/attendly/confirm-engine/internal/domain"
	"github.com/attendly/confirm-engine/internal/repository"
	"github.com/attendly/confirm-engine/internal/service"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// LedgerHandler exposes the operator surface: ledger browsing, per-phone
// conversation threads, manual replies and scheduler run states.
type LedgerHandler struct {
	operator *service.OperatorService
	logger   *zap.Logger
}

func NewLedgerHandler(operator *service.OperatorService, logger *zap.Logger) *LedgerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{operator: operator, logger: logger}
}

func (h *LedgerHandler) RegisterRoutes(router fiber.Router) {
	v1 := router.Group("/v1")
	v1.Get("/ledger", h.ListLedger)
	v1.Get("/threads", h.ListThreads)
	v1.Get("/threads/:phoneKey/messages", h.ThreadMessages)
	v1.Post("/threads/:phoneKey/messages", h.SendReply)
	v1.Get("/schedulers", h.SchedulerReports)
	v1.Get("/appointments/:id/status", h.AppointmentStatus)
	v1.Get("/failures", h.RecentFailures)
}

func (h *LedgerHandler) ListLedger(c *fiber.Ctx) error {
	params, err := parseLedgerListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	entries, total, err := h.operator.ListLedger(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"entries": ledgerEntriesResponse(entries),
		"total":   total,
	})
}

func (h *LedgerHandler) ListThreads(c *fiber.Ctx) error {
	threads, err := h.operator.Threads(c.Context(), c.QueryInt("limit", 50))
	if err != nil {
		return toHTTPError(err)
	}

	out := make([]fiber.Map, 0, len(threads))
	for _, t := range threads {
		out = append(out, fiber.Map{
			"phoneKey":      t.PhoneKey,
			"entryCount":    t.EntryCount,
			"lastMessageAt": t.LastMessageAt,
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"threads": out})
}

func (h *LedgerHandler) ThreadMessages(c *fiber.Ctx) error {
	entries, err := h.operator.ThreadMessages(c.Context(), c.Params("phoneKey"), c.QueryInt("limit", 100))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"messages": ledgerEntriesResponse(entries),
	})
}

type sendReplyRequest struct {
	Body string `json:"body"`
}

func (h *LedgerHandler) SendReply(c *fiber.Ctx) error {
	var req sendReplyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	entry, err := h.operator.SendReply(c.Context(), c.Params("phoneKey"), req.Body)
	if errors.Is(err, domain.ErrSessionClosed) {
		// Distinguishable from other conflicts so the UI can offer the
		// template flow instead.
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "session window is closed",
			"code":  "session_closed",
		})
	}
	if err != nil && entry == nil {
		return toHTTPError(err)
	}

	status := fiber.StatusCreated
	if err != nil {
		// The send failed but the attempt is in the ledger and eligible
		// for retry; surface the entry rather than a bare error.
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(ledgerEntryResponse(entry))
}

func (h *LedgerHandler) AppointmentStatus(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid appointment id")
	}

	entry, err := h.operator.LatestAppointmentStatus(c.Context(), int64(id))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(ledgerEntryResponse(entry))
}

func (h *LedgerHandler) RecentFailures(c *fiber.Ctx) error {
	lookback := time.Duration(c.QueryInt("lookbackHours", 24)) * time.Hour
	entries, err := h.operator.RecentFailures(c.Context(), lookback, c.QueryInt("limit", 50))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"failures": ledgerEntriesResponse(entries),
	})
}

func (h *LedgerHandler) SchedulerReports(c *fiber.Ctx) error {
	reports, err := h.operator.SchedulerReports(c.Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"schedulers": reports})
}

func parseLedgerListParams(c *fiber.Ctx) (repository.LedgerListParams, error) {
	params := repository.LedgerListParams{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("pageSize", 50),
	}

	if raw := c.Query("kind"); raw != "" {
		kind, err := domain.ParseKindFromString(raw)
		if err != nil {
			return params, err
		}
		params.Kind = &kind
	}
	if raw := c.Query("status"); raw != "" {
		status, err := domain.ParseLedgerStatusFromString(raw)
		if err != nil {
			return params, err
		}
		params.Status = &status
	}
	if raw := c.Query("phoneKey"); raw != "" {
		phoneKey, err := domain.PhoneKey(raw)
		if err != nil {
			return params, err
		}
		params.PhoneKey = &phoneKey
	}
	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return params, errValidationf("invalid from timestamp")
		}
		params.From = &from
	}
	if raw := c.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return params, errValidationf("invalid to timestamp")
		}
		params.To = &to
	}

	return params, nil
}

type entryResponse struct {
	ID                string     `json:"id"`
	AppointmentID     *int64     `json:"appointmentId,omitempty"`
	PhoneKey          string     `json:"phoneKey"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	Kind              string     `json:"kind"`
	TemplateName      *string    `json:"templateName,omitempty"`
	Status            string     `json:"status"`
	Direction         string     `json:"direction"`
	Body              *string    `json:"body,omitempty"`
	ErrorDetail       *string    `json:"errorDetail,omitempty"`
	RetryCount        int        `json:"retryCount"`
	NextRetryAt       *time.Time `json:"nextRetryAt,omitempty"`
	LastAttemptAt     *time.Time `json:"lastAttemptAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

func ledgerEntryResponse(e *domain.LedgerEntry) entryResponse {
	return entryResponse{
		ID:                e.ID,
		AppointmentID:     e.AppointmentID,
		PhoneKey:          e.PhoneKey,
		ProviderMessageID: e.ProviderMessageID,
		Kind:              e.Kind.String(),
		TemplateName:      e.TemplateName,
		Status:            e.Status.String(),
		Direction:         e.Direction.String(),
		Body:              e.Body,
		ErrorDetail:       e.ErrorDetail,
		RetryCount:        e.RetryCount,
		NextRetryAt:       e.NextRetryAt,
		LastAttemptAt:     e.LastAttemptAt,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func ledgerEntriesResponse(entries []domain.LedgerEntry) []entryResponse {
	out := make([]entryResponse, 0, len(entries))
	for i := range entries {
		out = append(out, ledgerEntryResponse(&entries[i]))
	}
	return out
}
