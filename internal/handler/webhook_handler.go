package handler

import (
	"time"

	"github.com/attendly/confirm-engine/internal/observability"
	"github.com/attendly/confirm-engine/internal/provider"
	"github.com/attendly/confirm-engine/internal/queue"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WebhookHandler is the provider callback edge. It verifies the payload
// signature, then hands the raw envelope to the queue and acks; all
// classification happens in the resolver worker so the provider never
// waits on database work.
type WebhookHandler struct {
	publisher   queue.Publisher
	metrics     *observability.Metrics
	logger      *zap.Logger
	appSecret   string
	verifyToken string
}

func NewWebhookHandler(publisher queue.Publisher, metrics *observability.Metrics, logger *zap.Logger, appSecret, verifyToken string) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if appSecret == "" {
		logger.Warn("webhook signature verification disabled: no app secret configured")
	}

	return &WebhookHandler{
		publisher:   publisher,
		metrics:     metrics,
		logger:      logger,
		appSecret:   appSecret,
		verifyToken: verifyToken,
	}
}

func (h *WebhookHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/webhook", h.Verify)
	router.Post("/webhook", h.Receive)
}

// Verify answers the provider's subscription handshake.
func (h *WebhookHandler) Verify(c *fiber.Ctx) error {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && h.verifyToken != "" && token == h.verifyToken {
		return c.Status(fiber.StatusOK).SendString(challenge)
	}

	h.logger.Warn("webhook verification rejected", zap.String("mode", mode))
	return fiber.NewError(fiber.StatusForbidden, "verification failed")
}

// Receive accepts one webhook delivery. Anything past the signature
// check answers 200 so the provider does not redeliver payloads we have
// already queued or decided to drop.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	// Fiber reuses request buffers after the handler returns.
	body := append([]byte(nil), c.Body()...)

	if h.appSecret != "" {
		signature := c.Get(provider.SignatureHeader)
		if !provider.VerifySignature(h.appSecret, body, signature) {
			h.logger.Warn("webhook signature mismatch",
				zap.Int("bodyBytes", len(body)),
			)
			h.metrics.IncWebhookEvent("bad_signature")
			return fiber.NewError(fiber.StatusUnauthorized, "invalid signature")
		}
	}

	envelope, err := provider.ParseWebhookEnvelope(body)
	if err != nil {
		h.logger.Warn("ignoring malformed webhook payload", zap.Error(err))
		h.metrics.IncWebhookEvent("malformed")
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ignored"})
	}

	eventID := envelope.EventID()
	if eventID == "" {
		eventID = uuid.NewString()
	}

	msg := queue.EventMessage{
		EventID:    eventID,
		ReceivedAt: time.Now(),
		Payload:    body,
	}
	if err := h.publisher.Publish(c.Context(), queue.InboundQueueName, msg); err != nil {
		// Non-200 makes the provider redeliver; dedup absorbs the replay.
		h.logger.Error("failed to enqueue webhook event",
			zap.String("eventId", eventID),
			zap.Error(err),
		)
		return fiber.NewError(fiber.StatusServiceUnavailable, "failed to enqueue event")
	}

	h.metrics.IncWebhookEvent("accepted")
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "accepted"})
}
