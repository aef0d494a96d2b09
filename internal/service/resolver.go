package service

import (
	"context"
	"errors"

	"github.com/attendly/confirm-engine/internal/domain"
	"github.com/attendly/confirm-engine/internal/intent"
	"github.com/attendly/confirm-engine/internal/observability"
	"github.com/attendly/confirm-engine/internal/provider"
	"github.com/attendly/confirm-engine/internal/queue"
	"github.com/attendly/confirm-engine/internal/repository"
	"go.uber.org/zap"
)

// Acknowledgement texts sent back after a recognized intent. Free text
// is allowed here: the inbound message just opened the session window.
const (
	ackConfirmed  = "Obrigado! Sua consulta está confirmada."
	ackCancelled  = "Entendido, sua consulta foi cancelada. Entre em contato para reagendar."
	ackUnresolved = "Recebemos sua mensagem, mas não encontramos uma consulta pendente. Entre em contato com a clínica."
)

// Resolver drains the inbound webhook queue, classifies patient replies
// into intents and applies them to the appointment store. Every decision
// lands in the ledger first so queue redeliveries and provider webhook
// replays collapse on the provider message id.
type Resolver struct {
	ledger       repository.LedgerRepository
	appointments repository.AppointmentRepository
	sender       *Sender
	classifier   *intent.Classifier
	consumer     queue.Consumer
	metrics      *observability.Metrics
	logger       *zap.Logger
}

func NewResolver(ledger repository.LedgerRepository, appointments repository.AppointmentRepository, sender *Sender, classifier *intent.Classifier, consumer queue.Consumer, metrics *observability.Metrics, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Resolver{
		ledger:       ledger,
		appointments: appointments,
		sender:       sender,
		classifier:   classifier,
		consumer:     consumer,
		metrics:      metrics,
		logger:       logger,
	}
}

// Start consumes until the context is canceled.
func (r *Resolver) Start(ctx context.Context) error {
	return r.consumer.Consume(ctx, queue.InboundQueueName, r.HandleEvent)
}

// HandleEvent processes one queued webhook envelope. A non-nil return
// requeues the delivery, so only infrastructure failures propagate;
// malformed or unresolvable payloads are logged and dropped.
func (r *Resolver) HandleEvent(ctx context.Context, msg queue.EventMessage) error {
	ctx = observability.WithEventID(ctx, msg.EventID)
	logger := observability.WithContextLogger(r.logger, ctx)

	envelope, err := provider.ParseWebhookEnvelope(msg.Payload)
	if err != nil {
		logger.Warn("dropping malformed webhook payload", zap.Error(err))
		r.metrics.IncWebhookEvent("malformed")
		return nil
	}

	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			for _, status := range change.Value.Statuses {
				r.handleStatus(ctx, status)
			}
			for _, inbound := range change.Value.Messages {
				if err := r.handleMessage(ctx, inbound); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// handleStatus applies a delivery receipt to the outbound row it refers
// to. Receipts for unknown messages are normal (sends from before the
// ledger existed, other systems on the same number) and are ignored.
func (r *Resolver) handleStatus(ctx context.Context, status provider.StatusUpdate) {
	mapped, ok := deliveryStatus(status.Status)
	if !ok {
		r.logger.Debug("ignoring unknown delivery status",
			zap.String("providerMessageId", status.ID),
			zap.String("status", status.Status),
		)
		return
	}

	err := r.ledger.UpdateDeliveryStatus(ctx, status.ID, mapped)
	if errors.Is(err, domain.ErrNotFound) {
		r.logger.Debug("delivery receipt for unknown message",
			zap.String("providerMessageId", status.ID),
		)
		return
	}
	if err != nil {
		r.logger.Warn("failed to apply delivery receipt",
			zap.String("providerMessageId", status.ID),
			zap.Error(err),
		)
		return
	}
	r.metrics.IncWebhookEvent("status")
}

func (r *Resolver) handleMessage(ctx context.Context, inbound provider.InboundMessage) error {
	logger := observability.WithContextLogger(r.logger, ctx)

	phoneKey, err := domain.PhoneKey(inbound.From)
	if err != nil {
		logger.Warn("inbound message without usable sender",
			zap.String("providerMessageId", inbound.ID),
		)
		r.metrics.IncWebhookEvent("bad_sender")
		return nil
	}

	flattened := flattenInbound(inbound)
	classified, matcher := r.classifier.Classify(flattened)
	r.metrics.IncIntent(classified.String())

	if classified == domain.IntentNone {
		return r.recordUnclassified(ctx, inbound, phoneKey, flattened.Text)
	}

	kind, _ := classified.LedgerKind()
	status, _ := classified.LedgerStatus()
	appt := r.resolveAppointment(ctx, inbound, flattened, phoneKey)

	entry := &domain.LedgerEntry{
		PhoneKey: phoneKey,
		Kind:     kind,
		Status:   status,
	}
	id := inbound.ID
	entry.ProviderMessageID = &id
	if appt != nil {
		entry.AppointmentID = &appt.ID
	}
	if body := inboundBody(flattened); body != "" {
		truncated := domain.TruncateBody(body)
		entry.Body = &truncated
	}

	stored, existed, err := r.ledger.RecordInbound(ctx, entry)
	if err != nil {
		return err
	}
	if existed {
		// Replay of an already processed message; no second mutation,
		// no second acknowledgement.
		logger.Debug("webhook replay ignored",
			zap.String("providerMessageId", inbound.ID),
		)
		r.metrics.IncWebhookEvent("replay")
		return nil
	}

	if appt == nil {
		logger.Warn("intent without resolvable appointment",
			zap.String("phoneKey", phoneKey),
			zap.String("intent", classified.String()),
		)
		r.metrics.IncWebhookEvent("unresolved")
		r.acknowledge(ctx, phoneKey, ackUnresolved, nil)
		return nil
	}

	logger.Info("inbound intent resolved",
		zap.String("phoneKey", phoneKey),
		zap.String("intent", classified.String()),
		zap.String("matcher", matcher),
		zap.Int64("appointmentId", appt.ID),
		zap.String("entryId", stored.ID),
	)

	r.applyIntent(ctx, classified, appt)
	r.metrics.IncWebhookEvent("intent")

	ack := ackConfirmed
	if classified == domain.IntentCancel {
		ack = ackCancelled
	}
	r.acknowledge(ctx, phoneKey, ack, &appt.ID)
	return nil
}

// applyIntent mutates the appointment store. Failures are logged, not
// returned: the intent is already in the ledger and the state-sync phase
// re-applies it.
func (r *Resolver) applyIntent(ctx context.Context, classified domain.Intent, appt *domain.Appointment) {
	var err error
	switch classified {
	case domain.IntentConfirm:
		err = r.appointments.Confirm(ctx, appt.ID)
	case domain.IntentCancel:
		err = r.appointments.Cancel(ctx, appt.ID, "patient cancelled via message")
	}
	if err != nil {
		r.logger.Warn("failed to apply intent to appointment store",
			zap.Int64("appointmentId", appt.ID),
			zap.String("intent", classified.String()),
			zap.Error(err),
		)
	}
}

// recordUnclassified keeps the inbound message in the ledger so the
// session window sees it, without any appointment mutation.
func (r *Resolver) recordUnclassified(ctx context.Context, inbound provider.InboundMessage, phoneKey, text string) error {
	entry := &domain.LedgerEntry{
		PhoneKey: phoneKey,
		Kind:     domain.KindText,
		Status:   domain.StatusDelivered,
	}
	id := inbound.ID
	entry.ProviderMessageID = &id
	if text != "" {
		truncated := domain.TruncateBody(text)
		entry.Body = &truncated
	}

	_, existed, err := r.ledger.RecordInbound(ctx, entry)
	if err != nil {
		return err
	}
	if !existed {
		r.logger.Info("inbound message without recognized intent",
			zap.String("phoneKey", phoneKey),
		)
		r.metrics.IncWebhookEvent("unclassified")
	}
	return nil
}

// resolveAppointment walks the resolution chain from most to least
// reliable signal: explicit id in the button payload, the replied-to
// outbound message, the latest pending appointment on the phone, then
// the latest ledger row for the phone.
func (r *Resolver) resolveAppointment(ctx context.Context, inbound provider.InboundMessage, flattened intent.Message, phoneKey string) *domain.Appointment {
	if id, ok := intent.AppointmentIDFromPayload(flattened.ButtonPayload); ok {
		if appt, err := r.appointments.GetByID(ctx, id); err == nil {
			return appt
		}
	}

	if inbound.Context != nil && inbound.Context.ID != "" {
		if prior, err := r.ledger.FindByProviderMessageID(ctx, inbound.Context.ID); err == nil && prior.AppointmentID != nil {
			if appt, err := r.appointments.GetByID(ctx, *prior.AppointmentID); err == nil {
				return appt
			}
		}
	}

	if appt, err := r.appointments.GetLatestPendingByPhone(ctx, phoneKey); err == nil {
		return appt
	}

	if latest, err := r.ledger.LatestForPhone(ctx, phoneKey); err == nil && latest.AppointmentID != nil {
		if appt, err := r.appointments.GetByID(ctx, *latest.AppointmentID); err == nil {
			return appt
		}
	}

	return nil
}

func (r *Resolver) acknowledge(ctx context.Context, phoneKey, body string, appointmentID *int64) {
	if _, err := r.sender.SendText(ctx, phoneKey, body, domain.KindText, appointmentID); err != nil {
		r.logger.Warn("failed to send acknowledgement",
			zap.String("phoneKey", phoneKey),
			zap.Error(err),
		)
	}
}

// flattenInbound projects the provider message shapes onto the
// classifier's flat view.
func flattenInbound(inbound provider.InboundMessage) intent.Message {
	msg := intent.Message{}
	if inbound.Text != nil {
		msg.Text = inbound.Text.Body
	}
	if inbound.Button != nil {
		msg.ButtonPayload = inbound.Button.Payload
		msg.ButtonText = inbound.Button.Text
	}
	if inbound.Interact != nil {
		if reply := inbound.Interact.ButtonReply; reply != nil {
			msg.ButtonPayload = reply.ID
			msg.ButtonText = reply.Title
		}
		if reply := inbound.Interact.ListReply; reply != nil {
			msg.ButtonPayload = reply.ID
			msg.ListTitle = reply.Title
		}
	}
	return msg
}

func inboundBody(msg intent.Message) string {
	switch {
	case msg.Text != "":
		return msg.Text
	case msg.ButtonText != "":
		return msg.ButtonText
	case msg.ListTitle != "":
		return msg.ListTitle
	}
	return msg.ButtonPayload
}

func deliveryStatus(s string) (domain.LedgerStatus, bool) {
	switch s {
	case "sent":
		return domain.StatusSent, true
	case "delivered":
		return domain.StatusDelivered, true
	case "read":
		return domain.StatusRead, true
	case "failed":
		return domain.StatusFailed, true
	}
	return "", false
}
