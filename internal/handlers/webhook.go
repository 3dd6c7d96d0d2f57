package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/telepix/telepix/internal/boot"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/payments"
	"github.com/telepix/telepix/internal/paystatus"
)

const (
	eventCashInCreate   = "cashin.create"
	recentPaymentsLimit = 5
	maxWebhookBody      = 1 << 20
)

// Reconciler applies payment signals; *payments.Reconciler satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, lookup payments.Lookup, raw string, flags paystatus.Flags, source payments.Source) (payments.Result, error)
}

// RecentPayments lists the latest payments for not-found diagnostics; *db.Queries satisfies it.
type RecentPayments interface {
	ListRecentPayments(ctx context.Context, limit int32) ([]db.Payment, error)
}

// WebhookHandler receives charge updates from the PIX gateway.
type WebhookHandler struct {
	reconciler Reconciler
	recent     RecentPayments
	logger     *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, reconciler Reconciler, recent RecentPayments) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		recent:     recent,
		logger:     log.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST(boot.WebhookPath, h.Handle)
}

// WebhookResponse is the body of a handled notification.
type WebhookResponse struct {
	Message   string `json:"message"`
	PaymentID string `json:"paymentId,omitempty"`
	Status    string `json:"status,omitempty"`
}

// WebhookNotFoundResponse explains which identifiers matched nothing.
type WebhookNotFoundResponse struct {
	Error             string          `json:"error"`
	Identifier        string          `json:"identifier"`
	ExternalReference string          `json:"externalReference"`
	RecentPayments    []RecentPayment `json:"recentPayments"`
}

type RecentPayment struct {
	ID        string    `json:"id"`
	SyncpayID string    `json:"syncpayId,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// notification is the subset of a gateway payload the reconciler needs. The gateway nests it
// under "data" on newer events and sends it flat on older ones.
type notification struct {
	Event         string
	ID            string
	TransactionID string
	Identifier    string
	ExternalRef   string
	Status        string
	Flags         paystatus.Flags
}

func (n notification) lookup() payments.Lookup {
	charge := firstNonEmpty(n.ID, n.TransactionID, n.Identifier)
	return payments.Lookup{ChargeID: charge, TransactionID: n.TransactionID, ExternalRef: n.ExternalRef}
}

// Handle godoc
// @Summary Payment gateway webhook
// @Description Reconciles a cash-in update. cashin.create events are acknowledged and ignored unless already paid.
// @Tags webhooks
// @Success 200 {object} WebhookResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} WebhookNotFoundResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/webhooks/syncpay [post]
func (h *WebhookHandler) Handle(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "payload inválido"})
	}
	n, err := parseNotification(c.Request().Header, raw)
	if err != nil {
		h.logger.Warn("undecodable webhook", slog.Any("error", err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "payload inválido"})
	}
	log := h.logger.With(slog.String("event", n.Event), slog.String("status", n.Status))

	if n.Event == eventCashInCreate && paystatus.Normalize(n.Status, n.Flags) != paystatus.Paid {
		return c.JSON(http.StatusOK, WebhookResponse{Message: "Evento ignorado - pagamento ainda não confirmado"})
	}
	lookup := n.lookup()
	if lookup.Empty() {
		log.Warn("webhook without identifiers")
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "id é obrigatório"})
	}

	ctx := c.Request().Context()
	res, err := h.reconciler.Reconcile(ctx, lookup, n.Status, n.Flags, payments.SourceWebhook)
	switch {
	case errors.Is(err, payments.ErrPaymentNotFound):
		log.Warn("webhook payment not found",
			slog.String("identifier", lookup.ChargeID), slog.String("external_reference", lookup.ExternalRef))
		return c.JSON(http.StatusNotFound, WebhookNotFoundResponse{
			Error:             "Pagamento não encontrado",
			Identifier:        lookup.ChargeID,
			ExternalReference: lookup.ExternalRef,
			RecentPayments:    h.recentPayments(ctx),
		})
	case err != nil:
		log.Error("webhook reconcile failed", slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Erro ao processar webhook"})
	}

	msg := "Webhook processado com sucesso"
	if res.Outcome == payments.OutcomeAlreadyUpToDate {
		msg = "Status já atualizado"
	}
	return c.JSON(http.StatusOK, WebhookResponse{Message: msg, PaymentID: res.PaymentID, Status: string(res.Status)})
}

func (h *WebhookHandler) recentPayments(ctx context.Context) []RecentPayment {
	out := []RecentPayment{}
	if h.recent == nil {
		return out
	}
	rows, err := h.recent.ListRecentPayments(ctx, recentPaymentsLimit)
	if err != nil {
		h.logger.Warn("list recent payments failed", slog.Any("error", err))
		return out
	}
	for _, p := range rows {
		out = append(out, RecentPayment{
			ID:        db.UUIDString(p.ID),
			SyncpayID: db.TextToString(p.SyncpayID),
			Status:    p.Status,
			CreatedAt: db.TimeFromPg(p.CreatedAt),
		})
	}
	return out
}

func parseNotification(header http.Header, raw []byte) (notification, error) {
	var body map[string]any
	if len(strings.TrimSpace(string(raw))) == 0 {
		body = map[string]any{}
	} else if err := json.Unmarshal(raw, &body); err != nil {
		return notification{}, err
	}
	data := body
	if nested, ok := body["data"].(map[string]any); ok {
		data = nested
	}
	return notification{
		Event:         firstNonEmpty(header.Get("event"), header.Get("x-event"), scalar(body["event"])),
		ID:            scalar(data["id"]),
		TransactionID: scalar(data["idtransaction"]),
		Identifier:    scalar(data["identifier"]),
		ExternalRef:   scalar(data["externalreference"]),
		Status:        scalar(data["status"]),
		Flags: paystatus.Flags{
			Paid:      data["paid"] == true,
			Expired:   data["expired"] == true,
			Cancelled: data["cancelled"] == true,
		},
	}, nil
}

// scalar renders JSON strings and numbers as text; anything else is empty.
func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
