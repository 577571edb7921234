package port

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/aelexs/numberbroker/internal/broker/app"
	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/observability"
)

// Webhook actions.
const (
	ActionBuy      = "buy"
	ActionPoll     = "poll"
	ActionCancel   = "cancel"
	ActionRecharge = "recharge"
)

// webhookUpdate is one inbound update from the chat front end. UpdateID is
// unique per delivery attempt group; redeliveries reuse it.
type webhookUpdate struct {
	UpdateID    string          `json:"update_id"`
	UserID      string          `json:"user_id"`
	Action      string          `json:"action"`
	Service     string          `json:"service,omitempty"`
	Vendor      string          `json:"vendor,omitempty"`
	Variant     string          `json:"variant,omitempty"`
	QuotedPrice decimal.Decimal `json:"quoted_price"`
	Token       string          `json:"token,omitempty"`
	UTR         string          `json:"utr,omitempty"`
}

// webhook validates an update, drops redeliveries, and hands the action to
// the worker pool. The reply is 202 before the action runs.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var u webhookUpdate
	if !h.decode(w, r, &u) {
		return
	}
	if u.UpdateID == "" {
		h.respondError(w, r, fmt.Errorf("webhook: update id: %w", domain.ErrInvalidInput))
		return
	}
	user, err := domain.NewUserID(u.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	switch u.Action {
	case ActionBuy, ActionPoll, ActionCancel, ActionRecharge:
	default:
		h.respondError(w, r, fmt.Errorf("webhook: action %q: %w", u.Action, domain.ErrInvalidInput))
		return
	}
	if u.Action == ActionBuy && h.replies == nil {
		h.respondError(w, r, fmt.Errorf("webhook: buy without a reply sink, use POST /v1/orders: %w", domain.ErrInvalidInput))
		return
	}

	first, err := h.deduper.FirstSeen(ctx, u.UpdateID)
	if err != nil {
		observability.WithTraceID(ctx, h.logger).ErrorContext(ctx, "webhook dedup failed",
			slog.String("update_id", u.UpdateID),
			slog.String("error", err.Error()),
		)
		h.respondError(w, r, fmt.Errorf("webhook: dedup: %w", domain.ErrUnavailable))
		return
	}
	if !first {
		respondJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	err = h.pool.Submit(ctx, "webhook."+u.Action, func(ctx context.Context) error {
		return h.dispatch(ctx, user, u)
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// dispatch runs one webhook action and delivers its outcome. Errors the
// broker classifies as result kinds are outcomes, not failures.
func (h *Handler) dispatch(ctx context.Context, user domain.UserID, u webhookUpdate) error {
	var (
		res app.Result
		err error
	)
	switch u.Action {
	case ActionBuy:
		res, err = h.svc.Buy(ctx, user, app.BuyRequest{
			Service:     u.Service,
			Vendor:      u.Vendor,
			Variant:     u.Variant,
			QuotedPrice: u.QuotedPrice,
		})
	case ActionPoll:
		res, err = h.svc.Poll(ctx, user, u.Token)
	case ActionCancel:
		res, err = h.svc.Cancel(ctx, user, u.Token)
	case ActionRecharge:
		res, err = h.svc.Recharge(ctx, user, u.UTR)
	}
	if err != nil {
		mapped, ok := app.ErrorResult(err)
		if !ok {
			return fmt.Errorf("webhook %s: %w", u.Action, err)
		}
		res = mapped
	}

	logger := observability.WithTraceID(ctx, h.logger)
	if h.replies != nil {
		if err := h.deliver(ctx, user, u, res); err != nil {
			logger.ErrorContext(ctx, "webhook reply lost",
				slog.String("update_id", u.UpdateID),
				slog.String("action", u.Action),
				slog.String("result", res.Kind.String()),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("webhook %s: %w", u.Action, err)
		}
	}

	logger.InfoContext(ctx, "webhook update handled",
		slog.String("update_id", u.UpdateID),
		slog.String("action", u.Action),
		slog.String("result", res.Kind.String()),
	)
	return nil
}

// deliver renders res as the synchronous endpoint would and hands it to the
// reply sink. The send is detached from the task deadline: the state change
// behind res has already committed.
func (h *Handler) deliver(ctx context.Context, user domain.UserID, u webhookUpdate, res app.Result) error {
	body, err := json.Marshal(toResultResponse(res))
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return h.replies.Deliver(context.WithoutCancel(ctx), app.Reply{
		UpdateID: u.UpdateID,
		UserID:   user.String(),
		Action:   u.Action,
		Kind:     res.Kind.String(),
		Body:     body,
	})
}
