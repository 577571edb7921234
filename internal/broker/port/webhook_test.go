package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/numberbroker/internal/broker/app"
	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/worker"
)

// ---------------------------------------------------------------------------
// Stubs implementing app.Deduper and submitter for webhook tests.
// ---------------------------------------------------------------------------

type stubDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (s *stubDeduper) FirstSeen(_ context.Context, id string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[id] {
		return false, nil
	}
	s.seen[id] = true
	return true, nil
}

type fullPool struct{}

func (fullPool) Submit(_ context.Context, name string, _ worker.Task) error {
	return fmt.Errorf("worker: submit %s: %w", name, domain.ErrPoolFull)
}

// stubReplies implements app.ReplySink and keeps every reply.
type stubReplies struct {
	mu      sync.Mutex
	replies []app.Reply
	err     error
}

func (s *stubReplies) Deliver(_ context.Context, r app.Reply) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, r)
	return nil
}

func (s *stubReplies) byAction() map[string]app.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]app.Reply, len(s.replies))
	for _, r := range s.replies {
		out[r.Action] = r
	}
	return out
}

var (
	_ app.Deduper   = (*stubDeduper)(nil)
	_ app.ReplySink = (*stubReplies)(nil)
	_ submitter     = fullPool{}
)

// recorder collects the calls the dispatcher makes.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newRecordingBroker(rec *recorder) *stubBroker {
	return &stubBroker{
		buyFn: func(_ context.Context, user domain.UserID, req app.BuyRequest) (app.Result, error) {
			rec.add("buy " + user.String() + " " + req.Service)
			return app.Result{Kind: app.Purchased, Token: "tok-1", Phone: "919876543210"}, nil
		},
		pollFn: func(_ context.Context, _ domain.UserID, token string) (app.Result, error) {
			rec.add("poll " + token)
			return app.Result{}, domain.ErrInvalidOrderToken
		},
		cancelFn: func(_ context.Context, _ domain.UserID, token string) (app.Result, error) {
			rec.add("cancel " + token)
			return app.Result{Kind: app.Cancelled}, nil
		},
		rechargeFn: func(_ context.Context, _ domain.UserID, utr string) (app.Result, error) {
			rec.add("recharge " + utr)
			return app.Result{}, errors.New("ledger down")
		},
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHandler_Webhook(t *testing.T) {
	t.Run("accepted updates run on the pool", func(t *testing.T) {
		rec := &recorder{}
		replies := &stubReplies{}
		pool := worker.New(worker.Config{Size: 4})
		h := NewHandler(HandlerConfig{Broker: newRecordingBroker(rec), Pool: pool, Deduper: &stubDeduper{}, Replies: replies})

		updates := []string{
			`{"update_id":"u1","user_id":"1001","action":"buy","service":"Telegram","vendor":"Fast"}`,
			`{"update_id":"u2","user_id":"1001","action":"poll","token":"tok"}`,
			`{"update_id":"u3","user_id":"1001","action":"cancel","token":"tok"}`,
			`{"update_id":"u4","user_id":"1001","action":"recharge","utr":"UTR1"}`,
		}
		for _, u := range updates {
			resp, body := serve(t, h, http.MethodPost, "/v1/webhook", "", u)
			assert.Equal(t, http.StatusAccepted, resp.Code)
			assert.Equal(t, "accepted", body["status"])
		}
		pool.Wait()

		assert.ElementsMatch(t, []string{
			"buy 1001 Telegram",
			"poll tok",
			"cancel tok",
			"recharge UTR1",
		}, rec.snapshot())

		// The failed recharge has no reply; the task error is logged.
		got := replies.byAction()
		require.Len(t, got, 3)

		buy := got[ActionBuy]
		assert.Equal(t, "u1", buy.UpdateID)
		assert.Equal(t, "1001", buy.UserID)
		assert.Equal(t, "purchased", buy.Kind)
		var body map[string]any
		require.NoError(t, json.Unmarshal(buy.Body, &body))
		assert.Equal(t, "tok-1", body["token"])
		assert.Equal(t, "919876543210", body["phone"])

		assert.Equal(t, "invalid_token", got[ActionPoll].Kind)
		assert.Equal(t, "cancelled", got[ActionCancel].Kind)
	})

	t.Run("buy without a reply sink is turned away", func(t *testing.T) {
		dedup := &stubDeduper{}
		h := NewHandler(HandlerConfig{Broker: &stubBroker{}, Pool: fullPool{}, Deduper: dedup})

		resp, body := serve(t, h, http.MethodPost, "/v1/webhook", "",
			`{"update_id":"u1","user_id":"1001","action":"buy","service":"Telegram","vendor":"Fast"}`)

		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, "INVALID_ARGUMENT", body["code"])
		assert.Empty(t, dedup.seen)
	})

	t.Run("redelivery is acknowledged without dispatch", func(t *testing.T) {
		rec := &recorder{}
		pool := worker.New(worker.Config{Size: 4})
		h := NewHandler(HandlerConfig{Broker: newRecordingBroker(rec), Pool: pool, Deduper: &stubDeduper{}})

		const update = `{"update_id":"u1","user_id":"1001","action":"cancel","token":"tok"}`
		first, _ := serve(t, h, http.MethodPost, "/v1/webhook", "", update)
		second, body := serve(t, h, http.MethodPost, "/v1/webhook", "", update)
		pool.Wait()

		assert.Equal(t, http.StatusAccepted, first.Code)
		assert.Equal(t, http.StatusOK, second.Code)
		assert.Equal(t, "duplicate", body["status"])
		assert.Equal(t, []string{"cancel tok"}, rec.snapshot())
	})

	t.Run("dedup failure is 503 and hides the cause", func(t *testing.T) {
		h := NewHandler(HandlerConfig{
			Broker:  &stubBroker{},
			Pool:    fullPool{},
			Deduper: &stubDeduper{err: errors.New("dial tcp 10.0.0.5:6379: refused")},
		})

		resp, body := serve(t, h, http.MethodPost, "/v1/webhook", "",
			`{"update_id":"u1","user_id":"1001","action":"poll","token":"tok"}`)

		assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
		assert.Equal(t, "UNAVAILABLE", body["code"])
		assert.NotContains(t, resp.Body.String(), "10.0.0.5")
	})

	t.Run("full pool is 429", func(t *testing.T) {
		h := NewHandler(HandlerConfig{Broker: &stubBroker{}, Pool: fullPool{}, Deduper: &stubDeduper{}})

		resp, body := serve(t, h, http.MethodPost, "/v1/webhook", "",
			`{"update_id":"u1","user_id":"1001","action":"poll","token":"tok"}`)

		assert.Equal(t, http.StatusTooManyRequests, resp.Code)
		assert.Equal(t, "RESOURCE_EXHAUSTED", body["code"])
	})

	t.Run("invalid updates are rejected before dedup", func(t *testing.T) {
		dedup := &stubDeduper{}
		h := NewHandler(HandlerConfig{Broker: &stubBroker{}, Pool: fullPool{}, Deduper: dedup})

		tests := []struct {
			name string
			body string
		}{
			{"missing update id", `{"user_id":"1001","action":"poll"}`},
			{"missing user", `{"update_id":"u1","action":"poll"}`},
			{"unknown action", `{"update_id":"u1","user_id":"1001","action":"refund"}`},
			{"unknown field", `{"update_id":"u1","user_id":"1001","action":"poll","extra":1}`},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				resp, body := serve(t, h, http.MethodPost, "/v1/webhook", "", tt.body)
				assert.Equal(t, http.StatusBadRequest, resp.Code)
				assert.Equal(t, "INVALID_ARGUMENT", body["code"])
			})
		}
		assert.Empty(t, dedup.seen)
	})
}

func TestHandler_Dispatch(t *testing.T) {
	rec := &recorder{}
	h := NewHandler(HandlerConfig{Broker: newRecordingBroker(rec)})
	user, err := domain.NewUserID("1001")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("classified errors are outcomes", func(t *testing.T) {
		err := h.dispatch(ctx, user, webhookUpdate{UpdateID: "u1", Action: ActionPoll, Token: "tok"})
		assert.NoError(t, err)
	})

	t.Run("lost reply fails the task", func(t *testing.T) {
		lossy := NewHandler(HandlerConfig{
			Broker:  newRecordingBroker(rec),
			Replies: &stubReplies{err: errors.New("leader not available")},
		})

		err := lossy.dispatch(ctx, user, webhookUpdate{UpdateID: "u3", Action: ActionBuy, Service: "Telegram"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "webhook buy")
		assert.Contains(t, err.Error(), "leader not available")
	})

	t.Run("unclassified errors fail the task", func(t *testing.T) {
		err := h.dispatch(ctx, user, webhookUpdate{UpdateID: "u2", Action: ActionRecharge, UTR: "UTR1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "webhook recharge")
	})
}
