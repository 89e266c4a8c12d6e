// Package httpapi exposes the local control surface of the desk daemon:
// reconciled state, cached ticks, order actions, and strategy runner control.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/marketdesk/desk/errs"
	"github.com/marketdesk/desk/internal/observability"
	"github.com/marketdesk/desk/internal/rest"
	"github.com/marketdesk/desk/internal/schema"
	"github.com/marketdesk/desk/internal/ticker"
	"github.com/marketdesk/desk/internal/userstream"
)

// BotAPI is the backend strategy-runner surface proxied by the handler.
type BotAPI interface {
	GetBotStatus(ctx context.Context) (rest.BotStatus, error)
	StartBot(ctx context.Context) error
	StopBot(ctx context.Context) error
	BotLogs(ctx context.Context, limit int) ([]rest.BotLogEntry, error)
}

// Server handles local control requests.
type Server struct {
	store   *userstream.Store
	actions *userstream.Actions
	cache   *ticker.Cache
	bot     BotAPI
}

// NewServer wires the handler to its collaborators.
func NewServer(store *userstream.Store, actions *userstream.Actions, cache *ticker.Cache, bot BotAPI) *Server {
	return &Server{store: store, actions: actions, cache: cache, bot: bot}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("GET /v1/ticks", s.handleTicks)
	mux.HandleFunc("POST /v1/orders", s.handlePlaceOrder)
	mux.HandleFunc("DELETE /v1/orders/{key}", s.handleCancelOrder)
	mux.HandleFunc("GET /v1/bot/status", s.handleBotStatus)
	mux.HandleFunc("POST /v1/bot/start", s.handleBotStart)
	mux.HandleFunc("POST /v1/bot/stop", s.handleBotStop)
	mux.HandleFunc("GET /v1/bot/logs", s.handleBotLogs)
	return mux
}

type stateView struct {
	Connection     string                     `json:"connection"`
	OpenOrders     []schema.Order             `json:"openOrders"`
	Balances       []schema.Balance           `json:"balances"`
	History        []schema.Order             `json:"history"`
	SystemMessages []userstream.SystemMessage `json:"systemMessages"`
	Freshness      string                     `json:"freshness"`
	FreshnessMs    int64                      `json:"freshnessMs"`
	FreshnessKnown bool                       `json:"freshnessKnown"`
	Fallback       bool                       `json:"fallback"`
	SchemaVersion  int                        `json:"schemaVersion"`
	LastSnapshotTS int64                      `json:"lastSnapshotTs"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()

	orders := make([]schema.Order, 0, len(snap.OpenOrders))
	for _, order := range snap.OpenOrders {
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Key() < orders[j].Key() })

	balances := make([]schema.Balance, 0, len(snap.Balances))
	for _, balance := range snap.Balances {
		balances = append(balances, balance)
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Asset < balances[j].Asset })

	writeJSON(w, http.StatusOK, stateView{
		Connection:     snap.Connection.String(),
		OpenOrders:     orders,
		Balances:       balances,
		History:        snap.History,
		SystemMessages: snap.SystemMessages,
		Freshness:      string(snap.Freshness),
		FreshnessMs:    snap.FreshnessMs,
		FreshnessKnown: snap.FreshnessKnown,
		Fallback:       snap.Fallback,
		SchemaVersion:  snap.SchemaVersion,
		LastSnapshotTS: snap.LastSnapshotTS,
	})
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.All())
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req rest.PlaceOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ack, err := s.actions.PlaceOrder(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.actions.CancelOrder(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.bot.GetBotStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	if err := s.bot.StartBot(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	if err := s.bot.StopBot(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBotLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.bot.BotLogs(r.Context(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func decodeBody(r *http.Request, out any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return errs.New("httpapi", errs.CodeInvalid,
			errs.WithMessage("read request body"), errs.WithCause(err))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.New("httpapi", errs.CodeInvalid,
			errs.WithMessage("decode request body"), errs.WithCause(err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		observability.Log().Error("encode response failed",
			observability.F("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if e, ok := err.(*errs.E); ok {
		switch e.Code {
		case errs.CodeInvalid:
			status = http.StatusBadRequest
		case errs.CodeNotFound:
			status = http.StatusNotFound
		case errs.CodeTimeout:
			status = http.StatusGatewayTimeout
		case errs.CodeUnavailable, errs.CodeTransport, errs.CodeProtocol:
			status = http.StatusBadGateway
		case errs.CodeApplication:
			if e.HTTP > 0 {
				status = e.HTTP
			}
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
