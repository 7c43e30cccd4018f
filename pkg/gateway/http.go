package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/mahaj/messaging-core/pkg/accounts"
	"github.com/mahaj/messaging-core/pkg/auth"
	"github.com/mahaj/messaging-core/pkg/errs"
	"github.com/mahaj/messaging-core/pkg/logger"
	"github.com/mahaj/messaging-core/pkg/snowflake"
)

const maxBodySize = 1 << 20

type HTTPOptions struct {
	// AllowedOrigins applies to CORS and the websocket handshake. "*" allows any.
	AllowedOrigins []string
}

type Handler struct {
	svc      *Service
	log      *slog.Logger
	upgrader websocket.Upgrader
}

type envelope map[string]any

type errorBody struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// NewHandler mounts the REST and websocket routes.
func NewHandler(svc *Service, log *slog.Logger, opts HTTPOptions) http.Handler {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	h := &Handler{
		svc: svc,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(origins),
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogging(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.register)
		r.Post("/login", h.login)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Route("/messages", func(r chi.Router) {
			r.Post("/", h.postMessage)
			r.Get("/", h.getMessages)
			r.Post("/{id}/read", h.markRead)
		})
		r.Post("/groups/{id}/members", h.addGroupMembers)
		r.Get("/users/{id}/online", h.online)
	})
	// Authenticates itself, browsers pass the token as a query parameter.
	r.Get("/ws", h.serveWS)

	return r
}

// requireToken rejects requests without a valid bearer token before any body
// or query is looked at.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.svc.Authenticate(bearerToken(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || lo.Contains(allowed, origin)
	}
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req accounts.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := h.svc.Register(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req accounts.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := h.svc.Login(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.svc.PostMessage(r.Context(), bearerToken(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{"message": m})
}

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request) {
	req, err := parseWindowQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := h.svc.GetMessages(r.Context(), bearerToken(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"messages": msgs})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := snowflake.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, errs.Field("id", "must be a message id"))
		return
	}
	if err := h.svc.MarkRead(r.Context(), bearerToken(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"success": true})
}

func (h *Handler) addGroupMembers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.AddGroupMembers(r.Context(), bearerToken(r), chi.URLParam(r, "id"), body.UserIDs); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"success": true})
}

func (h *Handler) online(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	online, err := h.svc.Online(r.Context(), bearerToken(r), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"user_id": userID, "online": online})
}

func parseWindowQuery(r *http.Request) (GetMessagesRequest, error) {
	q := r.URL.Query()
	req := GetMessagesRequest{ReceiverID: q.Get("receiver_id")}
	fields := map[string]string{}

	if raw := q.Get("is_group"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			fields["is_group"] = "must be a boolean"
		}
		req.IsGroup = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			fields["limit"] = "must be an integer"
		}
		req.Limit = v
	}
	if raw := q.Get("before_id"); raw != "" {
		v, err := snowflake.ParseID(raw)
		if err != nil {
			fields["before_id"] = "must be a message id"
		}
		req.BeforeID = v
	}
	if len(fields) > 0 {
		return GetMessagesRequest{}, errs.Validation(fields)
	}
	return req, nil
}

func bearerToken(r *http.Request) string {
	raw := r.Header.Get("Authorization")
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return strings.TrimSpace(raw)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Field("body", "required")
		}
		return errs.Field("body", "must be valid JSON")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", append(logger.AttrsFromCtx(r.Context()), "status", status, "err", err)...)
	}
	writeJSON(w, status, envelope{"error": body})
}

// errorFor hides backend detail on 5xx.
func errorFor(err error) (int, *errorBody) {
	status := errs.ToHTTP(err)
	switch status {
	case http.StatusServiceUnavailable:
		return status, &errorBody{Message: "service unavailable, retry later"}
	case http.StatusInternalServerError:
		return status, &errorBody{Message: "internal error"}
	}
	return status, &errorBody{Message: err.Error(), Fields: errs.Fields(err)}
}

func errorFrame(ref string, err error) replyFrame {
	_, body := errorFor(err)
	return replyFrame{Type: frameError, Ref: ref, Error: body}
}

// requestLogging logs method, path, status and duration. Bodies are never
// logged since they carry credentials.
func requestLogging(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			// The wrapper keeps http.Hijacker so websocket upgrades still work.
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Info("http request", append(logger.AttrsFromCtx(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
			)...)
		})
	}
}
