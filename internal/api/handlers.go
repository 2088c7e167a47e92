package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"gwi.com/ragchat/internal/auth"
	"gwi.com/ragchat/internal/core"
	"gwi.com/ragchat/internal/logger"
	"gwi.com/ragchat/internal/search"
	"gwi.com/ragchat/internal/store"
	"gwi.com/ragchat/internal/usage"
)

type Chat interface {
	Answer(ctx context.Context, req core.Request) (*core.Result, error)
	Stream(ctx context.Context, req core.Request, emit func(string) error) (*core.Result, error)
}

type Documents interface {
	Upload(ctx context.Context, up core.Upload) (*core.Summary, error)
	Summarize(ctx context.Context, filename string, data []byte) (*core.Summary, error)
	Cleanup(ctx context.Context, sessionIDs []string) ([]string, error)
}

type Users interface {
	Login(ctx context.Context, claims *auth.Claims) (*store.User, bool, error)
}

type Feedback interface {
	Submit(ctx context.Context, userID, messageID string, rating int, comment *string) (*store.Feedback, error)
}

// UsageTotals reports the running per-user usage totals.
type UsageTotals interface {
	Totals(ctx context.Context, userID string) (usage.Totals, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the HTTP surface. Health and Usage may be nil.
type Deps struct {
	Chat           Chat
	Documents      Documents
	Users          Users
	Feedback       Feedback
	Usage          UsageTotals
	Search         search.Searcher
	Verifier       auth.Verifier
	Health         Pinger
	Logger         *logger.Logger
	MaxUploadBytes int64
	SearchResults  int
}

type APIHandler struct {
	chat      Chat
	documents Documents
	users     Users
	feedback  Feedback
	usage     UsageTotals
	searcher  search.Searcher
	verifier  auth.Verifier
	health    Pinger
	log       *logger.Logger
	maxUpload int64
	searchK   int
}

func NewAPIHandler(d Deps) *APIHandler {
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 25 << 20
	}
	if d.SearchResults <= 0 {
		d.SearchResults = 3
	}
	return &APIHandler{
		chat:      d.Chat,
		documents: d.Documents,
		users:     d.Users,
		feedback:  d.Feedback,
		usage:     d.Usage,
		searcher:  d.Search,
		verifier:  d.Verifier,
		health:    d.Health,
		log:       d.Logger,
		maxUpload: d.MaxUploadBytes,
		searchK:   d.SearchResults,
	}
}

func (h *APIHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		claims, err := h.verifier.Verify(r.Context(), token)
		if err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func claimsOf(r *http.Request) *auth.Claims {
	c, _ := auth.FromContext(r.Context())
	if c == nil {
		return &auth.Claims{}
	}
	return c
}

// money renders a cost as a JSON number with two decimals.
func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.log.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type LoginResponse struct {
	UserID    string         `json:"user_id"`
	Name      string         `json:"name"`
	GroupName *string        `json:"group_name"`
	Created   bool           `json:"created"`
	Usage     *UsageResponse `json:"usage,omitempty"`
}

type UsageResponse struct {
	Tokens int64       `json:"tokens"`
	Cost   json.Number `json:"cost"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	user, created, err := h.users.Login(r.Context(), claimsOf(r))
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, LoginResponse{
		UserID:    user.UserID,
		Name:      user.Name,
		GroupName: user.GroupName,
		Created:   created,
		Usage:     h.usageOf(r.Context(), user.UserID),
	})
}

// usageOf is informational: a failed lookup is logged and left out.
func (h *APIHandler) usageOf(ctx context.Context, userID string) *UsageResponse {
	if h.usage == nil {
		return nil
	}
	t, err := h.usage.Totals(ctx, userID)
	if err != nil {
		h.log.Warn("failed to read usage totals", "user_id", userID, "error", err)
		return nil
	}
	return &UsageResponse{Tokens: t.Tokens, Cost: money(t.Cost)}
}

type SendMessageRequest struct {
	Message  string                `json:"message"`
	History  []core.HistoryMessage `json:"history"`
	Category string                `json:"category"`
}

type AnswerResponse struct {
	Response  string      `json:"response"`
	MessageID string      `json:"message_id"`
	Tokens    int         `json:"tokens"`
	Cost      json.Number `json:"cost"`
	Source    string      `json:"source"`
}

func answerResponse(res *core.Result) AnswerResponse {
	return AnswerResponse{
		Response:  res.Answer,
		MessageID: res.MessageID,
		Tokens:    res.Tokens,
		Cost:      money(res.Cost),
		Source:    string(res.Source),
	}
}

func wantsStream(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	stream, _ := strconv.ParseBool(r.URL.Query().Get("stream"))
	return stream
}

func (h *APIHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, badRequest("invalid request body: "+err.Error()), nil)
		return
	}
	creq := core.Request{
		Question:  req.Message,
		History:   req.History,
		SessionID: r.Header.Get("Chat-Id"),
		UserID:    claimsOf(r).Subject,
		Category:  req.Category,
	}
	if strings.TrimSpace(creq.Question) == "" {
		h.writeError(w, r, core.ErrEmptyQuestion, nil)
		return
	}

	if wantsStream(r) {
		h.streamAnswer(w, r, creq)
		return
	}

	res, err := h.chat.Answer(r.Context(), creq)
	if err != nil {
		var extra map[string]any
		if res != nil {
			extra = map[string]any{"response": res.Answer, "message_id": res.MessageID}
		}
		h.writeError(w, r, err, extra)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse(res))
}

func (h *APIHandler) streamAnswer(w http.ResponseWriter, r *http.Request, req core.Request) {
	sse, ok := newSSEWriter(w)
	if !ok {
		h.writeError(w, r, errors.New("streaming unsupported by response writer"), nil)
		return
	}

	res, err := h.chat.Stream(r.Context(), req, sse.fragment)
	switch {
	case err == nil:
		_ = sse.final(answerResponse(res))
	case r.Context().Err() != nil:
		h.log.Info("client left mid-stream", "chat_id", req.SessionID, "error", err)
		return
	default:
		ae := classify(err)
		h.log.Error("stream failed", "chat_id", req.SessionID, "code", ae.Code, "error", err)
		var extra map[string]any
		if res != nil {
			extra = map[string]any{"response": res.Answer, "message_id": res.MessageID}
		}
		_ = sse.fail(ae, extra)
	}
	_ = sse.done()
}

// readUpload reads the multipart "file" field within the upload size limit.
func (h *APIHandler) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, err
		}
		return "", nil, badRequest("invalid multipart body: " + err.Error())
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, badRequest("multipart field \"file\" is required")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return header.Filename, data, nil
}

type SummaryResponse struct {
	Summary   string      `json:"summary"`
	Tokens    int         `json:"tokens"`
	Cost      json.Number `json:"cost"`
	MessageID string      `json:"message_id,omitempty"`
	Chunks    int         `json:"chunks"`
}

func summaryResponse(s *core.Summary) SummaryResponse {
	return SummaryResponse{Summary: s.Summary, Tokens: s.Tokens, Cost: money(s.Cost), MessageID: s.MessageID, Chunks: s.Chunks}
}

func (h *APIHandler) UploadDocumentHandler(w http.ResponseWriter, r *http.Request) {
	chatID := r.Header.Get("Chat-Id")
	if chatID == "" {
		h.writeError(w, r, core.ErrMissingSession, nil)
		return
	}
	filename, data, err := h.readUpload(w, r)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	sum, err := h.documents.Upload(r.Context(), core.Upload{
		SessionID: chatID,
		UserID:    claimsOf(r).Subject,
		Filename:  filename,
		Data:      data,
	})
	if err != nil {
		var extra map[string]any
		if sum != nil {
			extra = map[string]any{"summary": sum.Summary}
		}
		h.writeError(w, r, err, extra)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse(sum))
}

func (h *APIHandler) SummarizeHandler(w http.ResponseWriter, r *http.Request) {
	filename, data, err := h.readUpload(w, r)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	sum, err := h.documents.Summarize(r.Context(), filename, data)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse(sum))
}

type CleanupRequest struct {
	ChatIDs []string `json:"chat_ids"`
}

type CleanupResponse struct {
	Cleaned []string `json:"cleaned"`
	Failed  []string `json:"failed,omitempty"`
}

func (h *APIHandler) CleanupSessionsHandler(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, badRequest("invalid request body: "+err.Error()), nil)
		return
	}

	cleaned, err := h.documents.Cleanup(r.Context(), req.ChatIDs)
	resp := CleanupResponse{Cleaned: cleaned}
	if err != nil {
		h.log.Warn("some sessions could not be cleaned", "error", err)
		done := make(map[string]bool, len(cleaned))
		for _, id := range cleaned {
			done[id] = true
		}
		for _, id := range req.ChatIDs {
			if !done[id] {
				resp.Failed = append(resp.Failed, id)
			}
		}
	}
	if resp.Cleaned == nil {
		resp.Cleaned = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type FeedbackRequest struct {
	MessageID string  `json:"message_id"`
	Rating    int     `json:"rating"`
	Comment   *string `json:"comment"`
}

func (h *APIHandler) FeedbackHandler(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, badRequest("invalid request body: "+err.Error()), nil)
		return
	}
	if req.MessageID == "" {
		h.writeError(w, r, badRequest("message_id is required"), nil)
		return
	}

	fb, err := h.feedback.Submit(r.Context(), claimsOf(r).Subject, req.MessageID, req.Rating, req.Comment)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"feedback_id": fb.FeedbackID})
}

type SearchRequest struct {
	Query string `json:"query"`
}

func (h *APIHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, badRequest("invalid request body: "+err.Error()), nil)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		h.writeError(w, r, badRequest("query must not be empty"), nil)
		return
	}

	results, err := h.searcher.Search(r.Context(), req.Query, h.searchK)
	if err != nil {
		if !errors.Is(err, search.ErrUnexpectedResponse) {
			err = fmt.Errorf("%w: %v", core.ErrProvider, err)
		}
		h.writeError(w, r, err, nil)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
