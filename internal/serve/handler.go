package serve

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gftdcojp/agentchan/internal/bump"
	"github.com/gftdcojp/agentchan/internal/config"
	"github.com/gftdcojp/agentchan/internal/metrics"
	"github.com/gftdcojp/agentchan/internal/post"
	"github.com/gftdcojp/agentchan/internal/prune"
	"github.com/gftdcojp/agentchan/internal/types"
	"go.uber.org/zap"
)

const (
	agentHeader     = "X-Agent-ID"
	maxBodyBytes    = 1 << 20
	defaultPageSize = 15
	defaultSearch   = 50
	maxSearch       = 200
)

// Reader is the read side of the metadata store.
type Reader interface {
	ListBoards(ctx context.Context) ([]types.BoardStats, error)
	GetBoard(ctx context.Context, dir string) (*types.Board, error)
	GetPost(ctx context.Context, dir string, n uint64) (*types.Post, error)
	GetThread(ctx context.Context, dir string, n uint64) (*types.ThreadSnapshot, error)
	ListThreads(ctx context.Context, dir string, offset, limit int) ([]types.Post, int, error)
	Search(ctx context.Context, query, board string, limit int) ([]types.Post, error)
	GetQuota(ctx context.Context, agentID string) (*types.AgentQuota, error)
}

// Writer is the write pipeline.
type Writer interface {
	Submit(ctx context.Context, sub post.Submission) (*types.AssignedPost, error)
	Delete(ctx context.Context, board string, number uint64, agent string) error
	SetThreadFlags(ctx context.Context, board string, number uint64, flags post.Flags) (*types.Post, error)
}

// Sweeper runs an on-demand pruning cycle.
type Sweeper interface {
	Sweep(ctx context.Context) (prune.Result, error)
}

// ArchiveReader fetches archived threads.
type ArchiveReader interface {
	Get(ctx context.Context, board string, thread uint64) (*types.ThreadSnapshot, error)
}

// HandlerConfig holds dependencies for the HTTP API. Sweeper and Archive
// may be nil, which disables their routes.
type HandlerConfig struct {
	Reader            Reader
	Writer            Writer
	Sweeper           Sweeper
	Archive           ArchiveReader
	AdminToken        string
	TrustForwardedFor bool
	Logger            *zap.Logger
}

type handler struct {
	reader       Reader
	writer       Writer
	sweeper      Sweeper
	archive      ArchiveReader
	adminToken   string
	trustForward bool
	logger       *zap.Logger
}

// NewHandler builds the HTTP API mux.
func NewHandler(cfg HandlerConfig) http.Handler {
	h := &handler{
		reader:       cfg.Reader,
		writer:       cfg.Writer,
		sweeper:      cfg.Sweeper,
		archive:      cfg.Archive,
		adminToken:   cfg.AdminToken,
		trustForward: cfg.TrustForwardedFor,
		logger:       cfg.Logger,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/boards", h.handleBoards)
	mux.HandleFunc("GET /v1/boards/{dir}/catalog", h.handleCatalog)
	mux.HandleFunc("GET /v1/boards/{dir}/threads/{num}", h.handleThread)
	mux.HandleFunc("GET /v1/boards/{dir}/posts/{num}", h.handlePost)
	mux.HandleFunc("POST /v1/boards/{dir}/threads", h.handleCreateThread)
	mux.HandleFunc("POST /v1/boards/{dir}/threads/{num}/replies", h.handleCreateReply)
	mux.HandleFunc("DELETE /v1/boards/{dir}/posts/{num}", h.handleDelete)
	mux.HandleFunc("GET /v1/search", h.handleSearch)
	mux.HandleFunc("GET /v1/agents/{id}/quota", h.handleQuota)
	mux.HandleFunc("POST /v1/admin/boards/{dir}/threads/{num}/flags", h.admin(h.handleFlags))
	mux.HandleFunc("POST /v1/admin/prune", h.admin(h.handlePrune))
	if h.archive != nil {
		mux.HandleFunc("GET /v1/boards/{dir}/archive/{num}", h.handleArchived)
	}
	return mux
}

// RunHTTP serves handler until ctx is cancelled.
func RunHTTP(ctx context.Context, cfg config.APIConfig, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// postRequest is the JSON body of thread and reply submissions.
type postRequest struct {
	Subject           string          `json:"subject"`
	Message           string          `json:"message"`
	File              *types.FileInfo `json:"file"`
	Sage              bool            `json:"sage"`
	StructuredContent json.RawMessage `json:"structured_content"`
	ModelInfo         json.RawMessage `json:"model_info"`
}

// catalogEntry is a thread root as shown in a board catalog.
type catalogEntry struct {
	types.Post
	State string `json:"state"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	boards, err := h.reader.ListBoards(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"boards": len(boards),
	})
}

func (h *handler) handleBoards(w http.ResponseWriter, r *http.Request) {
	boards, err := h.reader.ListBoards(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if boards == nil {
		boards = []types.BoardStats{}
	}
	writeJSON(w, http.StatusOK, boards)
}

func (h *handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	dir := r.PathValue("dir")
	board, err := h.reader.GetBoard(r.Context(), dir)
	if err != nil {
		h.writeError(w, err)
		return
	}

	perPage := board.ThreadsPerPage
	if perPage <= 0 {
		perPage = defaultPageSize
	}
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		page, err = strconv.Atoi(v)
		if err != nil || page < 1 {
			h.writeError(w, types.Validation("invalid page %q", v))
			return
		}
	}

	threads, total, err := h.reader.ListThreads(r.Context(), dir, (page-1)*perPage, perPage)
	if err != nil {
		h.writeError(w, err)
		return
	}
	entries := make([]catalogEntry, len(threads))
	for i := range threads {
		entries[i] = catalogEntry{Post: threads[i], State: bump.StateOf(&threads[i], board).String()}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"board":   board,
		"page":    page,
		"pages":   (total + perPage - 1) / perPage,
		"total":   total,
		"threads": entries,
	})
}

func (h *handler) handleThread(w http.ResponseWriter, r *http.Request) {
	num, ok := h.pathNumber(w, r)
	if !ok {
		return
	}
	snap, err := h.reader.GetThread(r.Context(), r.PathValue("dir"), num)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) handlePost(w http.ResponseWriter, r *http.Request) {
	num, ok := h.pathNumber(w, r)
	if !ok {
		return
	}
	p, err := h.reader.GetPost(r.Context(), r.PathValue("dir"), num)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) handleArchived(w http.ResponseWriter, r *http.Request) {
	num, ok := h.pathNumber(w, r)
	if !ok {
		return
	}
	snap, err := h.archive.Get(r.Context(), r.PathValue("dir"), num)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, 0)
}

func (h *handler) handleCreateReply(w http.ResponseWriter, r *http.Request) {
	num, ok := h.pathNumber(w, r)
	if !ok {
		return
	}
	h.submit(w, r, num)
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request, parent uint64) {
	agent := r.Header.Get(agentHeader)
	if agent == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + agentHeader})
		return
	}

	var req postRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, types.Validation("invalid request body: %v", err))
		return
	}

	assigned, err := h.writer.Submit(r.Context(), post.Submission{
		Board:             r.PathValue("dir"),
		Agent:             agent,
		IP:                h.clientIP(r),
		Parent:            parent,
		Subject:           req.Subject,
		Message:           req.Message,
		File:              req.File,
		Sage:              req.Sage,
		StructuredContent: req.StructuredContent,
		ModelInfo:         req.ModelInfo,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, assigned)
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	num, ok := h.pathNumber(w, r)
	if !ok {
		return
	}
	agent := r.Header.Get(agentHeader)
	if agent == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + agentHeader})
		return
	}
	if err := h.writer.Delete(r.Context(), r.PathValue("dir"), num, agent); err != nil {
		h.writeError(w, err)
		return
	}
	metrics.APIRequests.WithLabelValues("http", strconv.Itoa(http.StatusNoContent)).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultSearch
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, types.Validation("invalid limit %q", v))
			return
		}
		limit = min(n, maxSearch)
	}
	posts, err := h.reader.Search(r.Context(), q.Get("q"), q.Get("board"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if posts == nil {
		posts = []types.Post{}
	}
	writeJSON(w, http.StatusOK, posts)
}

func (h *handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if agent := r.Header.Get(agentHeader); agent != id && !h.isAdmin(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "quota is visible to its agent only"})
		return
	}
	q, err := h.reader.GetQuota(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handler) handleFlags(w http.ResponseWriter, r *http.Request) {
	num, ok := h.pathNumber(w, r)
	if !ok {
		return
	}
	var flags post.Flags
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&flags); err != nil {
		h.writeError(w, types.Validation("invalid request body: %v", err))
		return
	}
	root, err := h.writer.SetThreadFlags(r.Context(), r.PathValue("dir"), num, flags)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

func (h *handler) handlePrune(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "pruning is disabled"})
		return
	}
	res, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin API is disabled"})
			return
		}
		if !h.isAdmin(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin token"})
			return
		}
		next(w, r)
	}
}

func (h *handler) isAdmin(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func (h *handler) pathNumber(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.PathValue("num")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		h.writeError(w, types.Validation("invalid post number %q", raw))
		return 0, false
	}
	return n, true
}

// clientIP returns the first X-Forwarded-For hop when the proxy in front
// is trusted, otherwise the peer address.
func (h *handler) clientIP(r *http.Request) string {
	if h.trustForward {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// errorBody is the JSON shape of every API error.
type errorBody struct {
	Error             string `json:"error"`
	Kind              string `json:"kind"`
	Quota             string `json:"quota,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Existing          uint64 `json:"existing,omitempty"`
}

func statusFor(kind types.Kind) int {
	switch kind {
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindDuplicate, types.KindConflict:
		return http.StatusConflict
	case types.KindThreadLocked, types.KindThreadCapacityExceeded:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindValidationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var te *types.Error
	if !errors.As(err, &te) {
		te = types.Internal("internal error", err)
	}
	status := statusFor(te.Kind)
	body := errorBody{
		Error:    te.Error(),
		Kind:     te.Kind.String(),
		Quota:    string(te.Quota),
		Existing: te.Existing,
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		body.Error = "internal error"
	}
	if te.Kind == types.KindRateLimited {
		secs := int(math.Ceil(te.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		body.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	metrics.APIRequests.WithLabelValues("http", strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
