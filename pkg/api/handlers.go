package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/vincent-petithory/dataurl"

	"github.com/countersign/countersign/pkg/ratelimit"
	"github.com/countersign/countersign/pkg/workflow"
)

// Service is the workflow surface the handlers drive.
type Service interface {
	Dispatch(ctx context.Context, req workflow.DispatchRequest) (*workflow.DispatchResult, error)
	Inspect(ctx context.Context, token string) (*workflow.Session, error)
	Document(ctx context.Context, token string) (*workflow.Download, error)
	Submit(ctx context.Context, token string, image []byte) (*workflow.Result, error)
	Status(ctx context.Context, contractID string) (*workflow.Progress, error)
	Verify(ctx context.Context, contractID string) (*workflow.Verification, error)
	Cancel(ctx context.Context, contractID string) error
}

const (
	// DefaultMaxDispatchBytes bounds a dispatch body, base64 PDF included.
	DefaultMaxDispatchBytes = 32 << 20
	// MaxSignatureBytes bounds a signature submission.
	MaxSignatureBytes = 4 << 20
)

// Options configures the handler.
type Options struct {
	AdminAPIKey      string
	Limiter          ratelimit.Limiter
	Idempotency      IdempotencyStorer
	MaxDispatchBytes int64
	// Ready is probed by GET /health when set.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	svc    Service
	opts   Options
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewHandler builds a Handler.
func NewHandler(svc Service, opts Options) (*Handler, error) {
	schema, err := compileDispatchSchema()
	if err != nil {
		return nil, err
	}
	if opts.MaxDispatchBytes <= 0 {
		opts.MaxDispatchBytes = DefaultMaxDispatchBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, opts: opts, schema: schema, logger: logger.With("component", "api")}, nil
}

// RegisterRoutes registers the API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	admin := AdminAuth(h.opts.AdminAPIKey)
	signing := []Middleware{RateLimitMiddleware(h.opts.Limiter, h.logger), noStore}

	mux.HandleFunc("GET /health", h.handleHealth)

	dispatch := []Middleware{admin}
	if h.opts.Idempotency != nil {
		dispatch = append(dispatch, IdempotencyMiddleware(h.opts.Idempotency, h.opts.MaxDispatchBytes))
	}
	mux.Handle("POST /api/v1/contracts", Chain(http.HandlerFunc(h.handleDispatch), dispatch...))
	mux.Handle("GET /api/v1/contracts/{id}", Chain(http.HandlerFunc(h.handleStatus), admin))
	mux.Handle("POST /api/v1/contracts/{id}/cancel", Chain(http.HandlerFunc(h.handleCancel), admin))
	mux.Handle("GET /api/v1/contracts/{id}/verify", Chain(http.HandlerFunc(h.handleVerify), admin))

	mux.Handle("GET /api/v1/sign/{token}", Chain(http.HandlerFunc(h.handleSession), signing...))
	mux.Handle("GET /api/v1/sign/{token}/document", Chain(http.HandlerFunc(h.handleDocument), signing...))
	mux.Handle("POST /api/v1/sign/{token}", Chain(http.HandlerFunc(h.handleSubmit), signing...))
}

// Routes returns the full handler with the standard middleware stack.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return Chain(mux, RequestIDMiddleware, LoggingMiddleware(h.logger), RecoverMiddleware(h.logger))
}

// noStore keeps signing responses out of caches and referrers.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.opts.Ready(ctx); err != nil {
			h.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// dispatchBody is the wire form of a dispatch request.
type dispatchBody struct {
	Title     string                 `json:"title"`
	HTML      string                 `json:"html"`
	PDFBase64 string                 `json:"pdf_base64"`
	TokenTTL  string                 `json:"token_ttl"`
	Signers   []workflow.SignerInput `json:"signers"`
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxDispatchBytes))
	if err != nil {
		WriteError(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "Request body is too large")
		return
	}

	// 1. Structural validation against the schema.
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		WriteBadRequest(w, r, "Invalid JSON body")
		return
	}
	if err := h.schema.Validate(doc); err != nil {
		WriteBadRequest(w, r, schemaMessage(err))
		return
	}

	// 2. Decode into the typed request.
	var body dispatchBody
	if err := json.Unmarshal(raw, &body); err != nil {
		WriteBadRequest(w, r, "Invalid JSON body")
		return
	}
	req := workflow.DispatchRequest{Title: body.Title, HTML: body.HTML, Signers: body.Signers}
	if body.PDFBase64 != "" {
		req.PDF, err = base64.StdEncoding.DecodeString(body.PDFBase64)
		if err != nil {
			WriteBadRequest(w, r, "pdf_base64 is not valid base64")
			return
		}
	}
	if body.TokenTTL != "" {
		req.TokenTTL, err = time.ParseDuration(body.TokenTTL)
		if err != nil || req.TokenTTL <= 0 {
			WriteBadRequest(w, r, "token_ttl must be a positive duration")
			return
		}
	}

	// 3. Run the workflow.
	res, err := h.svc.Dispatch(r.Context(), req)
	if err != nil {
		WriteWorkflowError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Location", "/api/v1/contracts/"+res.ContractID)
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteWorkflowError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		WriteWorkflowError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"contract_id": id, "status": "cancelled"})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Verify(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteWorkflowError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Inspect(r.Context(), r.PathValue("token"))
	if err != nil {
		WriteWorkflowError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) handleDocument(w http.ResponseWriter, r *http.Request) {
	dl, err := h.svc.Document(r.Context(), r.PathValue("token"))
	if err != nil {
		WriteWorkflowError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	_, _ = w.Write(dl.Data)
}

// submitBody carries the signature as a data URL.
type submitBody struct {
	Signature string `json:"signature"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxSignatureBytes)).Decode(&body); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}
	du, err := dataurl.DecodeString(body.Signature)
	if err != nil {
		WriteBadRequest(w, r, "signature must be a data URL")
		return
	}
	if du.MediaType.Type != "image" || len(du.Data) == 0 {
		WriteBadRequest(w, r, "signature must be a non-empty image")
		return
	}

	res, err := h.svc.Submit(r.Context(), r.PathValue("token"), du.Data)
	if err != nil {
		WriteWorkflowError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
