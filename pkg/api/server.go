package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/committee"
	"github.com/Quillon-Labs/orderdesk/pkg/extract"
	"github.com/Quillon-Labs/orderdesk/pkg/observability"
	"github.com/Quillon-Labs/orderdesk/pkg/orchestrate"
	"github.com/Quillon-Labs/orderdesk/pkg/store/evidence"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
	"github.com/Quillon-Labs/orderdesk/pkg/submit"
)

// Deps are the components the boundary exposes.
type Deps struct {
	Orchestrator *orchestrate.Orchestrator
	Store        *state.Store
	Evidence     evidence.Store
	Signer       *evidence.Signer
	Extractor    *extract.Extractor
	Committee    *committee.Committee
	Submitter    *submit.Submitter
	Validator    *JWTValidator
	Limiter      Limiter
}

// Options tune the boundary.
type Options struct {
	// MaxUploadBytes caps the decoded workbook size. Default 25 MiB.
	MaxUploadBytes int64
	// ToolsKey guards the /tools/* endpoints.
	ToolsKey string
	// IdempotencyTTL is how long replayed bot responses stay valid.
	IdempotencyTTL time.Duration
	// LinkTTL bounds download links; clamped to the signer's maximum.
	LinkTTL time.Duration
}

// Server is the HTTP boundary of the order desk.
type Server struct {
	orch      *orchestrate.Orchestrator
	store     *state.Store
	evidence  evidence.Store
	signer    *evidence.Signer
	extractor *extract.Extractor
	committee *committee.Committee
	submitter *submit.Submitter
	validator *JWTValidator
	limiter   Limiter
	opts      Options
	logger    *slog.Logger
}

// NewServer wires the boundary over its dependencies.
func NewServer(deps Deps, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 25 * 1024 * 1024
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.LinkTTL <= 0 || opts.LinkTTL > evidence.MaxLinkTTL {
		opts.LinkTTL = evidence.MaxLinkTTL
	}
	if deps.Limiter == nil {
		deps.Limiter = NewLocalLimiter(50, 100)
	}
	return &Server{
		orch:      deps.Orchestrator,
		store:     deps.Store,
		evidence:  deps.Evidence,
		signer:    deps.Signer,
		extractor: deps.Extractor,
		committee: deps.Committee,
		submitter: deps.Submitter,
		validator: deps.Validator,
		limiter:   deps.Limiter,
		opts:      opts,
		logger:    observability.Component("api"),
	}
}

// Handler assembles the route table and the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// Bot webhook.
	mux.HandleFunc("/bot/file-uploaded", s.handleFileUploaded)
	mux.HandleFunc("/bot/corrections-submitted", s.handleCorrections)
	mux.HandleFunc("/bot/approval", s.handleApproval)
	mux.HandleFunc("/bot/customer-selected", s.handleCustomerSelected)
	mux.HandleFunc("/bot/item-selected", s.handleItemSelected)
	mux.HandleFunc("/bot/cancel", s.handleCancel)

	// Case browser.
	mux.HandleFunc("/cases", s.handleCases)
	mux.HandleFunc("/cases/", s.handleCaseRouter)
	mux.HandleFunc("/files/", s.handleSignedFile)

	// Internal tool endpoints.
	mux.HandleFunc("/tools/parse", s.withToolsKey(s.handleToolParse))
	mux.HandleFunc("/tools/committee-review", s.withToolsKey(s.handleToolCommitteeReview))
	mux.HandleFunc("/tools/zoho/create-draft-salesorder", s.withToolsKey(s.handleToolCreateDraft))

	return Chain(mux,
		RecoverMiddleware,
		CorrelationMiddleware,
		LoggingMiddleware,
		RateLimitMiddleware(s.limiter),
		AuthMiddleware(s.validator),
		IdempotencyMiddleware(s.store, s.opts.IdempotencyTTL),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness: the state store must answer a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.DB().PingContext(ctx); err != nil {
		s.logger.Warn("readiness: state store ping failed", "error", err)
		WriteUnavailable(w, 0, "state store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
