// package httpserver exposes the vault operations over HTTP. Transport only:
// all semantics live in the vault, retention and export packages.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/safeharborhq/compliance-vault/internal/auth"
	"github.com/safeharborhq/compliance-vault/internal/config"
	"github.com/safeharborhq/compliance-vault/internal/export"
	"github.com/safeharborhq/compliance-vault/internal/retention"
	"github.com/safeharborhq/compliance-vault/internal/vault"
)

type Server struct {
	cfg       *config.Config
	store     vault.Store
	ledger    *vault.Ledger
	verifier  *vault.Verifier
	retention *retention.Manager
	exporter  *export.Exporter
}

func New(cfg *config.Config, store vault.Store, ledger *vault.Ledger, verifier *vault.Verifier,
	rm *retention.Manager, exporter *export.Exporter) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		ledger:    ledger,
		verifier:  verifier,
		retention: rm,
		exporter:  exporter,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(auth.NewMiddleware([]byte(s.cfg.AuthSecret)))

	enforce := s.cfg.AuthSecret != ""

	r.Get("/health", s.handleHealth)

	r.Route("/vault/{tenant}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.Require(enforce, auth.RoleProducer))
			r.Post("/entries", s.handleAppend)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Require(enforce, auth.RoleAuditor))
			r.Get("/entries", s.handleList)
			r.Get("/entries/{seq}", s.handleGet)
			r.Get("/entries/{seq}/verify", s.handleVerifyEntry)
			r.Get("/verify", s.handleVerify)
			r.Post("/export", s.handleExport)
			r.Get("/retention/summary", s.handleRetentionSummary)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Require(enforce, auth.RoleAdmin))
			r.Post("/retention/sweep", s.handleRetentionSweep)
			r.Put("/retention/policy", s.handleSetPolicy)
			r.Put("/hold", s.handleScopeHold)
			r.Put("/entries/{seq}/hold", s.handleSetHold(true))
			r.Delete("/entries/{seq}/hold", s.handleSetHold(false))
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(r.Context()); err != nil {
		status["ok"] = false
		status["store"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type appendRequest struct {
	EntryType string      `json:"entryType"`
	Payload   interface{} `json:"payload"`
	Actor     string      `json:"actor"`
	ActorType string      `json:"actorType,omitempty"`
	SubjectID string      `json:"subjectId,omitempty"`
}

// POST /vault/{tenant}/entries
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req appendRequest
	dec := json.NewDecoder(r.Body)
	// Numbers must keep their textual form all the way into canonicalization.
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	actor := req.Actor
	if actor == "" {
		if ai := auth.FromContext(r.Context()); ai != nil {
			actor = ai.Subject
		}
	}

	e, err := s.ledger.AppendWithRetry(r.Context(), vault.AppendRequest{
		Tenant:    tenant,
		EntryType: vault.EntryType(req.EntryType),
		Payload:   req.Payload,
		Actor:     actor,
		ActorType: vault.ActorType(req.ActorType),
		SubjectID: req.SubjectID,
	}, s.cfg.AppendMaxAttempts)
	if err != nil {
		switch {
		case vault.IsValidation(err):
			respondError(w, http.StatusBadRequest, err.Error())
		case vault.IsConflict(err):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "append entry: "+err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

// GET /vault/{tenant}/entries
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	f, err := filterFromQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := queryInt(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}
	offset := queryInt(r, "offset", 0)

	entries, err := s.store.ListEntries(r.Context(), tenant, f, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list entries: "+err.Error())
		return
	}
	if entries == nil {
		entries = []*vault.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// GET /vault/{tenant}/entries/{seq}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid sequence number")
		return
	}
	e, err := s.store.GetEntry(r.Context(), tenant, seq)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			respondError(w, http.StatusNotFound, "entry not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "get entry: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// GET /vault/{tenant}/entries/{seq}/verify
func (s *Server) handleVerifyEntry(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid sequence number")
		return
	}
	if err := s.verifier.VerifyEntry(r.Context(), tenant, seq); err != nil {
		var ie *vault.IntegrityError
		if errors.As(err, &ie) {
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"isValid":   false,
				"sequence":  ie.Sequence,
				"breakKind": ie.Kind,
				"detail":    ie.Detail,
			})
			return
		}
		if errors.Is(err, vault.ErrNotFound) {
			respondError(w, http.StatusNotFound, "entry not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "verify entry: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"isValid": true, "sequence": seq})
}

// GET /vault/{tenant}/verify?from=&to=
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	from := int64(queryInt(r, "from", 1))
	to := int64(queryInt(r, "to", 0))

	res, err := s.verifier.VerifyRange(r.Context(), tenant, from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "verify chain: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type exportRequest struct {
	From       string   `json:"from,omitempty"`
	To         string   `json:"to,omitempty"`
	SubjectID  string   `json:"subjectId,omitempty"`
	EntryTypes []string `json:"entryTypes,omitempty"`
}

// POST /vault/{tenant}/export
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req exportRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
	}
	f, err := req.filter()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	generatedBy := "system"
	if ai := auth.FromContext(r.Context()); ai != nil && ai.Subject != "" {
		generatedBy = ai.Subject
	}

	pack, objectKey, err := s.exporter.ExportAndStore(r.Context(), tenant, f, generatedBy)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "export: "+err.Error())
		return
	}

	// The generation itself is a consequential action and gets its own entry.
	// The pack is never chained; only the fact it was produced is.
	if _, err := s.ledger.AppendWithRetry(r.Context(), vault.AppendRequest{
		Tenant:    tenant,
		EntryType: vault.EntryAuditPackGenerated,
		Payload: map[string]interface{}{
			"pack_id":        pack.Manifest.PackID,
			"entry_count":    pack.Manifest.EntryCount,
			"aggregate_hash": pack.Manifest.AggregateHash,
			"chain_valid":    pack.Manifest.ChainValid,
		},
		Actor:     generatedBy,
		ActorType: vault.ActorSystem,
	}, s.cfg.AppendMaxAttempts); err != nil {
		respondError(w, http.StatusInternalServerError, "record export: "+err.Error())
		return
	}

	data, err := export.Marshal(pack)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "serialize pack: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-pack-`+pack.Manifest.PackID+`.json"`)
	if objectKey != "" {
		w.Header().Set("X-Vault-Pack-Key", objectKey)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// POST /vault/{tenant}/retention/sweep
func (s *Server) handleRetentionSweep(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	sum, err := s.retention.Evaluate(r.Context(), tenant)
	if err != nil {
		if errors.Is(err, retention.ErrSweepRunning) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		var rpe *vault.RetentionPolicyError
		if errors.As(err, &rpe) {
			// Fail closed: report, archive nothing.
			respondError(w, http.StatusUnprocessableEntity, rpe.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "retention sweep: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// GET /vault/{tenant}/retention/summary
func (s *Server) handleRetentionSummary(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	sum, err := s.retention.Summary(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "retention summary: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

type policyRequest struct {
	PeriodDays     int  `json:"periodDays"`
	HoldAllEntries bool `json:"holdAllEntries"`
}

// PUT /vault/{tenant}/retention/policy
func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.PeriodDays <= 0 {
		req.PeriodDays = vault.DefaultRetentionDays
	}
	pol := vault.RetentionPolicy{
		Tenant:         tenant,
		PeriodDays:     req.PeriodDays,
		Period:         time.Duration(req.PeriodDays) * 24 * time.Hour,
		HoldAllEntries: req.HoldAllEntries,
	}
	if err := s.store.SetRetentionPolicy(r.Context(), pol); err != nil {
		respondError(w, http.StatusInternalServerError, "set policy: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, pol)
}

type scopeHoldRequest struct {
	Hold bool `json:"hold"`
}

// PUT /vault/{tenant}/hold places or releases a tenant-wide legal hold. The
// retention period is left as is; only the hold flag changes.
func (s *Server) handleScopeHold(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var req scopeHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	pol, err := s.store.RetentionPolicy(r.Context(), tenant)
	if err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			respondError(w, http.StatusInternalServerError, "read policy: "+err.Error())
			return
		}
		pol = vault.RetentionPolicy{
			Tenant:     tenant,
			PeriodDays: s.cfg.RetentionDays,
			Period:     time.Duration(s.cfg.RetentionDays) * 24 * time.Hour,
		}
	}
	pol.HoldAllEntries = req.Hold
	if err := s.store.SetRetentionPolicy(r.Context(), pol); err != nil {
		respondError(w, http.StatusInternalServerError, "set hold: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, pol)
}

// PUT/DELETE /vault/{tenant}/entries/{seq}/hold
func (s *Server) handleSetHold(hold bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := chi.URLParam(r, "tenant")
		seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid sequence number")
			return
		}
		if err := s.store.SetEntryHold(r.Context(), tenant, seq, hold); err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				respondError(w, http.StatusNotFound, "entry not found")
				return
			}
			respondError(w, http.StatusInternalServerError, "set hold: "+err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"tenant":         tenant,
			"sequenceNumber": seq,
			"legalHold":      hold,
		})
	}
}

func (req exportRequest) filter() (vault.Filter, error) {
	var f vault.Filter
	if req.From != "" {
		t, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			return f, errors.New("invalid from timestamp, want RFC3339")
		}
		f.From = t
	}
	if req.To != "" {
		t, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			return f, errors.New("invalid to timestamp, want RFC3339")
		}
		f.To = t
	}
	f.SubjectID = req.SubjectID
	for _, et := range req.EntryTypes {
		f.EntryTypes = append(f.EntryTypes, vault.EntryType(et))
	}
	return f, nil
}

func filterFromQuery(r *http.Request) (vault.Filter, error) {
	req := exportRequest{
		From:      r.URL.Query().Get("from"),
		To:        r.URL.Query().Get("to"),
		SubjectID: r.URL.Query().Get("subjectId"),
	}
	if v := r.URL.Query().Get("entryType"); v != "" {
		req.EntryTypes = []string{v}
	}
	return req.filter()
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
