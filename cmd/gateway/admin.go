package main

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"admission/pkg/access"
	"admission/pkg/category"
	"admission/pkg/httpx"
	"admission/pkg/quota"
	"admission/pkg/slo"
	"admission/pkg/store"
)

var listKeys = map[string]string{
	"blacklist": access.BlacklistKey,
	"whitelist": access.WhitelistKey,
	"api_keys":  access.APIKeysKey,
}

type membersRequest struct {
	Members []string `json:"members"`
}

func (s *Server) listKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, ok := listKeys[chi.URLParam(r, "list")]
	if !ok {
		httpx.Error(w, http.StatusNotFound, "unknown list")
	}
	return key, ok
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	key, ok := s.listKey(w, r)
	if !ok {
		return
	}
	members, err := s.Engine.Gate().List(r.Context(), key)
	if err != nil {
		s.storeError(w, "list members", err)
		return
	}
	sort.Strings(members)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"list": chi.URLParam(r, "list"), "members": members})
}

func (s *Server) addMembers(w http.ResponseWriter, r *http.Request) {
	s.changeMembers(w, r, true)
}

func (s *Server) removeMembers(w http.ResponseWriter, r *http.Request) {
	s.changeMembers(w, r, false)
}

func (s *Server) changeMembers(w http.ResponseWriter, r *http.Request, add bool) {
	key, ok := s.listKey(w, r)
	if !ok {
		return
	}
	var req membersRequest
	if err := httpx.DecodeJSON(r, maxAdminBody, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	members := make([]string, 0, len(req.Members))
	for _, m := range req.Members {
		if m = strings.TrimSpace(m); m != "" {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		httpx.Error(w, http.StatusBadRequest, "members required")
		return
	}
	gate := s.Engine.Gate()
	var err error
	switch {
	case key == access.APIKeysKey && add:
		err = gate.RegisterAPIKeys(r.Context(), members...)
	case key == access.APIKeysKey:
		err = gate.RevokeAPIKeys(r.Context(), members...)
	case add && key == access.BlacklistKey:
		err = gate.Block(r.Context(), members...)
	case add:
		err = gate.Allow(r.Context(), members...)
	case key == access.BlacklistKey:
		err = gate.Unblock(r.Context(), members...)
	default:
		err = gate.Disallow(r.Context(), members...)
	}
	if err != nil {
		s.storeError(w, "update list", err)
		return
	}
	s.Log.Info("access list changed",
		zap.String("list", chi.URLParam(r, "list")),
		zap.Bool("added", add),
		zap.Int("members", len(members)))
	w.WriteHeader(http.StatusNoContent)
}

type bypassRequest struct {
	ClientID   string `json:"client_id"`
	Category   string `json:"category"`
	TTLSeconds int    `json:"ttl_seconds"`
	SingleUse  bool   `json:"single_use"`
	Reason     string `json:"reason"`
}

func (s *Server) issueBypass(w http.ResponseWriter, r *http.Request) {
	var req bypassRequest
	if err := httpx.DecodeJSON(r, maxAdminBody, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	var c category.Category
	if raw := strings.TrimSpace(req.Category); raw != "" && raw != access.AnyCategory {
		parsed, err := category.Parse(raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		c = parsed
	}
	if strings.TrimSpace(req.ClientID) == "" || req.TTLSeconds <= 0 {
		httpx.Error(w, http.StatusBadRequest, "client_id and positive ttl_seconds required")
		return
	}
	tok, err := s.Engine.Gate().IssueBypass(r.Context(), strings.TrimSpace(req.ClientID), c,
		time.Duration(req.TTLSeconds)*time.Second, req.SingleUse, req.Reason)
	if err != nil {
		s.storeError(w, "issue bypass", err)
		return
	}
	s.Log.Info("bypass token issued",
		zap.String("category", string(c)),
		zap.Time("expires_at", tok.ExpiresAt),
		zap.Bool("single_use", tok.SingleUse))
	httpx.WriteJSON(w, http.StatusCreated, tok)
}

func (s *Server) revokeBypass(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Gate().RevokeBypass(r.Context(), chi.URLParam(r, "token")); err != nil {
		s.storeError(w, "revoke bypass", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	snaps := s.Engine.Breakers().Snapshot()
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Endpoint != snaps[j].Endpoint {
			return snaps[i].Endpoint < snaps[j].Endpoint
		}
		return snaps[i].Category < snaps[j].Category
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"breakers": snaps})
}

type breakerResetRequest struct {
	Endpoint string `json:"endpoint"`
	Category string `json:"category"`
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	var req breakerResetRequest
	if err := httpx.DecodeJSON(r, maxAdminBody, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := category.Parse(req.Category)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.Engine.Breakers().Reset(req.Endpoint, c) {
		httpx.Error(w, http.StatusNotFound, "no breaker for endpoint and category")
		return
	}
	s.Log.Info("circuit breaker reset", zap.String("endpoint", req.Endpoint), zap.String("category", string(c)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBudgets(w http.ResponseWriter, r *http.Request) {
	budgets := s.Engine.SLOs().Budgets()
	sort.Slice(budgets, func(i, j int) bool { return budgets[i].SLO < budgets[j].SLO })
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
}

// saveSLOs stores SLO definitions for the next start; running budgets are
// left alone.
func (s *Server) saveSLOs(w http.ResponseWriter, r *http.Request) {
	var slos []slo.SLO
	if err := httpx.DecodeJSON(r, maxAdminBody, &slos); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, def := range slos {
		if err := def.Validate(); err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := slo.SaveConfigs(r.Context(), s.Store, slos); err != nil {
		s.storeError(w, "save slo configs", err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"stored": len(slos), "applies": "next start"})
}

type quotaRequest struct {
	ClientID string `json:"client_id"`
	Category string `json:"category"`
	Period   string `json:"period"`
	// Limit < 0 removes the override.
	Limit int64 `json:"limit"`
}

func (s *Server) setQuota(w http.ResponseWriter, r *http.Request) {
	var req quotaRequest
	if err := httpx.DecodeJSON(r, maxAdminBody, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := category.Parse(req.Category)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := quota.ParsePeriod(req.Period)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ClientID) == "" {
		httpx.Error(w, http.StatusBadRequest, "client_id required")
		return
	}
	if err := s.Engine.Quotas().SetQuotaLimit(r.Context(), req.ClientID, c, p, req.Limit); err != nil {
		s.storeError(w, "set quota", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type periodUsage struct {
	Period quota.Period `json:"period"`
	Used   int64        `json:"used"`
	Limit  int64        `json:"limit"`
}

func (s *Server) quotaUsage(w http.ResponseWriter, r *http.Request) {
	client := strings.TrimSpace(r.URL.Query().Get("client_id"))
	c, err := category.Parse(r.URL.Query().Get("category"))
	if err != nil || client == "" {
		httpx.Error(w, http.StatusBadRequest, "client_id and a valid category required")
		return
	}
	m := s.Engine.Quotas()
	out := make([]periodUsage, 0, len(quota.Periods))
	for _, p := range quota.Periods {
		used, err := m.Usage(r.Context(), client, c, p)
		if err != nil {
			s.storeError(w, "quota usage", err)
			return
		}
		limit, err := m.QuotaLimit(r.Context(), client, c, p)
		if err != nil {
			s.storeError(w, "quota limit", err)
			return
		}
		out = append(out, periodUsage{Period: p, Used: used, Limit: limit})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"client_id": client, "category": c, "periods": out})
}

type deviceRequest struct {
	Subject     string `json:"subject"`
	Fingerprint string `json:"fingerprint"`
	Compromised bool   `json:"compromised"`
}

// updateDevice enrols a device or flags it compromised, then drops the
// cached trust assessment so the change applies to the next request.
func (s *Server) updateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := httpx.DecodeJSON(r, maxAdminBody, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Subject == "" || req.Fingerprint == "" {
		httpx.Error(w, http.StatusBadRequest, "subject and fingerprint required")
		return
	}
	devices := s.Engine.Devices()
	var err error
	if req.Compromised {
		err = devices.MarkCompromised(r.Context(), req.Subject, req.Fingerprint)
	} else {
		err = devices.Register(r.Context(), req.Subject, req.Fingerprint)
	}
	if err != nil {
		s.storeError(w, "update device", err)
		return
	}
	if err := s.Engine.TrustCache().Invalidate(r.Context(), "user:"+req.Subject, req.Fingerprint); err != nil {
		s.Log.Warn("trust cache invalidation failed", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

type classifyRequest struct {
	Method        string `json:"method"`
	Path          string `json:"path"`
	Authenticated bool   `json:"authenticated"`
}

func (s *Server) classify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := httpx.DecodeJSON(r, maxAdminBody, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	c := s.Engine.Classifier().Classify(req.Method, req.Path, req.Authenticated)
	limits := s.Engine.Limits().Get(c)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"category":    c,
		"operation":   category.OperationOf(req.Method, req.Path, c),
		"cost":        s.Engine.Quotas().Cost(c, req.Method, req.Path),
		"limit":       limits.For(req.Authenticated),
		"window":      limits.Window.String(),
		"fail_closed": c.FailClosed(),
	})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusNotFound, "audit trail disabled")
		return
	}
	rec, err := s.Audit.Get(r.Context(), chi.URLParam(r, "decision_id"), r.URL.Query().Get("tenant"))
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "decision not found")
		return
	}
	if err != nil {
		s.Log.Error("audit lookup failed", zap.Error(err))
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if store.IsUnavailable(err) {
		s.Log.Error(op+": store unavailable", zap.Error(err))
		w.Header().Set("Retry-After", "1")
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.Log.Warn(op+" failed", zap.Error(err))
	httpx.Error(w, http.StatusBadRequest, err.Error())
}
