package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/audit"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/evaluation"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/gateway"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/registry"
	"github.com/go-chi/chi/v5"
)

// listResponse wraps unpaginated collections.
type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}

// pageResponse is a paginated audit listing.
type pageResponse struct {
	Items  []audit.Entry `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func newPage(p audit.Page) pageResponse {
	return pageResponse{Items: p.Entries(), Total: p.Total, Limit: p.Limit, Offset: p.Offset}
}

func entries(logs []*audit.Log) []audit.Entry {
	out := make([]audit.Entry, len(logs))
	for i, l := range logs {
		out[i] = l.Entry()
	}
	return out
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, "request body is too large")
		} else {
			WriteBadRequest(w, r, "request body could not be read")
		}
		return nil, false
	}
	return body, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := unmarshalNumbers(body, v); err != nil {
		WriteBadRequest(w, r, "request body is not valid JSON")
		return false
	}
	return true
}

// unmarshalNumbers decodes free-form numbers as json.Number so they reach
// the engine and the evidence with their original digits.
func unmarshalNumbers(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// Evaluations

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	violations, err := validateBody(s.schema, body)
	if err != nil {
		WriteBadRequest(w, r, "request body is not valid JSON")
		return
	}
	if len(violations) > 0 {
		WriteProblem(w, &ProblemDetail{
			Status:   http.StatusBadRequest,
			Detail:   "request body does not match the evaluation schema",
			Instance: r.URL.Path,
			TraceID:  w.Header().Get("X-Request-ID"),
			Errors:   violations,
		})
		return
	}

	var req gateway.EvaluateRequest
	if err := unmarshalNumbers(body, &req); err != nil {
		WriteBadRequest(w, r, "request body could not be decoded")
		return
	}
	sum, err := s.gw.Evaluate(r.Context(), req)
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	w.Header().Set("Location", "/api/v1/evaluations/"+sum.ID)
	writeJSON(w, http.StatusCreated, sum)
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	ev, err := s.gw.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	evs, err := s.gw.ListEvaluations(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("environment"), limit)
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newList[*evaluation.Evaluation](evs))
}

// Registry

type registerRequest struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	app, err := s.registry.Register(r.Context(), req.Name, req.Owner)
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	w.Header().Set("Location", "/api/v1/applications/"+app.ID)
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := s.registry.ListApplications(r.Context())
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(apps))
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.registry.GetApplication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleAddEnvironment(w http.ResponseWriter, r *http.Request) {
	var spec registry.EnvironmentSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	env, err := s.registry.AddEnvironment(r.Context(), chi.URLParam(r, "id"), spec)
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (s *Server) handleUpdateEnvironment(w http.ResponseWriter, r *http.Request) {
	var spec registry.EnvironmentSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	name := chi.URLParam(r, "name")
	if spec.Name != "" && registry.NormalizeName(spec.Name) != registry.NormalizeName(name) {
		WriteBadRequest(w, r, "environment name in body does not match the path")
		return
	}
	spec.Name = name
	env, err := s.registry.UpdateEnvironment(r.Context(), chi.URLParam(r, "id"), spec)
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleDeactivateEnvironment(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeactivateEnvironment(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name")); err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Audit

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	l, err := s.audit.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, l.Entry())
}

func (s *Server) handleGetAuditByEvaluation(w http.ResponseWriter, r *http.Request) {
	l, err := s.audit.GetByEvaluationID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, l.Entry())
}

func (s *Server) handleListAuditByApplication(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	page, err := s.audit.ListByApplication(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("environment"), from, to, limit, offset)
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(page))
}

func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	since, err := querySince(r, s.now())
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	logs, err := s.audit.ListBlocked(r.Context(), since, limit)
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(entries(logs)))
}

func (s *Server) handleListCritical(w http.ResponseWriter, r *http.Request) {
	since, err := querySince(r, s.now())
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	logs, err := s.audit.ListCritical(r.Context(), since, limit)
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(entries(logs)))
}

func (s *Server) handleListByRiskTier(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	tier := registry.RiskTier(strings.ToLower(chi.URLParam(r, "tier")))
	page, err := s.audit.ListByRiskTier(r.Context(), tier, limit, offset)
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(page))
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if from.IsZero() {
		if from, err = querySince(r, s.now()); err != nil {
			WriteBadRequest(w, r, err.Error())
			return
		}
	}
	to, err := queryTime(r, "to")
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	st, err := s.audit.Statistics(r.Context(), from, to)
	if err != nil {
		WriteAppError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Health

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	if s.ping != nil {
		resp.Database = "ok"
		if err := s.ping(r.Context()); err != nil {
			s.log.WarnContext(r.Context(), "database health check failed", "error", err)
			resp.Status, resp.Database = "degraded", "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleEngineHealth(w http.ResponseWriter, r *http.Request) {
	if s.gw.EngineHealthy(r.Context()) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "up"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "down"})
}
