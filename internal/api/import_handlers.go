package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/importer"
	"github.com/jbweber/homelab/keaport/internal/keaconfig"
	"github.com/jbweber/homelab/keaport/internal/log"
	"github.com/jbweber/homelab/keaport/internal/planner"
	"github.com/jbweber/homelab/keaport/internal/session"
	"github.com/jbweber/homelab/keaport/internal/topology"
)

// TopologySource reads the persisted topology
type TopologySource interface {
	Snapshot(ctx context.Context) ([]domain.Switch, []domain.BviInterface, []domain.Subnet, error)
}

// SessionStore keeps import sessions between preview and execute
type SessionStore interface {
	Create(fileName, actor string, match topology.Result) (*session.Session, string, error)
	Get(handle string) (*session.Session, error)
	Transition(handle string, to session.State, mutate func(*session.Session)) (*session.Session, error)
}

// PlanExecutor runs a validated plan
type PlanExecutor interface {
	Execute(ctx context.Context, plan *planner.Plan, actor string) (*importer.Result, error)
}

// Imports groups the configuration import handlers for testability
type Imports struct {
	topology TopologySource
	sessions SessionStore
	executor PlanExecutor
}

func NewImports(topo TopologySource, sessions SessionStore, executor PlanExecutor) *Imports {
	return &Imports{topology: topo, sessions: sessions, executor: executor}
}

// PreviewSubnet is one row of the preview table
type PreviewSubnet struct {
	Subnet            string   `json:"subnet"`
	Pool              string   `json:"pool"`
	Relay             string   `json:"relay"`
	CcapCore          string   `json:"ccap_core"`
	SuggestedCinName  string   `json:"suggested_cin_name"`
	SuggestedCcapName string   `json:"suggested_ccap_name"`
	Exists            bool     `json:"exists"`
	KeaID             int64    `json:"kea_id,omitempty"`
	Reservations      int      `json:"reservations,omitempty"`
	Warning           string   `json:"warning,omitempty"`
	WarningDetail     string   `json:"warning_detail,omitempty"`
	Notes             []string `json:"notes,omitempty"`
}

// PreviewResponse is returned by a successful preview
type PreviewResponse struct {
	Success       bool                    `json:"success"`
	Session       string                  `json:"session"`
	ExpiresAt     time.Time               `json:"expires_at"`
	Subnets       []PreviewSubnet         `json:"subnets"`
	AvailableBvis []topology.AvailableBvi `json:"available_bvis"`
}

// ExecuteRequest selects what to do with each previewed subnet
type ExecuteRequest struct {
	Session string              `json:"session"`
	Subnets []planner.Selection `json:"subnets"`
}

// ExecuteResponse summarizes one execute call
type ExecuteResponse struct {
	Success  bool               `json:"success"`
	Message  string             `json:"message,omitempty"`
	Imported int                `json:"imported"`
	Skipped  int                `json:"skipped"`
	Errors   int                `json:"errors"`
	Details  []importer.Detail  `json:"details"`
	Outcomes []importer.Outcome `json:"outcomes,omitempty"`
	BackupID int64              `json:"backup_id,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
}

// SessionResponse describes an import session without its parse data
type SessionResponse struct {
	Success   bool             `json:"success"`
	ID        string           `json:"id"`
	State     session.State    `json:"state"`
	FileName  string           `json:"file_name,omitempty"`
	Actor     string           `json:"actor,omitempty"`
	Subnets   int              `json:"subnets"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	Result    *importer.Result `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func snapshot(ctx context.Context, src TopologySource) (topology.Snapshot, error) {
	switches, bvis, subnets, err := src.Snapshot(ctx)
	if err != nil {
		return topology.Snapshot{}, err
	}
	return topology.Snapshot{Switches: switches, Bvis: bvis, Subnets: subnets}, nil
}

func previewSubnets(match topology.Result) []PreviewSubnet {
	rows := make([]PreviewSubnet, 0, len(match.Subnets))
	for _, m := range match.Subnets {
		p := m.Parsed
		rows = append(rows, PreviewSubnet{
			Subnet:            p.Subnet,
			Pool:              p.Pool(),
			Relay:             p.RelayAddress,
			CcapCore:          p.CcapCore,
			SuggestedCinName:  p.SuggestedCinName,
			SuggestedCcapName: p.SuggestedCcapName,
			Exists:            p.Exists,
			KeaID:             p.KeaID,
			Reservations:      len(p.Reservations),
			Warning:           string(m.Warning),
			WarningDetail:     m.WarningDetail,
			Notes:             p.Warnings,
		})
	}
	return rows
}

// sessionStatus maps session store errors to HTTP statuses.
func sessionStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidHandle):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrExpired):
		return http.StatusGone
	case errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PreviewHandler parses an uploaded Kea configuration, classifies its
// subnets and opens an import session.
func (i *Imports) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	name, data, err := readUpload(w, r, "config_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	parsed, err := keaconfig.Parse(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := snapshot(r.Context(), i.topology)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to read topology")
		writeError(w, http.StatusInternalServerError, "failed to read topology")
		return
	}
	match := topology.MatchSubnets(parsed.Subnets, snap)

	sess, handle, err := i.sessions.Create(name, actorFor(r), match)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to create import session")
		writeError(w, http.StatusInternalServerError, "failed to create import session")
		return
	}
	sessLog := log.WithSession(sess.ID)
	sessLog.Info().
		Str("file", name).
		Int("subnets", len(match.Subnets)).
		Msg("import previewed")

	writeJSON(w, http.StatusOK, PreviewResponse{
		Success:       true,
		Session:       handle,
		ExpiresAt:     sess.ExpiresAt,
		Subnets:       previewSubnets(match),
		AvailableBvis: match.AvailableBvis,
	})
}

// ExecuteHandler validates the selections against the session's cached
// parse and runs the resulting plan. A session executes at most once.
func (i *Imports) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Session == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}

	sess, err := i.sessions.Transition(req.Session, session.StateReviewing, nil)
	if err != nil {
		writeError(w, sessionStatus(err), err.Error())
		return
	}
	logger := log.WithSession(sess.ID)

	plan, invalid := planner.Build(sess.Match, req.Subnets)
	validation := make([]importer.Detail, 0, len(invalid))
	for _, v := range invalid {
		validation = append(validation, importer.Detail{
			Subnet:  v.Subnet,
			Kind:    importer.KindValidation,
			Message: v.Error(),
		})
	}

	if len(plan.Items) == 0 {
		if _, err := i.sessions.Transition(req.Session, session.StatePreviewed, nil); err != nil {
			logger.Warn().Err(err).Msg("failed to reopen session")
		}
		writeJSON(w, http.StatusBadRequest, ExecuteResponse{
			Message: "no valid subnets selected",
			Errors:  len(validation),
			Details: validation,
		})
		return
	}

	if _, err := i.sessions.Transition(req.Session, session.StateExecuting, nil); err != nil {
		writeError(w, sessionStatus(err), err.Error())
		return
	}

	actor := actorFor(r)
	res, err := i.executor.Execute(r.Context(), plan, actor)
	if err != nil {
		logger.Error().Err(err).Msg("import failed")
		_, terr := i.sessions.Transition(req.Session, session.StateFailed, func(s *session.Session) {
			s.Error = err.Error()
		})
		if terr != nil {
			logger.Warn().Err(terr).Msg("failed to record session failure")
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	res.Errors += len(validation)
	res.Details = append(validation, res.Details...)

	_, err = i.sessions.Transition(req.Session, session.StateCompleted, func(s *session.Session) {
		s.Result = res
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to record session result")
	}

	logger.Info().
		Str("actor", actor).
		Int("imported", res.Imported).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Msg("import executed")

	writeJSON(w, http.StatusOK, ExecuteResponse{
		Success:  true,
		Message:  fmt.Sprintf("%d imported, %d skipped, %d errors", res.Imported, res.Skipped, res.Errors),
		Imported: res.Imported,
		Skipped:  res.Skipped,
		Errors:   res.Errors,
		Details:  res.Details,
		Outcomes: res.Outcomes,
		BackupID: res.BackupID,
		Warnings: res.Warnings,
	})
}

// SessionHandler reports the state of an import session and, once it has
// run, its retained result.
func (i *Imports) SessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := i.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, sessionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		Success:   true,
		ID:        sess.ID,
		State:     sess.State,
		FileName:  sess.FileName,
		Actor:     sess.Actor,
		Subnets:   len(sess.Match.Subnets),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		ExpiresAt: sess.ExpiresAt,
		Result:    sess.Result,
		Error:     sess.Error,
	})
}
