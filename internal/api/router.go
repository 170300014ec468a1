package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perceptlab/audiorating/internal/config"
	"github.com/perceptlab/audiorating/internal/middleware"
	"github.com/perceptlab/audiorating/internal/services"
)

// Router wires the HTTP surface to the services. Participant endpoints are
// open (the access gate decides per request); admin endpoints sit behind
// Basic or bearer auth.
type Router struct {
	cfg     *config.Settings
	log     *zap.Logger
	auth    *middleware.AdminAuth
	studies *services.StudyService
	ratings *services.RatingService
	admin   *services.AdminService
	export  *services.ExportService
}

func NewRouter(cfg *config.Settings, log *zap.Logger, auth *middleware.AdminAuth,
	studies *services.StudyService, ratings *services.RatingService,
	admin *services.AdminService, export *services.ExportService) *Router {
	return &Router{
		cfg:     cfg,
		log:     log,
		auth:    auth,
		studies: studies,
		ratings: ratings,
		admin:   admin,
		export:  export,
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	p := rt.cfg.RootPath
	mux.HandleFunc(p+"/health", rt.handleHealth)                          // GET
	mux.HandleFunc(p+"/api", rt.handleRoot)                               // GET
	mux.HandleFunc(p+"/api/active_open_study_names", rt.handleOpenStudies) // GET
	mux.HandleFunc(p+"/api/participants/", rt.handleParticipantScoped)    // GET, POST

	mux.HandleFunc(p+"/api/admin/login", rt.handleAdminLogin) // POST
	mux.Handle(p+"/api/admin/datasets/download", rt.auth.Require(http.HandlerFunc(rt.handleDatasetDownload)))
	mux.Handle(p+"/api/admin/studies/", rt.auth.Require(http.HandlerFunc(rt.handleAdminStudyScoped)))
	mux.Handle(p+"/admin", rt.auth.Require(http.HandlerFunc(rt.handleAdminDashboard)))
	mux.Handle(p+"/admin/api/stats", rt.auth.Require(http.HandlerFunc(rt.handleAdminStats)))
	mux.Handle(p+"/admin/participant-management", rt.auth.Require(http.HandlerFunc(rt.handleParticipantManagement)))
}

// trimRoot strips the configured root path prefix off a request path.
func (rt *Router) trimRoot(path string) string {
	if rt.cfg.RootPath != "" {
		path = strings.TrimPrefix(path, rt.cfg.RootPath)
	}
	return path
}

func (rt *Router) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses. Unexpected errors get a
// generated error_id: the detail goes to the log, the client sees only the id.
func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if se, ok := services.AsServiceError(err); ok {
		status := http.StatusInternalServerError
		switch se.Code {
		case services.ErrorInvalid:
			status = http.StatusBadRequest
		case services.ErrorUnauthorized:
			status = http.StatusUnauthorized
		case services.ErrorForbidden:
			status = http.StatusForbidden
		case services.ErrorNotFound:
			status = http.StatusNotFound
		case services.ErrorConflict:
			status = http.StatusConflict
		}
		rt.writeJSON(w, status, map[string]string{"detail": se.Message})
		return
	}
	errorID := uuid.NewString()
	rt.log.Error("internal error",
		zap.String("error_id", errorID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	rt.writeJSON(w, http.StatusInternalServerError, map[string]string{
		"detail":   "internal server error",
		"error_id": errorID,
	})
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]string{"name": "audiorating", "status": "ok"})
}

// GET /api/active_open_study_names
func (rt *Router) handleOpenStudies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	studies, err := rt.studies.ActiveOpenStudies()
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, studies)
}

// Participant-facing routes:
//
//	GET  /api/participants/{pid}/studies/{study}/config
//	GET  /api/participants/{pid}/studies/{study}/songs/{index}/ratings
//	POST /api/participants/{pid}/studies/{study}/songs/{index}/ratings
func (rt *Router) handleParticipantScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(rt.trimRoot(r.URL.Path), "/api/participants/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	if len(parts) == 4 && parts[1] == "studies" && parts[3] == "config" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rt.handleStudyConfig(w, r, parts[0], parts[2])
		return
	}
	if len(parts) == 6 && parts[1] == "studies" && parts[3] == "songs" && parts[5] == "ratings" {
		idx, err := strconv.Atoi(parts[4])
		if err != nil || idx < 0 {
			rt.writeJSON(w, http.StatusBadRequest, map[string]string{"detail": fmt.Sprintf("invalid song index %q", parts[4])})
			return
		}
		switch r.Method {
		case http.MethodGet:
			rt.handleGetRatings(w, r, parts[0], parts[2], idx)
		case http.MethodPost:
			rt.handleSubmitRatings(w, r, parts[0], parts[2], idx)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}
	http.NotFound(w, r)
}

func (rt *Router) handleStudyConfig(w http.ResponseWriter, r *http.Request, pid, study string) {
	view, err := rt.studies.Config(study, pid)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, view)
}

func (rt *Router) handleGetRatings(w http.ResponseWriter, r *http.Request, pid, study string, idx int) {
	result, err := rt.ratings.Get(study, pid, idx)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, result)
}

func (rt *Router) handleSubmitRatings(w http.ResponseWriter, r *http.Request, pid, study string, idx int) {
	var req services.SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid request body: " + err.Error()})
		return
	}
	outcome, err := rt.ratings.Submit(study, pid, idx, &req)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	operation := "created"
	status := http.StatusCreated
	if outcome.RatingsUpdated > 0 {
		operation = "updated"
		status = http.StatusOK
	}
	w.Header().Set("X-Operation", operation)
	rt.writeJSON(w, status, outcome)
}

// POST /api/admin/login — exchange Basic credentials (or a JSON body) for a
// bearer token.
func (rt *Router) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			rt.writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "credentials required"})
			return
		}
		username, password = body.Username, body.Password
	}
	if !rt.auth.CheckCredentials(username, password) {
		rt.writeError(w, r, services.NewUnauthorizedError("invalid credentials"))
		return
	}
	token, err := rt.auth.SignToken()
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(rt.auth.TokenTTL.Seconds()),
	})
}

// GET /api/admin/datasets/download?study_name=...&format=json|csv&with_ids=true
func (rt *Router) handleDatasetDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	studyName := r.URL.Query().Get("study_name")
	if studyName == "" {
		rt.writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "study_name query parameter required"})
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	withIDs := r.URL.Query().Get("with_ids") == "true"

	records, err := rt.export.Dataset(studyName, withIDs)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	switch format {
	case "json":
		rt.writeJSON(w, http.StatusOK, records)
	case "csv":
		data, err := services.DatasetCSV(records, withIDs)
		if err != nil {
			rt.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s_dataset.csv", studyName))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	default:
		rt.writeJSON(w, http.StatusBadRequest, map[string]string{"detail": fmt.Sprintf("unsupported format %q; use json or csv", format)})
	}
}

// Admin study-scoped routes:
//
//	POST   /api/admin/studies/{study}/assign-participants
//	GET    /api/admin/studies/{study}/participants?skip=&limit=
//	DELETE /api/admin/studies/{study}/participants/{pid}
func (rt *Router) handleAdminStudyScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(rt.trimRoot(r.URL.Path), "/api/admin/studies/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 2 && parts[1] == "assign-participants" && r.Method == http.MethodPost:
		rt.handleAssignParticipants(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "participants" && r.Method == http.MethodGet:
		rt.handleRoster(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "participants" && r.Method == http.MethodDelete:
		rt.handleUnassignParticipant(w, r, parts[0], parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) handleAssignParticipants(w http.ResponseWriter, r *http.Request, study string) {
	var body struct {
		ParticipantIDs []string `json:"participant_ids"`
		MustBeNew      bool     `json:"must_be_new"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		rt.writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid request body: " + err.Error()})
		return
	}
	outcomes, err := rt.admin.AssignParticipants(study, body.ParticipantIDs, body.MustBeNew)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]interface{}{"name_short": study, "assignments": outcomes})
}

func (rt *Router) handleRoster(w http.ResponseWriter, r *http.Request, study string) {
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 0)
	page, err := rt.admin.Roster(study, skip, limit)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, page)
}

func (rt *Router) handleUnassignParticipant(w http.ResponseWriter, r *http.Request, study, pid string) {
	if err := rt.admin.UnassignParticipant(study, pid); err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]string{"name_short": study, "participant_id": pid, "outcome": "unassigned"})
}

// GET /admin — dashboard landing payload.
func (rt *Router) handleAdminDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p := rt.cfg.RootPath
	rt.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name": "audiorating admin",
		"endpoints": map[string]string{
			"stats":                  p + "/admin/api/stats",
			"participant_management": p + "/admin/participant-management?study_name=...",
			"dataset_download":       p + "/api/admin/datasets/download?study_name=...&format=csv",
		},
	})
}

// GET /admin/api/stats
func (rt *Router) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := rt.admin.Stats()
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]interface{}{"studies": stats})
}

// GET /admin/participant-management?study_name=...&skip=&limit=
func (rt *Router) handleParticipantManagement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	studyName := r.URL.Query().Get("study_name")
	if studyName == "" {
		rt.writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "study_name query parameter required"})
		return
	}
	page, err := rt.admin.Roster(studyName, queryInt(r, "skip", 0), queryInt(r, "limit", 0))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, page)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
