package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/perceptlab/audiorating/internal/config"
	"github.com/perceptlab/audiorating/internal/middleware"
	"github.com/perceptlab/audiorating/internal/models"
	"github.com/perceptlab/audiorating/internal/services"
)

// routerStore is a canned-data store backing every service interface the
// router needs.
type routerStore struct {
	study        *models.Study
	songs        map[int]*models.Song
	dims         []*models.RatingDimension
	links        map[string]bool
	participants map[string]*models.Participant
	activity     []*services.ParticipantActivity
	records      []*services.DatasetRecord

	savedSets   []*services.SubmissionSet
	saveOutcome *services.SubmissionOutcome
}

func (s *routerStore) GetStudyByNameShort(nameShort string) (*models.Study, error) {
	if s.study != nil && s.study.NameShort == nameShort {
		return s.study, nil
	}
	return nil, nil
}

func (s *routerStore) HasStudyParticipant(studyID, participantID string) (bool, error) {
	return s.links[participantID], nil
}

func (s *routerStore) GetStudySongByIndex(studyID string, songIndex int) (*models.Song, error) {
	return s.songs[songIndex], nil
}

func (s *routerStore) ListStudyDimensions(studyID string) ([]*models.RatingDimension, error) {
	return s.dims, nil
}

func (s *routerStore) SaveSubmission(set *services.SubmissionSet) (*services.SubmissionOutcome, error) {
	s.savedSets = append(s.savedSets, set)
	if s.saveOutcome != nil {
		return s.saveOutcome, nil
	}
	out := &services.SubmissionOutcome{ParticipantID: set.ParticipantID, Dimensions: map[string]string{}}
	for _, d := range set.Dimensions {
		out.RatingsCreated++
		out.SegmentsSaved += len(d.Segments)
		out.Dimensions[d.RatingName] = "created"
	}
	return out, nil
}

func (s *routerStore) ListRatings(participantID, studyID, songID string) ([]*models.Rating, map[string][]*models.RatingSegment, error) {
	return nil, nil, nil
}

func (s *routerStore) ListStudies() ([]*models.Study, error) {
	if s.study == nil {
		return nil, nil
	}
	return []*models.Study{s.study}, nil
}

func (s *routerStore) ListStudySongs(studyID string) ([]*services.StudySong, error) {
	var out []*services.StudySong
	for i := 0; ; i++ {
		song, ok := s.songs[i]
		if !ok {
			return out, nil
		}
		out = append(out, &services.StudySong{Song: song, SongIndex: i})
	}
}

func (s *routerStore) ListStudyParticipantIDs(studyID string) ([]string, error) {
	var out []string
	for pid, linked := range s.links {
		if linked {
			out = append(out, pid)
		}
	}
	return out, nil
}

func (s *routerStore) ParticipantActivity(studyID string) ([]*services.ParticipantActivity, error) {
	return s.activity, nil
}

func (s *routerStore) GetParticipant(id string) (*models.Participant, error) {
	return s.participants[id], nil
}

func (s *routerStore) InsertParticipant(p *models.Participant) error {
	s.participants[p.ID] = p
	return nil
}

func (s *routerStore) LinkStudyParticipant(link *models.StudyParticipantLink) error {
	s.links[link.ParticipantID] = true
	return nil
}

func (s *routerStore) UnlinkStudyParticipant(studyID, participantID string) (bool, error) {
	if !s.links[participantID] {
		return false, nil
	}
	delete(s.links, participantID)
	return true, nil
}

func (s *routerStore) PurgeStudy(studyID string) (*services.PurgeResult, error) {
	return &services.PurgeResult{}, nil
}

func (s *routerStore) ListDatasetRecords(studyID string) ([]*services.DatasetRecord, error) {
	return s.records, nil
}

func newTestServer(t *testing.T, rootPath string) (*httptest.Server, *routerStore) {
	t.Helper()
	store := &routerStore{
		study: &models.Study{
			ID:                        "study-1",
			NameShort:                 "pilot_1",
			Name:                      "Pilot",
			AllowUnlistedParticipants: true,
			DataCollectionStart:       time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			DataCollectionEnd:         time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		songs: map[int]*models.Song{0: {ID: "song-0", MediaURL: "https://x/a.mp3", DisplayName: "a"}},
		dims: []*models.RatingDimension{
			{ID: "d1", StudyID: "study-1", DimensionTitle: "arousal", NumValues: 7},
		},
		links:        map[string]bool{},
		participants: map[string]*models.Participant{},
	}
	cfg := &config.Settings{RootPath: rootPath, AdminUsername: "admin", AdminPassword: "secret", JWTSecret: "test-key"}
	gate := services.NewAccessGate(store)
	auth := middleware.NewAdminAuth(cfg.AdminUsername, cfg.AdminPassword, cfg.JWTSecret)
	router := NewRouter(cfg, zap.NewNop(), auth,
		services.NewStudyService(gate, store),
		services.NewRatingService(gate, store),
		services.NewAdminService(store),
		services.NewExportService(store))
	mux := http.NewServeMux()
	router.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndRoot(t *testing.T) {
	srv, _ := newTestServer(t, "")
	for _, path := range []string{"/health", "/api"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestActiveOpenStudyNames(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/api/active_open_study_names")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var studies []services.StudySummary
	decodeJSON(t, resp, &studies)
	if len(studies) != 1 || studies[0].NameShort != "pilot_1" {
		t.Fatalf("studies = %+v", studies)
	}
}

func TestStudyConfigEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/api/participants/p1/studies/pilot_1/config")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var view services.StudyConfigView
	decodeJSON(t, resp, &view)
	if view.NameShort != "pilot_1" || len(view.Songs) != 1 {
		t.Fatalf("view = %+v", view)
	}

	resp, err = http.Get(srv.URL + "/api/participants/p1/studies/unknown/config")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown study status = %d", resp.StatusCode)
	}
}

func TestSubmitRatingsEndpoint(t *testing.T) {
	srv, store := newTestServer(t, "")
	body := `{"timestamp":"2026-03-01T10:00:00Z","ratings":{"arousal":[{"start":0,"end":12.5,"value":4}]}}`

	resp, err := http.Post(srv.URL+"/api/participants/p1/studies/pilot_1/songs/0/ratings",
		"application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if op := resp.Header.Get("X-Operation"); op != "created" {
		t.Fatalf("X-Operation = %q", op)
	}
	var outcome services.SubmissionOutcome
	decodeJSON(t, resp, &outcome)
	if outcome.RatingsCreated != 1 || outcome.SegmentsSaved != 1 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(store.savedSets) != 1 {
		t.Fatalf("store writes = %d", len(store.savedSets))
	}

	// Re-submission: the store reports an update and the header follows.
	store.saveOutcome = &services.SubmissionOutcome{
		ParticipantID: "p1", RatingsUpdated: 1, SegmentsSaved: 2,
		Dimensions: map[string]string{"arousal": "updated"},
	}
	resp, err = http.Post(srv.URL+"/api/participants/p1/studies/pilot_1/songs/0/ratings",
		"application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	if op := resp.Header.Get("X-Operation"); op != "updated" {
		t.Fatalf("X-Operation = %q", op)
	}
}

func TestSubmitRatingsRejections(t *testing.T) {
	srv, store := newTestServer(t, "")

	resp, err := http.Post(srv.URL+"/api/participants/p1/studies/pilot_1/songs/9/ratings",
		"application/json", strings.NewReader(`{"timestamp":"2026-03-01T10:00:00Z","ratings":{"arousal":[{"start":0,"end":1,"value":1}]}}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unlinked song status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/participants/p1/studies/pilot_1/songs/0/ratings",
		"application/json", strings.NewReader(`{"timestamp":"2026-03-01T10:00:00","ratings":{"arousal":[{"start":0,"end":1,"value":1}]}}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var payload map[string]string
	decodeJSON(t, resp, &payload)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("naive timestamp status = %d", resp.StatusCode)
	}
	if !strings.Contains(payload["detail"], "timezone") {
		t.Fatalf("detail = %q", payload["detail"])
	}

	resp, err = http.Post(srv.URL+"/api/participants/p1/studies/pilot_1/songs/abc/ratings",
		"application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad index status = %d", resp.StatusCode)
	}

	if len(store.savedSets) != 0 {
		t.Fatalf("rejected requests must not write")
	}
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t, "")
	for _, path := range []string{
		"/admin",
		"/admin/api/stats",
		"/admin/participant-management?study_name=pilot_1",
		"/api/admin/datasets/download?study_name=pilot_1",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("GET %s status = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestAdminLoginAndBearerAccess(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/admin/login", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	decodeJSON(t, resp, &tok)
	if tok.AccessToken == "" || tok.TokenType != "bearer" {
		t.Fatalf("token payload = %+v", tok)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/admin/api/stats", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var stats struct {
		Studies []*services.StudyStats `json:"studies"`
	}
	decodeJSON(t, resp, &stats)
	if len(stats.Studies) != 1 || stats.Studies[0].NameShort != "pilot_1" {
		t.Fatalf("stats = %+v", stats)
	}

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/admin/login", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", resp.StatusCode)
	}
	var failure map[string]string
	decodeJSON(t, resp, &failure)
	if failure["detail"] != "invalid credentials" {
		t.Fatalf("bad login detail = %q", failure["detail"])
	}
}

func TestDatasetDownloadCSV(t *testing.T) {
	srv, store := newTestServer(t, "")
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.records = []*services.DatasetRecord{{
		StudyNameShort: "pilot_1", ParticipantID: "p1", Dimension: "arousal",
		Start: 0, End: 12.5, Value: 4, Timestamp: ts, CreatedAt: ts,
	}}

	req, _ := http.NewRequest(http.MethodGet,
		srv.URL+"/api/admin/datasets/download?study_name=pilot_1&format=csv", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "pilot_1_dataset.csv") {
		t.Fatalf("content disposition = %q", cd)
	}

	req, _ = http.NewRequest(http.MethodGet,
		srv.URL+"/api/admin/datasets/download?study_name=pilot_1&format=xml", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsupported format status = %d", resp.StatusCode)
	}
}

func TestParticipantManagementEndpoints(t *testing.T) {
	srv, store := newTestServer(t, "")

	body := `{"participant_ids":["p100","p101"]}`
	req, _ := http.NewRequest(http.MethodPost,
		srv.URL+"/api/admin/studies/pilot_1/assign-participants", strings.NewReader(body))
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign status = %d", resp.StatusCode)
	}
	var assignResp struct {
		Assignments []*services.AssignmentOutcome `json:"assignments"`
	}
	decodeJSON(t, resp, &assignResp)
	if len(assignResp.Assignments) != 2 || assignResp.Assignments[0].Outcome != "created" {
		t.Fatalf("assignments = %+v", assignResp.Assignments)
	}
	if !store.links["p100"] || !store.links["p101"] {
		t.Fatalf("links not written: %v", store.links)
	}

	req, _ = http.NewRequest(http.MethodGet,
		srv.URL+"/api/admin/studies/pilot_1/participants?limit=1", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	var page services.RosterPage
	decodeJSON(t, resp, &page)
	if page.Total != 2 || len(page.Entries) != 1 {
		t.Fatalf("page = %+v", page)
	}

	req, _ = http.NewRequest(http.MethodDelete,
		srv.URL+"/api/admin/studies/pilot_1/participants/p100", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unassign status = %d", resp.StatusCode)
	}
	if store.links["p100"] {
		t.Fatalf("link not removed")
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unassign again: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second unassign status = %d", resp.StatusCode)
	}
}

func TestRootPathPrefix(t *testing.T) {
	srv, _ := newTestServer(t, "/backend")

	resp, err := http.Get(srv.URL + "/backend/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prefixed health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/backend/api/participants/p1/studies/pilot_1/config")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prefixed config status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("unprefixed path should not resolve")
	}
}
