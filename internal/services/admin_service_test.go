package services

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/perceptlab/audiorating/internal/models"
)

type memoryAdminStore struct {
	*memorySeedStore
	purged      []string
	purgeResult *PurgeResult
}

func newMemoryAdminStore() *memoryAdminStore {
	return &memoryAdminStore{memorySeedStore: newMemorySeedStore()}
}

func (m *memoryAdminStore) UnlinkStudyParticipant(studyID, participantID string) (bool, error) {
	key := studyID + "/" + participantID
	if !m.participantLinks[key] {
		return false, nil
	}
	delete(m.participantLinks, key)
	return true, nil
}

func (m *memoryAdminStore) PurgeStudy(studyID string) (*PurgeResult, error) {
	m.purged = append(m.purged, studyID)
	if m.purgeResult != nil {
		return m.purgeResult, nil
	}
	return &PurgeResult{}, nil
}

func adminFixture(t *testing.T) (*AdminService, *memoryAdminStore, *models.Study) {
	t.Helper()
	store := newMemoryAdminStore()
	seeder := NewSeedService(store, zap.NewNop(), "")
	if _, err := seeder.Seed(seedConfig()); err != nil {
		t.Fatalf("seed fixture: %v", err)
	}
	return NewAdminService(store), store, store.studies["pilot_1"]
}

func TestStatsCoverage(t *testing.T) {
	svc, store, study := adminFixture(t)
	// Two songs and one dimension make two expected ratings per participant.
	store.activity[study.ID] = []*ParticipantActivity{
		{ParticipantID: "p001", RatingCount: 2, SegmentCount: 5, LastActivity: time.Now()},
		{ParticipantID: "walkin", RatingCount: 1, SegmentCount: 1, LastActivity: time.Now()},
	}

	stats, err := svc.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats for %d studies, want 1", len(stats))
	}
	st := stats[0]
	if st.ExpectedRatings != 2 {
		t.Fatalf("expected_ratings = %d, want 2", st.ExpectedRatings)
	}
	if st.CompletedParticipants != 1 {
		t.Fatalf("completed = %d, want 1", st.CompletedParticipants)
	}
	// p001 (completed) of the known set {p001, walkin}.
	if st.Coverage != 0.5 {
		t.Fatalf("coverage = %v, want 0.5", st.Coverage)
	}
	if st.SongCount != 2 || st.PreListedParticipants != 1 || st.ActiveParticipants != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRosterUnionAndPagination(t *testing.T) {
	svc, store, study := adminFixture(t)
	store.activity[study.ID] = []*ParticipantActivity{
		{ParticipantID: "walkin", RatingCount: 2, SegmentCount: 4},
	}

	page, err := svc.Roster("pilot_1", 0, 0)
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("total = %d, want pre-listed plus active", page.Total)
	}
	if page.Limit != 100 {
		t.Fatalf("default limit = %d, want 100", page.Limit)
	}
	if page.Entries[0].ParticipantID != "p001" || !page.Entries[0].PreListed {
		t.Fatalf("first entry = %+v", page.Entries[0])
	}
	if e := page.Entries[1]; e.ParticipantID != "walkin" || e.PreListed || !e.Completed {
		t.Fatalf("second entry = %+v", e)
	}

	window, err := svc.Roster("pilot_1", 1, 1)
	if err != nil {
		t.Fatalf("Roster window: %v", err)
	}
	if len(window.Entries) != 1 || window.Entries[0].ParticipantID != "walkin" {
		t.Fatalf("window = %+v", window.Entries)
	}

	if _, err := svc.Roster("pilot_1", -1, 10); err == nil {
		t.Fatalf("negative skip should be rejected")
	}
	if _, err := svc.Roster("missing", 0, 0); err == nil {
		t.Fatalf("unknown study should be rejected")
	}
}

func TestAssignParticipants(t *testing.T) {
	svc, store, study := adminFixture(t)

	outcomes, err := svc.AssignParticipants("pilot_1", []string{"p001", "p100"}, false)
	if err != nil {
		t.Fatalf("AssignParticipants: %v", err)
	}
	if outcomes[0].Outcome != "already_linked" {
		t.Fatalf("p001 outcome = %q", outcomes[0].Outcome)
	}
	if outcomes[1].Outcome != "created" {
		t.Fatalf("p100 outcome = %q", outcomes[1].Outcome)
	}
	if !store.participantLinks[study.ID+"/p100"] {
		t.Fatalf("p100 not linked")
	}

	// Existing-but-unlinked participant.
	if err := svc.UnassignParticipant("pilot_1", "p100"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	outcomes, err = svc.AssignParticipants("pilot_1", []string{"p100"}, false)
	if err != nil {
		t.Fatalf("re-assign: %v", err)
	}
	if outcomes[0].Outcome != "linked" {
		t.Fatalf("re-linked outcome = %q", outcomes[0].Outcome)
	}
}

func TestAssignParticipantsMustBeNew(t *testing.T) {
	svc, store, study := adminFixture(t)

	_, err := svc.AssignParticipants("pilot_1", []string{"fresh", "p001"}, true)
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	// The batch must be all-or-nothing: "fresh" must not have been written.
	if _, exists := store.participants["fresh"]; exists {
		t.Fatalf("conflicting batch wrote a participant")
	}
	if store.participantLinks[study.ID+"/fresh"] {
		t.Fatalf("conflicting batch wrote a link")
	}

	outcomes, err := svc.AssignParticipants("pilot_1", []string{"fresh"}, true)
	if err != nil {
		t.Fatalf("AssignParticipants: %v", err)
	}
	if outcomes[0].Outcome != "created" {
		t.Fatalf("outcome = %q", outcomes[0].Outcome)
	}
}

func TestAssignParticipantsInputValidation(t *testing.T) {
	svc, _, _ := adminFixture(t)
	if _, err := svc.AssignParticipants("pilot_1", nil, false); err == nil {
		t.Fatalf("empty batch should be rejected")
	}
	if _, err := svc.AssignParticipants("pilot_1", []string{"a", ""}, false); err == nil {
		t.Fatalf("empty id should be rejected")
	}
	if _, err := svc.AssignParticipants("pilot_1", []string{"a", "a"}, false); err == nil {
		t.Fatalf("duplicate ids should be rejected")
	}
}

func TestUnassignParticipant(t *testing.T) {
	svc, store, study := adminFixture(t)

	if err := svc.UnassignParticipant("pilot_1", "p001"); err != nil {
		t.Fatalf("UnassignParticipant: %v", err)
	}
	if store.participantLinks[study.ID+"/p001"] {
		t.Fatalf("link not removed")
	}
	if _, exists := store.participants["p001"]; !exists {
		t.Fatalf("participant record should be retained")
	}

	err := svc.UnassignParticipant("pilot_1", "p001")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorNotFound {
		t.Fatalf("expected not_found for missing link, got %v", err)
	}
}

func TestPurgeStudy(t *testing.T) {
	svc, store, study := adminFixture(t)
	store.purgeResult = &PurgeResult{Segments: 5, Ratings: 2, SongLinks: 2, ParticipantLinks: 1, Dimensions: 1}

	res, err := svc.PurgeStudy("pilot_1")
	if err != nil {
		t.Fatalf("PurgeStudy: %v", err)
	}
	if res.NameShort != "pilot_1" || res.Segments != 5 {
		t.Fatalf("result = %+v", res)
	}
	if len(store.purged) != 1 || store.purged[0] != study.ID {
		t.Fatalf("purged = %v", store.purged)
	}

	_, err = svc.PurgeStudy("missing")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}
