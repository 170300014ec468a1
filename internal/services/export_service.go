package services

import (
	"fmt"
	"time"

	"github.com/perceptlab/audiorating/internal/models"
)

// DatasetRecord is one flattened rating segment with its full study context.
// The ID fields are only populated when the caller asks for internal
// database identifiers.
type DatasetRecord struct {
	StudyNameShort  string    `json:"study_name_short"`
	ParticipantID   string    `json:"participant_id"`
	SongIndex       int       `json:"song_index"`
	SongDisplayName string    `json:"song_display_name"`
	SongMediaURL    string    `json:"song_media_url"`
	Dimension       string    `json:"dimension"`
	SegmentOrder    int       `json:"segment_order"`
	Start           float64   `json:"start"`
	End             float64   `json:"end"`
	Value           int       `json:"value"`
	Timestamp       time.Time `json:"timestamp"`
	CreatedAt       time.Time `json:"created_at"`

	RatingID  string `json:"rating_id,omitempty"`
	SegmentID string `json:"segment_id,omitempty"`
	StudyID   string `json:"study_id,omitempty"`
	SongID    string `json:"song_id,omitempty"`
}

// ExportStore provides the joined, flattened dataset rows for one study,
// ordered by participant, song index, dimension and segment order.
type ExportStore interface {
	GetStudyByNameShort(nameShort string) (*models.Study, error)
	ListDatasetRecords(studyID string) ([]*DatasetRecord, error)
}

// ExportService assembles downloadable datasets.
type ExportService struct {
	store ExportStore
}

func NewExportService(store ExportStore) *ExportService {
	return &ExportService{store: store}
}

// Dataset returns every rating segment of a study as flattened records.
func (s *ExportService) Dataset(nameShort string, withIDs bool) ([]*DatasetRecord, error) {
	study, err := s.store.GetStudyByNameShort(nameShort)
	if err != nil {
		return nil, err
	}
	if study == nil {
		return nil, NewNotFoundError(fmt.Sprintf("study %q not found", nameShort))
	}
	records, err := s.store.ListDatasetRecords(study.ID)
	if err != nil {
		return nil, err
	}
	if !withIDs {
		for _, r := range records {
			r.RatingID, r.SegmentID, r.StudyID, r.SongID = "", "", "", ""
		}
	}
	return records, nil
}
