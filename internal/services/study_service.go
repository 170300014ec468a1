package services

import (
	"time"

	"github.com/perceptlab/audiorating/internal/models"
)

// StudySong pairs a song with its stored position in one study. The position
// comes from the study-song link, not from list order.
type StudySong struct {
	Song      *models.Song
	SongIndex int
}

// StudyStore abstracts the read side for study metadata views.
type StudyStore interface {
	ListStudies() ([]*models.Study, error)
	ListStudySongs(studyID string) ([]*StudySong, error)
	ListStudyDimensions(studyID string) ([]*models.RatingDimension, error)
}

// StudySummary is the public listing entry for open, unlisted-friendly
// studies.
type StudySummary struct {
	NameShort   string `json:"name_short"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SongView is the participant-facing song entry, in study order.
type SongView struct {
	MediaURL    string `json:"media_url"`
	DisplayName string `json:"display_name"`
	SongIndex   int    `json:"song_index"`
}

// DimensionView is the participant-facing rating axis definition.
type DimensionView struct {
	DimensionTitle string `json:"dimension_title"`
	NumValues      int    `json:"num_values"`
	DimensionOrder int    `json:"dimension_order"`
	MinimalValue   int    `json:"minimal_value"`
	DefaultValue   int    `json:"default_value"`
	Description    string `json:"description,omitempty"`
}

// StudyConfigView is what an authorized participant needs to run a session.
type StudyConfigView struct {
	NameShort           string          `json:"name_short"`
	Name                string          `json:"name"`
	Description         string          `json:"description,omitempty"`
	DataCollectionStart time.Time       `json:"data_collection_start"`
	DataCollectionEnd   time.Time       `json:"data_collection_end"`
	Songs               []SongView      `json:"songs"`
	RatingDimensions    []DimensionView `json:"rating_dimensions"`
}

type StudyService struct {
	gate  *AccessGate
	store StudyStore
	now   func() time.Time
}

func NewStudyService(gate *AccessGate, store StudyStore) *StudyService {
	return &StudyService{
		gate:  gate,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ActiveOpenStudies lists studies that are inside their collection window
// and admit unlisted participants.
func (s *StudyService) ActiveOpenStudies() ([]StudySummary, error) {
	studies, err := s.store.ListStudies()
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := []StudySummary{}
	for _, st := range studies {
		if !st.AllowUnlistedParticipants {
			continue
		}
		if now.Before(st.DataCollectionStart) || now.After(st.DataCollectionEnd) {
			continue
		}
		out = append(out, StudySummary{NameShort: st.NameShort, Name: st.Name, Description: st.Description})
	}
	return out, nil
}

// Config returns the ordered song and dimension lists for an authorized
// participant.
func (s *StudyService) Config(nameShort, participantID string) (*StudyConfigView, error) {
	study, err := s.gate.AuthorizeParticipant(nameShort, participantID)
	if err != nil {
		return nil, err
	}
	songs, err := s.store.ListStudySongs(study.ID)
	if err != nil {
		return nil, err
	}
	dims, err := s.store.ListStudyDimensions(study.ID)
	if err != nil {
		return nil, err
	}
	view := &StudyConfigView{
		NameShort:           study.NameShort,
		Name:                study.Name,
		Description:         study.Description,
		DataCollectionStart: study.DataCollectionStart,
		DataCollectionEnd:   study.DataCollectionEnd,
		Songs:               make([]SongView, 0, len(songs)),
		RatingDimensions:    make([]DimensionView, 0, len(dims)),
	}
	for _, sng := range songs {
		view.Songs = append(view.Songs, SongView{MediaURL: sng.Song.MediaURL, DisplayName: sng.Song.DisplayName, SongIndex: sng.SongIndex})
	}
	for _, d := range dims {
		view.RatingDimensions = append(view.RatingDimensions, DimensionView{
			DimensionTitle: d.DimensionTitle,
			NumValues:      d.NumValues,
			DimensionOrder: d.DimensionOrder,
			MinimalValue:   d.MinimalValue,
			DefaultValue:   d.DefaultValue,
			Description:    d.Description,
		})
	}
	return view, nil
}
