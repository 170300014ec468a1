package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/perceptlab/audiorating/internal/models"
	"github.com/perceptlab/audiorating/internal/services"
)

// SQLiteStore backs every service store interface with one SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to the SQLite database at path. The pragmas go into the DSN
// so every pooled connection carries them.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	return &SQLiteStore{
		db:  conn,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// timeLayout is fixed-width so stored instants sort correctly as strings
// (RFC3339Nano drops trailing zeros, which breaks MAX() over mixed
// precision).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", raw, err)
	}
	return t.UTC(), nil
}

// ---- studies ----

func (s *SQLiteStore) GetStudyByNameShort(nameShort string) (*models.Study, error) {
	row := s.db.QueryRow(`SELECT id, name_short, name, description, allow_unlisted_participants,
		data_collection_start, data_collection_end, created_at
		FROM studies WHERE name_short = ?`, nameShort)
	study, err := scanStudy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return study, err
}

func (s *SQLiteStore) ListStudies() ([]*models.Study, error) {
	rows, err := s.db.Query(`SELECT id, name_short, name, description, allow_unlisted_participants,
		data_collection_start, data_collection_end, created_at
		FROM studies ORDER BY name_short`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Study
	for rows.Next() {
		study, err := scanStudy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, study)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStudy(row rowScanner) (*models.Study, error) {
	var study models.Study
	var allowUnlisted int
	var start, end, created string
	if err := row.Scan(&study.ID, &study.NameShort, &study.Name, &study.Description,
		&allowUnlisted, &start, &end, &created); err != nil {
		return nil, err
	}
	study.AllowUnlistedParticipants = allowUnlisted != 0
	var err error
	if study.DataCollectionStart, err = parseTime(start); err != nil {
		return nil, err
	}
	if study.DataCollectionEnd, err = parseTime(end); err != nil {
		return nil, err
	}
	if study.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &study, nil
}

func (s *SQLiteStore) InsertStudy(study *models.Study) error {
	allowUnlisted := 0
	if study.AllowUnlistedParticipants {
		allowUnlisted = 1
	}
	_, err := s.db.Exec(`INSERT INTO studies
		(id, name_short, name, description, allow_unlisted_participants, data_collection_start, data_collection_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		study.ID, study.NameShort, study.Name, study.Description, allowUnlisted,
		formatTime(study.DataCollectionStart), formatTime(study.DataCollectionEnd), formatTime(study.CreatedAt))
	return err
}

// ---- participants ----

func (s *SQLiteStore) GetParticipant(id string) (*models.Participant, error) {
	var p models.Participant
	var created string
	err := s.db.QueryRow(`SELECT id, created_at FROM participants WHERE id = ?`, id).Scan(&p.ID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) InsertParticipant(p *models.Participant) error {
	_, err := s.db.Exec(`INSERT INTO participants (id, created_at) VALUES (?, ?)`,
		p.ID, formatTime(p.CreatedAt))
	return err
}

func (s *SQLiteStore) HasStudyParticipant(studyID, participantID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM study_participant_links WHERE study_id = ? AND participant_id = ?`,
		studyID, participantID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) LinkStudyParticipant(link *models.StudyParticipantLink) error {
	_, err := s.db.Exec(`INSERT INTO study_participant_links (study_id, participant_id) VALUES (?, ?)`,
		link.StudyID, link.ParticipantID)
	return err
}

func (s *SQLiteStore) UnlinkStudyParticipant(studyID, participantID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM study_participant_links WHERE study_id = ? AND participant_id = ?`,
		studyID, participantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListStudyParticipantIDs(studyID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT participant_id FROM study_participant_links
		WHERE study_id = ? ORDER BY participant_id`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		out = append(out, pid)
	}
	return out, rows.Err()
}

// ---- songs ----

func (s *SQLiteStore) GetSongByMediaURL(mediaURL string) (*models.Song, error) {
	var song models.Song
	err := s.db.QueryRow(`SELECT id, media_url, display_name, description FROM songs WHERE media_url = ?`,
		mediaURL).Scan(&song.ID, &song.MediaURL, &song.DisplayName, &song.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &song, nil
}

func (s *SQLiteStore) InsertSong(song *models.Song) error {
	_, err := s.db.Exec(`INSERT INTO songs (id, media_url, display_name, description) VALUES (?, ?, ?, ?)`,
		song.ID, song.MediaURL, song.DisplayName, song.Description)
	return err
}

func (s *SQLiteStore) HasStudySong(studyID, songID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM study_song_links WHERE study_id = ? AND song_id = ?`,
		studyID, songID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) LinkStudySong(link *models.StudySongLink) error {
	_, err := s.db.Exec(`INSERT INTO study_song_links (study_id, song_id, song_index) VALUES (?, ?, ?)`,
		link.StudyID, link.SongID, link.SongIndex)
	return err
}

func (s *SQLiteStore) ListStudySongs(studyID string) ([]*services.StudySong, error) {
	rows, err := s.db.Query(`SELECT s.id, s.media_url, s.display_name, s.description, l.song_index
		FROM songs s JOIN study_song_links l ON l.song_id = s.id
		WHERE l.study_id = ? ORDER BY l.song_index`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.StudySong
	for rows.Next() {
		var song models.Song
		var idx int
		if err := rows.Scan(&song.ID, &song.MediaURL, &song.DisplayName, &song.Description, &idx); err != nil {
			return nil, err
		}
		out = append(out, &services.StudySong{Song: &song, SongIndex: idx})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetStudySongByIndex(studyID string, songIndex int) (*models.Song, error) {
	var song models.Song
	err := s.db.QueryRow(`SELECT s.id, s.media_url, s.display_name, s.description
		FROM songs s JOIN study_song_links l ON l.song_id = s.id
		WHERE l.study_id = ? AND l.song_index = ?`, studyID, songIndex).
		Scan(&song.ID, &song.MediaURL, &song.DisplayName, &song.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &song, nil
}

// ---- rating dimensions ----

func (s *SQLiteStore) InsertDimension(dim *models.RatingDimension) error {
	_, err := s.db.Exec(`INSERT INTO study_rating_dimensions
		(id, study_id, dimension_title, num_values, dimension_order, minimal_value, default_value, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dim.ID, dim.StudyID, dim.DimensionTitle, dim.NumValues, dim.DimensionOrder,
		dim.MinimalValue, dim.DefaultValue, dim.Description)
	return err
}

func (s *SQLiteStore) ListStudyDimensions(studyID string) ([]*models.RatingDimension, error) {
	rows, err := s.db.Query(`SELECT id, study_id, dimension_title, num_values, dimension_order,
		minimal_value, default_value, description
		FROM study_rating_dimensions WHERE study_id = ? ORDER BY dimension_order`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RatingDimension
	for rows.Next() {
		var d models.RatingDimension
		if err := rows.Scan(&d.ID, &d.StudyID, &d.DimensionTitle, &d.NumValues, &d.DimensionOrder,
			&d.MinimalValue, &d.DefaultValue, &d.Description); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ---- ratings ----

// SaveSubmission persists one submission atomically: the participant row is
// created on first contact, and each dimension's prior segments are replaced
// by exactly the submitted set.
func (s *SQLiteStore) SaveSubmission(set *services.SubmissionSet) (*services.SubmissionOutcome, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// created_at is server-assigned; only timestamp comes from the client.
	createdAt := formatTime(s.now())

	var one int
	err = tx.QueryRow(`SELECT 1 FROM participants WHERE id = ?`, set.ParticipantID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.Exec(`INSERT INTO participants (id, created_at) VALUES (?, ?)`,
			set.ParticipantID, createdAt); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	outcome := &services.SubmissionOutcome{
		ParticipantID: set.ParticipantID,
		Dimensions:    map[string]string{},
	}
	ts := formatTime(set.Timestamp)
	for _, dim := range set.Dimensions {
		var ratingID string
		err := tx.QueryRow(`SELECT id FROM ratings
			WHERE participant_id = ? AND study_id = ? AND song_id = ? AND rating_name = ?`,
			set.ParticipantID, set.StudyID, set.SongID, dim.RatingName).Scan(&ratingID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			ratingID = uuid.NewString()
			if _, err := tx.Exec(`INSERT INTO ratings
				(id, participant_id, study_id, song_id, rating_name, timestamp, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				ratingID, set.ParticipantID, set.StudyID, set.SongID, dim.RatingName, ts, createdAt); err != nil {
				return nil, err
			}
			outcome.RatingsCreated++
			outcome.Dimensions[dim.RatingName] = "created"
		case err != nil:
			return nil, err
		default:
			if _, err := tx.Exec(`DELETE FROM rating_segments WHERE rating_id = ?`, ratingID); err != nil {
				return nil, err
			}
			if _, err := tx.Exec(`UPDATE ratings SET timestamp = ? WHERE id = ?`, ts, ratingID); err != nil {
				return nil, err
			}
			outcome.RatingsUpdated++
			outcome.Dimensions[dim.RatingName] = "updated"
		}
		for i, seg := range dim.Segments {
			if _, err := tx.Exec(`INSERT INTO rating_segments
				(id, rating_id, start_time, end_time, value, segment_order)
				VALUES (?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), ratingID, seg.Start, seg.End, seg.Value, i); err != nil {
				return nil, err
			}
		}
		outcome.SegmentsSaved += len(dim.Segments)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *SQLiteStore) ListRatings(participantID, studyID, songID string) ([]*models.Rating, map[string][]*models.RatingSegment, error) {
	rows, err := s.db.Query(`SELECT id, participant_id, study_id, song_id, rating_name, timestamp, created_at
		FROM ratings WHERE participant_id = ? AND study_id = ? AND song_id = ?
		ORDER BY rating_name`, participantID, studyID, songID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var ratings []*models.Rating
	for rows.Next() {
		var r models.Rating
		var ts, created string
		if err := rows.Scan(&r.ID, &r.ParticipantID, &r.StudyID, &r.SongID, &r.RatingName, &ts, &created); err != nil {
			return nil, nil, err
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, nil, err
		}
		ratings = append(ratings, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	segments := map[string][]*models.RatingSegment{}
	for _, r := range ratings {
		segRows, err := s.db.Query(`SELECT id, rating_id, start_time, end_time, value, segment_order
			FROM rating_segments WHERE rating_id = ? ORDER BY segment_order`, r.ID)
		if err != nil {
			return nil, nil, err
		}
		for segRows.Next() {
			var seg models.RatingSegment
			if err := segRows.Scan(&seg.ID, &seg.RatingID, &seg.StartTime, &seg.EndTime, &seg.Value, &seg.SegmentOrder); err != nil {
				segRows.Close()
				return nil, nil, err
			}
			segments[r.ID] = append(segments[r.ID], &seg)
		}
		if err := segRows.Err(); err != nil {
			segRows.Close()
			return nil, nil, err
		}
		segRows.Close()
	}
	return ratings, segments, nil
}

// ---- aggregation and export ----

func (s *SQLiteStore) ParticipantActivity(studyID string) ([]*services.ParticipantActivity, error) {
	rows, err := s.db.Query(`SELECT r.participant_id, COUNT(DISTINCT r.id), COUNT(g.id), MAX(r.timestamp)
		FROM ratings r LEFT JOIN rating_segments g ON g.rating_id = r.id
		WHERE r.study_id = ?
		GROUP BY r.participant_id ORDER BY r.participant_id`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.ParticipantActivity
	for rows.Next() {
		var a services.ParticipantActivity
		var last string
		if err := rows.Scan(&a.ParticipantID, &a.RatingCount, &a.SegmentCount, &last); err != nil {
			return nil, err
		}
		if a.LastActivity, err = parseTime(last); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListDatasetRecords(studyID string) ([]*services.DatasetRecord, error) {
	rows, err := s.db.Query(`SELECT st.name_short, r.participant_id, l.song_index, so.display_name, so.media_url,
		r.rating_name, g.segment_order, g.start_time, g.end_time, g.value, r.timestamp, r.created_at,
		r.id, g.id, r.study_id, r.song_id
		FROM rating_segments g
		JOIN ratings r ON r.id = g.rating_id
		JOIN studies st ON st.id = r.study_id
		JOIN songs so ON so.id = r.song_id
		JOIN study_song_links l ON l.study_id = r.study_id AND l.song_id = r.song_id
		WHERE r.study_id = ?
		ORDER BY r.participant_id, l.song_index, r.rating_name, g.segment_order`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.DatasetRecord
	for rows.Next() {
		var rec services.DatasetRecord
		var ts, created string
		if err := rows.Scan(&rec.StudyNameShort, &rec.ParticipantID, &rec.SongIndex, &rec.SongDisplayName,
			&rec.SongMediaURL, &rec.Dimension, &rec.SegmentOrder, &rec.Start, &rec.End, &rec.Value,
			&ts, &created, &rec.RatingID, &rec.SegmentID, &rec.StudyID, &rec.SongID); err != nil {
			return nil, err
		}
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// PurgeStudy deletes everything belonging to one study inside a transaction,
// child tables first. Shared song and participant rows survive.
func (s *SQLiteStore) PurgeStudy(studyID string) (*services.PurgeResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := &services.PurgeResult{}
	steps := []struct {
		query string
		count *int
	}{
		{`DELETE FROM rating_segments WHERE rating_id IN (SELECT id FROM ratings WHERE study_id = ?)`, &res.Segments},
		{`DELETE FROM ratings WHERE study_id = ?`, &res.Ratings},
		{`DELETE FROM study_song_links WHERE study_id = ?`, &res.SongLinks},
		{`DELETE FROM study_participant_links WHERE study_id = ?`, &res.ParticipantLinks},
		{`DELETE FROM study_rating_dimensions WHERE study_id = ?`, &res.Dimensions},
		{`DELETE FROM studies WHERE id = ?`, nil},
	}
	for _, step := range steps {
		r, err := tx.Exec(step.query, studyID)
		if err != nil {
			return nil, err
		}
		if step.count != nil {
			n, err := r.RowsAffected()
			if err != nil {
				return nil, err
			}
			*step.count = int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}
