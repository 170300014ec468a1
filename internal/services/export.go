package services

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"
)

// datasetHeader is the fixed, documented column order of the CSV export.
var datasetHeader = []string{
	"study_name_short", "participant_id", "song_index", "song_display_name",
	"song_media_url", "dimension", "segment_order", "start", "end", "value",
	"timestamp", "created_at",
}

var datasetIDHeader = []string{"rating_id", "segment_id", "study_id", "song_id"}

// DatasetCSV renders flattened segment records into CSV. With withIDs the
// internal identifier columns are appended after the fixed base columns.
func DatasetCSV(records []*DatasetRecord, withIDs bool) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	header := datasetHeader
	if withIDs {
		header = append(append([]string{}, datasetHeader...), datasetIDHeader...)
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, r := range records {
		rec := []string{
			r.StudyNameShort,
			r.ParticipantID,
			strconv.Itoa(r.SongIndex),
			r.SongDisplayName,
			r.SongMediaURL,
			r.Dimension,
			strconv.Itoa(r.SegmentOrder),
			strconv.FormatFloat(r.Start, 'f', -1, 64),
			strconv.FormatFloat(r.End, 'f', -1, 64),
			strconv.Itoa(r.Value),
			r.Timestamp.UTC().Format(time.RFC3339),
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if withIDs {
			rec = append(rec, r.RatingID, r.SegmentID, r.StudyID, r.SongID)
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
