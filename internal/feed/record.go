package feed

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ChuLiYu/timetable-sync/internal/fingerprint"
	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

var validate = validator.New()

// Text is a JSON scalar of any type kept as its literal text. null and
// absent values decode to "".
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
	default:
		*t = Text(data)
	}
	return nil
}

// Record is one row of the feed's third result set.
type Record struct {
	SubjectCode  Text `json:"MaMonHoc"`
	SectionCode  Text `json:"TenNhom"`
	SubgroupCode Text `json:"ToThucHanh"`
	StartTime    Text `json:"ThoiGianBD" validate:"required"`
	EndTime      Text `json:"ThoiGianKT" validate:"required"`
	Room         Text `json:"TenPhong"`
	Campus       Text `json:"TenCoSo"`
	Instructor   Text `json:"GiaoVien"`
	SessionKind  Text `json:"Type"`
	SubjectName  Text `json:"TenMonHoc"`
	CalendarKind Text `json:"calenType"`
}

var timeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ParseTime reads a feed timestamp. Values without a zone are read in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range timeLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// Normalize validates r and turns it into a ScheduleEvent with its
// fingerprint assigned.
func (r Record) Normalize(loc *time.Location) (types.ScheduleEvent, error) {
	if err := validate.Struct(r); err != nil {
		return types.ScheduleEvent{}, err
	}

	start, err := ParseTime(string(r.StartTime), loc)
	if err != nil {
		return types.ScheduleEvent{}, err
	}
	end, err := ParseTime(string(r.EndTime), loc)
	if err != nil {
		return types.ScheduleEvent{}, err
	}

	e := types.ScheduleEvent{
		SubjectCode:  string(r.SubjectCode),
		SectionCode:  string(r.SectionCode),
		SubgroupCode: string(r.SubgroupCode),
		StartTime:    string(r.StartTime),
		EndTime:      string(r.EndTime),
		Room:         string(r.Room),
		Campus:       string(r.Campus),
		Instructor:   string(r.Instructor),
		SessionKind:  string(r.SessionKind),
		SubjectName:  string(r.SubjectName),
		CalendarKind: string(r.CalendarKind),
		StartsAt:     start,
		EndsAt:       end,
	}
	e.Fingerprint = fingerprint.Of(e)
	return e, nil
}
