package google

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	cal "github.com/ChuLiYu/timetable-sync/internal/calendar"
)

type recorded struct {
	method string
	path   string
	body   map[string]any
}

func newTestBackend(t *testing.T, handler func(r recorded) (int, string)) (*Backend, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.body)
		}
		calls = append(calls, rec)
		code, body := handler(rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	b, err := New(context.Background(), srv.Client(), "Asia/Ho_Chi_Minh", option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return b, &calls
}

func TestCreateExamEntryIsRed(t *testing.T) {
	b, calls := newTestBackend(t, func(recorded) (int, string) {
		return http.StatusOK, `{"id":"evt-123"}`
	})

	start := time.Date(2025, 9, 1, 7, 0, 0, 0, time.UTC)
	id, err := b.Create(context.Background(), "cal-1", cal.Entry{
		Title: "[A101] Networks",
		Start: start,
		End:   start.Add(time.Hour),
		Color: cal.ColorRed,
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-123", id)

	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.True(t, strings.HasSuffix(got.path, "/calendars/cal-1/events"), got.path)
	assert.Equal(t, "11", got.body["colorId"])
	assert.Equal(t, "[A101] Networks", got.body["summary"])
}

func TestNotFoundIsMapped(t *testing.T) {
	b, _ := newTestBackend(t, func(recorded) (int, string) {
		return http.StatusNotFound, `{"error":{"code":404,"message":"Not Found"}}`
	})

	_, err := b.CalendarName(context.Background(), "gone")
	assert.ErrorIs(t, err, cal.ErrCalendarNotFound)

	err = b.Delete(context.Background(), "cal-1", "evt-1")
	assert.ErrorIs(t, err, cal.ErrEventNotFound)
}

func TestCreateCalendar(t *testing.T) {
	b, calls := newTestBackend(t, func(recorded) (int, string) {
		return http.StatusOK, `{"id":"new-cal","summary":"Timetable"}`
	})

	id, err := b.CreateCalendar(context.Background(), "Timetable")
	require.NoError(t, err)
	assert.Equal(t, "new-cal", id)
	assert.Equal(t, "Asia/Ho_Chi_Minh", (*calls)[0].body["timeZone"])
}
