package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/timetable-sync/internal/syncerr"
)

func noSleep(context.Context, time.Duration) error { return nil }

func pageBody(total int, records ...string) string {
	rows := "["
	for i, r := range records {
		if i > 0 {
			rows += ","
		}
		rows += r
	}
	rows += "]"
	return fmt.Sprintf(`{"data":[[],[{"TotalRecord":%d}],%s]}`, total, rows)
}

func record(code, start string) string {
	return fmt.Sprintf(`{"MaMonHoc":%q,"TenNhom":"D21","ToThucHanh":null,"ThoiGianBD":%q,"ThoiGianKT":"2025-09-01T09:30:00","TenPhong":"A101","TenCoSo":"CS1","GiaoVien":"B","Type":0,"TenMonHoc":"Networks","calenType":2}`, code, start)
}

func newTestClient(url string) *Client {
	c := NewClient(Options{URL: url, StudentID: "S1", PageSize: 2, MaxRetries: 3})
	c.sleep = noSleep
	return c
}

func TestFetchAllWalksPages(t *testing.T) {
	var seen []request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req)
		switch req.PageIndex {
		case 1:
			fmt.Fprint(w, pageBody(3, record("A", "2025-09-01T07:00:00"), record("B", "2025-09-01T07:00:00")))
		default:
			fmt.Fprint(w, pageBody(3, record("C", "2025-09-01T07:00:00")))
		}
	}))
	defer srv.Close()

	since := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	records, err := newTestClient(srv.URL).FetchAll(context.Background(), since)
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, Text("C"), records[2].SubjectCode)
	assert.Equal(t, Text(""), records[0].SubgroupCode)
	assert.Equal(t, Text("0"), records[0].SessionKind)
	assert.Equal(t, Text("2"), records[0].CalendarKind)

	require.Len(t, seen, 2)
	assert.Equal(t, "2025-09-01", seen[0].Date)
	assert.Equal(t, "S1", seen[0].StudentID)
	assert.Equal(t, 2, seen[1].PageIndex)
}

func TestFetchAllStructuralError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[[]]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchAll(context.Background(), time.Now())
	require.Error(t, err)
	assert.True(t, syncerr.IsStructural(err))
}

func TestFetchAllAbortsOnMalformedLaterPage(t *testing.T) {
	tests := map[string]string{
		"missing result set": `{"data":[[],[]]}`,
		"undecodable rows":   `{"data":[[],[{"TotalRecord":4}],{"not":"rows"}]}`,
	}
	for name, second := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req request
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				if req.PageIndex == 1 {
					fmt.Fprint(w, pageBody(4, record("A", "2025-09-01T07:00:00"), record("B", "2025-09-01T07:00:00")))
					return
				}
				fmt.Fprint(w, second)
			}))
			defer srv.Close()

			records, err := newTestClient(srv.URL).FetchAll(context.Background(), time.Now())
			require.Error(t, err)
			assert.Nil(t, records)
			assert.True(t, syncerr.IsStructural(err))

			var se *syncerr.StructuralError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, 2, se.Page)
		})
	}
}

func TestFetchAllRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, pageBody(1, record("A", "2025-09-01T07:00:00")))
	}))
	defer srv.Close()

	records, err := newTestClient(srv.URL).FetchAll(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchAllGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchAll(context.Background(), time.Now())
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchAllDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchAll(context.Background(), time.Now())
	require.Error(t, err)
	assert.False(t, syncerr.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchAllRequiresStudentID(t *testing.T) {
	c := NewClient(Options{URL: "http://unused"})
	_, err := c.FetchAll(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrMissingStudentID)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://host/api", redactURL("https://user:pw@host/api?key=secret"))
}
