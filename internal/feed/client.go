// Package feed fetches the paginated timetable feed.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ChuLiYu/timetable-sync/internal/logging"
	"github.com/ChuLiYu/timetable-sync/internal/syncerr"
	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

var log = logging.Component("feed")

var ErrMissingStudentID = errors.New("student id is not configured")

// Fetcher returns every record of the feed starting at since.
type Fetcher interface {
	FetchAll(ctx context.Context, since time.Time) ([]Record, error)
}

// Options configures a Client.
type Options struct {
	URL        string
	StudentID  string
	PageSize   int
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// Client is the HTTP Fetcher.
type Client struct {
	opts  Options
	http  *http.Client
	sleep func(context.Context, time.Duration) error
}

// NewClient builds a Client, filling zero options with sane values.
func NewClient(opts Options) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{opts: opts, http: hc, sleep: sleepCtx}
}

type request struct {
	StudentID string `json:"StudentID"`
	Date      string `json:"Ngay"`
	PageIndex int    `json:"PageIndex"`
	PageSize  int    `json:"PageSize"`
}

type totalRow struct {
	TotalRecord *int `json:"TotalRecord"`
}

type page struct {
	Data []json.RawMessage `json:"data"`
}

// FetchAll requests page 1, reads the total record count, then walks the
// remaining pages in order.
func (c *Client) FetchAll(ctx context.Context, since time.Time) ([]Record, error) {
	if c.opts.StudentID == "" {
		return nil, ErrMissingStudentID
	}
	date := since.Format("2006-01-02")
	log.Info("fetching timetable", "url", redactURL(c.opts.URL), "since", date)

	first, err := c.fetchPage(ctx, date, 1)
	if err != nil {
		return nil, err
	}
	if len(first.Data) < 3 {
		return nil, &syncerr.StructuralError{Page: 1, Reason: fmt.Sprintf("expected 3 result sets, got %d", len(first.Data))}
	}

	var totals []totalRow
	if err := json.Unmarshal(first.Data[1], &totals); err != nil || len(totals) == 0 || totals[0].TotalRecord == nil {
		return nil, &syncerr.StructuralError{Page: 1, Reason: "missing TotalRecord"}
	}
	total := *totals[0].TotalRecord

	records, err := decodeRecords(first.Data[2])
	if err != nil {
		return nil, &syncerr.StructuralError{Page: 1, Reason: err.Error()}
	}

	pages := (total + c.opts.PageSize - 1) / c.opts.PageSize
	for p := 2; p <= pages; p++ {
		next, err := c.fetchPage(ctx, date, p)
		if err != nil {
			return nil, err
		}
		if len(next.Data) < 3 {
			return nil, &syncerr.StructuralError{Page: p, Reason: fmt.Sprintf("expected 3 result sets, got %d", len(next.Data))}
		}
		more, err := decodeRecords(next.Data[2])
		if err != nil {
			return nil, &syncerr.StructuralError{Page: p, Reason: err.Error()}
		}
		records = append(records, more...)
	}

	log.Info("timetable fetched", "total", total, "pages", pages, "records", len(records))
	return records, nil
}

func decodeRecords(raw json.RawMessage) ([]Record, error) {
	var out []Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// fetchPage retries transport errors and 5xx responses.
func (c *Client) fetchPage(ctx context.Context, date string, index int) (*page, error) {
	body, err := json.Marshal(request{
		StudentID: c.opts.StudentID,
		Date:      date,
		PageIndex: index,
		PageSize:  c.opts.PageSize,
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		p, retry, err := c.post(ctx, body, index)
		if err == nil {
			return p, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
		log.Warn("feed request failed", "page", index, "attempt", attempt, "error", err)
		if attempt < c.opts.MaxRetries {
			if err := c.sleep(ctx, c.opts.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, &syncerr.TransientError{
		Op:       fmt.Sprintf("fetch page %d", index),
		Attempts: c.opts.MaxRetries,
		Err:      lastErr,
	}
}

func (c *Client) post(ctx context.Context, body []byte, index int) (*page, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, true, fmt.Errorf("server returned %s", resp.Status)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, false, fmt.Errorf("feed rejected request: %s", resp.Status)
	}

	var p page
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, &syncerr.StructuralError{Page: index, Reason: err.Error()}
	}
	return &p, false, nil
}

// Normalize converts records into events, dropping the ones that fail
// validation or time parsing.
func Normalize(records []Record, loc *time.Location) []types.ScheduleEvent {
	out := make([]types.ScheduleEvent, 0, len(records))
	for i, r := range records {
		e, err := r.Normalize(loc)
		if err != nil {
			log.Warn("dropping feed record", "index", i, "subject", string(r.SubjectCode), "error", err)
			continue
		}
		out = append(out, e)
	}
	return out
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
