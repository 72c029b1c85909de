package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

var links = Links{
	OfficialSchedule: "https://school.example/schedule",
	Dashboard:        "https://ttsync.example/app",
}

func changes() (added, removed []types.ScheduleEvent) {
	added = []types.ScheduleEvent{{
		SubjectName: "Networks",
		Room:        "A101",
		StartsAt:    time.Date(2025, 9, 1, 7, 0, 0, 0, time.UTC),
	}}
	removed = []types.ScheduleEvent{{
		SubjectName: "Databases",
		Room:        "B202",
		StartsAt:    time.Date(2025, 9, 3, 13, 0, 0, 0, time.UTC),
	}}
	return added, removed
}

type stubSummarizer struct {
	text  string
	err   error
	block bool
	tone  string
}

func (s *stubSummarizer) Summarize(ctx context.Context, _, _ []types.ScheduleEvent, tone string) (string, error) {
	s.tone = tone
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.text, s.err
}

func TestTemplateGolden(t *testing.T) {
	added, removed := changes()
	msg := NewComposer(nil, ToneFriendly, time.Second, links, time.UTC).Compose(context.Background(), added, removed)

	assert.Equal(t, "[Schedule] 2 changes", msg.Subject)
	assert.False(t, msg.Summarized)

	g := goldie.New(t)
	g.Assert(t, "template", []byte(msg.Body))
}

func TestComposeUsesSummary(t *testing.T) {
	added, removed := changes()
	s := &stubSummarizer{text: "  Hi! Two changes this week.  "}
	msg := NewComposer(s, ToneDirect, time.Second, links, time.UTC).Compose(context.Background(), added, removed)

	assert.True(t, msg.Summarized)
	assert.Equal(t, ToneDirect, s.tone)
	assert.True(t, strings.HasPrefix(msg.Body, "Hi! Two changes this week.\n\n---\n"))
	assert.Contains(t, msg.Body, "Dashboard: https://ttsync.example/app")
}

func TestComposeFallsBack(t *testing.T) {
	added, removed := changes()
	cases := map[string]*stubSummarizer{
		"error":   {err: errors.New("quota")},
		"empty":   {text: "   "},
		"timeout": {block: true},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			msg := NewComposer(s, "shouty", 20*time.Millisecond, links, time.UTC).Compose(context.Background(), added, removed)
			assert.False(t, msg.Summarized)
			assert.Equal(t, ToneFriendly, s.tone)
			assert.True(t, strings.HasPrefix(msg.Body, "Your timetable changed."))
			assert.Contains(t, msg.Body, "Official schedule: https://school.example/schedule")
		})
	}
}

func TestGeminiSummarize(t *testing.T) {
	var gotPath, gotKey, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Two "},{"text":"changes."}]}}]}`)
	}))
	defer srv.Close()

	g, err := NewGemini(context.Background(), GeminiOptions{
		APIKey:     "key",
		Model:      "models/gemini-2.5-flash",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	}, time.UTC)
	require.NoError(t, err)

	added, removed := changes()
	text, err := g.Summarize(context.Background(), added, removed, ToneFriendly)
	require.NoError(t, err)
	assert.Equal(t, "Two changes.", text)
	assert.True(t, strings.HasPrefix(gotPath, "/v1beta/"), gotPath)
	assert.Contains(t, gotPath, "models/gemini-2.5-flash:generateContent")
	assert.Equal(t, "key", gotKey)
	assert.Contains(t, gotBody, "Networks (room A101)")
	assert.Contains(t, gotBody, "Cancelled sessions")
}

func TestGeminiNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	g, err := NewGemini(context.Background(), GeminiOptions{
		APIKey:     "key",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	}, time.UTC)
	require.NoError(t, err)

	_, err = g.Summarize(context.Background(), nil, nil, ToneDirect)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
