// Package google is the Google Calendar backend.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	cal "github.com/ChuLiYu/timetable-sync/internal/calendar"
	"github.com/ChuLiYu/timetable-sync/internal/logging"
)

var log = logging.Component("calendar.google")

// colorTomato is Google's event color id for red.
const colorTomato = "11"

// Backend talks to the Calendar v3 API as the token's owner.
type Backend struct {
	service  *calendar.Service
	timeZone string
}

// Login loads OAuth client credentials and a previously issued token, then
// builds the Calendar service.
func Login(ctx context.Context, credsFile, tokenFile, timeZone string) (*Backend, error) {
	b, err := os.ReadFile(credsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	config, err := googleoauth.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	return New(ctx, config.Client(ctx, tok), timeZone)
}

// New wraps an already authorized HTTP client.
func New(ctx context.Context, client *http.Client, timeZone string, opts ...option.ClientOption) (*Backend, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &Backend{service: svc, timeZone: timeZone}, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

func (b *Backend) CreateCalendar(ctx context.Context, name string) (string, error) {
	created, err := b.service.Calendars.Insert(&calendar.Calendar{
		Summary:  name,
		TimeZone: b.timeZone,
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create calendar %q: %w", name, err)
	}
	log.Info("calendar created", "id", created.Id, "name", name)
	return created.Id, nil
}

func (b *Backend) CalendarName(ctx context.Context, calendarID string) (string, error) {
	c, err := b.service.Calendars.Get(calendarID).Context(ctx).Do()
	if err != nil {
		return "", mapErr(err, cal.ErrCalendarNotFound, calendarID)
	}
	return c.Summary, nil
}

func (b *Backend) DeleteCalendar(ctx context.Context, calendarID string) error {
	if err := b.service.Calendars.Delete(calendarID).Context(ctx).Do(); err != nil {
		return mapErr(err, cal.ErrCalendarNotFound, calendarID)
	}
	return nil
}

func (b *Backend) Create(ctx context.Context, calendarID string, entry cal.Entry) (string, error) {
	if err := entry.Validate(); err != nil {
		return "", err
	}

	ev := &calendar.Event{
		Summary:     entry.Title,
		Description: entry.Description,
		Location:    entry.Location,
		Start:       &calendar.EventDateTime{DateTime: entry.Start.Format(time.RFC3339), TimeZone: b.timeZone},
		End:         &calendar.EventDateTime{DateTime: entry.End.Format(time.RFC3339), TimeZone: b.timeZone},
	}
	if entry.Color == cal.ColorRed {
		ev.ColorId = colorTomato
	}

	created, err := b.service.Events.Insert(calendarID, ev).Context(ctx).Do()
	if err != nil {
		return "", mapErr(err, cal.ErrCalendarNotFound, calendarID)
	}
	return created.Id, nil
}

func (b *Backend) Delete(ctx context.Context, calendarID, eventID string) error {
	if err := b.service.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return mapErr(err, cal.ErrEventNotFound, eventID)
	}
	return nil
}

// mapErr turns 404 and 410 responses into notFound.
func mapErr(err, notFound error, id string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return err
}
