package calendar

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Calendar writes events on behalf of a creator.
type Calendar interface {
	Insert(ctx context.Context, src oauth2.TokenSource, ev *gcal.Event) (string, error)
	Delete(ctx context.Context, src oauth2.TokenSource, eventID string) error
}

// GoogleCalendar talks to the Google Calendar v3 API on the creator's
// primary calendar.
type GoogleCalendar struct {
	base     *http.Client
	endpoint string
}

// NewGoogleCalendar uses base for transport and timeouts. endpoint overrides
// the API base URL and is empty in production.
func NewGoogleCalendar(base *http.Client, endpoint string) *GoogleCalendar {
	if base == nil {
		base = http.DefaultClient
	}
	return &GoogleCalendar{base: base, endpoint: endpoint}
}

func (g *GoogleCalendar) Insert(ctx context.Context, src oauth2.TokenSource, ev *gcal.Event) (string, error) {
	svc, err := g.service(ctx, src)
	if err != nil {
		return "", err
	}
	created, err := svc.Events.Insert("primary", ev).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

// Delete removes eventID. An event that is already gone is not an error.
func (g *GoogleCalendar) Delete(ctx context.Context, src oauth2.TokenSource, eventID string) error {
	svc, err := g.service(ctx, src)
	if err != nil {
		return err
	}
	err = svc.Events.Delete("primary", eventID).SendUpdates("all").Context(ctx).Do()
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
		return nil
	}
	return err
}

func (g *GoogleCalendar) service(ctx context.Context, src oauth2.TokenSource) (*gcal.Service, error) {
	client := &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: g.base.Transport},
		Timeout:   g.base.Timeout,
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	return gcal.NewService(ctx, opts...)
}
