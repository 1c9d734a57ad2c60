package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const userAgent = "calmirror/1.0"

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.Username != "" || t.Password != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	req.Header.Set("User-Agent", userAgent)
	return t.Transport.RoundTrip(req)
}

// Client is the destination store: one CalDAV account holding the mirrored calendars.
type Client struct {
	caldavClient *caldav.Client
	httpClient   *http.Client
	endpoint     *url.URL
	logger       *slog.Logger

	homeSet string
}

// NewClient creates a CalDAV client for the account at endpoint.
// No request is made until the first call.
func NewClient(logger *slog.Logger, endpoint, username, password string) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid caldav url: %w", err)
	}

	httpClient := &http.Client{Transport: &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	return &Client{
		caldavClient: caldavClient,
		httpClient:   httpClient,
		endpoint:     u,
		logger:       logger,
	}, nil
}

// ListCalendars returns every calendar in the account's calendar home set.
func (c *Client) ListCalendars(ctx context.Context) ([]caldav.Calendar, error) {
	homeSet, err := c.calendarHomeSet(ctx)
	if err != nil {
		return nil, err
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}
	return calendars, nil
}

// CreateCalendar makes a new calendar collection with the given display name.
func (c *Client) CreateCalendar(ctx context.Context, name string) (caldav.Calendar, error) {
	homeSet, err := c.calendarHomeSet(ctx)
	if err != nil {
		return caldav.Calendar{}, err
	}

	calendarPath := path.Join(homeSet, uuid.New().String()) + "/"
	if err := c.mkCalendar(ctx, calendarPath, name); err != nil {
		return caldav.Calendar{}, err
	}

	c.logger.Info("Created calendar", "name", name, "path", calendarPath)
	return caldav.Calendar{Path: calendarPath, Name: name}, nil
}

// ListObjects returns every event object in the calendar, fully parsed.
// A single unparsable object fails the whole call.
func (c *Client) ListObjects(ctx context.Context, calendarPath string) ([]caldav.CalendarObject, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent}},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar %s: %w", calendarPath, err)
	}
	return objects, nil
}

// UpdateObject overwrites the object at objectPath with cal.
func (c *Client) UpdateObject(ctx context.Context, objectPath string, cal *ical.Calendar) error {
	if _, err := c.putObject(ctx, objectPath, cal); err != nil {
		return fmt.Errorf("failed to update %s: %w", objectPath, err)
	}
	return nil
}

// CreateObject stores cal as a new object in the calendar and returns its path.
// The path is the one reported by the server when it assigns its own.
func (c *Client) CreateObject(ctx context.Context, calendarPath, uid string, cal *ical.Calendar) (string, error) {
	objectPath := path.Join(calendarPath, objectName(uid)+".ics")
	stored, err := c.putObject(ctx, objectPath, cal)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", objectPath, err)
	}
	return stored, nil
}

// putObject PUTs cal at objectPath and returns the path the server stored it at.
func (c *Client) putObject(ctx context.Context, objectPath string, cal *ical.Calendar) (string, error) {
	co, err := c.caldavClient.PutCalendarObject(ctx, objectPath, cal)
	if err != nil {
		if isResponseHeaderError(err) {
			// The server accepted the PUT; only its ETag/Last-Modified/Location
			// headers were unreadable.
			c.logger.Debug("Ignoring unparsable PUT response headers", "path", objectPath, "error", err)
			return objectPath, nil
		}
		return "", err
	}
	if co != nil && co.Path != "" {
		return co.Path, nil
	}
	return objectPath, nil
}

// isResponseHeaderError reports whether err comes from decoding the headers of
// a successful response rather than from the request itself.
func isResponseHeaderError(err error) bool {
	var (
		numErr  *strconv.NumError
		timeErr *time.ParseError
		urlErr  *url.Error
	)
	switch {
	case errors.Is(err, strconv.ErrSyntax), errors.As(err, &numErr), errors.As(err, &timeErr):
		return true
	case errors.As(err, &urlErr):
		return urlErr.Op == "parse"
	}
	return false
}

func (c *Client) calendarHomeSet(ctx context.Context) (string, error) {
	if c.homeSet != "" {
		return c.homeSet, nil
	}

	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	c.logger.Debug("Found calendar home set", "principal", principalPath, "homeSet", homeSet)
	c.homeSet = homeSet
	return homeSet, nil
}

// mkCalendar issues an RFC 4791 MKCALENDAR request.
func (c *Client) mkCalendar(ctx context.Context, calendarPath, name string) error {
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0" encoding="utf-8"?>` +
		`<C:mkcalendar xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">` +
		`<D:set><D:prop><D:displayname>`)
	if err := xml.EscapeText(&body, []byte(name)); err != nil {
		return fmt.Errorf("failed to encode calendar name: %w", err)
	}
	body.WriteString(`</D:displayname>` +
		`<C:supported-calendar-component-set><C:comp name="VEVENT"/></C:supported-calendar-component-set>` +
		`</D:prop></D:set></C:mkcalendar>`)

	target := c.endpoint.ResolveReference(&url.URL{Path: calendarPath})
	req, err := http.NewRequestWithContext(ctx, "MKCALENDAR", target.String(), &body)
	if err != nil {
		return fmt.Errorf("failed to build MKCALENDAR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to create calendar '%s': %w", name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("failed to create calendar '%s': server returned %s", name, resp.Status)
	}
	return nil
}

var safeObjectName = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,200}$`)

// objectName derives the resource name of a new event from its UID, falling
// back to a random UUID when the UID is not safe to use in a URL path.
func objectName(uid string) string {
	if safeObjectName.MatchString(uid) && !strings.HasPrefix(uid, ".") {
		return uid
	}
	return uuid.New().String()
}
