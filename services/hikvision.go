package services

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/camgate/backend/config"
	"github.com/camgate/backend/logging"
	"github.com/camgate/backend/models"
)

var (
	validChannelID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,31}$`)
	rtspUserinfo   = regexp.MustCompile(`(?i)(rtsps?://)([^:/@\s]*):[^/@\s]*@`)
)

// ValidateChannelID rejects ids that cannot be placed in an ISAPI path.
func ValidateChannelID(id string) error {
	if !validChannelID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, id)
	}
	return nil
}

// HikvisionClient talks to a Hikvision NVR through ISAPI with Digest auth.
// It is built once from immutable credentials and shared by every consumer.
type HikvisionClient struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// DeviceOptions are the connection settings for one NVR.
type DeviceOptions struct {
	Scheme            string
	Host              string
	Port              int
	Username          string
	Password          string
	Timeout           time.Duration
	RequestsPerSecond float64
	InsecureTLS       bool
}

// DeviceOptionsFromConfig maps the nvr config section onto DeviceOptions.
func DeviceOptionsFromConfig(c config.NVRSettings) DeviceOptions {
	return DeviceOptions{
		Scheme:            c.Scheme,
		Host:              c.Host,
		Port:              c.HTTPPort,
		Username:          c.Username,
		Password:          c.Password,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		InsecureTLS:       c.InsecureTLS,
	}
}

func NewHikvisionClient(opts DeviceOptions) *HikvisionClient {
	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.InsecureTLS {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	scheme := opts.Scheme
	if scheme == "" {
		scheme = "http"
	}
	baseURL := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))

	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetTransport(&digestTransport{username: opts.Username, password: opts.Password, next: base}).
		SetHeader("Accept", "application/xml")

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &HikvisionClient{
		http:    r,
		limiter: rate.NewLimiter(limit, 2),
		logger:  logging.WithComponent("hikvision"),
	}
}

// do issues one ISAPI request and returns the body of a 2xx response.
func (c *HikvisionClient) do(ctx context.Context, endpoint, method, path, body string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnreachable, endpoint, err)
	}

	req := c.http.R().SetContext(ctx)
	if body != "" {
		req.SetHeader("Content-Type", "application/xml").SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	DeviceRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		DeviceRequests.WithLabelValues(endpoint, "unreachable").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnreachable, endpoint, err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		DeviceRequests.WithLabelValues(endpoint, "unauthorized").Inc()
		return nil, fmt.Errorf("%w: %s: authentication rejected, check username and password", ErrDeviceProtocol, endpoint)
	case resp.IsError() || resp.StatusCode() >= 300:
		DeviceRequests.WithLabelValues(endpoint, "status").Inc()
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrDeviceProtocol, endpoint, resp.StatusCode(), truncate(resp.String(), 512))
	}

	DeviceRequests.WithLabelValues(endpoint, "ok").Inc()
	return resp.Body(), nil
}

// Ping checks if the device is reachable.
// Any HTTP response (even 401/403) means the NVR is online; only network errors are failures.
func (c *HikvisionClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "status", http.MethodGet, "/ISAPI/System/status", "")
	if errors.Is(err, ErrDeviceUnreachable) {
		return err
	}
	return nil
}

// ListChannels returns the streaming channels in the order the NVR reports them.
func (c *HikvisionClient) ListChannels(ctx context.Context) ([]models.Channel, error) {
	body, err := c.do(ctx, "channels", http.MethodGet, "/ISAPI/Streaming/channels", "")
	if err != nil {
		return nil, err
	}

	raw, err := decodeList[streamingChannelXML](body, "StreamingChannelList", "StreamingChannel")
	if err != nil {
		return nil, err
	}

	channels := make([]models.Channel, 0, len(raw))
	for _, ch := range raw {
		id := strings.TrimSpace(ch.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: streaming channel without id", ErrDeviceProtocol)
		}
		channels = append(channels, models.Channel{
			ID:        id,
			Name:      strings.TrimSpace(ch.ChannelName),
			Enabled:   strings.EqualFold(strings.TrimSpace(ch.Enabled), "true"),
			Transport: ch.transport(),
		})
	}
	return channels, nil
}

// ListEventTriggers returns the event triggers configured on the NVR.
func (c *HikvisionClient) ListEventTriggers(ctx context.Context) ([]models.EventTrigger, error) {
	body, err := c.do(ctx, "triggers", http.MethodGet, "/ISAPI/Event/triggers", "")
	if err != nil {
		return nil, err
	}

	raw, err := decodeList[eventTriggerXML](body, "EventTriggerList", "EventTrigger")
	if err != nil {
		return nil, err
	}

	triggers := make([]models.EventTrigger, 0, len(raw))
	for _, t := range raw {
		triggers = append(triggers, models.EventTrigger{
			ID:   orUnknown(t.ID),
			Type: orUnknown(t.EventType),
			Port: orUnknown(t.InputIOPortID),
		})
	}
	return triggers, nil
}

// ContentQuery is one page of a ContentMgmt search. Times are already in the
// device's frame of reference.
type ContentQuery struct {
	TrackID    string
	Start      time.Time
	End        time.Time
	Metadata   string // metadata descriptor; empty searches every recording type
	MaxResults int
	Position   int // zero-based result offset
}

// ContentMatch is one recorded segment returned by the device.
type ContentMatch struct {
	SourceID    string
	TrackID     string
	Start       time.Time
	End         time.Time
	PlaybackURI string
}

type ContentPage struct {
	SearchID     string
	Status       string
	NumOfMatches int
	Matches      []ContentMatch
}

// More reports whether the device has further results past this page.
func (p ContentPage) More() bool {
	return strings.EqualFold(p.Status, "MORE")
}

const (
	metadataAllRecordings = "//recordType.meta.std-cgi.com"
	deviceTimeLayout      = "2006-01-02T15:04:05Z"
)

// SearchContent runs one ContentMgmt search. Every call uses a fresh searchID
// so concurrent searches never share a device-side session.
func (c *HikvisionClient) SearchContent(ctx context.Context, q ContentQuery) (*ContentPage, error) {
	if err := ValidateChannelID(q.TrackID); err != nil {
		return nil, err
	}
	if !q.Start.Before(q.End) {
		return nil, fmt.Errorf("%w: start %s is not before end %s", ErrInvalidTimeRange, q.Start, q.End)
	}
	if q.MaxResults <= 0 {
		q.MaxResults = 50
	}
	metadata := q.Metadata
	if metadata == "" {
		metadata = metadataAllRecordings
	}

	desc := cmSearchDescription{
		Version:    "2.0",
		XMLNS:      "http://www.isapi.org/ver20/XMLSchema",
		SearchID:   strings.ToUpper(uuid.NewString()),
		TrackIDs:   []string{q.TrackID},
		TimeSpans:  []timeSpanXML{{StartTime: q.Start.UTC().Format(deviceTimeLayout), EndTime: q.End.UTC().Format(deviceTimeLayout)}},
		MaxResults: q.MaxResults,
		Position:   q.Position,
		Metadata:   []string{metadata},
	}
	payload, err := xml.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}

	body, err := c.do(ctx, "search", http.MethodPost, "/ISAPI/ContentMgmt/search", xml.Header+string(payload))
	if err != nil {
		return nil, err
	}

	page, err := parseSearchResults(body)
	if err != nil {
		return nil, err
	}
	if page.SearchID == "" {
		page.SearchID = desc.SearchID
	}
	c.logger.Debug().
		Str("search_id", desc.SearchID).
		Str("track_id", q.TrackID).
		Int("matches", len(page.Matches)).
		Str("status", page.Status).
		Msg("content search")
	return page, nil
}

// Snapshot fetches a JPEG snapshot from the given channel.
func (c *HikvisionClient) Snapshot(ctx context.Context, channelID string) ([]byte, error) {
	if err := ValidateChannelID(channelID); err != nil {
		return nil, err
	}
	return c.do(ctx, "snapshot", http.MethodGet, "/ISAPI/Streaming/channels/"+channelID+"/picture", "")
}

// RTSPSource builds RTSP URLs for channels served by the NVR.
type RTSPSource struct {
	Host     string
	Port     int
	Username string
	Password string
}

func RTSPSourceFromConfig(c config.NVRSettings) RTSPSource {
	return RTSPSource{Host: c.Host, Port: c.RTSPPort, Username: c.Username, Password: c.Password}
}

// LiveURI is the real-time stream of a channel.
func (s RTSPSource) LiveURI(channelID string) string {
	u := s.base()
	u.Path = "/ISAPI/Streaming/channels/" + channelID
	return u.String()
}

// RangeURI is the recorded playback of a channel between two device timestamps
// already formatted as YYYYMMDDTHHMMSSZ.
func (s RTSPSource) RangeURI(channelID, start, end string) string {
	u := s.base()
	u.Path = "/ISAPI/streaming/tracks/" + channelID
	u.RawQuery = "starttime=" + start + "&endtime=" + end
	return u.String()
}

func (s RTSPSource) base() *url.URL {
	u := &url.URL{Scheme: "rtsp", Host: net.JoinHostPort(s.Host, strconv.Itoa(s.Port))}
	if s.Username != "" {
		u.User = url.UserPassword(s.Username, s.Password)
	}
	return u
}

// Redacted returns uri with the password masked, for logs.
func Redacted(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "rtsp://invalid"
	}
	return u.Redacted()
}

// RedactText masks the password of every RTSP URL in free text such as
// encoder output.
func RedactText(s string) string {
	return rtspUserinfo.ReplaceAllString(s, "${1}${2}:xxxxx@")
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
