package services

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/camgate/backend/logging"
	"github.com/camgate/backend/models"
)

// ContentSearcher is the part of the device client the search gateway needs.
type ContentSearcher interface {
	SearchContent(ctx context.Context, q ContentQuery) (*ContentPage, error)
}

type SearchKind string

const (
	SearchMotion  SearchKind = "motion"
	SearchVehicle SearchKind = "vehicle"
)

const (
	metadataMotion  = "//recordType.meta.std-cgi.com/VMD"
	metadataVehicle = "//recordType.meta.std-cgi.com/vehicleDetection"

	EventTypeMotion  = "Motion Detection"
	EventTypeVehicle = "Vehicle Detection"
)

func ParseSearchKind(s string) (SearchKind, error) {
	switch SearchKind(s) {
	case SearchMotion, SearchVehicle:
		return SearchKind(s), nil
	}
	return "", fmt.Errorf("unknown search kind %q", s)
}

// SearchGateway turns an operator query into VideoReferences, paging through
// the device's content search.
type SearchGateway struct {
	device     ContentSearcher
	clock      DeviceClock
	maxResults int
	pageSize   int
	logger     zerolog.Logger
}

func NewSearchGateway(device ContentSearcher, clock DeviceClock, maxResults, pageSize int) *SearchGateway {
	if maxResults <= 0 {
		maxResults = 500
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &SearchGateway{
		device:     device,
		clock:      clock,
		maxResults: maxResults,
		pageSize:   pageSize,
		logger:     logging.WithComponent("search"),
	}
}

// Search returns the recordings of kind on cameraID within tr. Times in the
// result are in request time, so they can be sent back unchanged to the
// clip and save endpoints.
func (g *SearchGateway) Search(ctx context.Context, kind SearchKind, cameraID string, tr TimeRange) ([]models.VideoReference, error) {
	if err := ValidateChannelID(cameraID); err != nil {
		return nil, err
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	metadata, eventType := metadataMotion, EventTypeMotion
	if kind == SearchVehicle {
		metadata, eventType = metadataVehicle, EventTypeVehicle
	}

	refs := []models.VideoReference{}
	position := 0
	for len(refs) < g.maxResults {
		page, err := g.device.SearchContent(ctx, ContentQuery{
			TrackID:    cameraID,
			Start:      g.clock.ToDevice(tr.Start),
			End:        g.clock.ToDevice(tr.End),
			Metadata:   metadata,
			MaxResults: min(g.pageSize, g.maxResults-len(refs)),
			Position:   position,
		})
		if err != nil {
			return nil, err
		}

		for _, m := range page.Matches {
			if len(refs) == g.maxResults {
				break
			}
			refs = append(refs, g.reference(kind, eventType, cameraID, m))
		}
		position += len(page.Matches)

		if !page.More() || len(page.Matches) == 0 {
			break
		}
	}

	g.logger.Debug().
		Str(logging.FieldChannelID, cameraID).
		Str("kind", string(kind)).
		Int("results", len(refs)).
		Msg("search finished")
	return refs, nil
}

func (g *SearchGateway) reference(kind SearchKind, eventType, cameraID string, m ContentMatch) models.VideoReference {
	ref := models.VideoReference{
		ChannelID: cameraID,
		SourceID:  m.SourceID,
		TrackID:   m.TrackID,
		StartTime: g.clock.FromDevice(m.Start),
		EndTime:   g.clock.FromDevice(m.End),
		EventType: eventType,
	}
	if ref.TrackID == "" {
		ref.TrackID = cameraID
	}
	if kind == SearchVehicle {
		ref.PlaybackURI = m.PlaybackURI
		return ref
	}
	ref.FileName = recordingFileName(m)
	return ref
}

// recordingFileName is the name= parameter of the playback URI, or the
// source id when the device did not send one.
func recordingFileName(m ContentMatch) string {
	if u, err := url.Parse(m.PlaybackURI); err == nil {
		if name := u.Query().Get("name"); name != "" {
			return name
		}
	}
	return m.SourceID
}
