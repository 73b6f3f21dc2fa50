package services

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// decodeList decodes an ISAPI document whose root is either listRoot holding
// zero or more itemRoot children, or a single bare itemRoot. Devices with one
// channel commonly return the latter.
func decodeList[T any](data []byte, listRoot, itemRoot string) ([]T, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty %s document", ErrDeviceProtocol, listRoot)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %w", ErrDeviceProtocol, listRoot, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case itemRoot:
			var item T
			if err := dec.DecodeElement(&item, &start); err != nil {
				return nil, fmt.Errorf("%w: parsing %s: %w", ErrDeviceProtocol, itemRoot, err)
			}
			return []T{item}, nil
		case listRoot:
			return decodeItems[T](dec, itemRoot)
		default:
			return nil, fmt.Errorf("%w: unexpected root <%s>, want <%s>", ErrDeviceProtocol, start.Name.Local, listRoot)
		}
	}
}

func decodeItems[T any](dec *xml.Decoder, itemRoot string) ([]T, error) {
	items := []T{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: parsing %s list: %w", ErrDeviceProtocol, itemRoot, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != itemRoot {
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("%w: parsing %s list: %w", ErrDeviceProtocol, itemRoot, err)
				}
				continue
			}
			var item T
			if err := dec.DecodeElement(&item, &t); err != nil {
				return nil, fmt.Errorf("%w: parsing %s: %w", ErrDeviceProtocol, itemRoot, err)
			}
			items = append(items, item)
		case xml.EndElement:
			return items, nil
		}
	}
}

type streamingChannelXML struct {
	ID          string   `xml:"id"`
	ChannelName string   `xml:"channelName"`
	Enabled     string   `xml:"enabled"`
	Transports  []string `xml:"Transport>ControlProtocolList>ControlProtocol>streamingTransport"`
}

// transport is the first advertised streaming transport, empty when the
// channel advertises none.
func (c streamingChannelXML) transport() string {
	for _, t := range c.Transports {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return ""
}

type eventTriggerXML struct {
	ID            string `xml:"id"`
	EventType     string `xml:"eventType"`
	InputIOPortID string `xml:"inputIOPortID"`
}

type cmSearchDescription struct {
	XMLName    xml.Name      `xml:"CMSearchDescription"`
	Version    string        `xml:"version,attr"`
	XMLNS      string        `xml:"xmlns,attr"`
	SearchID   string        `xml:"searchID"`
	TrackIDs   []string      `xml:"trackList>trackID"`
	TimeSpans  []timeSpanXML `xml:"timeSpanList>timeSpan"`
	MaxResults int           `xml:"maxResults"`
	Position   int           `xml:"searchResultPostion"`
	Metadata   []string      `xml:"metadataList>metadataDescriptor"`
}

type timeSpanXML struct {
	StartTime string `xml:"startTime"`
	EndTime   string `xml:"endTime"`
}

type cmSearchResult struct {
	XMLName            xml.Name `xml:"CMSearchResult"`
	SearchID           string   `xml:"searchID"`
	ResponseStatus     string   `xml:"responseStatus"`
	ResponseStatusStrg string   `xml:"responseStatusStrg"`
	NumOfMatches       string   `xml:"numOfMatches"`
	MatchList          struct {
		Matches []searchMatchXML `xml:"searchMatchItem"`
	} `xml:"matchList"`
}

type searchMatchXML struct {
	SourceID               string      `xml:"sourceID"`
	TrackID                string      `xml:"trackID"`
	TimeSpan               timeSpanXML `xml:"timeSpan"`
	MediaSegmentDescriptor struct {
		PlaybackURI string `xml:"playbackURI"`
	} `xml:"mediaSegmentDescriptor"`
}

func parseSearchResults(data []byte) (*ContentPage, error) {
	var result cmSearchResult
	if err := xml.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: parsing search XML: %w", ErrDeviceProtocol, err)
	}

	page := &ContentPage{
		SearchID: result.SearchID,
		Status:   strings.TrimSpace(result.ResponseStatusStrg),
		Matches:  make([]ContentMatch, 0, len(result.MatchList.Matches)),
	}
	if n, err := strconv.Atoi(strings.TrimSpace(result.NumOfMatches)); err == nil {
		page.NumOfMatches = n
	}

	for _, m := range result.MatchList.Matches {
		start, err := parseDeviceTime(m.TimeSpan.StartTime)
		if err != nil {
			return nil, err
		}
		end, err := parseDeviceTime(m.TimeSpan.EndTime)
		if err != nil {
			return nil, err
		}
		page.Matches = append(page.Matches, ContentMatch{
			SourceID:    strings.TrimSpace(m.SourceID),
			TrackID:     strings.TrimSpace(m.TrackID),
			Start:       start,
			End:         end,
			PlaybackURI: strings.TrimSpace(m.MediaSegmentDescriptor.PlaybackURI),
		})
	}
	return page, nil
}

// parseDeviceTime accepts the timestamps NVR firmwares put in search results:
// UTC-labelled or with an explicit offset.
func parseDeviceTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{deviceTimeLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrDeviceProtocol, s)
}
