package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	fallbackSearch  = "Failed to search services"
	fallbackGeocode = "Failed to geocode address"
)

// Search types reported by the hybrid search endpoint.
const (
	SearchHybrid   = "hybrid"
	SearchSemantic = "semantic"
	SearchLocation = "location"
)

// LocationParams is a search center with a radius in km.
type LocationParams struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Radius    float64 `json:"radius,omitempty"`
}

func (l *LocationParams) validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", l.Longitude)
	}
	if l.Radius < 0 {
		return fmt.Errorf("negative radius %v", l.Radius)
	}
	return nil
}

// HybridSearchParams combines a semantic query with a location filter.
// At least one of them is required.
type HybridSearchParams struct {
	Query     string
	Location  *LocationParams
	Limit     int
	Threshold float64
}

func (p *HybridSearchParams) values() (url.Values, error) {
	q := url.Values{}
	query := strings.TrimSpace(p.Query)
	if query == "" && p.Location == nil {
		return nil, fmt.Errorf("query or location is required")
	}
	if query != "" {
		q.Set("query", query)
	}
	if p.Location != nil {
		if err := p.Location.validate(); err != nil {
			return nil, err
		}
		q.Set("latitude", strconv.FormatFloat(p.Location.Latitude, 'f', -1, 64))
		q.Set("longitude", strconv.FormatFloat(p.Location.Longitude, 'f', -1, 64))
		if p.Location.Radius > 0 {
			q.Set("radius", strconv.FormatFloat(p.Location.Radius, 'f', -1, 64))
		}
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Threshold > 0 {
		q.Set("threshold", strconv.FormatFloat(p.Threshold, 'f', -1, 64))
	}
	return q, nil
}

// SearchResult is a service with its search scores.
type SearchResult struct {
	Service
	DistanceKm *float64 `json:"distance_km,omitempty"`
	Similarity *float64 `json:"similarity,omitempty"`
}

type SearchResponse struct {
	Results    []SearchResult  `json:"results"`
	Count      int             `json:"count"`
	SearchType string          `json:"searchType"`
	Query      string          `json:"query,omitempty"`
	Location   *LocationParams `json:"location,omitempty"`
}

// SearchServices runs a hybrid, semantic-only or location-only search
// depending on which params are set.
func (c *Client) SearchServices(ctx context.Context, params *HybridSearchParams) (*SearchResponse, error) {
	q, err := params.values()
	if err != nil {
		return nil, &Error{Message: fallbackSearch, Err: err}
	}

	var out SearchResponse
	if err := c.getEnvelope(ctx, "/services/search/hybrid", q, fallbackSearch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type GeocodeResult struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	FormattedAddress string  `json:"formattedAddress,omitempty"`
}

// GeocodeAddress resolves a free form address.
func (c *Client) GeocodeAddress(ctx context.Context, address string) (*GeocodeResult, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, &Error{Message: fallbackGeocode, Err: fmt.Errorf("empty address")}
	}

	var out GeocodeResult
	if err := c.getEnvelope(ctx, "/geocode", url.Values{"address": {address}}, fallbackGeocode, &out); err != nil {
		return nil, err
	}
	if out.Latitude == 0 && out.Longitude == 0 {
		return nil, &Error{Message: fallbackGeocode, Err: fmt.Errorf("%w: no coordinates", ErrMalformedResponse)}
	}
	return &out, nil
}
