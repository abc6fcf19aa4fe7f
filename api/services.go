package api

import (
	"context"
	"net/url"
	"strconv"
)

const fallbackFetchServices = "Failed to fetch services"

// Service is one listing of the marketplace.
type Service struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Price       float64  `json:"price,omitempty"`
	CategoryID  string   `json:"categoryId,omitempty"`
	ProviderID  string   `json:"providerId,omitempty"`
	IsActive    bool     `json:"isActive"`
	Images      []string `json:"images,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// ServiceParams filters GetServices. Zero values are not sent.
type ServiceParams struct {
	ProviderID string
	CategoryID string
	IsActive   *bool
	Skip       int
	Take       int
}

func (p *ServiceParams) values() url.Values {
	q := url.Values{}
	if p == nil {
		return q
	}
	if p.ProviderID != "" {
		q.Set("providerId", p.ProviderID)
	}
	if p.CategoryID != "" {
		q.Set("categoryId", p.CategoryID)
	}
	if p.IsActive != nil {
		q.Set("isActive", strconv.FormatBool(*p.IsActive))
	}
	if p.Skip > 0 {
		q.Set("skip", strconv.Itoa(p.Skip))
	}
	if p.Take > 0 {
		q.Set("take", strconv.Itoa(p.Take))
	}
	return q
}

// GetServices lists services matching params. A response without a data
// array is an error carrying the server message.
func (c *Client) GetServices(ctx context.Context, params *ServiceParams) ([]Service, error) {
	var out []Service
	if err := c.getEnvelope(ctx, "/services", params.values(), fallbackFetchServices, &out); err != nil {
		return nil, err
	}
	return out, nil
}
