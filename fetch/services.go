package fetch

import (
	"context"

	"github.com/ziamarket/zia/api"
)

// Services returns the loader of the service list matching params.
func Services(client *api.Client, params *api.ServiceParams) *Loader[[]api.Service] {
	var p *api.ServiceParams
	if params != nil {
		cp := *params
		p = &cp
	}
	return NewLoader("services", func(ctx context.Context) ([]api.Service, error) {
		return client.GetServices(ctx, p)
	})
}
