package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/projects"
)

// openstackDirectory resolves tenants through nova and keystone.
type openstackDirectory struct {
	compute  *gophercloud.ServiceClient
	identity *gophercloud.ServiceClient
}

// NewOpenStackDirectory authenticates once, retrying with backoff while the
// identity endpoint is unreachable. Token renewal is left to gophercloud.
func NewOpenStackDirectory(ctx context.Context, cfg OpenStackConfig) (TenantDirectory, error) {
	opts := gophercloud.AuthOptions{
		IdentityEndpoint: cfg.AuthURL,
		Username:         cfg.Username,
		Password:         cfg.Password,
		DomainName:       cfg.UserDomainName,
		AllowReauth:      true,
		Scope: &gophercloud.AuthScope{
			ProjectName: cfg.ProjectName,
			DomainName:  cfg.ProjectDomainName,
		},
	}

	provider, err := backoff.Retry(ctx, func() (*gophercloud.ProviderClient, error) {
		p, err := openstack.AuthenticatedClient(ctx, opts)
		if err != nil && isPermanentAuthError(err) {
			return nil, backoff.Permanent(err)
		}
		return p, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(2*time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			logOpenstack.Error("openstack_auth_failed", "auth_url", cfg.AuthURL, "retry_in_seconds", next.Seconds(), "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("openstack auth: %w", err)
	}

	eo := gophercloud.EndpointOpts{
		Region:       cfg.RegionName,
		Availability: gophercloud.Availability(cfg.Interface),
	}
	compute, err := openstack.NewComputeV2(provider, eo)
	if err != nil {
		return nil, fmt.Errorf("compute client: %w", err)
	}
	identity, err := openstack.NewIdentityV3(provider, eo)
	if err != nil {
		return nil, fmt.Errorf("identity client: %w", err)
	}

	logOpenstack.Info("openstack_connected", "auth_url", cfg.AuthURL, "region", cfg.RegionName, "interface", cfg.Interface)
	return &openstackDirectory{compute: compute, identity: identity}, nil
}

func isPermanentAuthError(err error) bool {
	return gophercloud.ResponseCodeIs(err, http.StatusUnauthorized) ||
		gophercloud.ResponseCodeIs(err, http.StatusForbidden)
}

func translateNotFound(err error) error {
	if gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (d *openstackDirectory) GetServer(ctx context.Context, id string) (ServerRecord, error) {
	srv, err := servers.Get(ctx, d.compute, id).Extract()
	if err != nil {
		return ServerRecord{}, translateNotFound(err)
	}
	return ServerRecord{ID: srv.ID, TenantID: srv.TenantID}, nil
}

func (d *openstackDirectory) GetProject(ctx context.Context, id string) (ProjectRecord, error) {
	p, err := projects.Get(ctx, d.identity, id).Extract()
	if err != nil {
		return ProjectRecord{}, translateNotFound(err)
	}
	return ProjectRecord{ID: p.ID, Name: p.Name}, nil
}

func (d *openstackDirectory) ListHostServers(ctx context.Context, host string) ([]ServerRecord, error) {
	if host == "" {
		return nil, errors.New("host name is empty")
	}
	pages, err := servers.List(d.compute, servers.ListOpts{AllTenants: true, Host: host}).AllPages(ctx)
	if err != nil {
		return nil, err
	}
	list, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, err
	}
	out := make([]ServerRecord, 0, len(list))
	for _, s := range list {
		out = append(out, ServerRecord{ID: s.ID, TenantID: s.TenantID})
	}
	return out, nil
}
