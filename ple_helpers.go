package main

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
)

const defaultLibvirtSocket = "/var/run/libvirt/libvirt-sock"

// -----------------------------------------------------------------------------
// Libvirt URI handling
// -----------------------------------------------------------------------------

// libvirtSocketPathFromURI resolves the unix socket the go-libvirt dialer
// should use for a libvirt URI.
func libvirtSocketPathFromURI(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" || uri == string(libvirt.QEMUSystem) {
		return defaultLibvirtSocket, nil
	}
	if strings.HasPrefix(uri, "/") {
		return uri, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("unsupported libvirt.uri %q: %w", uri, err)
	}
	if sock := u.Query().Get("socket"); sock != "" {
		return sock, nil
	}
	if strings.Contains(u.Scheme, "+") && !strings.HasSuffix(u.Scheme, "+unix") {
		return "", fmt.Errorf("unsupported libvirt.uri %q: only local unix transports are supported", uri)
	}
	if u.Path == "/session" {
		return "", fmt.Errorf("unsupported libvirt.uri %q: session daemons need an explicit ?socket=", uri)
	}
	return defaultLibvirtSocket, nil
}

// libvirtDriverFromURI strips transport and query parts so the result can be
// passed to ConnectToURI.
func libvirtDriverFromURI(uri string) libvirt.ConnectURI {
	uri = strings.TrimSpace(uri)
	if uri == "" || strings.HasPrefix(uri, "/") {
		return libvirt.QEMUSystem
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return libvirt.QEMUSystem
	}
	driver, _, _ := strings.Cut(u.Scheme, "+")
	return libvirt.ConnectURI(driver + "://" + u.Host + u.Path)
}

// -----------------------------------------------------------------------------
// Typed parameters
// -----------------------------------------------------------------------------

func typedParamValue(p libvirt.TypedParam) (float64, bool) {
	switch v := p.Value.I.(type) {
	case uint64:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case int32:
		return float64(v), true
	case int:
		return float64(v), true
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// parseTypedParams keeps the numeric parameters keyed by field name.
func parseTypedParams(params []libvirt.TypedParam) map[string]float64 {
	out := make(map[string]float64, len(params))
	for _, p := range params {
		if v, ok := typedParamValue(p); ok {
			out[p.Field] = v
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Domain descriptor
// -----------------------------------------------------------------------------

// parseDomainXML extracts the disk and interface targets the statistics
// calls are keyed by, plus the nova owner metadata when present.
func parseDomainXML(desc string) (DomainDevices, DomainOwner, error) {
	var dx DomainXML
	if err := xml.Unmarshal([]byte(desc), &dx); err != nil {
		return DomainDevices{}, DomainOwner{}, fmt.Errorf("parse domain xml: %w", err)
	}

	var devs DomainDevices
	for _, d := range dx.Devices.Disks {
		if d.Device != "" && d.Device != "disk" {
			continue
		}
		if d.Target.Dev != "" {
			devs.Disks = append(devs.Disks, d.Target.Dev)
		}
	}
	for _, iface := range dx.Devices.Interfaces {
		if iface.Target.Dev != "" {
			devs.Interfaces = append(devs.Interfaces, iface.Target.Dev)
		}
	}

	owner := DomainOwner{
		ProjectID:   strings.TrimSpace(dx.Metadata.NovaInstance.NovaOwner.NovaProject.ProjectUUID),
		ProjectName: strings.TrimSpace(dx.Metadata.NovaInstance.NovaOwner.NovaProject.ProjectName),
	}
	return devs, owner, nil
}

// -----------------------------------------------------------------------------
// Host identity
// -----------------------------------------------------------------------------

// localFQDN returns the canonical name of this host as the compute service
// registers it, falling back to the short hostname.
func localFQDN(ctx context.Context) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var r net.Resolver
	addrs, err := r.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return host, nil
	}
	names, err := r.LookupAddr(ctx, addrs[0])
	if err != nil || len(names) == 0 {
		return host, nil
	}
	return strings.TrimSuffix(names[0], "."), nil
}
