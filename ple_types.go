package main

import (
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

type Config struct {
	ListenAddress     string        `validate:"required"`
	MetricsPath       string        `validate:"required,startswith=/"`
	LibvirtURI        string        `validate:"required"`
	LibvirtTimeout    time.Duration `validate:"gt=0"`
	Interval          time.Duration `validate:"gt=0"`
	EnumerateAttempts uint          `validate:"min=1,max=10"`
	HostName          string        `validate:"required,hostname_rfc1123"`
	LogLevel          string        `validate:"oneof=error notice info debug"`
	LogFormat         string        `validate:"oneof=json console"`

	Tenant    TenantConfig
	OpenStack OpenStackConfig `validate:"-"`
}

type TenantConfig struct {
	Disabled         bool
	SeedFromMetadata bool
	// RefreshInterval of zero means Interval x 3600.
	RefreshInterval    time.Duration `validate:"gte=0"`
	LookupAttempts     int           `validate:"min=1,max=10"`
	LookupTimeout      time.Duration `validate:"gt=0"`
	LookupRate         float64       `validate:"gte=0"`
	RefreshConcurrency int           `validate:"min=1,max=64"`
	UnresolvedLabel    string        `validate:"required"`
}

// OpenStackConfig mirrors the OS_* variables of an openrc file.
type OpenStackConfig struct {
	AuthURL           string `yaml:"auth_url" validate:"required,url"`
	Username          string `yaml:"username" validate:"required"`
	Password          string `yaml:"password" validate:"required"`
	ProjectName       string `yaml:"project_name" validate:"required"`
	UserDomainName    string `yaml:"user_domain_name"`
	ProjectDomainName string `yaml:"project_domain_name"`
	RegionName        string `yaml:"region_name"`
	Interface         string `yaml:"interface" validate:"oneof=admin internal public"`
}

// effectiveTenantRefresh defaults to 3600 scrape intervals.
func (c Config) effectiveTenantRefresh() time.Duration {
	if c.Tenant.RefreshInterval > 0 {
		return c.Tenant.RefreshInterval
	}
	return c.Interval * 3600
}

// -----------------------------------------------------------------------------
// Domain descriptor
// -----------------------------------------------------------------------------

type DomainXML struct {
	UUID     string `xml:"uuid"`
	Name     string `xml:"name"`
	Metadata struct {
		NovaInstance struct {
			NovaName  string `xml:"name"`
			NovaOwner struct {
				NovaProject struct {
					ProjectName string `xml:",chardata"`
					ProjectUUID string `xml:"uuid,attr"`
				} `xml:"project"`
			} `xml:"owner"`
		} `xml:"instance"`
	} `xml:"metadata"`
	Devices struct {
		Disks      []Disk      `xml:"disk"`
		Interfaces []Interface `xml:"interface"`
	} `xml:"devices"`
}

type Disk struct {
	Device string `xml:"device,attr"`
	Type   string `xml:"type,attr"`
	Target struct {
		Dev string `xml:"dev,attr"`
	} `xml:"target"`
}

type Interface struct {
	Type   string `xml:"type,attr"`
	Target struct {
		Dev string `xml:"dev,attr"`
	} `xml:"target"`
}

// DomainDevices is the device topology the block and interface groups fan out over.
type DomainDevices struct {
	Disks      []string
	Interfaces []string
}

type DomainOwner struct {
	ProjectID   string
	ProjectName string
}

// -----------------------------------------------------------------------------
// Metric groups & series
// -----------------------------------------------------------------------------

type MetricGroup string

const (
	GroupCPU       MetricGroup = "cpu"
	GroupMemory    MetricGroup = "memory"
	GroupBlock     MetricGroup = "block"
	GroupInterface MetricGroup = "interface"
)

var metricGroups = []MetricGroup{GroupCPU, GroupMemory, GroupBlock, GroupInterface}

const (
	cpuMetricPrefix       = "libvirt_cpu_stats_"
	memMetricPrefix       = "libvirt_mem_stats_"
	blockMetricPrefix     = "libvirt_block_stats_"
	interfaceMetricPrefix = "libvirt_interface_"
)

var (
	baseLabelNames   = []string{"domain", "uuid", "project_id", "project_name"}
	deviceLabelNames = []string{"domain", "target_device", "uuid", "project_id", "project_name"}
)

// InstanceLabels is the per-instance part of every label set.
type InstanceLabels struct {
	Domain      string
	UUID        string
	ProjectID   string
	ProjectName string
}

func (l InstanceLabels) values() []string {
	return []string{l.Domain, l.UUID, l.ProjectID, l.ProjectName}
}

func (l InstanceLabels) deviceValues(device string) []string {
	return []string{l.Domain, device, l.UUID, l.ProjectID, l.ProjectName}
}

type Sample struct {
	Name        string
	Help        string
	LabelNames  []string
	LabelValues []string
	Value       float64
}

// GroupResult is the outcome of one metric group for one instance. A non-nil
// Err means the group was skipped and Samples must be ignored.
type GroupResult struct {
	Group   MetricGroup
	Samples []Sample
	Err     error
}

func (r GroupResult) Skipped() bool { return r.Err != nil }

const labelSeparator = "\xff"

// SeriesKey identifies one published value: metric name plus label values in
// schema order.
type SeriesKey struct {
	Name   string
	Labels string
}

func newSeriesKey(name string, values []string) SeriesKey {
	return SeriesKey{Name: name, Labels: strings.Join(values, labelSeparator)}
}

func (k SeriesKey) Values() []string {
	if k.Labels == "" {
		return nil
	}
	return strings.Split(k.Labels, labelSeparator)
}

func (k SeriesKey) String() string {
	return k.Name + "{" + strings.ReplaceAll(k.Labels, labelSeparator, ",") + "}"
}
