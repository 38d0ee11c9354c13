package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PLE"

var validate = validator.New()

// openstackEnv maps config keys onto the standard openrc variables.
var openstackEnv = map[string]string{
	"os.auth-url":            "OS_AUTH_URL",
	"os.username":            "OS_USERNAME",
	"os.password":            "OS_PASSWORD",
	"os.project-name":        "OS_PROJECT_NAME",
	"os.user-domain-name":    "OS_USER_DOMAIN_NAME",
	"os.project-domain-name": "OS_PROJECT_DOMAIN_NAME",
	"os-region":              "OS_REGION_NAME",
	"os-interface":           "OS_INTERFACE",
	"os-cloud":               "OS_CLOUD",
	"os.client-config-file":  "OS_CLIENT_CONFIG_FILE",
}

// -----------------------------------------------------------------------------
// Flags
// -----------------------------------------------------------------------------

func registerFlags(fs *pflag.FlagSet) {
	fs.String("web.listen-address", ":9177", "Address to listen on for web interface and telemetry.")
	fs.String("web.telemetry-path", "/metrics", "Path under which to expose metrics.")
	fs.String("libvirt.uri", "qemu:///system", "Libvirt URI from which to extract metrics.")
	fs.Duration("libvirt.timeout", 5*time.Second, "Timeout for dialing the libvirt socket.")
	fs.Duration("collection.interval", 5*time.Second, "Scrape interval; also the first enumeration retry delay.")
	fs.Uint("collection.enumerate-attempts", 3, "Attempts to open libvirt and find active domains per cycle.")
	fs.Duration("tenant.refresh-interval", 0, "Bulk tenant cache refresh interval (0 = collection.interval x 3600).")
	fs.Int("tenant.lookup-attempts", 3, "Lazy tenant lookup attempts on a cache miss.")
	fs.Duration("tenant.lookup-timeout", 10*time.Second, "Timeout of one lazy tenant lookup.")
	fs.Float64("tenant.lookup-rate", 5, "Maximum lazy tenant lookups per second.")
	fs.Int("tenant.refresh-concurrency", 4, "Parallel project name fetches during a bulk refresh.")
	fs.String("tenant.unresolved-label", "unknown", "Label value used when a tenant cannot be resolved.")
	fs.Bool("tenant.disable", false, "Do not contact OpenStack; tenant labels come from domain metadata or the unresolved label.")
	fs.Bool("tenant.seed-from-metadata", false, "Seed the tenant cache from nova metadata in the domain XML.")
	fs.String("host.name", "", "Compute host name used to scope the bulk tenant refresh (default: local FQDN).")
	fs.String("os-cloud", "", "Named cloud in clouds.yaml (Env: OS_CLOUD).")
	fs.String("os-region", "", "OpenStack region (Env: OS_REGION_NAME).")
	fs.String("os-interface", "", "Endpoint interface: admin, public, internal (Env: OS_INTERFACE, default admin).")
	fs.String("env-file", "", "openrc style file with OS_* variables to load before reading the environment.")
	fs.String("log.level", "error", "Log level: error, notice, info, debug.")
	fs.String("log.format", "json", "Log format: json, console.")
	fs.CountP("verbose", "v", "Raise the log level one step per occurrence.")
}

// newViper layers flags, PLE_* variables and the OS_* variables.
func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	for key, env := range openstackEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	return v, nil
}

// loadEnvFile reads an openrc style file. Variables already set in the
// process environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	logConfig.Info("env_file_loaded", "path", path)
	return nil
}

// -----------------------------------------------------------------------------
// Config assembly
// -----------------------------------------------------------------------------

func loadConfig(ctx context.Context, v *viper.Viper) (Config, error) {
	cfg := Config{
		ListenAddress:     v.GetString("web.listen-address"),
		MetricsPath:       v.GetString("web.telemetry-path"),
		LibvirtURI:        v.GetString("libvirt.uri"),
		LibvirtTimeout:    v.GetDuration("libvirt.timeout"),
		Interval:          v.GetDuration("collection.interval"),
		EnumerateAttempts: v.GetUint("collection.enumerate-attempts"),
		HostName:          v.GetString("host.name"),
		LogLevel:          parseLogLevel(v.GetString("log.level")).raise(v.GetInt("verbose")).String(),
		LogFormat:         v.GetString("log.format"),
		Tenant: TenantConfig{
			Disabled:           v.GetBool("tenant.disable"),
			SeedFromMetadata:   v.GetBool("tenant.seed-from-metadata"),
			RefreshInterval:    v.GetDuration("tenant.refresh-interval"),
			LookupAttempts:     v.GetInt("tenant.lookup-attempts"),
			LookupTimeout:      v.GetDuration("tenant.lookup-timeout"),
			LookupRate:         v.GetFloat64("tenant.lookup-rate"),
			RefreshConcurrency: v.GetInt("tenant.refresh-concurrency"),
			UnresolvedLabel:    v.GetString("tenant.unresolved-label"),
		},
	}

	if cfg.HostName == "" {
		host, err := localFQDN(ctx)
		if err != nil {
			return Config{}, err
		}
		cfg.HostName = host
	}

	if !cfg.Tenant.Disabled {
		osCfg, err := openstackConfig(v)
		if err != nil {
			return Config{}, err
		}
		cfg.OpenStack = osCfg
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// openstackConfig starts from the selected clouds.yaml entry, if any, and
// lets explicit environment or flag values override it.
func openstackConfig(v *viper.Viper) (OpenStackConfig, error) {
	var cfg OpenStackConfig
	if name := v.GetString("os-cloud"); name != "" {
		c, err := loadCloudConfig(name, cloudsYAMLPaths(v.GetString("os.client-config-file")))
		if err != nil {
			return OpenStackConfig{}, err
		}
		cfg = c
	}

	override := func(dst *string, key string) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			*dst = s
		}
	}
	override(&cfg.AuthURL, "os.auth-url")
	override(&cfg.Username, "os.username")
	override(&cfg.Password, "os.password")
	override(&cfg.ProjectName, "os.project-name")
	override(&cfg.UserDomainName, "os.user-domain-name")
	override(&cfg.ProjectDomainName, "os.project-domain-name")
	override(&cfg.RegionName, "os-region")
	override(&cfg.Interface, "os-interface")

	cfg.Interface = strings.TrimSuffix(strings.ToLower(cfg.Interface), "url")
	if cfg.Interface == "" {
		cfg.Interface = "admin"
	}
	if cfg.UserDomainName == "" {
		cfg.UserDomainName = "Default"
	}
	if cfg.ProjectDomainName == "" {
		cfg.ProjectDomainName = cfg.UserDomainName
	}
	return cfg, nil
}

type cloudsFile struct {
	Clouds map[string]cloudEntry `yaml:"clouds"`
}

type cloudEntry struct {
	Auth       OpenStackConfig `yaml:"auth"`
	RegionName string          `yaml:"region_name"`
	Interface  string          `yaml:"interface"`
}

func cloudsYAMLPaths(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	paths := []string{"clouds.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "openstack", "clouds.yaml"))
	}
	return append(paths, "/etc/openstack/clouds.yaml")
}

// loadCloudConfig returns the named cloud from the first clouds.yaml found.
func loadCloudConfig(name string, paths []string) (OpenStackConfig, error) {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return OpenStackConfig{}, fmt.Errorf("read %s: %w", p, err)
		}

		var f cloudsFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return OpenStackConfig{}, fmt.Errorf("parse %s: %w", p, err)
		}
		entry, ok := f.Clouds[name]
		if !ok {
			return OpenStackConfig{}, fmt.Errorf("cloud %q not found in %s", name, p)
		}
		cfg := entry.Auth
		if entry.RegionName != "" {
			cfg.RegionName = entry.RegionName
		}
		if entry.Interface != "" {
			cfg.Interface = entry.Interface
		}
		logConfig.Info("clouds_yaml_loaded", "path", p, "cloud", name)
		return cfg, nil
	}
	return OpenStackConfig{}, fmt.Errorf("cloud %q: no clouds.yaml found in %s", name, strings.Join(paths, ", "))
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

func validateConfig(cfg Config) error {
	if err := validationError(validate.Struct(cfg)); err != nil {
		return err
	}
	if cfg.Tenant.Disabled {
		return nil
	}
	return validationError(validate.Struct(cfg.OpenStack))
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Namespace()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %v", fe.Namespace(), fe.Param(), fe.Value()))
		case "min", "max", "gt", "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s, got %v", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
