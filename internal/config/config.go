// Package config provides configuration management for mdserver.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with MDS_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./config.yaml, /etc/mdserver/config.yaml)
//  3. .env files
//  4. Environment variables (MDS_ prefix)
//
// # Usage Example
//
//	cfg, err := config.Load("/etc/mdserver/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Listening on %s:%d\n", cfg.Server.ListenAddress, cfg.Server.Port)
//
// The defaults are workable for a basic libvirt host with a br-mds metadata
// bridge, but a real deployment will want at least the default public key
// and the database path set.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for mdserver.
type Config struct {
	// Server contains HTTP server configuration
	Server ServerConfig `mapstructure:"server"`

	// Service describes this metadata service to its clients
	Service ServiceConfig `mapstructure:"service"`

	// Database contains instance database settings
	Database DatabaseConfig `mapstructure:"database"`

	// Userdata contains userdata template settings
	Userdata UserdataConfig `mapstructure:"userdata"`

	// PublicKeys maps key names to SSH public key material. The "default"
	// key is served when a client does not ask for a specific one.
	PublicKeys map[string]string `mapstructure:"public_keys"`

	// TemplateData holds extra values made available to userdata templates
	TemplateData map[string]string `mapstructure:"template_data"`

	// Dnsmasq contains the managed dnsmasq configuration
	Dnsmasq DnsmasqConfig `mapstructure:"dnsmasq"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// ListenAddress is the metadata service address. 169.254.169.254 is
	// what cloud-init expects.
	ListenAddress string `mapstructure:"listen_address"`

	// Port is the server listen port (default: 80)
	Port int `mapstructure:"port"`

	// Debug enables debug logging
	Debug bool `mapstructure:"debug"`
}

// ServiceConfig describes the service for the /service/ endpoints.
type ServiceConfig struct {
	// Name is the service instance name
	Name string `mapstructure:"name"`

	// Type is the service type reported to clients
	Type string `mapstructure:"type"`

	// EC2Versions are the EC2-style metadata version roots to serve
	EC2Versions []string `mapstructure:"ec2_versions"`

	// Hostname is this host's FQDN (default: discovered)
	Hostname string `mapstructure:"hostname"`

	// Location is the location name recorded against database entries
	// created by this instance (default: the short hostname)
	Location string `mapstructure:"location"`
}

// DatabaseConfig contains instance database settings.
type DatabaseConfig struct {
	// File is the path of the JSON database file
	File string `mapstructure:"file"`
}

// UserdataConfig contains userdata template settings.
type UserdataConfig struct {
	// Dir is the directory searched for per-instance userdata templates
	Dir string `mapstructure:"dir"`

	// Suffixes are filename suffixes tried when resolving a template,
	// after the bare name
	Suffixes []string `mapstructure:"suffixes"`

	// DefaultTemplate is an optional file overriding the built-in default
	// userdata template
	DefaultTemplate string `mapstructure:"default_template"`

	// Password is made available to templates as mdserver_password
	Password string `mapstructure:"password"`

	// Debug enables a YAML syntax check on rendered userdata
	Debug bool `mapstructure:"debug"`
}

// DnsmasqConfig contains the configuration mdserver generates for the
// dnsmasq instance serving the metadata network.
type DnsmasqConfig struct {
	// User is the system user dnsmasq runs as
	User string `mapstructure:"user"`

	// BaseDir is where generated config and hosts files live
	BaseDir string `mapstructure:"base_dir"`

	// RunDir is where the dnsmasq pidfile lives
	RunDir string `mapstructure:"run_dir"`

	// NetName is the libvirt network name of the metadata network; it also
	// names the generated files
	NetName string `mapstructure:"net_name"`

	// NetAddress and NetPrefix define the metadata subnet
	NetAddress string `mapstructure:"net_address"`
	NetPrefix  string `mapstructure:"net_prefix"`

	// Gateway is the metadata network gateway, never allocated to instances
	Gateway string `mapstructure:"gateway"`

	// UseDNS advertises the gateway as a DNS server via DHCP
	UseDNS bool `mapstructure:"use_dns"`

	// Interface is the bridge interface dnsmasq binds to
	Interface string `mapstructure:"interface"`

	// ListenAddress optionally pins dnsmasq to one address (useful with lo
	// for testing)
	ListenAddress string `mapstructure:"listen_address"`

	// LeaseLen is the DHCP lease length in seconds
	LeaseLen int `mapstructure:"lease_len"`

	// Prefix is prepended to instance names in DNS host entries ("" = off)
	Prefix string `mapstructure:"prefix"`

	// Domain appended to instance names for FQDN DNS entries ("" = off)
	Domain string `mapstructure:"domain"`

	// EntryOrder selects which DNS name forms are emitted, and in what
	// order: base, prefix, fqdn
	EntryOrder []string `mapstructure:"entry_order"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// File is an optional log file path ("" = stderr only)
	File string `mapstructure:"file"`
}

var cfg *Config

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (MDS_ prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mdserver")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			// an explicitly named file may be absent; anything else is fatal
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig() // Ignore error if .env file doesn't exist

	v.SetEnvPrefix("MDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	location := strings.Split(hostname, ".")[0]

	v.SetDefault("server.listen_address", "169.254.169.254")
	v.SetDefault("server.port", 80)
	v.SetDefault("server.debug", false)

	v.SetDefault("service.name", "mdserver")
	v.SetDefault("service.type", "mdserver")
	v.SetDefault("service.ec2_versions", []string{"2009-04-04"})
	v.SetDefault("service.hostname", hostname)
	v.SetDefault("service.location", location)

	v.SetDefault("database.file", "/var/lib/mdserver/db_file.json")

	v.SetDefault("userdata.dir", "/etc/mdserver/userdata")
	v.SetDefault("userdata.suffixes", []string{".yaml"})
	v.SetDefault("userdata.default_template", "")
	v.SetDefault("userdata.password", "")
	v.SetDefault("userdata.debug", false)

	v.SetDefault("public_keys", map[string]string{})
	v.SetDefault("template_data", map[string]string{})

	v.SetDefault("dnsmasq.user", "mdserver")
	v.SetDefault("dnsmasq.base_dir", "/var/lib/mdserver/dnsmasq")
	v.SetDefault("dnsmasq.run_dir", "/var/run/mdserver")
	v.SetDefault("dnsmasq.net_name", "mds")
	v.SetDefault("dnsmasq.net_address", "10.122.0.0")
	v.SetDefault("dnsmasq.net_prefix", "16")
	v.SetDefault("dnsmasq.gateway", "10.122.0.1")
	v.SetDefault("dnsmasq.use_dns", false)
	v.SetDefault("dnsmasq.interface", "br-mds")
	v.SetDefault("dnsmasq.listen_address", "")
	v.SetDefault("dnsmasq.lease_len", 86400)
	v.SetDefault("dnsmasq.prefix", "")
	v.SetDefault("dnsmasq.domain", "")
	v.SetDefault("dnsmasq.entry_order", []string{"base"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "/var/log/mdserver.log")
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Database.File == "" {
		return fmt.Errorf("database file is required")
	}

	if _, err := netip.ParsePrefix(cfg.Dnsmasq.NetAddress + "/" + cfg.Dnsmasq.NetPrefix); err != nil {
		return fmt.Errorf("invalid dnsmasq network %s/%s: %w",
			cfg.Dnsmasq.NetAddress, cfg.Dnsmasq.NetPrefix, err)
	}

	for _, order := range cfg.Dnsmasq.EntryOrder {
		switch order {
		case "base", "prefix", "domain", "fqdn":
		default:
			return fmt.Errorf("invalid dnsmasq entry_order element: %q", order)
		}
	}

	return nil
}

func Get() *Config {
	return cfg
}

// Dump returns the running configuration as key=value lines, with secret
// values (password, public keys, template data) redacted.
func (c *Config) Dump() []string {
	lines := []string{
		fmt.Sprintf("server.listen_address=%s", c.Server.ListenAddress),
		fmt.Sprintf("server.port=%d", c.Server.Port),
		fmt.Sprintf("server.debug=%v", c.Server.Debug),
		fmt.Sprintf("service.name=%s", c.Service.Name),
		fmt.Sprintf("service.type=%s", c.Service.Type),
		fmt.Sprintf("service.ec2_versions=%s", strings.Join(c.Service.EC2Versions, ",")),
		fmt.Sprintf("service.hostname=%s", c.Service.Hostname),
		fmt.Sprintf("service.location=%s", c.Service.Location),
		fmt.Sprintf("database.file=%s", c.Database.File),
		fmt.Sprintf("userdata.dir=%s", c.Userdata.Dir),
		fmt.Sprintf("userdata.suffixes=%s", strings.Join(c.Userdata.Suffixes, ",")),
		fmt.Sprintf("userdata.default_template=%s", c.Userdata.DefaultTemplate),
		fmt.Sprintf("userdata.debug=%v", c.Userdata.Debug),
		fmt.Sprintf("dnsmasq.user=%s", c.Dnsmasq.User),
		fmt.Sprintf("dnsmasq.base_dir=%s", c.Dnsmasq.BaseDir),
		fmt.Sprintf("dnsmasq.run_dir=%s", c.Dnsmasq.RunDir),
		fmt.Sprintf("dnsmasq.net_name=%s", c.Dnsmasq.NetName),
		fmt.Sprintf("dnsmasq.net_address=%s", c.Dnsmasq.NetAddress),
		fmt.Sprintf("dnsmasq.net_prefix=%s", c.Dnsmasq.NetPrefix),
		fmt.Sprintf("dnsmasq.gateway=%s", c.Dnsmasq.Gateway),
		fmt.Sprintf("dnsmasq.use_dns=%v", c.Dnsmasq.UseDNS),
		fmt.Sprintf("dnsmasq.interface=%s", c.Dnsmasq.Interface),
		fmt.Sprintf("dnsmasq.listen_address=%s", c.Dnsmasq.ListenAddress),
		fmt.Sprintf("dnsmasq.lease_len=%d", c.Dnsmasq.LeaseLen),
		fmt.Sprintf("dnsmasq.prefix=%s", c.Dnsmasq.Prefix),
		fmt.Sprintf("dnsmasq.domain=%s", c.Dnsmasq.Domain),
		fmt.Sprintf("dnsmasq.entry_order=%s", strings.Join(c.Dnsmasq.EntryOrder, ",")),
		fmt.Sprintf("logging.level=%s", c.Logging.Level),
		fmt.Sprintf("logging.file=%s", c.Logging.File),
	}
	// secrets are reported by name only
	keys := make([]string, 0, len(c.PublicKeys))
	for name := range c.PublicKeys {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	lines = append(lines, fmt.Sprintf("public_keys=<%d keys: %s>", len(keys), strings.Join(keys, ",")))
	lines = append(lines, fmt.Sprintf("template_data=<%d values>", len(c.TemplateData)))
	return lines
}

// MetadataNetwork returns the configured metadata subnet.
func (c *Config) MetadataNetwork() (netip.Prefix, error) {
	return netip.ParsePrefix(c.Dnsmasq.NetAddress + "/" + c.Dnsmasq.NetPrefix)
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
