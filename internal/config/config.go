// Package config implements this relay's configuration: a typed struct
// with defaults, loaded from a YAML file. Individual settings have no
// command-line overrides; the server's -config flag only selects the file.
package config

import (
	"fmt"
	"os"

	"blitiri.com.ar/go/log"
	"gopkg.in/yaml.v2"
)

// Config holds every tunable the server process needs. Zero values in the
// YAML file mean "use the default"; Load never leaves a field at its Go
// zero value unless the default itself is the zero value.
type Config struct {
	// Hostname is this server's own identity, used in banners and as a
	// member of the local-hostnames set. Defaults to os.Hostname().
	Hostname string `yaml:"hostname"`

	// ListenAddress is the address the listener binds, or inherits via
	// systemd socket activation if it matches an inherited socket name.
	ListenAddress string `yaml:"listen_address"`

	// RelayPort is the port assumed for any relay peer named without one of
	// its own. spec.md §6 treats this as a recommended default; a peer
	// configured with a non-default ListenAddress port needs this set to
	// match, on both ends, for relaying to succeed.
	RelayPort string `yaml:"relay_port"`

	// LocalHosts is the set of hostnames (besides Hostname and
	// "localhost") this server treats as local for dispatch purposes.
	LocalHosts []string `yaml:"local_hosts"`

	// DataDir is where the user database and queue dumps live.
	DataDir string `yaml:"data_dir"`

	// MailLogPath is where the mail audit log is written; "<syslog>"
	// selects syslog instead of a file.
	MailLogPath string `yaml:"mail_log_path"`

	// MonitorAddress, if non-empty, serves the /debug/requests trace page
	// and the /debug/queue dump over HTTP on this address.
	MonitorAddress string `yaml:"monitor_address"`

	// LogFile is read from the file but not used by the server: the
	// structured log's destination is set by log.Init from the log
	// package's own command-line flags.
	LogFile string `yaml:"log_file"`
}

var defaultConfig = Config{
	ListenAddress: "systemd",
	// Matches queue.DefaultRelayPort; kept as a literal here rather than an
	// import to avoid config depending on queue.
	RelayPort:   "2525",
	DataDir:     "/var/lib/mailrelay",
	MailLogPath: "<syslog>",
}

// Load reads the config from path, applying defaults for anything the
// file leaves unset, then hostname as a final fallback for Hostname.
func Load(path string) (*Config, error) {
	c := defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	fromFile := Config{}
	if err := yaml.Unmarshal(buf, &fromFile); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}
	override(&c, &fromFile)

	if c.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
		c.Hostname = h
	}

	return &c, nil
}

// override copies every non-zero field of o into c.
func override(c, o *Config) {
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if o.ListenAddress != "" {
		c.ListenAddress = o.ListenAddress
	}
	if o.RelayPort != "" {
		c.RelayPort = o.RelayPort
	}
	if len(o.LocalHosts) > 0 {
		c.LocalHosts = o.LocalHosts
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.MailLogPath != "" {
		c.MailLogPath = o.MailLogPath
	}
	if o.MonitorAddress != "" {
		c.MonitorAddress = o.MonitorAddress
	}
	if o.LogFile != "" {
		c.LogFile = o.LogFile
	}
}

// LogConfig reports the effective configuration to the standard log, for
// operators diagnosing a startup.
func LogConfig(c *Config) {
	log.Infof("configuration:")
	log.Infof("  hostname: %s", c.Hostname)
	log.Infof("  listen_address: %s", c.ListenAddress)
	log.Infof("  relay_port: %s", c.RelayPort)
	log.Infof("  local_hosts: %v", c.LocalHosts)
	log.Infof("  data_dir: %s", c.DataDir)
	log.Infof("  mail_log_path: %s", c.MailLogPath)
	log.Infof("  monitor_address: %s", c.MonitorAddress)
}
