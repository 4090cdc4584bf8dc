package tls

import (
	"errors"
	"strings"
)

// Config enables HTTPS on the daemon API. Either CertFile/KeyFile or Dir
// must be set; with Dir and AutoGenerate a self-signed pair is created on
// first use.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3" (default 1.3)
	MaxVersion   string   `mapstructure:"max_version"`
	CommonName   string   `mapstructure:"common_name"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// Validate checks the settings without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("tls: cert_file and key_file must be set together"))
	}
	if c.CertFile == "" && strings.TrimSpace(c.Dir) == "" {
		errs = append(errs, errors.New("tls: enabled without cert_file/key_file or dir"))
	}
	for _, v := range []string{c.MinVersion, c.MaxVersion} {
		if _, ok := parseTLSVersion(v); !ok && v != "" && v != "default" {
			errs = append(errs, errors.New("tls: unsupported version "+v))
		}
	}
	return errors.Join(errs...)
}
