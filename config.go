package acme

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-acme/lego/v4/lego"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/net/idna"
)

const (
	ServerStaging    = "staging"
	ServerProduction = "production"

	// ChallengeHTTP01 is the only challenge type this tool answers.
	ChallengeHTTP01 = "http-01"

	// EnvPrefix prefixes every environment override, e.g. LE_EMAIL.
	EnvPrefix = "LE_"

	minRSAKeySize = 2048
	day           = 24 * time.Hour
)

// Config holds every recognized option. It is passed by value and never mutated
// once validated.
type Config struct {
	Domains          []string `toml:"domains" env:"DOMAINS" comment:"Domain names; the first one names the live/<hostname> directory"`
	Email            string   `toml:"email" env:"EMAIL" comment:"Registration and recovery contact"`
	AgreeTOS         bool     `toml:"agree_tos" env:"AGREE_TOS" comment:"Agree to the CA subscriber agreement"`
	ConfigDir        string   `toml:"config_dir" env:"CONFIG_DIR" comment:"Configuration directory"`
	WebrootPath      string   `toml:"webroot_path" env:"WEBROOT_PATH" comment:"public_html / webroot path"`
	DomainKeyPath    string   `toml:"domain_key_path" env:"DOMAIN_KEY_PATH" comment:"Domain private key (generated when absent)"`
	AccountKeyPath   string   `toml:"account_key_path" env:"ACCOUNT_KEY_PATH" comment:"Account private key (generated when absent)"`
	CertPath         string   `toml:"cert_path" env:"CERT_PATH"`
	ChainPath        string   `toml:"chain_path" env:"CHAIN_PATH"`
	FullchainPath    string   `toml:"fullchain_path" env:"FULLCHAIN_PATH"`
	KeyFullchainPath string   `toml:"key_fullchain_path" env:"KEY_FULLCHAIN_PATH"`
	Server           string   `toml:"server" env:"SERVER" comment:"staging, production or an ACME directory URL"`
	RSAKeySize       int      `toml:"rsa_key_size" env:"RSA_KEY_SIZE"`
	RenewWithin      int      `toml:"renew_within" env:"RENEW_WITHIN" comment:"Renew this many days before expiry"`
	HTTPPort         int      `toml:"http_port" env:"HTTP_PORT" comment:"Port of the standalone HTTP-01 listener"`
	Debug            bool     `toml:"debug" env:"DEBUG"`
	Duplicate        bool     `toml:"duplicate" env:"DUPLICATE" comment:"Allow a certificate duplicating an existing one"`
}

// DefaultConfig returns the defaults of the command line tool.
func DefaultConfig() Config {
	return Config{
		AgreeTOS:         false,
		ConfigDir:        "~/letsencrypt/etc/",
		WebrootPath:      "/var/lib/haproxy",
		DomainKeyPath:    ":configDir/live/:hostname/privkey.pem",
		AccountKeyPath:   ":configDir/accounts/privkey.pem",
		CertPath:         ":configDir/live/:hostname/cert.pem",
		ChainPath:        ":configDir/live/:hostname/chain.pem",
		FullchainPath:    ":configDir/live/:hostname/fullchain.pem",
		KeyFullchainPath: ":configDir/live/:hostname/keyfullchain.pem",
		Server:           ServerStaging,
		RSAKeySize:       minRSAKeySize,
		RenewWithin:      7,
		HTTPPort:         80,
	}
}

// LoadFile decodes a TOML file on top of base. Unknown keys are rejected.
func LoadFile(path string, base Config) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, &Error{Code: CodeConfiguration, Op: "load config", Path: path, Err: err}
	}
	cfg := base
	dec := toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			err = errors.New(strict.String())
		}
		return base, &Error{Code: CodeConfiguration, Op: "load config", Path: path, Err: err}
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LE_* environment variables. Unset variables
// leave the field untouched.
func (c Config) ApplyEnv() (Config, error) {
	out := c
	out.Domains = append([]string(nil), c.Domains...)
	if err := env.ParseWithOptions(&out, env.Options{Prefix: EnvPrefix}); err != nil {
		return c, &Error{Code: CodeConfiguration, Op: "environment", Err: err}
	}
	return out, nil
}

// Validate reports the first invalid option as a configuration error.
func (c Config) Validate() error {
	if len(c.Domains) == 0 {
		return configErrorf("config: domains cannot be empty")
	}
	for _, d := range c.Domains {
		if err := validateDomain(d); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Email) == "" {
		return configErrorf("config: email cannot be empty")
	}
	if !strings.Contains(c.Email, "@") {
		return configErrorf("config: email %q is not an address", c.Email)
	}
	if !c.AgreeTOS {
		return configErrorf("config: the subscriber agreement must be accepted (agree_tos)")
	}
	if c.RSAKeySize < minRSAKeySize {
		return configErrorf("config: invalid RSA key size %d, must be %d or greater", c.RSAKeySize, minRSAKeySize)
	}
	if c.RenewWithin <= 0 {
		return configErrorf("config: invalid renew_within %d, must be greater than 0", c.RenewWithin)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return configErrorf("config: invalid HTTP port %d", c.HTTPPort)
	}
	if err := validateServer(c.Server); err != nil {
		return err
	}

	templates := []struct{ name, value string }{
		{"config_dir", c.ConfigDir},
		{"webroot_path", c.WebrootPath},
		{"domain_key_path", c.DomainKeyPath},
		{"account_key_path", c.AccountKeyPath},
		{"cert_path", c.CertPath},
		{"chain_path", c.ChainPath},
		{"fullchain_path", c.FullchainPath},
		{"key_fullchain_path", c.KeyFullchainPath},
	}
	for _, tmpl := range templates {
		if strings.TrimSpace(tmpl.value) == "" {
			return configErrorf("config: %s cannot be empty", tmpl.name)
		}
	}
	return nil
}

func validateDomain(domain string) error {
	if strings.TrimSpace(domain) == "" {
		return configErrorf("config: domain entries cannot be empty")
	}
	if strings.Contains(domain, "*") {
		return configErrorf("config: wildcard domain %q cannot be validated with %s", domain, ChallengeHTTP01)
	}
	if _, err := idna.Lookup.ToASCII(domain); err != nil {
		return configErrorf("config: domain %q is invalid: %w", domain, err)
	}
	return nil
}

func validateServer(server string) error {
	switch server {
	case ServerStaging, ServerProduction:
		return nil
	case "":
		return configErrorf("config: server cannot be empty")
	}
	u, err := url.Parse(server)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return configErrorf("config: server %q is neither %q, %q nor a directory URL", server, ServerStaging, ServerProduction)
	}
	return nil
}

// Hostname is the first domain, used wherever a single name is needed.
func (c Config) Hostname() string {
	if len(c.Domains) == 0 {
		return ""
	}
	return c.Domains[0]
}

// PathContext returns the substitution values for this configuration's templates.
func (c Config) PathContext() PathContext {
	home, _ := os.UserHomeDir()
	return PathContext{
		ConfigDir: expandHome(c.ConfigDir, home),
		Hostname:  c.Hostname(),
		Home:      home,
	}
}

// Resolve expands one of the configuration's path templates.
func (c Config) Resolve(template string) string {
	return ResolvePath(template, c.PathContext())
}

// RenewWithinDuration converts RenewWithin days to a duration.
func (c Config) RenewWithinDuration() time.Duration {
	return time.Duration(c.RenewWithin) * day
}

// ServerURL is the ACME directory URL the configuration points at.
func (c Config) ServerURL() string {
	return ResolveServer(c.Server)
}

// ResolveServer maps "staging" and "production" to the Let's Encrypt directory
// URLs. Any other value is returned unchanged.
func ResolveServer(server string) string {
	switch server {
	case ServerStaging:
		return lego.LEDirectoryStaging
	case ServerProduction:
		return lego.LEDirectoryProduction
	}
	return server
}

// String is safe to log.
func (c Config) String() string {
	return fmt.Sprintf("domains=%v email=%s server=%s config_dir=%s webroot=%s",
		c.Domains, c.Email, c.ServerURL(), c.ConfigDir, c.WebrootPath)
}
