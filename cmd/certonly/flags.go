package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	acme "github.com/caasmo/restinpieces-certonly"
)

// Flag names follow the historic letsencrypt CLI.
const (
	flagDomains          = "domains"
	flagEmail            = "email"
	flagAgreeTOS         = "agree-tos"
	flagConfigDir        = "config-dir"
	flagWebrootPath      = "webroot-path"
	flagDomainKeyPath    = "domain-key-path"
	flagAccountKeyPath   = "account-key-path"
	flagCertPath         = "cert-path"
	flagChainPath        = "chain-path"
	flagFullchainPath    = "fullchain-path"
	flagKeyFullchainPath = "key-fullchain-path"
	flagServer           = "server"
	flagRSAKeySize       = "rsa-key-size"
	flagRenewWithin      = "renew-within"
	flagHTTPPort         = "http-01-port"
	flagDebug            = "debug"
	flagDuplicate        = "duplicate"
)

// bindConfigFlags registers one flag per Config field. Defaults are shown for
// help only; a flag overrides file and environment values only when set.
func bindConfigFlags(fs *pflag.FlagSet) {
	d := acme.DefaultConfig()
	fs.StringSlice(flagDomains, nil, "Domain names to include, comma separated (the first names live/<hostname>)")
	fs.String(flagEmail, "", "Email used for registration and recovery contact")
	fs.Bool(flagAgreeTOS, d.AgreeTOS, "Agree to the Let's Encrypt Subscriber Agreement")
	fs.String(flagConfigDir, d.ConfigDir, "Configuration directory")
	fs.String(flagWebrootPath, d.WebrootPath, "public_html / webroot path")
	fs.String(flagDomainKeyPath, d.DomainKeyPath, "Path to privkey.pem to use for the domain")
	fs.String(flagAccountKeyPath, d.AccountKeyPath, "Path to privkey.pem to use for the account")
	fs.String(flagCertPath, d.CertPath, "Path to where the new cert.pem is saved")
	fs.String(flagChainPath, d.ChainPath, "Path to where the new chain.pem is saved")
	fs.String(flagFullchainPath, d.FullchainPath, "Path to where the new fullchain.pem (cert + chain) is saved")
	fs.String(flagKeyFullchainPath, d.KeyFullchainPath, "Path to where the privkey.pem + fullchain.pem is saved")
	fs.String(flagServer, d.Server, "ACME directory: staging, production or a URL")
	fs.Int(flagRSAKeySize, d.RSAKeySize, "Size (in bits) of the RSA key")
	fs.Int(flagRenewWithin, d.RenewWithin, "Renew certificates this many days before expiry")
	fs.Int(flagHTTPPort, d.HTTPPort, "Port of the standalone HTTP-01 challenge server")
	fs.Bool(flagDebug, d.Debug, "Enable debug logging")
	fs.Bool(flagDuplicate, d.Duplicate, "Allow getting a certificate that duplicates an existing one")
}

// loadConfig layers defaults, the TOML file, LE_* variables and changed flags,
// in that order, then validates the result.
func loadConfig(cmd *cobra.Command, file string) (acme.Config, error) {
	cfg := acme.DefaultConfig()
	var err error
	if file != "" {
		if cfg, err = acme.LoadFile(file, cfg); err != nil {
			return cfg, err
		}
	}
	if cfg, err = cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err = applyFlags(cmd.Flags(), &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyFlags(fs *pflag.FlagSet, cfg *acme.Config) error {
	strs := map[string]*string{
		flagEmail:            &cfg.Email,
		flagConfigDir:        &cfg.ConfigDir,
		flagWebrootPath:      &cfg.WebrootPath,
		flagDomainKeyPath:    &cfg.DomainKeyPath,
		flagAccountKeyPath:   &cfg.AccountKeyPath,
		flagCertPath:         &cfg.CertPath,
		flagChainPath:        &cfg.ChainPath,
		flagFullchainPath:    &cfg.FullchainPath,
		flagKeyFullchainPath: &cfg.KeyFullchainPath,
		flagServer:           &cfg.Server,
	}
	for name, dst := range strs {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	ints := map[string]*int{
		flagRSAKeySize:  &cfg.RSAKeySize,
		flagRenewWithin: &cfg.RenewWithin,
		flagHTTPPort:    &cfg.HTTPPort,
	}
	for name, dst := range ints {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	bools := map[string]*bool{
		flagAgreeTOS:  &cfg.AgreeTOS,
		flagDebug:     &cfg.Debug,
		flagDuplicate: &cfg.Duplicate,
	}
	for name, dst := range bools {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetBool(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	if fs.Changed(flagDomains) {
		v, err := fs.GetStringSlice(flagDomains)
		if err != nil {
			return err
		}
		cfg.Domains = v
	}
	return nil
}
