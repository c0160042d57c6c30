// config/service.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/net/idna"
)

// KeyOpts selects the private key type.
type KeyOpts struct {
	KType   string `mapstructure:"ktype"`   // ec | rsa | ed25519
	ECAlgo  string `mapstructure:"ec_algo"` // secp256r1 | secp384r1
	RSABits int    `mapstructure:"rsa_bits"`
}

// X509Name is the certificate subject plus subject alternative names.
type X509Name struct {
	CN    string   `mapstructure:"CN"`
	O     string   `mapstructure:"O"`
	OU    string   `mapstructure:"OU"`
	L     string   `mapstructure:"L"`
	ST    string   `mapstructure:"ST"`
	C     string   `mapstructure:"C"`
	Email string   `mapstructure:"email"`
	SANs  []string `mapstructure:"sans"`
}

// CASection is present only for services that are certificate authorities.
type CASection struct {
	SignEndDays int    `mapstructure:"sign_end_days"`
	Digest      string `mapstructure:"digest"`
}

// DaneTLS is one TLSA policy: [port, proto, usage, selector, match_type, (subtype)].
type DaneTLS struct {
	Port      int    `mapstructure:"port"`
	Proto     string `mapstructure:"proto"`
	Usage     int    `mapstructure:"usage"`
	Selector  int    `mapstructure:"selector"`
	MatchType int    `mapstructure:"match_type"`
	Subtype   string `mapstructure:"subtype"`
}

func (d *DaneTLS) decodeList(items []any) error {
	if len(items) < 5 || len(items) > 6 {
		return fmt.Errorf("dane_tls must have 5 or 6 elements: %v", items)
	}
	ints := []*int{&d.Port, nil, &d.Usage, &d.Selector, &d.MatchType}
	for i, dst := range ints {
		if dst == nil {
			continue
		}
		n, err := listInt(items[i])
		if err != nil {
			return fmt.Errorf("dane_tls %v: element %d: %w", items, i, err)
		}
		*dst = n
	}
	d.Proto = fmt.Sprint(items[1])
	if len(items) == 6 {
		d.Subtype = fmt.Sprint(items[5])
	}
	return nil
}

// ServiceConfig describes one certificate: <conf_dir>/<group>/<service>.
type ServiceConfig struct {
	Name      string     `mapstructure:"name"`
	Group     string     `mapstructure:"group"`
	Service   string     `mapstructure:"service"`
	SigningCA string     `mapstructure:"signing_ca"`
	DaneTLS   []DaneTLS  `mapstructure:"dane_tls"`
	KeyOpts   KeyOpts    `mapstructure:"KeyOpts"`
	X509      X509Name   `mapstructure:"X509"`
	CA        *CASection `mapstructure:"CA"`

	Path    string    `mapstructure:"-"`
	ModTime time.Time `mapstructure:"-"`
}

// IsCA reports whether the service is itself a certificate authority.
func (s *ServiceConfig) IsCA() bool { return s.CA != nil }

// LoadService reads and validates a service config.
func LoadService(confDir, group, service string) (*ServiceConfig, error) {
	path := filepath.Join(confDir, group, service)
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: service %s:%s: %v", ErrConfig, group, service, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	v.SetDefault("KeyOpts.ktype", "ec")
	v.SetDefault("KeyOpts.ec_algo", "secp384r1")
	v.SetDefault("KeyOpts.rsa_bits", 4096)

	var svc ServiceConfig
	if err := v.UnmarshalExact(&svc, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrConfig, path, err)
	}
	svc.Path = path
	svc.ModTime = st.ModTime()

	if err := svc.validate(group, service); err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *ServiceConfig) validate(group, service string) error {
	var missing []string
	var invalid []string

	if s.Name == "" {
		missing = append(missing, "name")
	}
	// group and service live in both the path and the file to catch copy/edit slips
	if s.Group == "" {
		missing = append(missing, "group")
	} else if s.Group != group {
		invalid = append(invalid, fmt.Sprintf("group %s, expecting %s", s.Group, group))
	}
	if s.Service == "" {
		missing = append(missing, "service")
	} else if s.Service != service {
		invalid = append(invalid, fmt.Sprintf("service %s, expecting %s", s.Service, service))
	}

	if s.X509.CN == "" {
		missing = append(missing, "X509.CN")
	}
	if s.X509.O == "" {
		missing = append(missing, "X509.O")
	}
	if s.X509.C == "" {
		missing = append(missing, "X509.C")
	}

	switch s.KeyOpts.KType {
	case "ec":
		if curveName(s.KeyOpts.ECAlgo) == "" {
			invalid = append(invalid, "KeyOpts.ec_algo "+s.KeyOpts.ECAlgo)
		}
	case "rsa":
		if s.KeyOpts.RSABits < 2048 {
			invalid = append(invalid, "KeyOpts.rsa_bits must be >= 2048")
		}
	case "ed25519":
	case "":
		missing = append(missing, "KeyOpts.ktype (ec, rsa, ed25519)")
	default:
		invalid = append(invalid, "KeyOpts.ktype "+s.KeyOpts.KType)
	}

	if s.CA != nil {
		if s.CA.SignEndDays <= 0 {
			missing = append(missing, "CA.sign_end_days")
		}
		if s.CA.Digest == "" {
			missing = append(missing, "CA.digest")
		}
	}

	for _, d := range s.DaneTLS {
		if d.MatchType < 0 || d.MatchType > 2 || d.Selector < 0 || d.Selector > 1 || d.Usage < 0 || d.Usage > 3 {
			invalid = append(invalid, fmt.Sprintf("dane_tls %d/%s %d %d %d", d.Port, d.Proto, d.Usage, d.Selector, d.MatchType))
		}
	}

	if s.X509.CN != "" && s.CA == nil {
		cn, err := NormalizeDomain(s.X509.CN)
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("X509.CN %s: %v", s.X509.CN, err))
		} else {
			s.X509.CN = cn
		}
		sans := make([]string, 0, len(s.X509.SANs)+1)
		for _, san := range s.X509.SANs {
			n, err := NormalizeDomain(san)
			if err != nil {
				invalid = append(invalid, fmt.Sprintf("X509.sans %s: %v", san, err))
				continue
			}
			sans = append(sans, n)
		}
		if !contains(sans, s.X509.CN) {
			sans = append([]string{s.X509.CN}, sans...)
		}
		s.X509.SANs = sans
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(invalid, ", "))
	}
	return fmt.Errorf("%w: service %s:%s: %s", ErrConfig, group, service, strings.Join(parts, " | "))
}

// NormalizeDomain converts a domain to lower case ASCII (punycode),
// keeping a leading "*." wildcard label.
func NormalizeDomain(domain string) (string, error) {
	d := strings.TrimSuffix(strings.TrimSpace(domain), ".")
	prefix := ""
	if strings.HasPrefix(d, "*.") {
		prefix, d = "*.", d[2:]
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", err
	}
	return prefix + ascii, nil
}

// curveName maps the accepted ec_algo spellings to a canonical name.
func curveName(algo string) string {
	switch strings.ToLower(algo) {
	case "secp256r1", "prime256v1", "p256", "p-256":
		return "P-256"
	case "secp384r1", "p384", "p-384":
		return "P-384"
	}
	return ""
}

// Curve returns the canonical curve name for the service's ec_algo.
func (k KeyOpts) Curve() string { return curveName(k.ECAlgo) }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
