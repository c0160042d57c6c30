// config/cainfo.go
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// CA types accepted in ca-info.conf.
const (
	CATypeSelf        = "self"
	CATypeLocal       = "local"
	CATypeCertbot     = "certbot"
	CATypeLetsEncrypt = "letsencrypt"
	CATypeACME        = "acme"
)

// CAInfo describes one certificate authority from ca-info.conf.
type CAInfo struct {
	Name                 string `mapstructure:"-"`
	Desc                 string `mapstructure:"ca_desc"`
	Type                 string `mapstructure:"ca_type"`
	Validation           string `mapstructure:"ca_validation"` // http-01 | dns-01
	PreferredChain       string `mapstructure:"ca_preferred_chain"`
	PreferredACMEProfile string `mapstructure:"ca_preferred_acme_profile"`
	ACMEDirectory        string `mapstructure:"acme_directory"`
	ACMEEmail            string `mapstructure:"acme_email"`
}

// ChallengeType returns "dns" or "http" for the validation method.
func (c CAInfo) ChallengeType() string {
	if strings.HasPrefix(strings.ToLower(c.Validation), "dns") {
		return "dns"
	}
	return "http"
}

// CAInfos holds every CA keyed by name.
type CAInfos map[string]CAInfo

// Get returns the named CA.
func (c CAInfos) Get(name string) (CAInfo, bool) {
	info, ok := c[name]
	return info, ok
}

// LoadCAInfos reads <conf_dir>/ca-info.conf: one table per CA.
func LoadCAInfos(confDir string) (CAInfos, error) {
	path := filepath.Join(confDir, CAInfoFile)
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}

	raw := map[string]CAInfo{}
	if err := v.UnmarshalExact(&raw, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrConfig, path, err)
	}

	var invalid []string
	infos := make(CAInfos, len(raw))
	for name, info := range raw {
		info.Name = name
		if info.PreferredACMEProfile == "" {
			info.PreferredACMEProfile = "tlsserver"
		}
		switch info.Type {
		case CATypeSelf, CATypeLocal, CATypeCertbot, CATypeLetsEncrypt, CATypeACME:
		default:
			invalid = append(invalid, fmt.Sprintf("%s: ca_type %q", name, info.Type))
		}
		if info.Type == CATypeACME && info.ACMEDirectory == "" {
			invalid = append(invalid, name+": acme_directory required for ca_type acme")
		}
		infos[name] = info
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return nil, fmt.Errorf("%w: %s: invalid: %s", ErrConfig, CAInfoFile, strings.Join(invalid, ", "))
	}
	return infos, nil
}
