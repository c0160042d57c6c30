// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dalemusser/sslmgr/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ErrConfig wraps every configuration error; these are fatal before any
// group is processed.
var ErrConfig = errors.New("config: invalid configuration")

const (
	MainFile    = "ssl-mgr.conf"
	CAInfoFile  = "ca-info.conf"
	confDirName = "conf.d"
	envPrefix   = "SSLM"
)

// SvcDepend makes a server restart when any of Services in Domain changed.
// Domain "*" matches every group.
type SvcDepend struct {
	Domain   string   `mapstructure:"domain"`
	Services []string `mapstructure:"services"`
}

// decodeList accepts the ["example.com", ["mail-ec", "mail-rsa"]] form.
func (d *SvcDepend) decodeList(items []any) error {
	if len(items) != 2 {
		return fmt.Errorf("svc_depends item needs [domain, [services]], got %v", items)
	}
	d.Domain = fmt.Sprint(items[0])
	svcs, err := listStrings(items[1])
	if err != nil {
		return fmt.Errorf("svc_depends %s: %w", d.Domain, err)
	}
	d.Services = svcs
	return nil
}

// ServerClass describes one class of servers (smtp, imap, web, other) that
// receives production certs and is restarted when its dependencies change.
type ServerClass struct {
	Servers      []string    `mapstructure:"servers"`
	Depends      []string    `mapstructure:"depends"`
	SvcDepends   []SvcDepend `mapstructure:"svc_depends"`
	RestartCmd   StringList  `mapstructure:"restart_cmd"`
	ServerDir    string      `mapstructure:"server_dir"`
	SkipProdCopy bool        `mapstructure:"skip_prod_copy"`
}

// DNSConfig describes the DNS primary that publishes TLSA records and ACME
// challenges.
type DNSConfig struct {
	RestartCmd   StringList        `mapstructure:"restart_cmd"`
	AcmeDir      string            `mapstructure:"acme_dir"`
	TLSADirs     []string          `mapstructure:"tlsa_dirs"`
	Depends      []string          `mapstructure:"depends"`
	SvcDepends   []SvcDepend       `mapstructure:"svc_depends"`
	SkipProdCopy bool              `mapstructure:"skip_prod_copy"`
	Backend      string            `mapstructure:"backend"` // zonefile | route53
	Route53Zones map[string]string `mapstructure:"route53_zones"`
}

// Configured reports whether any DNS publication is set up.
func (d DNSConfig) Configured() bool {
	return d.Backend == "route53" || len(d.RestartCmd) > 0 || d.AcmeDir != "" || len(d.TLSADirs) > 0
}

// DNSPrimary is the authoritative server queried for a domain.
type DNSPrimary struct {
	Domain string `mapstructure:"domain"`
	Server string `mapstructure:"server"`
	Port   int    `mapstructure:"port"`
}

// GroupEntry is one [[groups]] table.
type GroupEntry struct {
	Domain   string   `mapstructure:"domain"`
	Services []string `mapstructure:"services"`
	Active   bool     `mapstructure:"active"`
}

// PostCopyCmd runs Cmd on Host after certs are copied to production.
type PostCopyCmd struct {
	Host string `mapstructure:"host"`
	Cmd  string `mapstructure:"cmd"`
}

func (p *PostCopyCmd) decodeList(items []any) error {
	if len(items) != 2 {
		return fmt.Errorf("post_copy_cmd item needs [host, cmd], got %v", items)
	}
	p.Host = fmt.Sprint(items[0])
	p.Cmd = fmt.Sprint(items[1])
	return nil
}

// RenewInfo holds the renewal targets (days left at renewal) and random
// adjustment sizes per issued-lifetime bucket.
type RenewInfo struct {
	Target90 float64 `mapstructure:"target_90"`
	Target60 float64 `mapstructure:"target_60"`
	Target45 float64 `mapstructure:"target_45"`
	Target10 float64 `mapstructure:"target_10"`
	Target6  float64 `mapstructure:"target_6"`
	Target2  float64 `mapstructure:"target_2"`
	Target1  float64 `mapstructure:"target_1"`

	RandAdj90 float64 `mapstructure:"rand_adj_90"`
	RandAdj60 float64 `mapstructure:"rand_adj_60"`
	RandAdj45 float64 `mapstructure:"rand_adj_45"`
	RandAdj10 float64 `mapstructure:"rand_adj_10"`
	RandAdj6  float64 `mapstructure:"rand_adj_6"`
	RandAdj2  float64 `mapstructure:"rand_adj_2"`
	RandAdj1  float64 `mapstructure:"rand_adj_1"`
}

// DefaultRenewInfo is the stock table: 30/20/10/5/2/1/0.5 days, no jitter.
func DefaultRenewInfo() RenewInfo {
	return RenewInfo{
		Target90: 30, Target60: 20, Target45: 10, Target10: 5,
		Target6: 2, Target2: 1, Target1: 0.5,
	}
}

// NotifyConfig enables a failure email at the end of a failed run.
type NotifyConfig struct {
	EmailTo      []string `mapstructure:"email_to"`
	From         string   `mapstructure:"from"`
	SMTPHost     string   `mapstructure:"smtp_host"`
	SMTPPort     int      `mapstructure:"smtp_port"`
	SMTPUser     string   `mapstructure:"smtp_user"`
	SMTPPassword string   `mapstructure:"smtp_password"`
}

// Enabled reports whether failure notification is configured.
func (n NotifyConfig) Enabled() bool {
	return len(n.EmailTo) > 0 && n.SMTPHost != ""
}

// Config is the main configuration read from <conf_dir>/ssl-mgr.conf.
type Config struct {
	ConfDir string `mapstructure:"-"`
	TopDir  string `mapstructure:"-"`

	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	LogDir   string `mapstructure:"logdir"`

	ProdCertDir  string `mapstructure:"prod_cert_dir"`
	SSLMAuthHook string `mapstructure:"sslm_auth_hook"`
	MinRollMins  int    `mapstructure:"min_roll_mins"`
	CleanKeep    int    `mapstructure:"clean_keep"`

	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	LockBackend  string        `mapstructure:"lock_backend"` // file | redis
	LockRedisURL string        `mapstructure:"lock_redis_url"`

	MetricsTextfile    string `mapstructure:"metrics_textfile"`
	LetsEncryptLogDir  string `mapstructure:"letsencrypt_logdir"`
	LetsEncryptWorkDir string `mapstructure:"letsencrypt_workdir"`

	DNSCheckDelay time.Duration `mapstructure:"dns_check_delay"`
	DNSXtraNS     []string      `mapstructure:"dns_xtra_ns"`

	RenewInfo  RenewInfo    `mapstructure:"renew_info"`
	DNS        DNSConfig    `mapstructure:"dns"`
	DNSPrimary []DNSPrimary `mapstructure:"dns_primary"`

	SMTP  ServerClass `mapstructure:"smtp"`
	IMAP  ServerClass `mapstructure:"imap"`
	Web   ServerClass `mapstructure:"web"`
	Other ServerClass `mapstructure:"other"`

	Groups      []GroupEntry  `mapstructure:"groups"`
	PostCopyCmd []PostCopyCmd `mapstructure:"post_copy_cmd"`
	Notify      NotifyConfig  `mapstructure:"notify"`
}

// CertsDir is the source-of-truth cert tree.
func (c *Config) CertsDir() string {
	return filepath.Join(c.TopDir, "certs")
}

// ServerClasses returns the non-DNS server classes in restart order.
func (c *Config) ServerClasses() []NamedServerClass {
	return []NamedServerClass{
		{Name: "smtp", ServerClass: c.SMTP},
		{Name: "imap", ServerClass: c.IMAP},
		{Name: "web", ServerClass: c.Web},
		{Name: "other", ServerClass: c.Other},
	}
}

// NamedServerClass pairs a server class with its config section name.
type NamedServerClass struct {
	Name string
	ServerClass
}

// PrimaryFor returns the dns_primary entry for domain, falling back to the
// "*" or "default" entry.
func (c *Config) PrimaryFor(domain string) (DNSPrimary, bool) {
	var fallback DNSPrimary
	found := false
	for _, p := range c.DNSPrimary {
		switch p.Domain {
		case domain:
			return p, true
		case "*", "default":
			fallback = p
			found = true
		}
	}
	return fallback, found
}

// ActiveGroups returns the configured active groups in file order.
func (c *Config) ActiveGroups() []GroupServices {
	var out []GroupServices
	for _, g := range c.Groups {
		if !g.Active || g.Domain == "" || len(g.Services) == 0 {
			continue
		}
		out = append(out, GroupServices{Group: g.Domain, Services: append([]string(nil), g.Services...)})
	}
	return out
}

// FindConfDir locates conf.d: an explicit value wins, then $SSLM_CONF_DIR,
// then $SSL_MGR_TOPDIR/conf.d, ./conf.d and /etc/ssl-mgr/conf.d, taking
// the first that exists.
func FindConfDir(explicit string) string {
	if explicit != "" {
		return filepath.Clean(explicit)
	}
	if env := os.Getenv(envPrefix + "_CONF_DIR"); env != "" {
		return filepath.Clean(env)
	}
	var tops []string
	if env := os.Getenv("SSL_MGR_TOPDIR"); env != "" {
		tops = append(tops, env)
	}
	tops = append(tops, ".", "/etc/ssl-mgr")
	for _, top := range tops {
		dir := filepath.Join(top, confDirName)
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			if abs, err := filepath.Abs(dir); err == nil {
				return abs
			}
			return dir
		}
	}
	return ""
}

// deprecated [globals] keys and their [renew_info] replacements.
var deprecatedRenewKeys = map[string]string{
	"renew_expire_days":        "target_90",
	"renew_expire_days_spread": "rand_adj_90",
}

// Load merges defaults → ssl-mgr.conf → env vars → explicit flags into one
// Config and parses the run options from args.
// Final precedence (highest wins): flags(explicit) > env > config > defaults.
func Load(logger *zap.Logger, args []string) (*Config, *Options, error) {
	// 0) Optionally load .env (real env still wins over .env)
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info("Loaded .env file")
	}

	// 1) Flags and positional args
	opts, fs, err := ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	confDir := FindConfDir(opts.ConfDir)
	if confDir == "" {
		return nil, nil, fmt.Errorf("%w: missing: conf.d (set --conf_dir, SSLM_CONF_DIR or SSL_MGR_TOPDIR)", ErrConfig)
	}

	cfg, err := loadMain(logger, confDir, fs)
	if err != nil {
		return nil, nil, err
	}

	if err := opts.resolve(logger, cfg); err != nil {
		return nil, nil, err
	}
	return cfg, opts, nil
}

// LoadFile reads the main config without command line flags. The ACME hook
// uses this; it has its own positional arguments.
func LoadFile(logger *zap.Logger, confDir string) (*Config, error) {
	return loadMain(logger, FindConfDir(confDir), nil)
}

func loadMain(logger *zap.Logger, confDir string, fs *pflag.FlagSet) (*Config, error) {
	if confDir == "" {
		return nil, fmt.Errorf("%w: missing: conf.d", ErrConfig)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys() {
		_ = v.BindEnv(k)
	}

	// 2) ssl-mgr.conf, with [globals] lifted to the top level
	path := filepath.Join(confDir, MainFile)
	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("toml")
	if err := file.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	settings := file.AllSettings()
	liftGlobals(logger, settings)
	if err := v.MergeConfigMap(settings); err != nil {
		return nil, fmt.Errorf("%w: merge %s: %v", ErrConfig, path, err)
	}
	if logger != nil {
		logger.Info("Loaded config file", zap.String("file", path))
	}

	// 3) Defaults (lowest precedence)
	setDefaults(v)

	// 4) Explicit flags (highest precedence)
	if fs != nil {
		fs.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if ok && f.Changed {
				_ = v.BindPFlag(key, f)
			}
		})
	}

	// 5) Build struct; unknown keys are errors
	var cfg Config
	if err := v.UnmarshalExact(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrConfig, path, err)
	}
	cfg.ConfDir = confDir
	cfg.TopDir = filepath.Dir(confDir)

	if cfg.CleanKeep < 1 {
		if logger != nil {
			logger.Info("clean_keep too small, resetting to 1", zap.Int("clean_keep", cfg.CleanKeep))
		}
		cfg.CleanKeep = 1
	}

	// 6) Validate
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// liftGlobals moves [globals] keys to the top level, mapping the deprecated
// renew keys into [renew_info] when that section does not set them.
func liftGlobals(logger *zap.Logger, settings map[string]any) {
	globals, ok := settings["globals"].(map[string]any)
	if !ok {
		return
	}
	delete(settings, "globals")

	renew, _ := settings["renew_info"].(map[string]any)
	if renew == nil {
		renew = map[string]any{}
	}
	for k, val := range globals {
		if nk, dep := deprecatedRenewKeys[k]; dep {
			if logger != nil {
				logger.Warn("deprecated config key, see [renew_info]", zap.String("key", k))
			}
			if _, set := renew[nk]; !set {
				renew[nk] = val
			}
			continue
		}
		settings[k] = val
	}
	if len(renew) > 0 {
		settings["renew_info"] = renew
	}
}

// flagKeys maps command line flag names to the config keys they override.
var flagKeys = map[string]string{
	"log_level":     "log_level",
	"clean-keep":    "clean_keep",
	"min-roll-mins": "min_roll_mins",
}

func envKeys() []string {
	return []string{
		"env", "log_level", "logdir",
		"prod_cert_dir", "sslm_auth_hook",
		"min_roll_mins", "clean_keep",
		"lock_timeout", "lock_backend", "lock_redis_url",
		"metrics_textfile", "letsencrypt_logdir", "letsencrypt_workdir",
		"dns_check_delay",
		"dns.backend", "dns.acme_dir",
		"notify.smtp_host", "notify.smtp_port", "notify.smtp_user", "notify.smtp_password", "notify.from",
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("logdir", "/var/log/ssl-mgr")

	v.SetDefault("prod_cert_dir", "/etc/ssl-mgr/prod-certs")
	v.SetDefault("sslm_auth_hook", "/usr/lib/ssl-mgr/sslm-auth-hook")
	v.SetDefault("min_roll_mins", 90)
	v.SetDefault("clean_keep", 10)

	v.SetDefault("lock_timeout", "30s")
	v.SetDefault("lock_backend", "file")

	v.SetDefault("dns_check_delay", 240)
	v.SetDefault("dns_xtra_ns", []string{"1.1.1.1", "8.8.8.8", "9.9.9.9", "208.67.222.222"})
	v.SetDefault("dns.backend", "zonefile")

	ri := DefaultRenewInfo()
	v.SetDefault("renew_info.target_90", ri.Target90)
	v.SetDefault("renew_info.target_60", ri.Target60)
	v.SetDefault("renew_info.target_45", ri.Target45)
	v.SetDefault("renew_info.target_10", ri.Target10)
	v.SetDefault("renew_info.target_6", ri.Target6)
	v.SetDefault("renew_info.target_2", ri.Target2)
	v.SetDefault("renew_info.target_1", ri.Target1)

	v.SetDefault("notify.smtp_port", 25)
}

func validateConfig(cfg *Config) error {
	var missing []string
	var invalid []string

	if strings.TrimSpace(cfg.ProdCertDir) == "" {
		missing = append(missing, "prod_cert_dir")
	}
	if !logging.IsValidLogLevel(cfg.LogLevel) {
		invalid = append(invalid, fmt.Sprintf("log_level %q", cfg.LogLevel))
	}
	if cfg.MinRollMins < 0 {
		invalid = append(invalid, "min_roll_mins must be >= 0")
	}
	if cfg.LockTimeout <= 0 {
		invalid = append(invalid, "lock_timeout must be > 0")
	}

	switch cfg.LockBackend {
	case "file":
	case "redis":
		if strings.TrimSpace(cfg.LockRedisURL) == "" {
			missing = append(missing, "lock_redis_url for lock_backend=redis")
		}
	default:
		invalid = append(invalid, `lock_backend must be "file" or "redis"`)
	}

	switch cfg.DNS.Backend {
	case "zonefile":
	case "route53":
		if len(cfg.DNS.Route53Zones) == 0 {
			missing = append(missing, "dns.route53_zones for dns.backend=route53")
		}
	default:
		invalid = append(invalid, `dns.backend must be "zonefile" or "route53"`)
	}

	for _, p := range cfg.DNSPrimary {
		if p.Domain == "" || p.Server == "" || p.Port <= 0 || p.Port > 65535 {
			invalid = append(invalid, fmt.Sprintf("dns_primary item {%s %s %d}", p.Domain, p.Server, p.Port))
		}
	}

	for i, g := range cfg.Groups {
		if g.Active && (g.Domain == "" || len(g.Services) == 0) {
			invalid = append(invalid, fmt.Sprintf("groups[%d] needs domain and services", i))
		}
	}

	for _, pc := range cfg.PostCopyCmd {
		if pc.Host == "" || pc.Cmd == "" {
			invalid = append(invalid, "post_copy_cmd items need [host, cmd]")
			break
		}
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
	return fmt.Errorf("%w: %s", ErrConfig, strings.Join(parts, " | "))
}
