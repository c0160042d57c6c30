// config/options.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// GroupServices is one group and the services to work on, in order.
type GroupServices struct {
	Group    string
	Services []string
}

// Options are the run options taken from the command line.
type Options struct {
	ConfDir  string
	LogLevel string
	Dev      bool

	Verb   bool
	Force  bool
	Reuse  bool
	Debug  bool
	Test   bool
	DryRun bool

	Status     bool
	Renew      bool
	Roll       bool
	DNSRefresh bool
	CleanKeep  int
	CleanAll   bool

	MinRollMins int

	ForceServerRestarts bool
	CertsToProd         bool

	// dev only
	NewKeys    bool
	NewCSR     bool
	NewCert    bool
	CopyCSR    bool
	NextToCurr bool
	RenewCert  bool

	// Groups to work on; defaults to the active configured groups.
	Groups []GroupServices
	// ConfGroups are the active configured groups, used where every
	// configured service matters (TLSA union, clean-all, production sync).
	ConfGroups []GroupServices

	positional []string
}

// commands accepted as leading positional words.
var commands = map[string]func(o *Options){
	"dev":    func(o *Options) { o.Dev = true },
	"renew":  func(o *Options) { o.Renew = true },
	"roll":   func(o *Options) { o.Roll = true },
	"status": func(o *Options) { o.Status = true },
}

// ParseArgs parses the command line: [dev|renew|roll|status ...] [flags]
// group[:svc1,svc2] ... Dev-only flags are rejected unless "dev" is given.
func ParseArgs(args []string) (*Options, *pflag.FlagSet, error) {
	o := &Options{}

	dev := false
	for _, a := range args {
		if a == "dev" {
			dev = true
			break
		}
	}

	fs := pflag.NewFlagSet("sslm-mgr", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.StringVar(&o.ConfDir, "conf_dir", "", "Config dir holding ssl-mgr.conf (default: first of $SSL_MGR_TOPDIR, ./, /etc/ssl-mgr + conf.d)")
	fs.StringVar(&o.LogLevel, "log_level", "", "Log level")
	fs.BoolVarP(&o.Verb, "verb", "v", false, "More verbose output")
	fs.BoolVarP(&o.Force, "force", "f", false, "Forces on for renew / roll regardless if too soon")
	fs.BoolVarP(&o.Reuse, "reuse", "r", false, "Reuse curr key with renew. tlsa unchanged if using selector=1 (pubkey)")
	fs.BoolVarP(&o.Debug, "debug", "d", false, "Debug mode: print, don't do")
	fs.BoolVarP(&o.Test, "test", "t", false, "Letsencrypt --test-cert")
	fs.BoolVarP(&o.DryRun, "dry-run", "n", false, "Letsencrypt --dry-run")
	fs.BoolVarP(&o.Status, "status", "s", false, "Display cert status. With --verb shows more info")
	fs.BoolVar(&o.Renew, "renew", false, "Renew keys/csr/cert keep in next")
	fs.BoolVar(&o.Roll, "roll", false, "Roll phase: make next the new curr, copy to production, refresh dns if needed")
	fs.IntVar(&o.MinRollMins, "min-roll-mins", 90, "Only roll if next is older than this (config min_roll_mins)")
	fs.BoolVar(&o.DNSRefresh, "dns-refresh", false, "dns: sign zones and restart primary (config dns.restart_cmd)")
	fs.IntVar(&o.CleanKeep, "clean-keep", 10, "Clean database dirs keeping newest N (see --clean-all)")
	fs.BoolVar(&o.CleanAll, "clean-all", false, "Clean up all grps/svcs not just active domains")
	fs.BoolVar(&o.ForceServerRestarts, "force-server-restarts", false, "Restart servers even if nothing changed")

	if dev {
		fs.BoolVar(&o.NewKeys, "new-keys", false, "Make next new keys")
		fs.BoolVar(&o.NewCSR, "new-csr", false, "Make next CSR")
		fs.BoolVar(&o.NewCert, "new-cert", false, "Make new next/cert")
		fs.BoolVar(&o.CopyCSR, "copy-csr", false, "Copy curr key to next (used by --reuse)")
		fs.BoolVar(&o.NextToCurr, "next-to-curr", false, "Move next to curr")
		fs.BoolVar(&o.RenewCert, "renew-cert", false, "Make next/cert if it is time to renew")
		fs.BoolVar(&o.CertsToProd, "certs-to-prod", false, "Copy keys/certs to production (mail, web, tlsa, etc)")
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	for _, a := range fs.Args() {
		if set, ok := commands[a]; ok && len(o.positional) == 0 {
			set(o)
			continue
		}
		o.positional = append(o.positional, a)
	}
	return o, fs, nil
}

// resolve applies config values the flags did not override and expands the
// group arguments.
func (o *Options) resolve(logger *zap.Logger, cfg *Config) error {
	o.CleanKeep = cfg.CleanKeep
	o.MinRollMins = cfg.MinRollMins
	if o.Test {
		cfg.ProdCertDir += ".test"
	}

	for _, g := range cfg.ActiveGroups() {
		g.Services = ExpandServices(cfg.ConfDir, g.Group, g.Services)
		o.ConfGroups = append(o.ConfGroups, g)
	}

	if len(o.positional) == 0 {
		o.Groups = cloneGroups(o.ConfGroups)
	} else {
		groups, err := ParseGroupServices(o.positional)
		if err != nil {
			return err
		}
		for i := range groups {
			groups[i].Services = ExpandServices(cfg.ConfDir, groups[i].Group, groups[i].Services)
		}
		o.Groups = groups
	}

	if len(o.Groups) == 0 && logger != nil {
		logger.Warn("no groups/services provided")
	}
	return o.checkGroups(cfg.ConfDir)
}

// checkGroups confirms each requested group has a config dir and a config
// file for every service.
func (o *Options) checkGroups(confDir string) error {
	var invalid []string
	for _, g := range o.Groups {
		dir := filepath.Join(confDir, g.Group)
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			invalid = append(invalid, "no such group "+g.Group)
			continue
		}
		if len(g.Services) == 0 {
			invalid = append(invalid, "group "+g.Group+" has no services")
		}
		for _, svc := range g.Services {
			if _, err := os.Stat(filepath.Join(dir, svc)); err != nil {
				invalid = append(invalid, "no config for "+g.Group+":"+svc)
			}
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	return fmt.Errorf("%w: invalid: %s", ErrConfig, strings.Join(invalid, ", "))
}

// ParseGroupServices parses group[:svc1,svc2] arguments, merging repeated
// groups in first-seen order. A group with no service list means all of its
// services.
func ParseGroupServices(args []string) ([]GroupServices, error) {
	var out []GroupServices
	index := map[string]int{}
	for _, arg := range args {
		group, svcs, _ := strings.Cut(arg, ":")
		group = strings.TrimSpace(group)
		if group == "" {
			return nil, fmt.Errorf("%w: bad group argument %q", ErrConfig, arg)
		}
		var services []string
		for _, s := range strings.Split(svcs, ",") {
			if s = strings.TrimSpace(s); s != "" {
				services = append(services, s)
			}
		}
		if len(services) == 0 {
			services = []string{"ALL"}
		}
		if i, ok := index[group]; ok {
			out[i].Services = appendUnique(out[i].Services, services...)
			continue
		}
		index[group] = len(out)
		out = append(out, GroupServices{Group: group, Services: appendUnique(nil, services...)})
	}
	return out, nil
}

// IsWildcard reports whether services asks for every service ("*" or "ALL").
func IsWildcard(services []string) bool {
	for _, s := range services {
		if s == "*" || s == "ALL" {
			return true
		}
	}
	return false
}

// ExpandServices replaces a wildcard service list with the service configs
// found in the group's config dir.
func ExpandServices(confDir, group string, services []string) []string {
	if !IsWildcard(services) {
		return services
	}
	return ServicesFromDir(confDir, group)
}

var serviceMarkers = []string{"name=", "group=", "service=", "[KeyOpts]", "[X509]"}

var spaceRE = regexp.MustCompile(`\s+`)

// ServicesFromDir lists files in <confDir>/<group> that look like service
// configs: they set name, group and service and have [KeyOpts] and [X509].
func ServicesFromDir(confDir, group string) []string {
	dir := filepath.Join(confDir, group)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if isServiceConfig(string(data)) {
			out = append(out, e.Name())
		}
	}
	return out
}

func isServiceConfig(content string) bool {
	found := map[string]bool{}
	for _, row := range strings.Split(content, "\n") {
		row = spaceRE.ReplaceAllString(row, "")
		if row == "" || strings.HasPrefix(row, "#") {
			continue
		}
		for _, m := range serviceMarkers {
			if !found[m] && strings.HasPrefix(row, m) {
				found[m] = true
				break
			}
		}
		if len(found) == len(serviceMarkers) {
			return true
		}
	}
	return false
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		dup := false
		for _, d := range dst {
			if d == it {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, it)
		}
	}
	return dst
}

func cloneGroups(in []GroupServices) []GroupServices {
	out := make([]GroupServices, len(in))
	for i, g := range in {
		out[i] = GroupServices{Group: g.Group, Services: append([]string(nil), g.Services...)}
	}
	return out
}
