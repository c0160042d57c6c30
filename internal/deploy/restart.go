// internal/deploy/restart.go
package deploy

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/changes"
	"github.com/dalemusser/sslmgr/internal/remote"
	"go.uber.org/zap"
)

// RestartReport is the outcome of ServerRestarts.
type RestartReport struct {
	Hosts      int // hosts restarted
	Failures   int // hosts with a failing restart command
	DNSRestart bool
}

// ServerRestarts restarts every server class whose dependencies changed,
// and then DNS. DNS is never restarted when a server restart failed: the
// records for the old certificate must stay published until every server
// has picked up the new one. force restarts every class that has a
// restart command.
func (d *Deployer) ServerRestarts(ctx context.Context, ch *changes.GroupChanges, force bool) (RestartReport, error) {
	log := d.logger()
	var rep RestartReport

	for _, class := range d.Classes {
		if !d.restartNeeded(class.Name, class.Depends, class.SvcDepends, len(class.RestartCmd) > 0, ch, force) {
			continue
		}
		for _, host := range class.Servers {
			rep.Hosts++
			target := host
			if d.isLocal(host) {
				target = ""
			}
			if fails := d.runAll(ctx, target, class.RestartCmd); fails > 0 {
				rep.Failures++
				log.Error("restart failed",
					zap.String("class", class.Name),
					zap.String("host", host),
					zap.Int("failed_cmds", fails))
			}
		}
	}
	if rep.Failures > 0 {
		return rep, fmt.Errorf("%w: %d of %d hosts", ErrRestartFailed, rep.Failures, rep.Hosts)
	}

	if d.Pusher == nil {
		return rep, nil
	}
	hasCmd := len(d.DNS.RestartCmd) > 0 || d.DNS.Backend == "route53"
	if !d.restartNeeded("dns", d.DNS.Depends, d.DNS.SvcDepends, hasCmd, ch, force) {
		return rep, nil
	}
	domains := ch.DNSDomains
	if len(domains) == 0 && force {
		domains = ch.Order
	}
	log.Info("dns restart", zap.Strings("domains", domains))
	rep.DNSRestart = true
	if err := d.Pusher.Restart(ctx, domains); err != nil {
		return rep, fmt.Errorf("%w: dns: %w", ErrRestartFailed, err)
	}
	return rep, nil
}

// restartNeeded reports whether a server class must restart. Without root
// privileges nothing is restarted, except in debug mode where the
// commands are only logged.
func (d *Deployer) restartNeeded(name string, depends []string, svcDepends []config.SvcDepend, hasCmd bool, ch *changes.GroupChanges, force bool) bool {
	log := d.logger().With(zap.String("class", name))
	if !hasCmd {
		return false
	}
	if !force {
		found, why := dependsChanged(depends, svcDepends, ch)
		if !found {
			return false
		}
		log.Info("restart triggered", zap.String("by", why))
	}
	if !d.Privileged {
		log.Warn("need root privileges to restart server")
		return d.Debug
	}
	return true
}

// dependsChanged matches a class's svc_depends and depends tags against
// the run's changes.
func dependsChanged(depends []string, svcDepends []config.SvcDepend, ch *changes.GroupChanges) (bool, string) {
	for _, sd := range svcDepends {
		switch strings.ToLower(sd.Domain) {
		case "*", "all", "any":
			for _, group := range ch.Order {
				if found := changedServices(ch.Get(group), sd.Services); len(found) > 0 {
					return true, group + ":" + strings.Join(found, ",")
				}
			}
		default:
			if found := changedServices(ch.Get(sd.Domain), sd.Services); len(found) > 0 {
				return true, sd.Domain + ":" + strings.Join(found, ",")
			}
		}
	}
	if ch.Any.DependsOn(depends) {
		var found []string
		for _, tag := range depends {
			if ch.Any.Depends[tag] {
				found = append(found, tag)
			}
		}
		return true, "depends " + strings.Join(found, ",")
	}
	return false, ""
}

func changedServices(gc *changes.GroupChange, services []string) []string {
	if gc == nil {
		return nil
	}
	var found []string
	for _, svc := range gc.SvcNames {
		if slices.Contains(services, svc) {
			found = append(found, svc)
		}
	}
	return found
}

// runAll runs each command on host and returns how many failed.
func (d *Deployer) runAll(ctx context.Context, host string, cmds config.StringList) int {
	fails := 0
	for _, cmd := range cmds {
		argv := remote.SplitCommand(cmd)
		if len(argv) == 0 {
			continue
		}
		if _, err := d.Runner.Run(ctx, host, argv); err != nil {
			fails++
		}
	}
	return fails
}
