// internal/group/group.go
// Package group runs the requested tasks over the services of one apex
// domain, then rebuilds the domain's TLSA file and sends it to DNS when it
// changed.
package group

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"

	"github.com/dalemusser/sslmgr/internal/certstore"
	"github.com/dalemusser/sslmgr/internal/changes"
	"github.com/dalemusser/sslmgr/internal/dnspush"
	"github.com/dalemusser/sslmgr/internal/service"
	"github.com/dalemusser/sslmgr/internal/tasks"
	"github.com/dalemusser/sslmgr/internal/tlsa"
	"go.uber.org/zap"
)

var ErrNoServices = errors.New("group: no services")

// Env is what every group of a run shares.
type Env struct {
	Service *service.Env

	// Pusher publishes the TLSA file; nil when no DNS server is configured.
	Pusher dnspush.Pusher
	Logger *zap.Logger
}

// Group is one apex domain and the services requested for it.
type Group struct {
	Name     string
	Services []*service.Service

	// ConfServices are every configured service of the group. The TLSA
	// file covers these as well as the requested ones so that working on
	// a single service never drops the records of the others.
	ConfServices []string

	Change   *changes.GroupChange
	TLSAPath string

	env        *Env
	log        *zap.Logger
	hashBefore string
}

// New opens the requested services of group and notes the hash of the
// current TLSA file.
func New(env *Env, name string, services, confServices []string) (*Group, error) {
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoServices, name)
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Group{
		Name:         name,
		ConfServices: confServices,
		Change:       changes.NewGroupChange(),
		TLSAPath:     filepath.Join(env.Service.CertsDir, name, tlsa.FileName(name)),
		env:          env,
		log:          logger.With(zap.String("group", name)),
	}
	for _, svcName := range services {
		svc, err := service.New(env.Service, name, svcName)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", name, err)
		}
		g.Services = append(g.Services, svc)
	}
	h, err := tlsa.Hash(g.TLSAPath)
	if err != nil {
		return nil, err
	}
	g.hashBefore = h
	return g, nil
}

// ServiceNames returns the requested service names in order.
func (g *Group) ServiceNames() []string {
	out := make([]string, len(g.Services))
	for i, s := range g.Services {
		out[i] = s.Name
	}
	return out
}

// DoTasks runs tl on each service in order and stops the group at the
// first failing service. It then rebuilds the TLSA file.
func (g *Group) DoTasks(ctx context.Context, tl tasks.TaskList, gen string) error {
	g.log.Info("group tasks", zap.Strings("services", g.ServiceNames()))
	for _, svc := range g.Services {
		if err := svc.DoTasks(ctx, tl, gen); err != nil {
			return err
		}
		curr, next := svc.Changes()
		if curr || next {
			g.Change.AddService(svc.Name, curr, next)
			g.log.Info("cert changed",
				zap.String("service", svc.Name),
				zap.Bool("curr", curr),
				zap.Bool("next", next))
		}
	}
	return g.TLSAUpdate(ctx, tl.Roll)
}

// TLSAUpdate rebuilds the group TLSA file from the curr and next fragments
// of every service. When its content changed the file is pushed to DNS.
func (g *Group) TLSAUpdate(ctx context.Context, roll bool) error {
	phase := tlsa.PhaseNormal
	if roll {
		phase = tlsa.PhaseRoll
	}

	var frags []tlsa.Fragment
	for _, name := range g.allServices() {
		for _, slot := range []string{certstore.Curr, certstore.Next} {
			path := g.fragmentPath(name, slot)
			if path == "" {
				continue
			}
			frags = append(frags, tlsa.Fragment{Service: name, Slot: slot, Path: path})
		}
	}
	wrote, err := tlsa.Aggregate(g.TLSAPath, g.Name, phase, frags)
	if err != nil {
		return err
	}
	if !wrote {
		g.log.Info("apex domain has no tlsa records")
	}

	after, err := tlsa.Hash(g.TLSAPath)
	if err != nil {
		return err
	}
	if after != g.hashBefore {
		g.Change.SetTLSAChanged()
	}
	if !g.Change.TLSAChanged {
		return nil
	}

	if g.env.Pusher == nil {
		g.log.Warn("tlsa changed but no dns server configured, not pushed")
		return nil
	}
	g.log.Info("tlsa changed, updating dns", zap.String("file", g.TLSAPath))
	if err := g.env.Pusher.PushTLSA(ctx, g.Name, g.TLSAPath); err != nil {
		return fmt.Errorf("group %s: tlsa to dns: %w", g.Name, err)
	}
	return nil
}

// allServices is the sorted union of requested and configured services.
func (g *Group) allServices() []string {
	names := append(g.ServiceNames(), g.ConfServices...)
	sort.Strings(names)
	return slices.Compact(names)
}

// fragmentPath locates a service's tlsa.rr; "" for an empty slot.
// Configured services that were not requested are read from their store
// as they are.
func (g *Group) fragmentPath(name, slot string) string {
	for _, s := range g.Services {
		if s.Name == name {
			return s.Store.Path(slot, certstore.TLSA)
		}
	}
	store, err := certstore.Open(g.env.Service.CertsDir, g.Name, name)
	if err != nil {
		g.log.Warn("cannot open store", zap.String("service", name), zap.Error(err))
		return ""
	}
	return store.Path(slot, certstore.TLSA)
}
