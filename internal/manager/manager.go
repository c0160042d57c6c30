// internal/manager/manager.go
// Package manager runs one whole sslm-mgr invocation: groups in order under
// the run lock, then the deployment steps for the whole run.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/certstore"
	"github.com/dalemusser/sslmgr/internal/changes"
	"github.com/dalemusser/sslmgr/internal/deploy"
	"github.com/dalemusser/sslmgr/internal/group"
	"github.com/dalemusser/sslmgr/internal/tasks"
	"github.com/dalemusser/sslmgr/metrics"
	"github.com/dalemusser/sslmgr/pantry/email"
	"github.com/dalemusser/sslmgr/pantry/fileutil"
	"github.com/dalemusser/sslmgr/pantry/lock"
	"go.uber.org/zap"
)

var (
	ErrGroupsFailed = errors.New("manager: groups failed")
	ErrNoLocker     = errors.New("manager: no locker")
)

// lockTTL bounds how long a Redis lock outlives a crashed run.
const lockTTL = 6 * time.Hour

// Notifier sends the failure report.
type Notifier interface {
	Send(ctx context.Context, msg email.Message) error
}

// Manager holds everything one run needs.
type Manager struct {
	Conf *config.Config
	Opts *config.Options

	Groups  *group.Env
	Deploy  *deploy.Deployer
	Locker  lock.Locker
	Metrics *metrics.Run

	// Notifier is nil when notify is not configured.
	Notifier Notifier

	LockWait  time.Duration
	LockRetry time.Duration
	Now       func() time.Time
	Logger    *zap.Logger

	closers []func() error
}

// Report is the outcome of a run.
type Report struct {
	Started  time.Time
	Finished time.Time

	Completed    []string
	FailedGroups []string
	Errors       []string

	Changes *changes.GroupChanges
	Copy    deploy.CopyReport
	Restart deploy.RestartReport
	Cleaned []string
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Manager) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

// Run acquires the run lock, runs every group and deploys what changed.
// The lock is released however the run ends.
func (m *Manager) Run(ctx context.Context) (*Report, error) {
	log := m.logger()
	rep := &Report{Started: m.now(), Changes: changes.New()}

	tl, warnings := tasks.Build(m.Opts)
	for _, w := range warnings {
		log.Warn(w)
	}

	err := m.locked(ctx, func(ctx context.Context) error {
		return m.run(ctx, tl, rep)
	})
	rep.Finished = m.now()
	if err != nil && len(rep.Errors) == 0 {
		rep.Errors = append(rep.Errors, err.Error())
	}
	m.finish(ctx, rep, err)
	return rep, err
}

func (m *Manager) locked(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.Locker == nil {
		return ErrNoLocker
	}
	wait := m.LockWait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	retry := m.LockRetry
	if retry <= 0 {
		retry = time.Second
	}
	key := lock.Name(m.Conf.ConfDir)
	err := lock.WithLockWait(ctx, m.Locker, key, lockTTL, wait, retry, func(ctx context.Context) error {
		m.logger().Debug("lock acquired", zap.String("key", key))
		return fn(ctx)
	})
	if errors.Is(err, lock.ErrLockNotAcquired) {
		return fmt.Errorf("manager: %w", err)
	}
	return err
}

func (m *Manager) run(ctx context.Context, tl tasks.TaskList, rep *Report) error {
	log := m.logger()

	forceCopy := tl.CertsToProd
	forceRestart := m.Opts.ForceServerRestarts
	if synced, mismatches := deploy.CheckProductionSynced(m.Deploy.CertsDir, m.Deploy.ProdDir, m.Opts.Groups); !synced {
		log.Warn("production resync: updating and restarting servers", zap.Strings("mismatch", mismatches))
		forceCopy = true
		forceRestart = true
	}

	gen := certstore.GenerationName(m.now())
	var done []config.GroupServices
	for _, gs := range m.Opts.Groups {
		gc, err := m.runGroup(ctx, gs, tl, gen)
		if err != nil {
			log.Error("group failed", zap.String("group", gs.Group), zap.Error(err))
			rep.FailedGroups = append(rep.FailedGroups, gs.Group)
			rep.Errors = append(rep.Errors, err.Error())
			if m.Metrics != nil {
				m.Metrics.GroupFailed(gs.Group)
			}
			continue
		}
		rep.Changes.Add(gs.Group, gc)
		rep.Completed = append(rep.Completed, gs.Group)
		done = append(done, gs)
	}

	var errs []error
	if len(rep.FailedGroups) > 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrGroupsFailed, strings.Join(rep.FailedGroups, ", ")))
	}

	if len(done) > 0 {
		copyRep, err := m.Deploy.CertsToProduction(ctx, rep.Changes, done, forceCopy)
		rep.Copy = copyRep
		m.remoteFailures(copyRep.Failures + copyRep.PostCopyFailures)
		if err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			errs = append(errs, err)
		}
		if err != nil && !errors.Is(err, deploy.ErrRemoteCopy) {
			// nothing reached production; restarting would serve stale certs
			return errors.Join(errs...)
		}

		restartRep, err := m.Deploy.ServerRestarts(ctx, rep.Changes, forceRestart)
		rep.Restart = restartRep
		m.remoteFailures(restartRep.Failures)
		if err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			errs = append(errs, err)
		}
	}

	cleaned, err := m.cleanup()
	rep.Cleaned = cleaned
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// runGroup runs one group's tasks and returns its changes.
func (m *Manager) runGroup(ctx context.Context, gs config.GroupServices, tl tasks.TaskList, gen string) (*changes.GroupChange, error) {
	log := m.logger().With(zap.String("group", gs.Group))
	log.Info("group tasks", zap.Strings("services", gs.Services))

	g, err := group.New(m.Groups, gs.Group, gs.Services, m.confServices(gs.Group))
	if err != nil {
		return nil, err
	}
	if err := g.DoTasks(ctx, tl, gen); err != nil {
		return nil, err
	}
	if tl.PushDNS && m.Groups.Pusher != nil && !g.Change.DNSChanged {
		// dns refresh re-publishes an unchanged TLSA file and restarts dns
		if fileutil.Exists(g.TLSAPath) {
			if err := m.Groups.Pusher.PushTLSA(ctx, gs.Group, g.TLSAPath); err != nil {
				return nil, fmt.Errorf("group %s: dns refresh: %w", gs.Group, err)
			}
		}
		g.Change.SetDNSChanged()
	}
	return g.Change, nil
}

func (m *Manager) confServices(name string) []string {
	for _, g := range m.Opts.ConfGroups {
		if g.Group == name {
			return g.Services
		}
	}
	return nil
}

func (m *Manager) remoteFailures(n int) {
	if m.Metrics != nil {
		m.Metrics.RemoteFailures(n)
	}
}

// cleanup sweeps old generations of the run's services, or of every
// service under the cert tree that still has a group config with
// --clean-all.
func (m *Manager) cleanup() ([]string, error) {
	log := m.logger()
	certsDir := m.Deploy.CertsDir
	keep := max(m.Opts.CleanKeep, 1)

	targets := m.Opts.Groups
	if m.Opts.CleanAll {
		found, err := certstore.Discover(certsDir, m.Conf.ConfDir)
		if err != nil {
			return nil, err
		}
		targets = targets[:0:0]
		for _, gs := range found {
			targets = append(targets, config.GroupServices{Group: gs.Group, Services: gs.Services})
		}
	}

	var removed []string
	var errs []error
	for _, gs := range targets {
		for _, svc := range gs.Services {
			if _, err := os.Stat(filepath.Join(certsDir, gs.Group, svc)); err != nil {
				continue
			}
			if m.Opts.Debug {
				log.Info("debug: not cleaning", zap.String("group", gs.Group), zap.String("service", svc))
				continue
			}
			store, err := certstore.Open(certsDir, gs.Group, svc)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			gone, _, err := store.Clean(keep)
			removed = append(removed, gone...)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(removed) > 0 {
		log.Info("cleaned old generations", zap.Int("removed", len(removed)), zap.Int("keep", keep))
	}
	return removed, errors.Join(errs...)
}

// finish records the outcome in metrics and mails the report of a failed
// run.
func (m *Manager) finish(ctx context.Context, rep *Report, err error) {
	log := m.logger()
	ok := err == nil
	if m.Metrics != nil {
		m.Metrics.Finish(ok, rep.Finished)
		if werr := m.Metrics.WriteTextfile(m.Conf.MetricsTextfile); werr != nil {
			log.Warn("metrics textfile", zap.Error(werr))
		}
	}
	if ok {
		log.Info("run done", zap.Strings("groups", rep.Completed), zap.Duration("took", rep.Finished.Sub(rep.Started)))
		return
	}
	if m.Notifier == nil {
		return
	}
	msg := email.FailureMessage(m.Conf.Notify.EmailTo, email.RunReport{
		Started:      rep.Started,
		Finished:     rep.Finished,
		FailedGroups: rep.FailedGroups,
		Errors:       rep.Errors,
	})
	if nerr := m.Notifier.Send(context.WithoutCancel(ctx), msg); nerr != nil {
		log.Warn("failure notification not sent", zap.Error(nerr))
	}
}
