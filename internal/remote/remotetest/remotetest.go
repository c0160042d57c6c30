// internal/remote/remotetest/remotetest.go
// Package remotetest provides a recording remote.Runner for tests.
package remotetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dalemusser/sslmgr/internal/remote"
)

// Call is one recorded command.
type Call struct {
	Host string
	Argv []string
}

// String renders the call as "host: argv..." ("local" for an empty host).
func (c Call) String() string {
	h := c.Host
	if h == "" {
		h = "local"
	}
	return h + ": " + strings.Join(c.Argv, " ")
}

// Recorder records every command and fails those whose rendered form
// contains one of Fail.
type Recorder struct {
	mu    sync.Mutex
	Calls []Call
	Fail  []string
}

// Run records the call.
func (r *Recorder) Run(_ context.Context, host string, argv []string) (remote.Result, error) {
	c := Call{Host: host, Argv: append([]string(nil), argv...)}
	r.mu.Lock()
	r.Calls = append(r.Calls, c)
	r.mu.Unlock()
	for _, f := range r.Fail {
		if strings.Contains(c.String(), f) {
			return remote.Result{ExitCode: 1}, fmt.Errorf("%w: %s", remote.ErrCommandFailed, c)
		}
	}
	return remote.Result{}, nil
}

// Strings returns the recorded calls rendered with Call.String.
func (r *Recorder) Strings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Calls))
	for i, c := range r.Calls {
		out[i] = c.String()
	}
	return out
}
