// internal/changes/changes.go
// Package changes records what a run changed, per group and across the
// run, so deployment and server restarts act only on what moved.
package changes

import (
	"slices"
	"sort"
)

// Dependency tags a server class can name in its depends list.
const (
	DependCert = "cert"
	DependTLSA = "tlsa"
	DependDNS  = "dns"
)

// GroupChange is what changed in one group.
type GroupChange struct {
	SvcNames    []string
	CurrChanged bool
	NextChanged bool
	CertChanged bool
	TLSAChanged bool
	DNSChanged  bool
	Depends     map[string]bool
}

// NewGroupChange returns an empty change.
func NewGroupChange() *GroupChange {
	return &GroupChange{Depends: map[string]bool{}}
}

// AddService records that service's certificate changed.
func (g *GroupChange) AddService(name string, curr, next bool) {
	if !slices.Contains(g.SvcNames, name) {
		g.SvcNames = append(g.SvcNames, name)
	}
	g.CurrChanged = g.CurrChanged || curr
	g.NextChanged = g.NextChanged || next
	g.CertChanged = true
	g.depend(DependCert)
}

// SetTLSAChanged records that the group's TLSA file changed, which also
// means DNS must be refreshed.
func (g *GroupChange) SetTLSAChanged() {
	g.TLSAChanged = true
	g.DNSChanged = true
	g.depend(DependTLSA)
	g.depend(DependDNS)
}

// SetDNSChanged records a DNS change with no TLSA change.
func (g *GroupChange) SetDNSChanged() {
	g.DNSChanged = true
	g.depend(DependDNS)
}

// Changed reports whether anything changed.
func (g *GroupChange) Changed() bool {
	return g.CertChanged || g.TLSAChanged || g.DNSChanged
}

// HasService reports whether service changed.
func (g *GroupChange) HasService(name string) bool {
	return slices.Contains(g.SvcNames, name)
}

// DependsOn reports whether any of tags is in Depends.
func (g *GroupChange) DependsOn(tags []string) bool {
	for _, t := range tags {
		if g.Depends[t] {
			return true
		}
	}
	return false
}

// DependList returns Depends sorted.
func (g *GroupChange) DependList() []string {
	out := make([]string, 0, len(g.Depends))
	for t := range g.Depends {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (g *GroupChange) depend(tag string) {
	if g.Depends == nil {
		g.Depends = map[string]bool{}
	}
	g.Depends[tag] = true
}

// GroupChanges folds every group's change into Any.
type GroupChanges struct {
	Groups     map[string]*GroupChange
	Order      []string
	Any        *GroupChange
	DNSDomains []string
}

// New returns an empty run record.
func New() *GroupChanges {
	return &GroupChanges{Groups: map[string]*GroupChange{}, Any: NewGroupChange()}
}

// Add records group's change. Flags are OR'ed into Any and depends are
// unioned. The group is listed in DNSDomains only when its own DNS changed.
func (c *GroupChanges) Add(group string, gc *GroupChange) {
	if gc == nil {
		return
	}
	if _, ok := c.Groups[group]; !ok {
		c.Order = append(c.Order, group)
	}
	c.Groups[group] = gc

	a := c.Any
	a.CurrChanged = a.CurrChanged || gc.CurrChanged
	a.NextChanged = a.NextChanged || gc.NextChanged
	a.CertChanged = a.CertChanged || gc.CertChanged
	a.TLSAChanged = a.TLSAChanged || gc.TLSAChanged
	a.DNSChanged = a.DNSChanged || gc.DNSChanged
	for t := range gc.Depends {
		a.depend(t)
	}
	if gc.DNSChanged && !slices.Contains(c.DNSDomains, group) {
		c.DNSDomains = append(c.DNSDomains, group)
	}
}

// Get returns the change for group, or nil.
func (c *GroupChanges) Get(group string) *GroupChange {
	return c.Groups[group]
}
