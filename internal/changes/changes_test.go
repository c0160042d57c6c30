package changes

import (
	"slices"
	"testing"
)

func TestGroupChange(t *testing.T) {
	g := NewGroupChange()
	if g.Changed() {
		t.Fatal("new change reports changed")
	}

	g.AddService("mail-ec", false, true)
	g.AddService("mail-ec", true, false)
	if len(g.SvcNames) != 1 || !g.HasService("mail-ec") {
		t.Errorf("SvcNames = %v", g.SvcNames)
	}
	if !g.CurrChanged || !g.NextChanged {
		t.Errorf("a later service cleared a flag: curr %v next %v", g.CurrChanged, g.NextChanged)
	}
	if got := g.DependList(); !slices.Equal(got, []string{DependCert}) {
		t.Errorf("depends = %v", got)
	}

	g.SetTLSAChanged()
	if !g.DNSChanged || !g.TLSAChanged {
		t.Errorf("tlsa change did not set dns")
	}
	if got := g.DependList(); !slices.Equal(got, []string{"cert", "dns", "tlsa"}) {
		t.Errorf("depends = %v", got)
	}
	if !g.DependsOn([]string{"web", "tlsa"}) || g.DependsOn([]string{"web"}) {
		t.Errorf("DependsOn wrong")
	}
}

func TestGroupChangesAdd(t *testing.T) {
	c := New()

	a := NewGroupChange()
	a.AddService("web", true, false)
	c.Add("example.com", a)

	b := NewGroupChange()
	b.SetTLSAChanged()
	c.Add("example.net", b)

	c.Add("example.org", NewGroupChange())
	c.Add("skipped", nil)

	if !c.Any.CertChanged || !c.Any.DNSChanged || !c.Any.CurrChanged || c.Any.NextChanged {
		t.Errorf("Any = %+v", c.Any)
	}
	if got := c.Any.DependList(); !slices.Equal(got, []string{"cert", "dns", "tlsa"}) {
		t.Errorf("Any depends = %v", got)
	}
	if !slices.Equal(c.DNSDomains, []string{"example.net"}) {
		t.Errorf("DNSDomains = %v, want only the group whose dns changed", c.DNSDomains)
	}
	if !slices.Equal(c.Order, []string{"example.com", "example.net", "example.org"}) {
		t.Errorf("Order = %v", c.Order)
	}
	if c.Get("example.com") != a || c.Get("none") != nil {
		t.Errorf("Get wrong")
	}
}
