package sandbox

import (
	"sort"

	"github.com/dop251/goja"
)

var deniedGlobals = map[string]string{
	"eval":           "dynamic code evaluation is disabled",
	"Function":       "dynamic code evaluation is disabled",
	"setTimeout":     "timers are not available",
	"setInterval":    "timers are not available",
	"setImmediate":   "timers are not available",
	"clearTimeout":   "timers are not available",
	"clearInterval":  "timers are not available",
	"queueMicrotask": "timers are not available",
	"require":        "module loading is not available",
	"process":        "host internals are not reachable",
	"global":         "host internals are not reachable",
}

func denyReason(name string) string {
	if r, ok := deniedGlobals[name]; ok {
		return r
	}
	return "not on the capability allow-list"
}

// globalGuard sits at the end of the global object's prototype chain, so it
// only sees lookups of names that were never installed.
type globalGuard struct {
	s       *Sandbox
	inherit map[string]bool
}

func (g *globalGuard) Get(key string) goja.Value {
	if g.s.hostAccess || g.inherit[key] {
		return nil
	}
	g.s.deny(key, "read", denyReason(key))
	return goja.Undefined()
}

func (g *globalGuard) Set(key string, _ goja.Value) bool {
	if !g.s.hostAccess {
		g.s.deny(key, "write", "guest code cannot create globals")
	}
	return false
}

func (g *globalGuard) Has(string) bool    { return false }
func (g *globalGuard) Delete(string) bool { return true }
func (g *globalGuard) Keys() []string     { return nil }

// namespace is the guest view of one capability namespace. Only installed
// members exist; every other member name is a violation.
type namespace struct {
	s       *Sandbox
	name    string
	inherit map[string]bool
	members map[string]goja.Value
}

func (n *namespace) Get(key string) goja.Value {
	if v, ok := n.members[key]; ok {
		return v
	}
	if n.s.hostAccess || n.inherit[key] {
		return nil
	}
	n.s.deny(n.name+"."+key, "read", "not on the capability allow-list")
	return goja.Undefined()
}

func (n *namespace) Set(key string, _ goja.Value) bool {
	if !n.s.hostAccess {
		n.s.deny(n.name+"."+key, "write", "capability namespaces are read-only")
	}
	return false
}

func (n *namespace) Has(key string) bool {
	_, ok := n.members[key]
	return ok
}

func (n *namespace) Delete(string) bool { return false }

func (n *namespace) Keys() []string {
	keys := make([]string, 0, len(n.members))
	for k := range n.members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
