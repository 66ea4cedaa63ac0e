package pipeline

import "github.com/factlog/factlog/pkg/types"

// DefaultNamespaceOwners reserves the platform namespaces for their own sources.
var DefaultNamespaceOwners = map[string]string{
	"system":  "system",
	"mcp":     "mcp",
	"quality": "quality",
}

// NamespacePolicy admits an event only if its action's namespace is unowned or the
// event's source is the owner.
type NamespacePolicy struct {
	owners map[string]string
}

// NewNamespacePolicy copies owners; nil means DefaultNamespaceOwners.
func NewNamespacePolicy(owners map[string]string) *NamespacePolicy {
	if owners == nil {
		owners = DefaultNamespaceOwners
	}
	cp := make(map[string]string, len(owners))
	for k, v := range owners {
		cp[k] = v
	}
	return &NamespacePolicy{owners: cp}
}

// Admit reports whether ev may enter the view.
func (p *NamespacePolicy) Admit(ev *types.Event) bool {
	owner, reserved := p.owners[ev.Namespace()]
	return !reserved || ev.Source == owner
}
