package auth

import (
	"context"
	"sort"
	"strings"
)

// Scopes understood by the service. ScopeAdmin implies every other scope.
const (
	ScopeRead   = "metastore:read"
	ScopeWrite  = "metastore:write"
	ScopeDelete = "metastore:delete"
	ScopeAdmin  = "metastore:admin"
)

// Identity kinds.
const (
	KindUser    = "user"
	KindService = "service"
)

type ctxKey string

const ctxIdentity ctxKey = "METASTORE_IDENTITY"

// Identity is the resolved caller: a subject with a scope set and a namespace
// allow-list. Synthetic identities come from disabled-auth mode and never
// appear as record actors.
type Identity struct {
	Subject   string
	Kind      string
	Synthetic bool

	scopes        map[string]struct{}
	allNamespaces bool
	namespaces    map[string]struct{}
}

// NewIdentity builds an identity from raw scope and namespace lists.
// Namespaces are compared lowercased; "*" grants access to all of them.
func NewIdentity(subject, kind string, scopes, namespaces []string) *Identity {
	id := &Identity{
		Subject:    subject,
		Kind:       kind,
		scopes:     make(map[string]struct{}, len(scopes)),
		namespaces: make(map[string]struct{}, len(namespaces)),
	}
	if id.Kind == "" {
		id.Kind = KindService
	}
	for _, s := range scopes {
		id.scopes[strings.TrimSpace(s)] = struct{}{}
	}
	for _, ns := range namespaces {
		ns = strings.ToLower(strings.TrimSpace(ns))
		if ns == "*" {
			id.allNamespaces = true
			continue
		}
		if ns != "" {
			id.namespaces[ns] = struct{}{}
		}
	}
	return id
}

// LocalDevIdentity is the synthetic identity injected when auth is disabled.
func LocalDevIdentity() *Identity {
	id := NewIdentity("local-dev", KindUser, []string{ScopeAdmin}, []string{"*"})
	id.Synthetic = true
	return id
}

// HasScope reports whether the identity holds the scope; admin implies all.
func (id *Identity) HasScope(scope string) bool {
	if _, ok := id.scopes[ScopeAdmin]; ok {
		return true
	}
	_, ok := id.scopes[scope]
	return ok
}

// HasScopes reports whether every listed scope is held.
func (id *Identity) HasScopes(scopes ...string) bool {
	for _, s := range scopes {
		if !id.HasScope(s) {
			return false
		}
	}
	return true
}

// NamespaceAllowed reports whether the identity may touch the namespace.
func (id *Identity) NamespaceAllowed(namespace string) bool {
	if id.allNamespaces {
		return true
	}
	_, ok := id.namespaces[strings.ToLower(namespace)]
	return ok
}

// AllNamespaces reports whether the identity holds the wildcard grant.
func (id *Identity) AllNamespaces() bool {
	return id.allNamespaces
}

// NamespaceList returns the explicit allow-list, sorted. Empty for wildcard grants.
func (id *Identity) NamespaceList() []string {
	out := make([]string, 0, len(id.namespaces))
	for ns := range id.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Scopes returns the held scopes, sorted.
func (id *Identity) Scopes() []string {
	out := make([]string, 0, len(id.scopes))
	for s := range id.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Actor returns the subject to record on mutations, nil for synthetic identities.
func (id *Identity) Actor() *string {
	if id == nil || id.Synthetic {
		return nil
	}
	subject := id.Subject
	return &subject
}

// WithIdentity stores the identity on the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

// IdentityFromContext retrieves the identity placed by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	v := ctx.Value(ctxIdentity)
	if v == nil {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}
