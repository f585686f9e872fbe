package auth

import (
	"encoding/json"
	"fmt"
	"strings"
)

var knownScopes = map[string]struct{}{
	ScopeRead:   {},
	ScopeWrite:  {},
	ScopeDelete: {},
	ScopeAdmin:  {},
}

// TokenEntry is one element of the configured token file:
// {token, subject, kind, scopes, namespaces}. namespaces accepts either the
// string "*" or an array of names.
type TokenEntry struct {
	Token      string        `json:"token"`
	Subject    string        `json:"subject"`
	Kind       string        `json:"kind,omitempty"`
	Scopes     []string      `json:"scopes"`
	Namespaces NamespaceList `json:"namespaces"`
}

// NamespaceList unmarshals "*" | ["a","b"] into a flat list, with "*" kept as
// a literal entry.
type NamespaceList []string

func (n *NamespaceList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*n = NamespaceList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("namespaces must be \"*\" or an array of strings")
	}
	*n = NamespaceList(many)
	return nil
}

// ParseTokens decodes and validates a token file payload.
func ParseTokens(data []byte) ([]TokenEntry, error) {
	var entries []TokenEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse tokens: %w", err)
	}

	for i := range entries {
		entry := &entries[i]
		if strings.TrimSpace(entry.Token) == "" {
			return nil, fmt.Errorf("tokens[%d]: token must not be empty", i)
		}
		if strings.TrimSpace(entry.Subject) == "" {
			return nil, fmt.Errorf("tokens[%d]: subject must not be empty", i)
		}
		switch entry.Kind {
		case "", KindUser, KindService:
		default:
			return nil, fmt.Errorf("tokens[%d]: unknown kind %q", i, entry.Kind)
		}
		for _, scope := range entry.Scopes {
			if _, ok := knownScopes[scope]; !ok {
				return nil, fmt.Errorf("tokens[%d]: unknown scope %q", i, scope)
			}
		}
	}

	return entries, nil
}

// Index maps bearer tokens to identities. Immutable once built; reloads swap
// the whole index.
type Index struct {
	byToken map[string]*Identity
}

// BuildIndex constructs an index from parsed entries. Duplicate tokens are an error.
func BuildIndex(entries []TokenEntry) (*Index, error) {
	ix := &Index{byToken: make(map[string]*Identity, len(entries))}
	for i, entry := range entries {
		if _, exists := ix.byToken[entry.Token]; exists {
			return nil, fmt.Errorf("tokens[%d]: duplicate token for subject %q", i, entry.Subject)
		}
		ix.byToken[entry.Token] = NewIdentity(entry.Subject, entry.Kind, entry.Scopes, entry.Namespaces)
	}
	return ix, nil
}

// Lookup resolves a bearer token.
func (ix *Index) Lookup(token string) (*Identity, bool) {
	id, ok := ix.byToken[token]
	return id, ok
}

// Len reports the number of registered tokens.
func (ix *Index) Len() int {
	return len(ix.byToken)
}
