package opstate

import "context"

const (
	personaNamespace = "persona"
	defaultKey       = "default"
)

// DefaultPersona returns the persisted default persona key, or "" when
// none was saved.
func (s *Store) DefaultPersona(ctx context.Context) (string, error) {
	return s.Get(ctx, personaNamespace, defaultKey)
}

// SaveDefaultPersona records key as the default persona. An empty key
// clears the saved value so the catalog's own default applies again.
func (s *Store) SaveDefaultPersona(ctx context.Context, key string) error {
	if key == "" {
		return s.Delete(ctx, personaNamespace, defaultKey)
	}
	return s.Set(ctx, personaNamespace, defaultKey, key)
}
