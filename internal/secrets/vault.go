// Package secrets keeps credentials sealed at rest and out of logs: a
// secretbox Sealer for persisted OAuth tokens and an in-memory Vault for
// runtime secrets such as provider client secrets.
package secrets

import (
	"fmt"
	"strings"
	"sync"
)

// Loader fetches the current secret set from wherever it lives (env
// vars, a file, an external vault).
type Loader func() (map[string]string, error)

// Vault holds loaded secrets and supports atomic reload. Reads never see
// a partially applied reload.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault runs the loader once and returns a vault over the result.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, empty when unknown.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Keys lists the names of all loaded secrets, in no particular order.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	return keys
}

// Reload re-runs the loader and swaps the full secret set in one step.
// On loader error the previous values stay in place.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}

// Redacted returns a loggable preview of the secret: the first two
// characters plus a mask, or the mask alone for short values. Unknown
// keys yield an empty string.
func (v *Vault) Redacted(key string) string {
	v.mu.RLock()
	val := v.values[key]
	v.mu.RUnlock()
	return mask(val)
}

// RedactString masks every known secret value occurring in s. Values
// shorter than four characters are skipped so ordinary words are not
// mangled.
func (v *Vault) RedactString(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, val := range v.values {
		if len(val) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, val, mask(val))
	}
	return s
}

func mask(val string) string {
	switch {
	case val == "":
		return ""
	case len(val) <= 4:
		return "****"
	default:
		return val[:2] + "****"
	}
}
