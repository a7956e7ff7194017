package secrets

import "os"

// EnvLoader builds a Loader over a fixed set of environment variables.
// Unset or empty variables are left out of the result, so Vault.Get
// distinguishes "not provided" from an empty secret. Used in cmd/lattice
// for LATTICE_OAUTH_SECRET_* provider overrides.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}
