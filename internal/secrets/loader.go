package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// EnvLoader reads each name from the environment variable prefix+NAME.
// Unset variables are omitted.
func EnvLoader(prefix string, names ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(names))
		for _, n := range names {
			if v := os.Getenv(prefix + strings.ToUpper(n)); v != "" {
				vals[n] = v
			}
		}
		return vals, nil
	}
}

// DirLoader reads each name from the file dir/name, as mounted by Docker or
// Kubernetes secrets. Surrounding whitespace is trimmed and missing files are
// omitted. An empty dir yields no values.
func DirLoader(dir string, names ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(names))
		if dir == "" {
			return vals, nil
		}
		for _, n := range names {
			data, err := os.ReadFile(filepath.Join(dir, n))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read secret %s: %w", n, err)
			}
			if v := strings.TrimSpace(string(data)); v != "" {
				vals[n] = v
			}
		}
		return vals, nil
	}
}

// Merge runs loaders in order; later loaders win on conflicting names.
func Merge(loaders ...Loader) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string)
		for _, l := range loaders {
			vals, err := l()
			if err != nil {
				return nil, err
			}
			for k, v := range vals {
				out[k] = v
			}
		}
		return out, nil
	}
}
