package sqlite

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// parseDSN turns a sqlite:// URL into the path form the driver expects.
// Relative paths are anchored at the working directory.
func parseDSN(dsn string) (string, error) {
	if !strings.HasPrefix(dsn, "sqlite://") {
		return "", fmt.Errorf("invalid sqlite DSN scheme, expected sqlite://")
	}

	rest := strings.TrimPrefix(dsn, "sqlite://")
	if rest == "" {
		return "", fmt.Errorf("sqlite DSN has no path")
	}

	if rest == ":memory:" {
		return ":memory:", nil
	}

	path, query, hasQuery := strings.Cut(rest, "?")
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("unescaping path: %w", err)
	}
	path = unescaped

	if !filepath.IsAbs(path) && !strings.HasPrefix(path, "./") {
		path = "./" + path
	}
	if hasQuery {
		return path + "?" + query, nil
	}
	return path, nil
}

// withTxLock makes every transaction take the write lock when it begins.
func withTxLock(driverDSN string) string {
	if driverDSN == ":memory:" || strings.Contains(driverDSN, "_txlock=") {
		return driverDSN
	}
	if strings.Contains(driverDSN, "?") {
		return driverDSN + "&_txlock=immediate"
	}
	return driverDSN + "?_txlock=immediate"
}
