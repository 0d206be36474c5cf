package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Open builds the store named by driver. "memory" keeps events in process;
// every other value goes through DialectFor.
func Open(driver, dsn string) (Store, error) {
	if strings.EqualFold(strings.TrimSpace(driver), "memory") {
		return NewMemoryStore(), nil
	}
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if dialect.Driver == SQLite.Driver && dsn != "" && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("eventlog: create dir for %s: %w", dsn, err)
		}
	}
	return OpenSQL(dialect, dsn)
}
