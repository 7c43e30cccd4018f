package db

import (
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// OpenBadger opens the embedded database at path, an empty path keeps it in memory.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	slog.Info("opened badger", "path", path, "in_memory", path == "")
	return db, nil
}
