package staging

import (
	"fmt"
	"log"
	"os"
	"strconv"
)

// NewStoreFromEnv creates the staging store selected by PE_STORAGE_TYPE:
// "sqlite" (persistent, PE_STORAGE_SQLITE_PATH) or "memory" (default).
func NewStoreFromEnv() (Store, error) {
	storageType := os.Getenv("PE_STORAGE_TYPE")

	switch storageType {
	case "sqlite":
		dbPath := os.Getenv("PE_STORAGE_SQLITE_PATH")
		if dbPath == "" {
			dbPath = "proethica.db"
		}
		timeoutMs := 5000
		if v := os.Getenv("PE_STORAGE_SQLITE_TIMEOUT_MS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				timeoutMs = n
			}
		}
		return NewSQLiteStore(dbPath, timeoutMs)
	case "memory", "":
		log.Printf("Using in-memory staging store")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}

// CloseStore releases backend resources when the store holds any.
func CloseStore(store Store) error {
	if closer, ok := store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
