package database

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Database is a JSON-file backed key-value store. Keys are grouped into
// namespaces, each persisted as its own file. Every mutation rewrites the
// namespace file through a temp file and rename, so readers on disk see
// either the old or the new contents.
type Database struct {
	mu      sync.RWMutex
	dataDir string
	cache   map[string]map[string]interface{} // namespace -> key -> value
}

// New opens the database in dataDir, loading any existing namespaces.
func New(dataDir string) (*Database, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db := &Database{
		dataDir: dataDir,
		cache:   make(map[string]map[string]interface{}),
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("reading database directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		namespace := strings.TrimSuffix(entry.Name(), ".json")
		if err := db.loadNamespace(namespace); err != nil {
			// A corrupt namespace is recreated on the next write.
			log.Printf("Warning: failed to load namespace %s: %v", namespace, err)
		}
	}

	return db, nil
}

func (db *Database) path(namespace string) string {
	return filepath.Join(db.dataDir, namespace+".json")
}

func (db *Database) loadNamespace(namespace string) error {
	data, err := os.ReadFile(db.path(namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var ns map[string]interface{}
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}

	db.cache[namespace] = ns
	return nil
}

// saveNamespace atomically replaces the namespace file.
func (db *Database) saveNamespace(namespace string) error {
	ns, ok := db.cache[namespace]
	if !ok {
		return nil
	}

	data, err := json.MarshalIndent(ns, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding namespace %s: %w", namespace, err)
	}

	tmp, err := os.CreateTemp(db.dataDir, "."+namespace+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing namespace %s: %w", namespace, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing namespace %s: %w", namespace, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing namespace %s: %w", namespace, err)
	}
	if err := os.Rename(tmpName, db.path(namespace)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing namespace %s: %w", namespace, err)
	}
	return nil
}

// GetItem retrieves a value by namespace and key.
func (db *Database) GetItem(namespace, key string) (interface{}, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	ns, ok := db.cache[namespace]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	return v, ok
}

// GetString retrieves a string value.
func (db *Database) GetString(namespace, key string) (string, bool) {
	v, ok := db.GetItem(namespace, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// SetItem stores a value and persists the namespace.
func (db *Database) SetItem(namespace, key string, value interface{}) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	ns, ok := db.cache[namespace]
	if !ok {
		ns = make(map[string]interface{})
		db.cache[namespace] = ns
	}

	prev, existed := ns[key]
	ns[key] = value
	if err := db.saveNamespace(namespace); err != nil {
		// Keep the cache consistent with what is on disk.
		if existed {
			ns[key] = prev
		} else {
			delete(ns, key)
		}
		return err
	}
	return nil
}

// DeleteItem removes a value and persists the namespace.
func (db *Database) DeleteItem(namespace, key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	ns, ok := db.cache[namespace]
	if !ok {
		return nil
	}
	prev, existed := ns[key]
	if !existed {
		return nil
	}

	delete(ns, key)
	if err := db.saveNamespace(namespace); err != nil {
		ns[key] = prev
		return err
	}
	return nil
}
