package db

import (
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var db *bolt.DB

// InitDB opens the bolt database in the configuration directory.
func InitDB(confDir string) error {
	d, err := bolt.Open(filepath.Join(confDir, "bolt.db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	db = d
	return nil
}

func DB() *bolt.DB {
	return db
}

func Close() error {
	if db == nil {
		return nil
	}
	err := db.Close()
	db = nil
	return err
}
