package config

import (
	"fmt"
)

type StorageType string

const (
	StorageTypeNone   StorageType = "none"   // No persistence
	StorageTypeMemory StorageType = "memory" // In-memory (using BuntDB)
	StorageTypeBuntDB StorageType = "buntdb" // Persistent BuntDB
)

// StorageConfig selects where the in-process broker keeps topic logs and
// durable subscription state. The Redis transport ignores it.
type StorageConfig struct {
	Type StorageType `yaml:"type" split_words:"true"`

	// BuntDB specific config
	BuntDB *BuntDBConfig `yaml:"buntdb" split_words:"true"`
}

type BuntDBConfig struct {
	Path string `yaml:"path" split_words:"true"` // empty or ":memory:" for in-memory
}

// Validate ensures the storage configuration is valid
func (sc StorageConfig) Validate() error {
	switch sc.Type {
	case StorageTypeNone, StorageTypeMemory:
		return nil

	case StorageTypeBuntDB:
		if sc.BuntDB == nil {
			return fmt.Errorf("BuntDB config is required for BuntDB storage type")
		}
		// Path can be empty (defaults to :memory:)
		return nil

	case "":
		return fmt.Errorf("storage type not specified")

	default:
		return fmt.Errorf("unknown storage type: %s", sc.Type)
	}
}
