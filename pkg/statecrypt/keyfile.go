package statecrypt

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const keyMaterialSize = 32

// LoadOrCreateKeyMaterial reads raw key material from path. If the file
// does not exist, fresh random material is generated and written with
// owner-only permissions.
func LoadOrCreateKeyMaterial(path string) ([]byte, error) {
	body, err := os.ReadFile(filepath.Clean(path))
	if err == nil {
		material, decodeErr := hex.DecodeString(string(body))
		if decodeErr != nil || len(material) == 0 {
			return nil, fmt.Errorf("key file %s is not valid hex", path)
		}

		return material, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}

	material := make([]byte, keyMaterialSize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(hex.EncodeToString(material)), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file %s: %w", path, err)
	}

	return material, nil
}
