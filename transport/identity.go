package transport

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadDeviceID returns the install's device id, generating and
// persisting one on first use. The id must survive restarts and
// reconnects so the swarm keeps recognising the device.
func LoadDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
