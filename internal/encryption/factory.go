package encryption

import (
	"fmt"

	"dv-go/internal/config"
	"dv-go/internal/dv"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration
// type. Type "none" returns a nil Encryptor: archives are stored plain.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (dv.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewStubEncryptor(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
