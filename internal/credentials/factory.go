package credentials

import (
	"fmt"

	"adoconnect/internal/config"
	"adoconnect/pkg/logging"
)

// NewFromConfig builds the store selected by the credentials section of the
// application config.
func NewFromConfig(cfg config.CredentialsConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		logging.Warn("CredentialStore", "Using in-memory credential store; credentials are lost on exit")
		return NewMemoryStore(), nil
	case "file", "":
		var opts []FileStoreOption
		if cfg.AgeIdentity != "" {
			codec, err := LoadAgeCodec(cfg.AgeIdentity, cfg.AgeRecipient)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithCodec(codec))
			logging.Info("CredentialStore", "Encrypting credentials at rest with age")
		}
		return NewFileStore(cfg.Directory, opts...)
	default:
		return nil, fmt.Errorf("unknown credential backend %q", cfg.Backend)
	}
}
