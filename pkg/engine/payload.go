package engine

// BuildPayload serializes cfg for delivery, unsealing the source credentials and
// every encrypted variable. Plaintext only lives in the returned payload.
func BuildPayload(cfg *Configuration, sealer Sealer) (*ConfigPayload, error) {
	payload := &ConfigPayload{
		ConfigurationID: cfg.ID,
		Name:            cfg.Name,
		SourceURL:       cfg.SourceURL,
		Reference:       cfg.Reference,
		Ports:           append([]int(nil), cfg.Ports...),
		PreviewURL:      cfg.PreviewURL,
	}

	if cfg.SealedCredentials != "" {
		plain, err := sealer.Open(cfg.SealedCredentials)
		if err != nil {
			return nil, NewDecryptError("source credentials", err).WithResource(cfg.ID)
		}
		payload.Credentials = string(plain)
	}

	if len(cfg.Variables) > 0 {
		payload.Variables = make(map[string]string, len(cfg.Variables))
		for _, v := range cfg.Variables {
			if !v.Encrypted {
				payload.Variables[v.Key] = v.Value
				continue
			}
			plain, err := sealer.Open(v.Value)
			if err != nil {
				return nil, NewDecryptError("variable "+v.Key, err).WithResource(cfg.ID)
			}
			payload.Variables[v.Key] = string(plain)
		}
	}

	return payload, nil
}

// SealConfiguration encrypts the plaintext secrets of cfg in place: the source
// credentials and every variable flagged Encrypted.
func SealConfiguration(cfg *Configuration, credentials string, sealer Sealer) error {
	if credentials != "" {
		sealed, err := sealer.Seal([]byte(credentials))
		if err != nil {
			return NewPermanentError("failed to seal source credentials", err).WithCode(ErrCodeInternal)
		}
		cfg.SealedCredentials = sealed
	}
	for i := range cfg.Variables {
		v := &cfg.Variables[i]
		if !v.Encrypted {
			continue
		}
		sealed, err := sealer.Seal([]byte(v.Value))
		if err != nil {
			return NewPermanentError("failed to seal variable "+v.Key, err).WithCode(ErrCodeInternal)
		}
		v.Value = sealed
	}
	return nil
}
