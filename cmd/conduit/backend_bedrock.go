//go:build bedrock

package main

import (
	"log/slog"

	"conduit/internal/adapter/backend"
	"conduit/internal/domain"
	"conduit/internal/infra/config"
)

func createBedrockBackend(bc config.BackendConfig, log *slog.Logger) (domain.Backend, error) {
	b, err := backend.NewBedrockBackend(bc, log)
	if err != nil {
		return nil, err
	}
	return b, nil
}
