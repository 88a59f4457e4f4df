//go:build !bedrock

package main

import (
	"fmt"
	"log/slog"

	"conduit/internal/domain"
	"conduit/internal/infra/config"
)

func createBedrockBackend(_ config.BackendConfig, _ *slog.Logger) (domain.Backend, error) {
	return nil, fmt.Errorf("bedrock backend requires build with -tags bedrock")
}
