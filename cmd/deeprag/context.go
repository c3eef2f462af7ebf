package main

import (
	"context"

	"deeprag/internal/platform/config"
)

type configKey struct{}

func withConfig(ctx context.Context, cfg *config.AppConfig) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) *config.AppConfig {
	if cfg, ok := ctx.Value(configKey{}).(*config.AppConfig); ok {
		return cfg
	}
	return config.Default()
}
