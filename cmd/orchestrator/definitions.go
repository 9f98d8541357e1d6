package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/definition"
	"github.com/seiforesti/data-wave-sub007/internal/observability"
)

// loadDefinitions reads, validates and installs the workflow type files.
// Types registered in code count as known targets for inverse_type.
func loadDefinitions(dirs []string, registry *definition.Registry, metrics *observability.Metrics, logger *zap.Logger) error {
	defs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		metrics.RecordDefinitionReload("error")
		return fmt.Errorf("definitions: %w", err)
	}

	var known []string
	for _, spec := range registry.Types() {
		if spec.Domain == definition.RuntimeDomain {
			known = append(known, spec.Type)
		}
	}
	if verrs := definition.NewValidator().Validate(defs, known...); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		metrics.RecordDefinitionReload("invalid")
		return fmt.Errorf("definitions: %d validation errors", len(verrs))
	}

	if err := registry.Replace(defs); err != nil {
		metrics.RecordDefinitionReload("error")
		return fmt.Errorf("definitions: %w", err)
	}
	metrics.RecordDefinitionReload("success")
	metrics.SetDefinitionsLoaded(registry.Len())
	logger.Info("workflow definitions loaded",
		zap.Int("files", len(defs)),
		zap.Int("types", registry.Len()),
		zap.String("checksum", registry.Checksum()),
	)
	return nil
}

// watchReload reloads definitions on SIGHUP until ctx is done. A failed
// reload keeps the previous definitions.
func watchReload(ctx context.Context, dirs []string, registry *definition.Registry, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := loadDefinitions(dirs, registry, metrics, logger); err != nil {
				logger.Warn("definition reload failed, keeping current definitions", zap.Error(err))
			}
		}
	}
}
