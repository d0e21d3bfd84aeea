package app

import (
	"context"
	"io"
	"log/slog"

	"github.com/vk/modelgrid/internal/ctxlog"
	"github.com/vk/modelgrid/internal/loader"
	"github.com/vk/modelgrid/internal/model"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle: an isolated logger and the loaded model.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	model  *model.Model
}

// NewApp is the constructor for the main application. It configures an
// isolated logger and loads the model definition file.
func NewApp(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("logger configured")

	m, err := loader.LoadFile(ctx, cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("model loaded", "model", m.Name(), "path", cfg.ModelPath)

	return &App{
		outW:   outW,
		logger: logger,
		model:  m,
	}, nil
}

// Model returns the loaded model. This is primarily for testing.
func (a *App) Model() *model.Model {
	return a.model
}
