package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ModelPath string // path to the HCL model definition file
	Target    string // dotted path of the cells to evaluate, may be empty
	Args      []string

	LogFormat string
	LogLevel  string
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("ModelPath is a required configuration field and cannot be empty")
	}
	if cfg.Target == "" && len(cfg.Args) > 0 {
		return nil, errors.New("arguments were given but no target cells to apply them to")
	}
	return &cfg, nil
}
