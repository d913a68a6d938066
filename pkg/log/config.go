package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// Config declares how a process logger is assembled.
type Config struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	// Outputs lists "console", "null", or file paths.
	Outputs          []string `yaml:"outputs" json:"outputs"`
	FileMaxSizeMB    int      `yaml:"fileMaxSizeMB" json:"fileMaxSizeMB"`
	FileMaxBackups   int      `yaml:"fileMaxBackups" json:"fileMaxBackups"`
	RedactKeys       []string `yaml:"redactKeys" json:"redactKeys"`
	SampleInitial    int      `yaml:"sampleInitial" json:"sampleInitial"`
	SampleThereafter int      `yaml:"sampleThereafter" json:"sampleThereafter"`
	ShowCaller       bool     `yaml:"showCaller" json:"showCaller"`
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := []LoggerOption{WithLevel(level)}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		opts = append(opts, WithFormatter(&TextFormatter{ShowCaller: cfg.ShowCaller}))
	case "json":
		opts = append(opts, WithFormatter(&JSONFormatter{ShowCaller: cfg.ShowCaller}))
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	for _, out := range cfg.Outputs {
		switch out {
		case "", "console", "-":
			opts = append(opts, WithOutput(NewConsoleOutput()))
		case "null":
			opts = append(opts, WithOutput(NullOutput{}))
		default:
			size := cfg.FileMaxSizeMB
			if size <= 0 {
				size = 100
			}
			opts = append(opts, WithOutput(NewFileOutput(out, size, cfg.FileMaxBackups)))
		}
	}
	l := NewLogger(opts...).(*BaseLogger)
	h := newBridgeHandler(l).withRedactions(cfg.RedactKeys).withSampler(cfg.SampleInitial, cfg.SampleThereafter)
	l.slogLogger = slog.New(h)
	return l, nil
}
