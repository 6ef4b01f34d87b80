package txdefer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the file representation of a Coordinator setup.
//
//	transaction:
//	  whitelist:
//	    - SendWelcomeEmail
//	    - github.com/acme/billing.InvoicePaid
//	log:
//	  level: debug
//	  format: console
//	  output_file: stderr
type Config struct {
	Transaction TransactionConfig `yaml:"transaction"`
	Log         LogConfig         `yaml:"log"`
}

// TransactionConfig holds the deferral settings.
type TransactionConfig struct {
	// Whitelist lists identifiers whose handlers never wait for a commit.
	Whitelist []string `yaml:"whitelist"`
}

// LogConfig holds the logger settings.
type LogConfig struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	return ParseConfig(f)
}

// ParseConfig decodes a YAML configuration. An empty document yields the zero Config.
func ParseConfig(r io.Reader) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	for i, id := range cfg.Transaction.Whitelist {
		id = strings.TrimSpace(id)
		if id == "" {
			return Config{}, fmt.Errorf("transaction.whitelist[%d]: identifier cannot be empty", i)
		}
		cfg.Transaction.Whitelist[i] = id
	}

	return cfg, nil
}

// Options returns the Coordinator options described by cfg, including a logger
// built from the log section.
func (cfg Config) Options() ([]Option, error) {
	logger, err := cfg.Log.Build()
	if err != nil {
		return nil, err
	}

	return []Option{
		WithWhitelist(cfg.Transaction.Whitelist...),
		WithLogger(logger),
	}, nil
}

// Build creates a zap.Logger from the settings. Unknown levels fall back to info.
func (cfg LogConfig) Build() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	sink, err := writeSyncer(cfg.OutputFile)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	return zap.New(zapcore.NewCore(encoder, sink, level), zap.AddCaller()).
		With(zap.String("component", "txdefer")), nil
}

func writeSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
