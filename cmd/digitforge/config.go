package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"digitforge/training"
)

// Config is the top-level run configuration, loaded from a TOML file with
// optional flag overrides.
type Config struct {
	Mode      string `toml:"mode"`
	DataDir   string `toml:"data_dir"`
	OutputDir string `toml:"output_dir"`

	Model ModelConfig `toml:"model"`
	Train TrainConfig `toml:"training"`
}

// ModelConfig selects and parameterizes the model architecture
type ModelConfig struct {
	// Kind is "cnn" for the convolutional model or "dnn" for the
	// fully-connected classifier
	Kind        string `toml:"kind"`
	HiddenUnits []int  `toml:"hidden_units"` // Hidden layer widths for the dnn model
	Seed        int64  `toml:"seed"`         // Weight initialization seed
}

// TrainConfig parameterizes the training loop
type TrainConfig struct {
	Epochs          int     `toml:"epochs"`
	BatchSize       int     `toml:"batch_size"`
	Shuffle         bool    `toml:"shuffle"` // Reshuffle the training set each epoch
	LearningRate    float64 `toml:"learning_rate"`
	Optimizer       string  `toml:"optimizer"` // "adam" or "sgd"
	Momentum        float64 `toml:"momentum"`  // SGD only
	Scheduler       string  `toml:"scheduler"` // "constant", "step" or "cosine"
	Seed            int64   `toml:"seed"`
	CheckpointEvery int     `toml:"checkpoint_every"`
	ValidateEvery   int     `toml:"validate_every"` // Epochs between validation passes
	LogEvery        int     `toml:"log_every"`

	// Each architecture checkpoints into its own directory so the two
	// models never clobber each other
	DNNCheckpointDir string `toml:"dnn_checkpoint_dir"`
	CNNCheckpointDir string `toml:"cnn_checkpoint_dir"`
}

// DefaultConfig returns a runnable configuration
func DefaultConfig() Config {
	return Config{
		Mode:      "train",
		DataDir:   "data/mnist",
		OutputDir: "out",
		Model: ModelConfig{
			Kind:        "cnn",
			HiddenUnits: []int{256, 32},
			Seed:        1,
		},
		Train: TrainConfig{
			Epochs:           2,
			BatchSize:        100,
			Shuffle:          true,
			LearningRate:     0.001,
			Optimizer:        "adam",
			Momentum:         0.9,
			Scheduler:        "constant",
			Seed:             1,
			CheckpointEvery:  200,
			ValidateEvery:    1,
			LogEvery:         50,
			DNNCheckpointDir: "out/checkpoints-dnn",
			CNNCheckpointDir: "out/checkpoints-cnn",
		},
	}
}

// LoadConfig reads a TOML configuration file over the defaults
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return config, fmt.Errorf("failed to load config %s: %v", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}
	return config, nil
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if _, err := training.ParseMode(c.Mode); err != nil {
		return err
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir cannot be empty")
	}

	switch c.Model.Kind {
	case "cnn":
	case "dnn":
		if len(c.Model.HiddenUnits) == 0 {
			return fmt.Errorf("dnn model requires hidden_units")
		}
	default:
		return fmt.Errorf("unknown model kind %q: must be cnn or dnn", c.Model.Kind)
	}

	if c.Train.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Train.Epochs)
	}
	if c.Train.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.Train.BatchSize)
	}
	if c.Train.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %f", c.Train.LearningRate)
	}
	if c.Train.ValidateEvery < 0 {
		return fmt.Errorf("validate_every cannot be negative, got %d", c.Train.ValidateEvery)
	}

	switch c.Train.Optimizer {
	case "adam", "sgd":
	default:
		return fmt.Errorf("unknown optimizer %q: must be adam or sgd", c.Train.Optimizer)
	}

	switch c.Train.Scheduler {
	case "constant", "step", "cosine":
	default:
		return fmt.Errorf("unknown scheduler %q: must be constant, step, or cosine", c.Train.Scheduler)
	}

	if c.CheckpointDir() == "" {
		return fmt.Errorf("checkpoint directory for model kind %q cannot be empty", c.Model.Kind)
	}

	return nil
}

// CheckpointDir returns the checkpoint directory for the configured model
func (c *Config) CheckpointDir() string {
	if c.Model.Kind == "dnn" {
		return c.Train.DNNCheckpointDir
	}
	return c.Train.CNNCheckpointDir
}
