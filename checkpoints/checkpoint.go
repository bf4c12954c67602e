package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"digitforge/layers"
	"digitforge/tensor"
)

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving and loading model checkpoints as JSON
type CheckpointSaver struct{}

// NewCheckpointSaver creates a new checkpoint saver
func NewCheckpointSaver() *CheckpointSaver {
	return &CheckpointSaver{}
}

// SaveCheckpoint saves a complete model checkpoint to the given path
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "digitforge"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

// LoadCheckpoint loads a model checkpoint from the given path
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}

// SaveStep writes a checkpoint into dir under the conventional
// checkpoint-<step>.json name, creating dir if needed.
func (cs *CheckpointSaver) SaveStep(checkpoint *Checkpoint, dir string, step int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("checkpoint-%d.json", step))
	if err := cs.SaveCheckpoint(checkpoint, path); err != nil {
		return "", err
	}
	return path, nil
}

var checkpointNamePattern = regexp.MustCompile(`^checkpoint-(\d+)\.json$`)

// LatestCheckpoint scans dir for checkpoint-<step>.json files and returns the
// path of the one with the highest step. It returns an empty path and nil
// error when the directory holds no checkpoints or doesn't exist.
func LatestCheckpoint(dir string) (string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("failed to read checkpoint directory: %v", err)
	}

	type candidate struct {
		name string
		step int
	}
	var found []candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := checkpointNamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		step, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, candidate{name: entry.Name(), step: step})
	}

	if len(found) == 0 {
		return "", 0, nil
	}

	sort.Slice(found, func(i, j int) bool { return found[i].step < found[j].step })
	latest := found[len(found)-1]
	return filepath.Join(dir, latest.name), latest.step, nil
}

// ExtractWeights converts the engine's parameter tensors into named weight
// records, walking the model spec so each tensor is attributed to its layer.
func ExtractWeights(params []*tensor.Tensor, modelSpec *layers.ModelSpec) ([]WeightTensor, error) {
	if modelSpec == nil || !modelSpec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled before weight extraction")
	}

	var weights []WeightTensor
	paramIndex := 0

	for _, layerSpec := range modelSpec.Layers {
		switch layerSpec.Type {
		case layers.Dense, layers.Conv2D:
			if paramIndex >= len(params) {
				return nil, fmt.Errorf("insufficient tensors for layer %s", layerSpec.Name)
			}

			weightTensor := params[paramIndex]
			weightData, err := weightTensor.Float32s()
			if err != nil {
				return nil, fmt.Errorf("failed to extract weight data for layer %s: %v", layerSpec.Name, err)
			}

			weights = append(weights, WeightTensor{
				Name:  fmt.Sprintf("%s.weight", layerSpec.Name),
				Shape: append([]int(nil), weightTensor.Shape...),
				Data:  append([]float32(nil), weightData...),
				Layer: layerSpec.Name,
				Type:  "weight",
			})
			paramIndex++

			if layers.GetBoolParam(layerSpec.Parameters, "use_bias", true) {
				if paramIndex >= len(params) {
					return nil, fmt.Errorf("insufficient tensors for layer bias %s", layerSpec.Name)
				}

				biasTensor := params[paramIndex]
				biasData, err := biasTensor.Float32s()
				if err != nil {
					return nil, fmt.Errorf("failed to extract bias data for layer %s: %v", layerSpec.Name, err)
				}

				weights = append(weights, WeightTensor{
					Name:  fmt.Sprintf("%s.bias", layerSpec.Name),
					Shape: append([]int(nil), biasTensor.Shape...),
					Data:  append([]float32(nil), biasData...),
					Layer: layerSpec.Name,
					Type:  "bias",
				})
				paramIndex++
			}

		default:
			// Activation, pooling, flatten and dropout layers carry no parameters
		}
	}

	if paramIndex != len(params) {
		return nil, fmt.Errorf("parameter count mismatch: extracted %d of %d tensors", paramIndex, len(params))
	}

	return weights, nil
}

// LoadWeights copies checkpoint weight data back into the engine's parameter
// tensors, validating shapes along the way. Tensors must be in the same order
// as they were extracted.
func LoadWeights(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d tensors", len(weights), len(params))
	}

	for i, param := range params {
		weight := weights[i]

		if !tensor.ShapeEquals(param.Shape, weight.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: tensor %v vs weight %v",
				weight.Name, param.Shape, weight.Shape)
		}

		data, err := param.Float32s()
		if err != nil {
			return fmt.Errorf("failed to access tensor data for %s: %v", weight.Name, err)
		}
		if len(weight.Data) != len(data) {
			return fmt.Errorf("data length mismatch for weight %s: %d vs %d",
				weight.Name, len(weight.Data), len(data))
		}
		copy(data, weight.Data)
	}

	return nil
}
