package optimizer

import (
	"fmt"

	"digitforge/checkpoints"
	"digitforge/tensor"
)

// SGDOptimizer implements stochastic gradient descent with optional momentum,
// Nesterov acceleration and L2 weight decay. Parameter tensors are updated in
// place.
type SGDOptimizer struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// State
	MomentumBuffers [][]float32 // Velocity per parameter tensor (only if momentum > 0)

	// Step tracking
	StepCount uint64

	params []*tensor.Tensor
}

// SGDConfig holds configuration for the SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer over the given parameter tensors
func NewSGDOptimizer(config SGDConfig, params []*tensor.Tensor) (*SGDOptimizer, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameter tensors provided")
	}

	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	sgd := &SGDOptimizer{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}

	// Only allocate velocity buffers if momentum is used
	if config.Momentum > 0 {
		sgd.MomentumBuffers = make([][]float32, len(params))
		for i, p := range params {
			sgd.MomentumBuffers[i] = make([]float32, p.NumElems)
		}
	}

	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizer) Step(grads []*tensor.Tensor) error {
	if len(grads) != len(sgd.params) {
		return fmt.Errorf("gradient count (%d) doesn't match parameter count (%d)",
			len(grads), len(sgd.params))
	}

	sgd.StepCount++

	for i, param := range sgd.params {
		if !tensor.ShapeEquals(param.Shape, grads[i].Shape) {
			return fmt.Errorf("gradient %d shape %v doesn't match parameter shape %v",
				i, grads[i].Shape, param.Shape)
		}

		w, err := param.Float32s()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		g, err := grads[i].Float32s()
		if err != nil {
			return fmt.Errorf("gradient %d: %v", i, err)
		}

		if sgd.Momentum > 0 {
			v := sgd.MomentumBuffers[i]
			for j := range w {
				grad := g[j] + sgd.WeightDecay*w[j]
				v[j] = sgd.Momentum*v[j] + grad
				if sgd.Nesterov {
					w[j] -= sgd.LearningRate * (grad + sgd.Momentum*v[j])
				} else {
					w[j] -= sgd.LearningRate * v[j]
				}
			}
		} else {
			for j := range w {
				w[j] -= sgd.LearningRate * (g[j] + sgd.WeightDecay*w[j])
			}
		}
	}

	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizer) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizer) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	var stateData []checkpoints.OptimizerTensor

	if sgd.Momentum > 0 {
		for i, v := range sgd.MomentumBuffers {
			stateData = append(stateData,
				stateTensor(v, sgd.params[i].Shape, fmt.Sprintf("momentum_%d", i), "momentum"))
		}
	}

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	for _, st := range state.StateData {
		if st.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(sgd.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", st.Name)
		}
		if sgd.MomentumBuffers == nil {
			return fmt.Errorf("momentum buffer %d not allocated", idx)
		}
		if err := restoreStateSlice(sgd.MomentumBuffers[idx], st.Data, st.Name); err != nil {
			return err
		}
	}

	return nil
}
