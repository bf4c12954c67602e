package training

import (
	"fmt"

	"digitforge/checkpoints"
	"digitforge/engine"
	"digitforge/optimizer"
	"digitforge/tensor"
)

// TrainerConfig controls the training loop
type TrainerConfig struct {
	Epochs          int     // Number of passes over the training set
	BatchSize       int     // Samples per optimization step
	Shuffle         bool    // Reshuffle the training set each epoch
	LearningRate    float32 // Base learning rate handed to the optimizer
	Seed            int64   // Shuffle seed for reproducible epochs
	CheckpointDir   string  // Where to write checkpoint-<step>.json files; empty disables checkpointing
	CheckpointEvery int     // Steps between checkpoints (0 saves only at the end)
	ValidateEvery   int     // Epochs between validation passes (0 validates every epoch)
	LogEvery        int     // Steps between progress lines (0 silences per-step logging)
}

// FitResult reports the outcome of a training run
type FitResult struct {
	Epochs        int
	Steps         int
	FinalLoss     float64
	BestLoss      float64
	BestAccuracy  float64
	LossSummary   *LossSummary
	ResumedFrom   int // Step the run resumed at, 0 for a fresh run
}

// EvaluationResult reports metrics from a scoring pass
type EvaluationResult struct {
	Loss      float64
	Accuracy  float64 // Fraction of correct predictions, in [0, 1]
	Samples   int
	Confusion *ConfusionMatrix
}

// Prediction holds the model output for a single sample
type Prediction struct {
	Class         int32     // Predicted class index
	Probabilities []float32 // Softmax distribution over classes
}

// Trainer drives training, evaluation and prediction for a compiled model
type Trainer struct {
	engine    *engine.Engine
	optimizer optimizer.Optimizer
	criterion *SoftmaxCrossEntropyLoss
	scheduler LRScheduler
	config    TrainerConfig
	saver     *checkpoints.CheckpointSaver

	epoch        int
	step         int
	bestLoss     float64
	bestAccuracy float64
}

// NewTrainer creates a trainer around an engine and optimizer
func NewTrainer(eng *engine.Engine, opt optimizer.Optimizer, config TrainerConfig) (*Trainer, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if opt == nil {
		return nil, fmt.Errorf("optimizer cannot be nil")
	}
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}

	return &Trainer{
		engine:    eng,
		optimizer: opt,
		criterion: NewSoftmaxCrossEntropyLoss(),
		scheduler: &ConstantLRScheduler{},
		config:    config,
		saver:     checkpoints.NewCheckpointSaver(),
		bestLoss:  -1,
	}, nil
}

// SetScheduler replaces the default constant learning rate schedule
func (t *Trainer) SetScheduler(scheduler LRScheduler) {
	if scheduler != nil {
		t.scheduler = scheduler
	}
}

// Step returns the number of optimization steps taken so far
func (t *Trainer) Step() int {
	return t.step
}

// Fit trains the model, optionally scoring valData between epochs. When the
// checkpoint directory already holds checkpoints, training resumes from the
// latest one instead of starting over.
func (t *Trainer) Fit(trainData, valData Dataset) (*FitResult, error) {
	resumedFrom, err := t.Restore()
	if err != nil {
		return nil, err
	}

	loader, err := NewDataLoader(trainData, t.config.BatchSize, t.config.Shuffle, t.config.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create training loader: %v", err)
	}

	var batchLosses []float64
	var lastLoss float64

	startEpoch := t.epoch
	for epoch := startEpoch; epoch < t.config.Epochs; epoch++ {
		t.epoch = epoch

		lr := t.scheduler.GetLR(epoch, t.step, float64(t.config.LearningRate))
		t.optimizer.UpdateLearningRate(float32(lr))

		loader.Reset()
		var epochLoss float64
		var epochBatches int

		for loader.HasNext() {
			batch, err := loader.Next()
			if err != nil {
				return nil, err
			}
			if batch == nil {
				break
			}

			loss, err := t.trainBatch(batch)
			if err != nil {
				return nil, fmt.Errorf("step %d: %v", t.step, err)
			}

			t.step++
			lastLoss = loss
			epochLoss += loss
			epochBatches++
			batchLosses = append(batchLosses, loss)

			if t.config.LogEvery > 0 && t.step%t.config.LogEvery == 0 {
				fmt.Printf("epoch %d step %d: loss %.4f (lr %.6f)\n", epoch+1, t.step, loss, lr)
			}

			if t.config.CheckpointEvery > 0 && t.step%t.config.CheckpointEvery == 0 {
				if err := t.saveCheckpoint(); err != nil {
					return nil, err
				}
			}
		}

		avgLoss := epochLoss / float64(epochBatches)
		if t.bestLoss < 0 || avgLoss < t.bestLoss {
			t.bestLoss = avgLoss
		}
		fmt.Printf("epoch %d/%d complete: avg loss %.4f\n", epoch+1, t.config.Epochs, avgLoss)

		if valData != nil && t.shouldValidate(epoch) {
			result, err := t.Evaluate(valData)
			if err != nil {
				return nil, fmt.Errorf("validation after epoch %d: %v", epoch+1, err)
			}
			if result.Accuracy > t.bestAccuracy {
				t.bestAccuracy = result.Accuracy
			}
			fmt.Printf("validation: loss %.4f, accuracy %.4f\n", result.Loss, result.Accuracy)
		}
	}
	t.epoch = t.config.Epochs

	if t.config.CheckpointDir != "" {
		if err := t.saveCheckpoint(); err != nil {
			return nil, err
		}
	}

	// A resumed run that already reached the target epoch count has no new
	// batches to summarize
	var summary *LossSummary
	if len(batchLosses) > 0 {
		summary, err = SummarizeLosses(batchLosses)
		if err != nil {
			return nil, err
		}
	}

	return &FitResult{
		Epochs:       t.config.Epochs - startEpoch,
		Steps:        t.step,
		FinalLoss:    lastLoss,
		BestLoss:     t.bestLoss,
		BestAccuracy: t.bestAccuracy,
		LossSummary:  summary,
		ResumedFrom:  resumedFrom,
	}, nil
}

func (t *Trainer) shouldValidate(epoch int) bool {
	if t.config.ValidateEvery <= 1 {
		return true
	}
	return (epoch+1)%t.config.ValidateEvery == 0 || epoch+1 == t.config.Epochs
}

// trainBatch runs one forward/backward/update cycle
func (t *Trainer) trainBatch(batch *Batch) (float64, error) {
	logits, err := t.engine.Forward(batch.Data, true)
	if err != nil {
		return 0, fmt.Errorf("forward: %v", err)
	}

	loss, gradLogits, err := t.criterion.Compute(logits, batch.Labels)
	if err != nil {
		return 0, fmt.Errorf("loss: %v", err)
	}

	grads, err := t.engine.Backward(gradLogits)
	if err != nil {
		return 0, fmt.Errorf("backward: %v", err)
	}

	if err := t.optimizer.Step(grads); err != nil {
		return 0, fmt.Errorf("optimizer: %v", err)
	}

	return float64(loss), nil
}

// Evaluate scores the model over a dataset without updating parameters
func (t *Trainer) Evaluate(data Dataset) (*EvaluationResult, error) {
	loader, err := NewDataLoader(data, t.config.BatchSize, false, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluation loader: %v", err)
	}

	numClasses, err := t.engine.Spec().NumClasses()
	if err != nil {
		return nil, err
	}
	confusion := NewConfusionMatrix(numClasses)

	var totalLoss float64
	var samples int

	loader.Reset()
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		logits, err := t.engine.Forward(batch.Data, false)
		if err != nil {
			return nil, fmt.Errorf("forward: %v", err)
		}

		loss, _, err := t.criterion.Compute(logits, batch.Labels)
		if err != nil {
			return nil, fmt.Errorf("loss: %v", err)
		}

		batchSize := batch.Data.Shape[0]
		totalLoss += float64(loss) * float64(batchSize)
		samples += batchSize

		predicted, err := argmaxRows(logits)
		if err != nil {
			return nil, err
		}
		labels, err := batch.Labels.Int32s()
		if err != nil {
			return nil, err
		}
		if err := confusion.Update(predicted, labels); err != nil {
			return nil, err
		}
	}

	if samples == 0 {
		return nil, fmt.Errorf("evaluation dataset produced no samples")
	}

	return &EvaluationResult{
		Loss:      totalLoss / float64(samples),
		Accuracy:  confusion.Accuracy(),
		Samples:   samples,
		Confusion: confusion,
	}, nil
}

// Predict runs inference over a batch of inputs, returning the predicted
// class and softmax probabilities for each sample. Parameters are not
// modified, so repeated calls on the same input produce identical results.
func (t *Trainer) Predict(input *tensor.Tensor) ([]Prediction, error) {
	logits, err := t.engine.Forward(input, false)
	if err != nil {
		return nil, fmt.Errorf("forward: %v", err)
	}

	probs, err := Probabilities(logits)
	if err != nil {
		return nil, err
	}
	probData, err := probs.Float32s()
	if err != nil {
		return nil, err
	}

	batchSize := probs.Shape[0]
	numClasses := probs.Shape[1]

	predictions := make([]Prediction, batchSize)
	for i := 0; i < batchSize; i++ {
		row := probData[i*numClasses : (i+1)*numClasses]
		predictions[i] = Prediction{
			Class:         int32(tensor.ArgMax(row)),
			Probabilities: append([]float32(nil), row...),
		}
	}
	return predictions, nil
}

// argmaxRows returns the index of the largest value in each row
func argmaxRows(logits *tensor.Tensor) ([]int32, error) {
	data, err := logits.Float32s()
	if err != nil {
		return nil, err
	}

	rows := logits.Shape[0]
	cols := logits.Shape[1]
	out := make([]int32, rows)
	for r := 0; r < rows; r++ {
		out[r] = int32(tensor.ArgMax(data[r*cols : (r+1)*cols]))
	}
	return out, nil
}

// saveCheckpoint writes the current model and optimizer state
func (t *Trainer) saveCheckpoint() error {
	if t.config.CheckpointDir == "" {
		return nil
	}

	weights, err := checkpoints.ExtractWeights(t.engine.Parameters(), t.engine.Spec())
	if err != nil {
		return fmt.Errorf("failed to extract weights: %v", err)
	}

	optState, err := t.optimizer.GetState()
	if err != nil {
		return fmt.Errorf("failed to extract optimizer state: %v", err)
	}

	checkpoint := &checkpoints.Checkpoint{
		ModelSpec: t.engine.Spec(),
		Weights:   weights,
		TrainingState: checkpoints.TrainingState{
			Epoch:        t.epoch,
			Step:         t.step,
			LearningRate: t.config.LearningRate,
			BestLoss:     float32(t.bestLoss),
			BestAccuracy: float32(t.bestAccuracy),
			TotalSteps:   t.step,
		},
		OptimizerState: optState,
	}

	path, err := t.saver.SaveStep(checkpoint, t.config.CheckpointDir, t.step)
	if err != nil {
		return err
	}
	fmt.Printf("saved checkpoint %s\n", path)
	return nil
}

// Restore loads the latest checkpoint from the configured directory into the
// engine and optimizer, returning the step it restored or 0 when the
// directory holds no checkpoints.
func (t *Trainer) Restore() (int, error) {
	if t.config.CheckpointDir == "" {
		return 0, nil
	}

	path, step, err := checkpoints.LatestCheckpoint(t.config.CheckpointDir)
	if err != nil {
		return 0, err
	}
	if path == "" {
		return 0, nil
	}

	checkpoint, err := t.saver.LoadCheckpoint(path)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint %s: %v", path, err)
	}

	if err := checkpoints.LoadWeights(checkpoint.Weights, t.engine.Parameters()); err != nil {
		return 0, fmt.Errorf("failed to restore weights from %s: %v", path, err)
	}

	if checkpoint.OptimizerState != nil {
		if err := t.optimizer.LoadState(checkpoint.OptimizerState); err != nil {
			return 0, fmt.Errorf("failed to restore optimizer state from %s: %v", path, err)
		}
	}

	t.epoch = checkpoint.TrainingState.Epoch
	t.step = checkpoint.TrainingState.Step
	t.bestLoss = float64(checkpoint.TrainingState.BestLoss)
	t.bestAccuracy = float64(checkpoint.TrainingState.BestAccuracy)

	fmt.Printf("resumed from %s (epoch %d, step %d)\n", path, t.epoch, t.step)
	return step, nil
}
