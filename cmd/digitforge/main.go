// Command digitforge trains and evaluates handwritten digit classifiers on
// MNIST, and renders a grid of sample predictions.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"digitforge/engine"
	"digitforge/layers"
	"digitforge/optimizer"
	"digitforge/tensor"
	"digitforge/training"
	"digitforge/vision/mnist"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	trainFlag := flag.Bool("train", false, "train the model")
	evalFlag := flag.Bool("evaluate", false, "score the model on the test set")
	predictFlag := flag.Bool("predict", false, "render predictions for sample test images")
	modelKind := flag.String("model", "", "override the model kind (cnn or dnn)")
	learningRate := flag.Float64("learning-rate", 0, "override the learning rate")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	mode, err := selectMode(*trainFlag, *evalFlag, *predictFlag, config.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	config.Mode = mode

	if *modelKind != "" {
		config.Model.Kind = *modelKind
	}
	if *learningRate > 0 {
		config.Train.LearningRate = *learningRate
	}

	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := run(config); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// selectMode resolves the run mode from command line flags, falling back to
// the configured mode when no flag is set. The three mode flags are mutually
// exclusive.
func selectMode(train, evaluate, predict bool, configMode string) (string, error) {
	set := 0
	mode := configMode
	if train {
		set++
		mode = "train"
	}
	if evaluate {
		set++
		mode = "evaluate"
	}
	if predict {
		set++
		mode = "predict"
	}
	if set > 1 {
		return "", fmt.Errorf("flags -train, -evaluate, and -predict are mutually exclusive")
	}
	return mode, nil
}

func run(config Config) error {
	fmt.Printf("loading MNIST data from %s\n", config.DataDir)
	data, err := mnist.Load(config.DataDir)
	if err != nil {
		return err
	}
	fmt.Printf("loaded %d train, %d validation, %d test samples\n",
		data.Train.Len(), data.Validation.Len(), data.Test.Len())

	trainer, err := buildTrainer(config)
	if err != nil {
		return err
	}

	mode, err := training.ParseMode(config.Mode)
	if err != nil {
		return err
	}

	switch mode {
	case training.ModeTrain:
		return runTrain(config, trainer, data)
	case training.ModeEvaluate:
		return runEvaluate(trainer, data)
	case training.ModePredict:
		return runPredict(config, trainer, data)
	default:
		return fmt.Errorf("unhandled mode %s", mode)
	}
}

// buildModel compiles the configured architecture
func buildModel(config Config) (*layers.ModelSpec, error) {
	inputShape := []int{config.Train.BatchSize, 1, mnist.ImgSize, mnist.ImgSize}

	switch config.Model.Kind {
	case "dnn":
		return layers.NewDNNClassifier(inputShape, config.Model.HiddenUnits, mnist.NumClasses)
	case "cnn":
		return layers.NewConvClassifier(inputShape, mnist.NumClasses)
	default:
		return nil, fmt.Errorf("unknown model kind %q", config.Model.Kind)
	}
}

// buildTrainer wires the engine, optimizer and scheduler together
func buildTrainer(config Config) (*training.Trainer, error) {
	model, err := buildModel(config)
	if err != nil {
		return nil, err
	}
	fmt.Printf("%s model: %d parameters\n", config.Model.Kind, model.TotalParameters)

	eng, err := engine.NewEngine(model, config.Model.Seed)
	if err != nil {
		return nil, err
	}

	var opt optimizer.Optimizer
	switch config.Train.Optimizer {
	case "sgd":
		sgdConfig := optimizer.DefaultSGDConfig()
		sgdConfig.LearningRate = float32(config.Train.LearningRate)
		sgdConfig.Momentum = float32(config.Train.Momentum)
		opt, err = optimizer.NewSGDOptimizer(sgdConfig, eng.Parameters())
	default:
		adamConfig := optimizer.DefaultAdamConfig()
		adamConfig.LearningRate = float32(config.Train.LearningRate)
		opt, err = optimizer.NewAdamOptimizer(adamConfig, eng.Parameters())
	}
	if err != nil {
		return nil, err
	}

	trainer, err := training.NewTrainer(eng, opt, training.TrainerConfig{
		Epochs:          config.Train.Epochs,
		BatchSize:       config.Train.BatchSize,
		Shuffle:         config.Train.Shuffle,
		LearningRate:    float32(config.Train.LearningRate),
		Seed:            config.Train.Seed,
		CheckpointDir:   config.CheckpointDir(),
		CheckpointEvery: config.Train.CheckpointEvery,
		ValidateEvery:   config.Train.ValidateEvery,
		LogEvery:        config.Train.LogEvery,
	})
	if err != nil {
		return nil, err
	}

	switch config.Train.Scheduler {
	case "step":
		trainer.SetScheduler(training.NewStepLRScheduler(1, 0.9))
	case "cosine":
		trainer.SetScheduler(training.NewCosineAnnealingLRScheduler(config.Train.Epochs, 0))
	}

	return trainer, nil
}

func runTrain(config Config, trainer *training.Trainer, data *mnist.Data) error {
	result, err := trainer.Fit(data.Train, data.Validation)
	if err != nil {
		return err
	}

	if result.LossSummary != nil {
		fmt.Println(result.LossSummary)
	}
	fmt.Printf("training complete after %d steps (best loss %.4f)\n", result.Steps, result.BestLoss)

	test, err := trainer.Evaluate(data.Test)
	if err != nil {
		return err
	}
	fmt.Printf("test: loss %.4f, accuracy %.4f over %d samples\n", test.Loss, test.Accuracy, test.Samples)
	return nil
}

func runEvaluate(trainer *training.Trainer, data *mnist.Data) error {
	step, err := trainer.Restore()
	if err != nil {
		return err
	}
	if step == 0 {
		return fmt.Errorf("no checkpoint found: train the model first")
	}

	result, err := trainer.Evaluate(data.Test)
	if err != nil {
		return err
	}

	fmt.Printf("test: loss %.4f, accuracy %.4f over %d samples\n",
		result.Loss, result.Accuracy, result.Samples)
	fmt.Println(result.Confusion)
	return nil
}

func runPredict(config Config, trainer *training.Trainer, data *mnist.Data) error {
	step, err := trainer.Restore()
	if err != nil {
		return err
	}
	if step == 0 {
		return fmt.Errorf("no checkpoint found: train the model first")
	}

	images, batch, actual, err := sampleBatch(data.Test, training.GridSize)
	if err != nil {
		return err
	}

	predictions, err := trainer.Predict(batch)
	if err != nil {
		return err
	}

	predicted := make([]int32, len(predictions))
	for i, p := range predictions {
		predicted[i] = p.Class
		fmt.Printf("sample %d: predicted %d (p=%.3f), actual %d\n",
			i, p.Class, p.Probabilities[p.Class], actual[i])
	}

	if err := os.MkdirAll(config.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}
	gridPath := filepath.Join(config.OutputDir, "predictions.png")
	if err := training.SavePredictionGrid(images, predicted, actual, mnist.ClassNames(), gridPath); err != nil {
		return err
	}

	fmt.Printf("wrote prediction grid to %s\n", gridPath)
	return nil
}

// sampleBatch pulls the first n samples from a dataset, returning both the
// individual image tensors and a stacked batch for inference
func sampleBatch(data training.Dataset, n int) ([]*tensor.Tensor, *tensor.Tensor, []int32, error) {
	if data.Len() < n {
		return nil, nil, nil, fmt.Errorf("dataset holds %d samples, need %d", data.Len(), n)
	}

	images := make([]*tensor.Tensor, n)
	actual := make([]int32, n)

	first, _, err := data.Get(0)
	if err != nil {
		return nil, nil, nil, err
	}
	sampleSize := first.NumElems

	batch, err := tensor.Zeros(append([]int{n}, first.Shape...), tensor.Float32)
	if err != nil {
		return nil, nil, nil, err
	}
	batchData, err := batch.Float32s()
	if err != nil {
		return nil, nil, nil, err
	}

	for i := 0; i < n; i++ {
		img, label, err := data.Get(i)
		if err != nil {
			return nil, nil, nil, err
		}
		src, err := img.Float32s()
		if err != nil {
			return nil, nil, nil, err
		}
		copy(batchData[i*sampleSize:(i+1)*sampleSize], src)
		images[i] = img
		actual[i] = label
	}

	return images, batch, actual, nil
}
