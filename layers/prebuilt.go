package layers

import (
	"fmt"
)

// NewDNNClassifier builds and compiles a fully-connected classifier: a stack
// of Dense+ReLU blocks over the flattened input followed by a Dense logits
// layer. This is the canned counterpart to hand-built topologies and covers
// the common case of wiring a classifier without touching the builder.
func NewDNNClassifier(inputShape []int, hiddenUnits []int, numClasses int) (*ModelSpec, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("classifier requires at least 2 classes, got %d", numClasses)
	}
	if len(hiddenUnits) == 0 {
		return nil, fmt.Errorf("classifier requires at least one hidden layer")
	}

	builder := NewModelBuilder(inputShape)
	builder.AddFlatten("flatten")

	for i, units := range hiddenUnits {
		if units <= 0 {
			return nil, fmt.Errorf("hidden layer %d: units must be positive, got %d", i, units)
		}
		builder.AddDense(units, true, fmt.Sprintf("hidden%d", i+1))
		builder.AddReLU(fmt.Sprintf("hidden%d_relu", i+1))
	}

	builder.AddDense(numClasses, true, "logits")

	model, err := builder.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile DNN classifier: %v", err)
	}

	return model, nil
}

// NewConvClassifier builds and compiles the standard small image CNN: two
// convolution+pooling stages, flatten, a dense hidden layer with dropout,
// and a dense logits layer.
//
// Topology for 28x28 grayscale input:
//
//	Conv2D(32, 5x5, pad 2) -> ReLU -> MaxPool2D(2)
//	Conv2D(64, 5x5, pad 2) -> ReLU -> MaxPool2D(2)
//	Flatten -> Dense(1024) -> ReLU -> Dropout(0.4) -> Dense(numClasses)
func NewConvClassifier(inputShape []int, numClasses int) (*ModelSpec, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("classifier requires at least 2 classes, got %d", numClasses)
	}
	if len(inputShape) != 4 {
		return nil, fmt.Errorf("conv classifier requires 4D input [batch, channels, height, width], got %v", inputShape)
	}

	model, err := NewModelBuilder(inputShape).
		AddConv2D(32, 5, 1, 2, true, "conv1").
		AddReLU("conv1_relu").
		AddMaxPool2D(2, 2, "pool1").
		AddConv2D(64, 5, 1, 2, true, "conv2").
		AddReLU("conv2_relu").
		AddMaxPool2D(2, 2, "pool2").
		AddFlatten("flatten").
		AddDense(1024, true, "dense1").
		AddReLU("dense1_relu").
		AddDropout(0.4, "dropout").
		AddDense(numClasses, true, "logits").
		Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile conv classifier: %v", err)
	}

	return model, nil
}
