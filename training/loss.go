package training

import (
	"fmt"
	"math"

	"digitforge/engine"
	"digitforge/tensor"
)

// SoftmaxCrossEntropyLoss combines a softmax over logits with negative
// log-likelihood against integer class labels, the standard criterion for
// classification heads that output raw logits.
type SoftmaxCrossEntropyLoss struct{}

// NewSoftmaxCrossEntropyLoss creates the classification loss
func NewSoftmaxCrossEntropyLoss() *SoftmaxCrossEntropyLoss {
	return &SoftmaxCrossEntropyLoss{}
}

// Compute returns the mean cross-entropy over the batch together with the
// gradient of the loss with respect to the logits. Logits must be a
// [batch, classes] float32 tensor and labels a [batch] int32 tensor.
func (l *SoftmaxCrossEntropyLoss) Compute(logits, labels *tensor.Tensor) (float32, *tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return 0, nil, fmt.Errorf("logits must be 2D [batch, classes], got shape %v", logits.Shape)
	}
	batchSize := logits.Shape[0]
	numClasses := logits.Shape[1]

	if len(labels.Shape) != 1 || labels.Shape[0] != batchSize {
		return 0, nil, fmt.Errorf("labels must have shape [%d], got %v", batchSize, labels.Shape)
	}

	logitData, err := logits.Float32s()
	if err != nil {
		return 0, nil, fmt.Errorf("logits: %v", err)
	}
	labelData, err := labels.Int32s()
	if err != nil {
		return 0, nil, fmt.Errorf("labels: %v", err)
	}

	probs := make([]float32, len(logitData))
	engine.SoftmaxRows(logitData, batchSize, numClasses, probs)

	// Mean negative log-likelihood of the true classes
	var total float64
	for i := 0; i < batchSize; i++ {
		label := labelData[i]
		if label < 0 || int(label) >= numClasses {
			return 0, nil, fmt.Errorf("label %d out of range for %d classes", label, numClasses)
		}
		p := probs[i*numClasses+int(label)]
		total -= math.Log(math.Max(float64(p), 1e-12))
	}
	loss := float32(total / float64(batchSize))

	// dL/dlogits = (softmax - onehot) / batch
	grad, err := tensor.Zeros([]int{batchSize, numClasses}, tensor.Float32)
	if err != nil {
		return 0, nil, err
	}
	gradData, err := grad.Float32s()
	if err != nil {
		return 0, nil, err
	}

	scale := 1.0 / float32(batchSize)
	for i := 0; i < batchSize; i++ {
		for c := 0; c < numClasses; c++ {
			gradData[i*numClasses+c] = probs[i*numClasses+c] * scale
		}
		gradData[i*numClasses+int(labelData[i])] -= scale
	}

	return loss, grad, nil
}

// Probabilities applies a softmax to logits, returning class probabilities
// as a new [batch, classes] tensor.
func Probabilities(logits *tensor.Tensor) (*tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("logits must be 2D [batch, classes], got shape %v", logits.Shape)
	}

	logitData, err := logits.Float32s()
	if err != nil {
		return nil, err
	}

	out, err := tensor.Zeros(logits.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	outData, err := out.Float32s()
	if err != nil {
		return nil, err
	}

	engine.SoftmaxRows(logitData, logits.Shape[0], logits.Shape[1], outData)
	return out, nil
}
