package training

import (
	"fmt"
	"strings"
)

// ConfusionMatrix tracks prediction outcomes for multi-class classification
type ConfusionMatrix struct {
	NumClasses int
	Matrix     [][]int64 // Matrix[actual][predicted]
	Total      int64
}

// NewConfusionMatrix creates a confusion matrix for the given number of classes
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int64, numClasses)
	for i := range matrix {
		matrix[i] = make([]int64, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears all accumulated counts
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.Total = 0
}

// Update accumulates a batch of predictions against true labels
func (cm *ConfusionMatrix) Update(predicted, actual []int32) error {
	if len(predicted) != len(actual) {
		return fmt.Errorf("prediction count (%d) doesn't match label count (%d)",
			len(predicted), len(actual))
	}

	for i := range predicted {
		p, a := predicted[i], actual[i]
		if p < 0 || int(p) >= cm.NumClasses {
			return fmt.Errorf("predicted class %d out of range for %d classes", p, cm.NumClasses)
		}
		if a < 0 || int(a) >= cm.NumClasses {
			return fmt.Errorf("actual class %d out of range for %d classes", a, cm.NumClasses)
		}
		cm.Matrix[a][p]++
		cm.Total++
	}
	return nil
}

// Accuracy returns the fraction of correct predictions, in [0, 1]
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.Total == 0 {
		return 0
	}
	var correct int64
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.Total)
}

// Precision returns true positives over predicted positives for one class
func (cm *ConfusionMatrix) Precision(class int) float64 {
	var predicted int64
	for a := 0; a < cm.NumClasses; a++ {
		predicted += cm.Matrix[a][class]
	}
	if predicted == 0 {
		return 0
	}
	return float64(cm.Matrix[class][class]) / float64(predicted)
}

// Recall returns true positives over actual positives for one class
func (cm *ConfusionMatrix) Recall(class int) float64 {
	var actual int64
	for p := 0; p < cm.NumClasses; p++ {
		actual += cm.Matrix[class][p]
	}
	if actual == 0 {
		return 0
	}
	return float64(cm.Matrix[class][class]) / float64(actual)
}

// MacroF1 returns the unweighted mean of per-class F1 scores
func (cm *ConfusionMatrix) MacroF1() float64 {
	var sum float64
	for c := 0; c < cm.NumClasses; c++ {
		p := cm.Precision(c)
		r := cm.Recall(c)
		if p+r > 0 {
			sum += 2 * p * r / (p + r)
		}
	}
	return sum / float64(cm.NumClasses)
}

// String renders the matrix as a table with actual classes as rows
func (cm *ConfusionMatrix) String() string {
	var b strings.Builder
	b.WriteString("actual\\pred")
	for c := 0; c < cm.NumClasses; c++ {
		fmt.Fprintf(&b, "%7d", c)
	}
	b.WriteString("\n")
	for a := 0; a < cm.NumClasses; a++ {
		fmt.Fprintf(&b, "%11d", a)
		for p := 0; p < cm.NumClasses; p++ {
			fmt.Fprintf(&b, "%7d", cm.Matrix[a][p])
		}
		b.WriteString("\n")
	}
	return b.String()
}
