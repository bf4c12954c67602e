package training

import (
	"fmt"
	"math/rand"
	"sync"

	"digitforge/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                // Total number of samples
	Get(idx int) (data *tensor.Tensor, label int32, err error) // Returns a single sample
}

// SubsetDataset exposes a contiguous slice of another dataset, used to carve
// validation splits without copying data.
type SubsetDataset struct {
	base   Dataset
	offset int
	length int
}

// NewSubsetDataset creates a view over base covering [offset, offset+length)
func NewSubsetDataset(base Dataset, offset, length int) (*SubsetDataset, error) {
	if offset < 0 || length < 0 || offset+length > base.Len() {
		return nil, fmt.Errorf("subset [%d, %d) out of range for dataset of %d samples",
			offset, offset+length, base.Len())
	}
	return &SubsetDataset{base: base, offset: offset, length: length}, nil
}

func (s *SubsetDataset) Len() int {
	return s.length
}

func (s *SubsetDataset) Get(idx int) (*tensor.Tensor, int32, error) {
	if idx < 0 || idx >= s.length {
		return nil, 0, fmt.Errorf("index %d out of range for subset of %d samples", idx, s.length)
	}
	return s.base.Get(s.offset + idx)
}

// Batch represents a batch of data and labels
type Batch struct {
	Data   *tensor.Tensor // [batch, ...sample dims], float32
	Labels *tensor.Tensor // [batch], int32 class indices
}

// DataLoader provides batching and per-epoch shuffling over a Dataset
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. The seed fixes the shuffle order so
// runs are reproducible.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset cannot be nil or empty")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Reset rewinds the loader for a new epoch, reshuffling if enabled
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := dl.rng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// Next returns the next batch, or nil when the epoch is complete. The final
// batch of an epoch may be smaller than the configured batch size.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}
	return batch, nil
}

// loadBatch stacks individual samples into batched tensors
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	firstData, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %v", indices[0], err)
	}

	batchSize := len(indices)
	dataShape := append([]int{batchSize}, firstData.Shape...)

	batchData, err := tensor.Zeros(dataShape, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch data tensor: %v", err)
	}
	batchLabels, err := tensor.Zeros([]int{batchSize}, tensor.Int32)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch label tensor: %v", err)
	}

	dataOut, err := batchData.Float32s()
	if err != nil {
		return nil, err
	}
	labelOut, err := batchLabels.Int32s()
	if err != nil {
		return nil, err
	}

	sampleSize := firstData.NumElems
	for i, idx := range indices {
		var data *tensor.Tensor
		var label int32

		if i == 0 {
			data, label = firstData, firstLabel
		} else {
			data, label, err = dl.dataset.Get(idx)
			if err != nil {
				return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
			}
		}

		if data.NumElems != sampleSize {
			return nil, fmt.Errorf("sample %d has %d elements, expected %d", idx, data.NumElems, sampleSize)
		}

		src, err := data.Float32s()
		if err != nil {
			return nil, fmt.Errorf("sample %d: %v", idx, err)
		}
		copy(dataOut[i*sampleSize:(i+1)*sampleSize], src)
		labelOut[i] = label
	}

	return &Batch{Data: batchData, Labels: batchLabels}, nil
}
