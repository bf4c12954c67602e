package training

import (
	"fmt"
	"testing"

	"digitforge/tensor"
)

// sliceDataset is an in-memory dataset for tests
type sliceDataset struct {
	data   []*tensor.Tensor
	labels []int32
}

func (d *sliceDataset) Len() int {
	return len(d.data)
}

func (d *sliceDataset) Get(idx int) (*tensor.Tensor, int32, error) {
	if idx < 0 || idx >= len(d.data) {
		return nil, 0, fmt.Errorf("index %d out of range", idx)
	}
	return d.data[idx], d.labels[idx], nil
}

// makeDataset builds n samples of shape [2] where sample i holds [i, i] with
// label i%3
func makeDataset(t *testing.T, n int) *sliceDataset {
	t.Helper()
	ds := &sliceDataset{}
	for i := 0; i < n; i++ {
		sample, err := tensor.NewTensor([]int{2}, tensor.Float32, []float32{float32(i), float32(i)})
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		ds.data = append(ds.data, sample)
		ds.labels = append(ds.labels, int32(i%3))
	}
	return ds
}

func TestDataLoaderBatching(t *testing.T) {
	ds := makeDataset(t, 10)
	loader, err := NewDataLoader(ds, 4, false, 0)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	if loader.Len() != 3 {
		t.Errorf("Len() = %d, expected 3 batches", loader.Len())
	}

	loader.Reset()
	var batchSizes []int
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch == nil {
			break
		}
		batchSizes = append(batchSizes, batch.Data.Shape[0])

		if batch.Labels.Shape[0] != batch.Data.Shape[0] {
			t.Errorf("Label batch %d doesn't match data batch %d",
				batch.Labels.Shape[0], batch.Data.Shape[0])
		}
	}

	expected := []int{4, 4, 2}
	if len(batchSizes) != len(expected) {
		t.Fatalf("Got %d batches, expected %d", len(batchSizes), len(expected))
	}
	for i := range expected {
		if batchSizes[i] != expected[i] {
			t.Errorf("Batch %d size = %d, expected %d", i, batchSizes[i], expected[i])
		}
	}

	// Exhausted epoch returns nil
	batch, err := loader.Next()
	if err != nil {
		t.Fatalf("Next after epoch end failed: %v", err)
	}
	if batch != nil {
		t.Error("Expected nil batch after epoch end")
	}
}

func TestDataLoaderUnshuffledOrder(t *testing.T) {
	ds := makeDataset(t, 6)
	loader, err := NewDataLoader(ds, 3, false, 0)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	loader.Reset()
	batch, err := loader.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	data, _ := batch.Data.Float32s()
	expected := []float32{0, 0, 1, 1, 2, 2}
	for i := range expected {
		if data[i] != expected[i] {
			t.Errorf("data[%d] = %f, expected %f", i, data[i], expected[i])
		}
	}

	labels, _ := batch.Labels.Int32s()
	for i, want := range []int32{0, 1, 2} {
		if labels[i] != want {
			t.Errorf("labels[%d] = %d, expected %d", i, labels[i], want)
		}
	}
}

func TestDataLoaderShuffleDeterministicPerSeed(t *testing.T) {
	collect := func(seed int64) []int32 {
		ds := makeDataset(t, 20)
		loader, err := NewDataLoader(ds, 20, true, seed)
		if err != nil {
			t.Fatalf("NewDataLoader failed: %v", err)
		}
		loader.Reset()
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		labels, _ := batch.Labels.Int32s()
		return append([]int32(nil), labels...)
	}

	a := collect(42)
	b := collect(42)
	c := collect(43)

	for i := range a {
		if a[i] != b[i] {
			t.Fatal("Same seed should produce the same shuffle order")
		}
	}

	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Different seeds should produce different shuffle orders")
	}
}

func TestDataLoaderShuffleCoversAllSamples(t *testing.T) {
	ds := makeDataset(t, 15)
	loader, err := NewDataLoader(ds, 4, true, 7)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	loader.Reset()
	seen := make(map[float32]bool)
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch == nil {
			break
		}
		data, _ := batch.Data.Float32s()
		for i := 0; i < batch.Data.Shape[0]; i++ {
			seen[data[i*2]] = true
		}
	}

	if len(seen) != 15 {
		t.Errorf("Shuffled epoch visited %d unique samples, expected 15", len(seen))
	}
}

func TestDataLoaderValidation(t *testing.T) {
	ds := makeDataset(t, 4)

	if _, err := NewDataLoader(ds, 0, false, 0); err == nil {
		t.Error("Expected error for zero batch size")
	}
	if _, err := NewDataLoader(nil, 4, false, 0); err == nil {
		t.Error("Expected error for nil dataset")
	}
	if _, err := NewDataLoader(&sliceDataset{}, 4, false, 0); err == nil {
		t.Error("Expected error for empty dataset")
	}
}

func TestSubsetDataset(t *testing.T) {
	ds := makeDataset(t, 10)

	subset, err := NewSubsetDataset(ds, 6, 4)
	if err != nil {
		t.Fatalf("NewSubsetDataset failed: %v", err)
	}

	if subset.Len() != 4 {
		t.Errorf("Len() = %d, expected 4", subset.Len())
	}

	data, label, err := subset.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	values, _ := data.Float32s()
	if values[0] != 6 {
		t.Errorf("Subset sample 0 = %f, expected sample 6 of base", values[0])
	}
	if label != 0 {
		t.Errorf("Subset label 0 = %d, expected 0", label)
	}

	if _, _, err := subset.Get(4); err == nil {
		t.Error("Expected error for out of range subset index")
	}
	if _, err := NewSubsetDataset(ds, 8, 4); err == nil {
		t.Error("Expected error for subset exceeding base dataset")
	}
}
