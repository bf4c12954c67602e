package mnist

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildImageIDX encodes n gradient images in IDX format
func buildImageIDX(t *testing.T, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	header := struct{ Magic, Num, Rows, Cols uint32 }{imageMagic, uint32(n), ImgSize, ImgSize}
	if err := binary.Write(&buf, binary.BigEndian, header); err != nil {
		t.Fatalf("binary.Write failed: %v", err)
	}
	for i := 0; i < n; i++ {
		pixels := make([]byte, ImgSize*ImgSize)
		for j := range pixels {
			pixels[j] = byte((i + j) % 256)
		}
		buf.Write(pixels)
	}
	return buf.Bytes()
}

// buildLabelIDX encodes labels in IDX format
func buildLabelIDX(t *testing.T, labels []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	header := struct{ Magic, Num uint32 }{labelMagic, uint32(len(labels))}
	if err := binary.Write(&buf, binary.BigEndian, header); err != nil {
		t.Fatalf("binary.Write failed: %v", err)
	}
	buf.Write(labels)
	return buf.Bytes()
}

func TestParseImages(t *testing.T) {
	pixels, err := parseImages(buildImageIDX(t, 3))
	if err != nil {
		t.Fatalf("parseImages failed: %v", err)
	}

	if len(pixels) != 3*ImgSize*ImgSize {
		t.Errorf("Got %d pixel bytes, expected %d", len(pixels), 3*ImgSize*ImgSize)
	}
	if pixels[0] != 0 || pixels[1] != 1 {
		t.Errorf("Unexpected pixel values %d, %d", pixels[0], pixels[1])
	}
}

func TestParseImagesRejectsBadInput(t *testing.T) {
	data := buildImageIDX(t, 2)

	// Corrupt the magic number
	bad := append([]byte(nil), data...)
	bad[3] = 0xff
	if _, err := parseImages(bad); err == nil {
		t.Error("Expected error for bad magic")
	}

	// Truncate the pixel data
	if _, err := parseImages(data[:len(data)-10]); err == nil {
		t.Error("Expected error for truncated image data")
	}

	if _, err := parseImages([]byte{1, 2}); err == nil {
		t.Error("Expected error for short header")
	}

	// Wrong dimensions
	var buf bytes.Buffer
	header := struct{ Magic, Num, Rows, Cols uint32 }{imageMagic, 1, 14, 14}
	binary.Write(&buf, binary.BigEndian, header)
	buf.Write(make([]byte, 14*14))
	if _, err := parseImages(buf.Bytes()); err == nil {
		t.Error("Expected error for non-28x28 images")
	}
}

func TestParseLabels(t *testing.T) {
	labels, err := parseLabels(buildLabelIDX(t, []byte{0, 5, 9, 3}))
	if err != nil {
		t.Fatalf("parseLabels failed: %v", err)
	}

	expected := []int32{0, 5, 9, 3}
	if len(labels) != len(expected) {
		t.Fatalf("Got %d labels, expected %d", len(labels), len(expected))
	}
	for i := range expected {
		if labels[i] != expected[i] {
			t.Errorf("labels[%d] = %d, expected %d", i, labels[i], expected[i])
		}
	}
}

func TestParseLabelsRejectsBadInput(t *testing.T) {
	data := buildLabelIDX(t, []byte{1, 2})

	bad := append([]byte(nil), data...)
	bad[3] = 0xff
	if _, err := parseLabels(bad); err == nil {
		t.Error("Expected error for bad magic")
	}

	if _, err := parseLabels(data[:len(data)-1]); err == nil {
		t.Error("Expected error for truncated label data")
	}

	if _, err := parseLabels(buildLabelIDX(t, []byte{10})); err == nil {
		t.Error("Expected error for out of range label")
	}
}

func TestImageDatasetGet(t *testing.T) {
	pixels, err := parseImages(buildImageIDX(t, 2))
	if err != nil {
		t.Fatalf("parseImages failed: %v", err)
	}
	ds := &ImageDataset{pixels: pixels, labels: []int32{7, 2}}

	if ds.Len() != 2 {
		t.Errorf("Len() = %d, expected 2", ds.Len())
	}

	img, label, err := ds.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if label != 2 {
		t.Errorf("label = %d, expected 2", label)
	}

	expectedShape := []int{1, ImgSize, ImgSize}
	for i, dim := range expectedShape {
		if img.Shape[i] != dim {
			t.Fatalf("Image shape %v, expected %v", img.Shape, expectedShape)
		}
	}

	// Pixel values are normalized to [0, 1]
	data, _ := img.Float32s()
	for i, v := range data {
		if v < 0 || v > 1 {
			t.Fatalf("pixel %d = %f out of [0, 1]", i, v)
		}
	}
	// Sample 1, pixel 0 has raw value 1
	if data[0] != 1.0/255.0 {
		t.Errorf("pixel 0 = %f, expected %f", data[0], 1.0/255.0)
	}

	if _, _, err := ds.Get(2); err == nil {
		t.Error("Expected error for out of range index")
	}
	if _, _, err := ds.Get(-1); err == nil {
		t.Error("Expected error for negative index")
	}
}

func TestClassNames(t *testing.T) {
	names := ClassNames()
	if len(names) != NumClasses {
		t.Fatalf("Got %d class names, expected %d", len(names), NumClasses)
	}
	if names[0] != "0" || names[9] != "9" {
		t.Errorf("Unexpected class names %v", names)
	}
}
