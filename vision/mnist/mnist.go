// Package mnist loads the MNIST handwritten digit dataset, downloading the
// archives on first use and exposing train/validation/test splits as
// datasets ready for batching.
package mnist

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"digitforge/tensor"
)

// ImgSize is the side length of an MNIST digit image
const ImgSize = 28

// NumClasses is the number of digit classes
const NumClasses = 10

// ValidationSize is the number of training samples held out for validation
const ValidationSize = 5000

// baseURL points at a stable mirror of the original MNIST archives
const baseURL = "https://storage.googleapis.com/cvdf-datasets/mnist/"

const (
	trainImagesFile = "train-images-idx3-ubyte.gz"
	trainLabelsFile = "train-labels-idx1-ubyte.gz"
	testImagesFile  = "t10k-images-idx3-ubyte.gz"
	testLabelsFile  = "t10k-labels-idx1-ubyte.gz"
)

// sha256 digests of the gzipped archives
var fileHashes = map[string]string{
	trainImagesFile: "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	trainLabelsFile: "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	testImagesFile:  "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	testLabelsFile:  "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

const (
	imageMagic = 2051
	labelMagic = 2049
)

// ImageDataset holds digit images as raw bytes, converting to normalized
// float32 tensors on access.
type ImageDataset struct {
	pixels []byte // samples * ImgSize*ImgSize, row-major
	labels []int32
}

// Len returns the number of samples
func (d *ImageDataset) Len() int {
	return len(d.labels)
}

// Get returns sample idx as a [1, 28, 28] float32 tensor with pixel values
// scaled to [0, 1], together with its digit label.
func (d *ImageDataset) Get(idx int) (*tensor.Tensor, int32, error) {
	if idx < 0 || idx >= len(d.labels) {
		return nil, 0, fmt.Errorf("index %d out of range for %d samples", idx, len(d.labels))
	}

	sampleSize := ImgSize * ImgSize
	raw := d.pixels[idx*sampleSize : (idx+1)*sampleSize]

	data := make([]float32, sampleSize)
	for i, p := range raw {
		data[i] = float32(p) / 255.0
	}

	img, err := tensor.NewTensor([]int{1, ImgSize, ImgSize}, tensor.Float32, data)
	if err != nil {
		return nil, 0, err
	}
	return img, d.labels[idx], nil
}

// Label returns the label of sample idx without materializing the image
func (d *ImageDataset) Label(idx int) int32 {
	return d.labels[idx]
}

// Data bundles the three MNIST splits
type Data struct {
	Train      *ImageDataset // 55000 samples
	Validation *ImageDataset // 5000 samples held out from the training archive
	Test       *ImageDataset // 10000 samples
}

// ClassNames returns display names for the ten digit classes
func ClassNames() []string {
	return []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}
}

// Load reads the MNIST dataset from dir, downloading any archive that is not
// already present. Archives are verified against known digests before use.
func Load(dir string) (*Data, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	trainPixels, err := loadImages(dir, trainImagesFile)
	if err != nil {
		return nil, err
	}
	trainLabels, err := loadLabels(dir, trainLabelsFile)
	if err != nil {
		return nil, err
	}
	testPixels, err := loadImages(dir, testImagesFile)
	if err != nil {
		return nil, err
	}
	testLabels, err := loadLabels(dir, testLabelsFile)
	if err != nil {
		return nil, err
	}

	if len(trainPixels)/(ImgSize*ImgSize) != len(trainLabels) {
		return nil, fmt.Errorf("training archive mismatch: %d images, %d labels",
			len(trainPixels)/(ImgSize*ImgSize), len(trainLabels))
	}
	if len(testPixels)/(ImgSize*ImgSize) != len(testLabels) {
		return nil, fmt.Errorf("test archive mismatch: %d images, %d labels",
			len(testPixels)/(ImgSize*ImgSize), len(testLabels))
	}
	if len(trainLabels) <= ValidationSize {
		return nil, fmt.Errorf("training archive too small to hold out %d validation samples", ValidationSize)
	}

	// The last ValidationSize training samples become the validation split
	splitAt := len(trainLabels) - ValidationSize
	sampleSize := ImgSize * ImgSize

	return &Data{
		Train: &ImageDataset{
			pixels: trainPixels[:splitAt*sampleSize],
			labels: trainLabels[:splitAt],
		},
		Validation: &ImageDataset{
			pixels: trainPixels[splitAt*sampleSize:],
			labels: trainLabels[splitAt:],
		},
		Test: &ImageDataset{
			pixels: testPixels,
			labels: testLabels,
		},
	}, nil
}

// loadImages fetches, verifies and parses one image archive
func loadImages(dir, name string) ([]byte, error) {
	raw, err := readArchive(dir, name)
	if err != nil {
		return nil, err
	}
	pixels, err := parseImages(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	return pixels, nil
}

// loadLabels fetches, verifies and parses one label archive
func loadLabels(dir, name string) ([]int32, error) {
	raw, err := readArchive(dir, name)
	if err != nil {
		return nil, err
	}
	labels, err := parseLabels(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	return labels, nil
}

// readArchive returns the decompressed contents of one archive, downloading
// it first when absent
func readArchive(dir, name string) ([]byte, error) {
	path := filepath.Join(dir, name)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := download(path, baseURL+name); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %v", path, err)
	}

	if err := verifyHash(path, fileHashes[name]); err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %v", path, err)
	}
	defer gz.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(gz); err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", path, err)
	}
	return buf.Bytes(), nil
}

// download fetches url into path
func download(path, url string) error {
	fmt.Printf("downloading %s\n", url)

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to download %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %s", url, resp.Status)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return nil
}

// verifyHash checks a file against its expected sha256 digest
func verifyHash(path, expected string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return fmt.Errorf("failed to hash %s: %v", path, err)
	}

	if got := fmt.Sprintf("%x", h.Sum(nil)); got != expected {
		return fmt.Errorf("checksum mismatch for %s: got %s, expected %s", path, got, expected)
	}
	return nil
}

// parseImages decodes an IDX image file into raw pixel bytes
func parseImages(data []byte) ([]byte, error) {
	var header struct{ Magic, Num, Rows, Cols uint32 }
	reader := bytes.NewReader(data)
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read image header: %v", err)
	}

	if header.Magic != imageMagic {
		return nil, fmt.Errorf("bad image magic %d, expected %d", header.Magic, imageMagic)
	}
	if header.Rows != ImgSize || header.Cols != ImgSize {
		return nil, fmt.Errorf("unexpected image dimensions %dx%d", header.Rows, header.Cols)
	}

	expected := int(header.Num) * ImgSize * ImgSize
	pixels := data[16:]
	if len(pixels) != expected {
		return nil, fmt.Errorf("image data holds %d bytes, expected %d", len(pixels), expected)
	}
	return pixels, nil
}

// parseLabels decodes an IDX label file
func parseLabels(data []byte) ([]int32, error) {
	var header struct{ Magic, Num uint32 }
	reader := bytes.NewReader(data)
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read label header: %v", err)
	}

	if header.Magic != labelMagic {
		return nil, fmt.Errorf("bad label magic %d, expected %d", header.Magic, labelMagic)
	}

	raw := data[8:]
	if len(raw) != int(header.Num) {
		return nil, fmt.Errorf("label data holds %d bytes, expected %d", len(raw), header.Num)
	}

	labels := make([]int32, len(raw))
	for i, b := range raw {
		if b >= NumClasses {
			return nil, fmt.Errorf("label %d out of range at sample %d", b, i)
		}
		labels[i] = int32(b)
	}
	return labels, nil
}
