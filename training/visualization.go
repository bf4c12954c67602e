package training

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"digitforge/tensor"
)

// gridRows and gridCols fix the layout of the prediction grid. The grid
// renders exactly gridRows*gridCols samples.
const (
	gridRows = 3
	gridCols = 3
)

// GridSize is the number of images a prediction grid displays
const GridSize = gridRows * gridCols

// SavePredictionGrid renders a 3x3 grid of grayscale images, each titled with
// its predicted and actual class, and writes it as a PNG. Exactly GridSize
// images are required, with matching prediction and label counts. Class names
// are optional; when nil the class indices are shown directly.
func SavePredictionGrid(images []*tensor.Tensor, predicted, actual []int32, classNames []string, path string) error {
	if len(images) != GridSize {
		return fmt.Errorf("prediction grid requires exactly %d images, got %d", GridSize, len(images))
	}
	if len(predicted) != len(images) {
		return fmt.Errorf("prediction count (%d) doesn't match image count (%d)", len(predicted), len(images))
	}
	if len(actual) != len(images) {
		return fmt.Errorf("label count (%d) doesn't match image count (%d)", len(actual), len(images))
	}

	plots := make([][]*plot.Plot, gridRows)
	for row := 0; row < gridRows; row++ {
		plots[row] = make([]*plot.Plot, gridCols)
		for col := 0; col < gridCols; col++ {
			idx := row*gridCols + col

			img, err := tensorToGray(images[idx])
			if err != nil {
				return fmt.Errorf("image %d: %v", idx, err)
			}

			p := plot.New()
			p.Title.Text = cellTitle(predicted[idx], actual[idx], classNames)
			p.HideAxes()

			bounds := img.Bounds()
			p.Add(plotter.NewImage(img, 0, 0, float64(bounds.Dx()), float64(bounds.Dy())))

			plots[row][col] = p
		}
	}

	const cellSize = 2 * vg.Inch
	canvas := vgimg.New(gridCols*cellSize, gridRows*cellSize)
	dc := draw.New(canvas)

	tiles := draw.Tiles{
		Rows: gridRows,
		Cols: gridCols,
		PadX: vg.Millimeter,
		PadY: vg.Millimeter,
	}

	canvases := plot.Align(plots, tiles, dc)
	for row := 0; row < gridRows; row++ {
		for col := 0; col < gridCols; col++ {
			plots[row][col].Draw(canvases[row][col])
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create grid file: %v", err)
	}
	defer file.Close()

	png := vgimg.PngCanvas{Canvas: canvas}
	if _, err := png.WriteTo(file); err != nil {
		return fmt.Errorf("failed to write grid png: %v", err)
	}

	return nil
}

// cellTitle formats one cell's caption, marking misclassified samples
func cellTitle(predicted, actual int32, classNames []string) string {
	name := func(class int32) string {
		if classNames != nil && int(class) < len(classNames) {
			return classNames[class]
		}
		return fmt.Sprintf("%d", class)
	}

	if predicted == actual {
		return name(predicted)
	}
	return fmt.Sprintf("%s (actual %s)", name(predicted), name(actual))
}

// tensorToGray converts a [1, H, W] or [H, W] float32 tensor with values in
// [0, 1] into a grayscale image
func tensorToGray(t *tensor.Tensor) (image.Image, error) {
	if t == nil {
		return nil, fmt.Errorf("image tensor cannot be nil")
	}

	var height, width int
	switch {
	case len(t.Shape) == 2:
		height, width = t.Shape[0], t.Shape[1]
	case len(t.Shape) == 3 && t.Shape[0] == 1:
		height, width = t.Shape[1], t.Shape[2]
	default:
		return nil, fmt.Errorf("expected [H, W] or [1, H, W] image tensor, got shape %v", t.Shape)
	}

	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := data[y*width+x]
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v * 255)})
		}
	}
	return img, nil
}
