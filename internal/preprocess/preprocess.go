package preprocess

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"
)

// TargetSize is the square resolution the model input expects.
const TargetSize = 224

// Channels is the number of color channels in the model input.
const Channels = 3

// ImageNet normalization constants, matching the values the model was
// trained with. Applied after scaling raw channel values to [0,1].
var (
	channelMean = [Channels]float32{0.485, 0.456, 0.406}
	channelStd  = [Channels]float32{0.229, 0.224, 0.225}
)

// Tensor is a model-ready input: NCHW float32 data for a single image.
type Tensor struct {
	Data  []float32
	Shape [4]int64
}

// DecodeError reports that the input bytes could not be decoded as an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FromReader decodes an image and produces the normalized input tensor.
//
// The pipeline order is fixed for reproducibility: decode to RGB, bilinear
// resize to 224x224, scale to [0,1], subtract per-channel mean and divide
// by per-channel std, transpose HWC to CHW, prepend the batch dimension.
func FromReader(r io.Reader) (*Tensor, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return fromImage(img), nil
}

// FromFile opens and preprocesses the image at path.
func FromFile(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromReader(f)
}

func fromImage(img image.Image) *Tensor {
	resized := resize.Resize(TargetSize, TargetSize, img, resize.Bilinear)

	data := make([]float32, Channels*TargetSize*TargetSize)
	plane := TargetSize * TargetSize

	for y := 0; y < TargetSize; y++ {
		for x := 0; x < TargetSize; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()

			// RGBA returns 16-bit channel values.
			pixel := [Channels]float32{
				float32(r) / 65535.0,
				float32(g) / 65535.0,
				float32(b) / 65535.0,
			}

			idx := y*TargetSize + x
			for c := 0; c < Channels; c++ {
				data[c*plane+idx] = (pixel[c] - channelMean[c]) / channelStd[c]
			}
		}
	}

	return &Tensor{
		Data:  data,
		Shape: [4]int64{1, Channels, TargetSize, TargetSize},
	}
}
