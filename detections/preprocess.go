package detections

import (
	"image"
	"sync"

	"github.com/disintegration/imaging"
)

// InputTensor is the model input: shape [1, 3, 224, 224], channel-first.
type InputTensor struct {
	Data []float32
}

func (t *InputTensor) Shape() []int64 {
	return []int64{1, InputChannels, InputHeight, InputWidth}
}

// Preprocessor turns frames into normalized input tensors.
type Preprocessor struct {
	width, height int
	numWorkers    int
}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		width:      InputWidth,
		height:     InputHeight,
		numWorkers: workerCount(InputHeight),
	}
}

var defaultPreprocessor = NewPreprocessor()

// Preprocess runs the default preprocessor.
func Preprocess(frame RawFrame) (*InputTensor, error) {
	return defaultPreprocessor.Process(frame)
}

// Process center-crops the frame to a square, resizes it to 256x256,
// crops the central 224x224 and normalizes it with ImageNet statistics.
// The same frame always produces the same tensor.
func (p *Preprocessor) Process(frame RawFrame) (*InputTensor, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	square := centerSquare(frame.image())
	resized := imaging.Resize(square, ResizeSize, ResizeSize, imaging.Linear)
	cropped := imaging.Crop(resized, image.Rect(CropMargin, CropMargin, CropMargin+p.width, CropMargin+p.height))

	tensor := &InputTensor{Data: make([]float32, TensorSize)}
	p.processParallel(cropped, tensor.Data)
	return tensor, nil
}

func centerSquare(img *image.NRGBA) *image.NRGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	size := min(w, h)
	if w == h {
		return img
	}
	x := (w - size) / 2
	y := (h - size) / 2
	return imaging.Crop(img, image.Rect(x, y, x+size, y+size))
}

// processParallel normalizes rows in parallel. Each worker owns a disjoint
// row range, so the result does not depend on scheduling.
func (p *Preprocessor) processParallel(img *image.NRGBA, buffer []float32) {
	channelSize := p.width * p.height
	rowsPerWorker := p.height / p.numWorkers

	var wg sync.WaitGroup
	wg.Add(p.numWorkers)

	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == p.numWorkers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride:]
				offset := y * p.width
				for x := 0; x < p.width; x++ {
					i := offset + x
					px := src[x*4 : x*4+3]
					buffer[i] = normalize(px[0], 0)
					buffer[channelSize+i] = normalize(px[1], 1)
					buffer[channelSize*2+i] = normalize(px[2], 2)
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

func normalize(v uint8, channel int) float32 {
	return float32((float64(v)/255.0 - ChannelMean[channel]) / ChannelStd[channel])
}
