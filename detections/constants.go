package detections

const (
	InputWidth    = 224
	InputHeight   = 224
	InputChannels = 3
	TensorSize    = InputChannels * InputWidth * InputHeight

	// ResizeSize is the side of the square the center crop is resampled to
	// before the final InputWidth x InputHeight crop.
	ResizeSize = 256
	CropMargin = (ResizeSize - InputWidth) / 2

	HandstandThreshold = 0.5

	InputName         = "input"
	OutputName        = "output"
	DefaultOutputSize = 1
	DefaultPoolSize   = 4
)

// ImageNet statistics the model was trained with.
var (
	ChannelMean = [InputChannels]float64{0.485, 0.456, 0.406}
	ChannelStd  = [InputChannels]float64{0.229, 0.224, 0.225}
)
