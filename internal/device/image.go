package device

import (
	"fmt"

	"github.com/x448/float16"
)

// BufferType selects how a logical tensor shape maps onto a 2-D image.
type BufferType int

const (
	// InOutChannel packs NHWC with channels grouped by 4: (ceil(C/4)*W, N*H).
	InOutChannel BufferType = iota
	// InOutHeight packs NHWC with height grouped by 4: (W*C, N*ceil(H/4)).
	// The Winograd-domain tensor [16, C, T, 1] lands on (T, 16*ceil(C/4)).
	InOutHeight
	// Argument packs a 1-D per-channel vector: (ceil(C/4), 1).
	Argument
)

func (bt BufferType) String() string {
	switch bt {
	case InOutChannel:
		return "IN_OUT_CHANNEL"
	case InOutHeight:
		return "IN_OUT_HEIGHT"
	case Argument:
		return "ARGUMENT"
	default:
		return fmt.Sprintf("BufferType(%d)", int(bt))
	}
}

// ImageShape returns the (width, height) of the image holding shape in layout bt.
func ImageShape(shape []int, bt BufferType) [2]int {
	switch bt {
	case InOutHeight:
		return [2]int{shape[2] * shape[3], shape[0] * RoundUpDiv4(shape[1])}
	case Argument:
		return [2]int{RoundUpDiv4(shape[0]), 1}
	default:
		return [2]int{RoundUpDiv4(shape[3]) * shape[2], shape[0] * shape[1]}
	}
}

// pixelOf maps a logical NHWC (or 1-D) index onto image coordinates and a lane.
func pixelOf(shape []int, bt BufferType, idx []int) (x, y, lane int) {
	switch bt {
	case InOutHeight:
		n, h, w, c := idx[0], idx[1], idx[2], idx[3]
		return w*shape[3] + c, n*RoundUpDiv4(shape[1]) + h/4, h % 4
	case Argument:
		return idx[0] / 4, 0, idx[0] % 4
	default:
		n, h, w, c := idx[0], idx[1], idx[2], idx[3]
		return (c/4)*shape[2] + w, n*shape[1] + h, c % 4
	}
}

// Image is a 2-D array of 4-lane pixels, the host-side model of an image2d_t.
// Reads outside the image return zero; writes outside it are dropped.
type Image struct {
	width, height int
	dtype         DataType
	capacity      int // pixels
	f32           []float32
	f16           []float16.Float16
}

func newImage(width, height int, dt DataType) *Image {
	img := &Image{dtype: dt}
	img.reshape(width, height)
	return img
}

// reshape resizes the image in place, reallocating only when capacity is short.
// Negative dimensions are treated as zero.
func (img *Image) reshape(width, height int) {
	width, height = max(0, width), max(0, height)
	pixels := width * height
	if pixels > img.capacity {
		img.capacity = pixels
		if img.dtype == Float16 {
			img.f16 = make([]float16.Float16, pixels*4)
		} else {
			img.f32 = make([]float32, pixels*4)
		}
	} else {
		img.zero(pixels)
	}
	img.width, img.height = width, height
}

func (img *Image) zero(pixels int) {
	if img.dtype == Float16 {
		clear(img.f16[:pixels*4])
	} else {
		clear(img.f32[:pixels*4])
	}
}

func (img *Image) Width() int         { return img.width }
func (img *Image) Height() int        { return img.height }
func (img *Image) DataType() DataType { return img.dtype }
func (img *Image) Shape() [2]int      { return [2]int{img.width, img.height} }

// SizeBytes is the allocated storage, not the logical size.
func (img *Image) SizeBytes() int {
	return img.capacity * 4 * img.dtype.Size()
}

// Fits reports whether the image already covers a (width, height) request.
func (img *Image) Fits(shape [2]int) bool {
	return shape[0] <= img.width && shape[1] <= img.height
}

func (img *Image) ReadPixel(x, y int) [4]float32 {
	var px [4]float32
	if x < 0 || y < 0 || x >= img.width || y >= img.height {
		return px
	}
	off := (y*img.width + x) * 4
	if img.dtype == Float16 {
		for i := range px {
			px[i] = img.f16[off+i].Float32()
		}
		return px
	}
	copy(px[:], img.f32[off:off+4])
	return px
}

func (img *Image) WritePixel(x, y int, px [4]float32) {
	if x < 0 || y < 0 || x >= img.width || y >= img.height {
		return
	}
	off := (y*img.width + x) * 4
	if img.dtype == Float16 {
		for i, v := range px {
			img.f16[off+i] = float16.Fromfloat32(v)
		}
		return
	}
	copy(img.f32[off:off+4], px[:])
}

// Tensor is a logical N-D tensor stored in a device image.
type Tensor struct {
	rt         Runtime
	dtype      DataType
	bufferType BufferType
	shape      []int
	image      *Image
}

// NewTensor creates an unallocated tensor; call ResizeImage before binding it.
func NewTensor(rt Runtime, dt DataType) *Tensor {
	return &Tensor{rt: rt, dtype: dt}
}

// NewImageTensor allocates a tensor of the given shape in layout bt.
func NewImageTensor(rt Runtime, shape []int, bt BufferType, dt DataType) *Tensor {
	t := NewTensor(rt, dt)
	t.ResizeImage(shape, bt, ImageShape(shape, bt))
	return t
}

// ResizeImage sets the logical shape and makes sure the backing image covers imageShape.
// The current image is kept when it is large enough; otherwise it is returned to the
// runtime pool and a new one is allocated, which changes Image() identity.
func (t *Tensor) ResizeImage(shape []int, bt BufferType, imageShape [2]int) {
	t.shape = append(t.shape[:0], shape...)
	t.bufferType = bt
	if t.image != nil && t.image.Fits(imageShape) {
		return
	}
	if t.image != nil {
		t.rt.ReleaseImage(t.image)
	}
	t.image = t.rt.NewImage(imageShape[0], imageShape[1], t.dtype)
}

func (t *Tensor) Shape() []int {
	out := make([]int, len(t.shape))
	copy(out, t.shape)
	return out
}

func (t *Tensor) Dim(i int) int          { return t.shape[i] }
func (t *Tensor) DataType() DataType     { return t.dtype }
func (t *Tensor) BufferType() BufferType { return t.bufferType }
func (t *Tensor) Image() *Image          { return t.image }

func (t *Tensor) Size() int {
	if len(t.shape) == 0 {
		return 0
	}
	size := 1
	for _, d := range t.shape {
		size *= d
	}
	return size
}

// CopyFromHost writes data, given in logical row-major order, into the image.
func (t *Tensor) CopyFromHost(data []float32) error {
	if t.image == nil {
		return fmt.Errorf("tensor has no image")
	}
	if len(data) != t.Size() {
		return fmt.Errorf("size mismatch: tensor %v holds %d values, got %d", t.shape, t.Size(), len(data))
	}
	t.forEach(func(i int, idx []int) {
		x, y, lane := pixelOf(t.shape, t.bufferType, idx)
		px := t.image.ReadPixel(x, y)
		px[lane] = data[i]
		t.image.WritePixel(x, y, px)
	})
	return nil
}

// ToHost reads the tensor back in logical row-major order.
// The caller must have waited on any future producing this tensor.
func (t *Tensor) ToHost() []float32 {
	out := make([]float32, t.Size())
	if t.image == nil {
		return out
	}
	t.forEach(func(i int, idx []int) {
		x, y, lane := pixelOf(t.shape, t.bufferType, idx)
		out[i] = t.image.ReadPixel(x, y)[lane]
	})
	return out
}

// Release returns the image to the runtime pool.
func (t *Tensor) Release() {
	if t.image != nil {
		t.rt.ReleaseImage(t.image)
		t.image = nil
	}
}

func (t *Tensor) forEach(fn func(i int, idx []int)) {
	idx := make([]int, len(t.shape))
	n := t.Size()
	for i := 0; i < n; i++ {
		fn(i, idx)
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.shape[d] {
				break
			}
			idx[d] = 0
		}
	}
}
