package types

import (
	"image"
	"image/color"
	"math"
	"time"
)

// PixelFormat identifies the byte layout of a ColorFrame
type PixelFormat uint8

const (
	PixelFormatRGB24 PixelFormat = iota // 3 bytes per pixel, R G B
	PixelFormatBGR24                    // 3 bytes per pixel, B G R
)

// ColorFrame represents one color image delivered by the sensor
type ColorFrame struct {
	Data      []byte      // Packed pixel data (Width*Height*3)
	Format    PixelFormat // Byte order of Data
	Width     int         // Frame width
	Height    int         // Frame height
	Timestamp time.Time   // Sensor capture timestamp
	FrameNum  uint64      // Sequential frame number
}

// DepthFrame is a per-pixel distance map aligned to a ColorFrame.
// Raw values are multiplied by Scale to obtain meters; 0 means no reading.
type DepthFrame struct {
	Data      []uint16
	Width     int
	Height    int
	Scale     float64
	Timestamp time.Time
	FrameNum  uint64
}

// Image converts the frame into an RGBA image
func (f *ColorFrame) Image() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	if len(f.Data) < n*3 {
		return img
	}
	for i := 0; i < n; i++ {
		r, g, b := f.Data[i*3], f.Data[i*3+1], f.Data[i*3+2]
		if f.Format == PixelFormatBGR24 {
			r, b = b, r
		}
		img.Pix[i*4] = r
		img.Pix[i*4+1] = g
		img.Pix[i*4+2] = b
		img.Pix[i*4+3] = 0xff
	}
	return img
}

// ColorFrameFromImage packs any image into an RGB24 ColorFrame
func ColorFrameFromImage(img image.Image) *ColorFrame {
	b := img.Bounds()
	f := &ColorFrame{
		Data:   make([]byte, b.Dx()*b.Dy()*3),
		Format: PixelFormatRGB24,
		Width:  b.Dx(),
		Height: b.Dy(),
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			f.Data[i], f.Data[i+1], f.Data[i+2] = c.R, c.G, c.B
			i += 3
		}
	}
	return f
}

// DepthFrameFromImage reads a 16-bit grayscale image as a depth map
func DepthFrameFromImage(img image.Image, scale float64) *DepthFrame {
	b := img.Bounds()
	f := &DepthFrame{
		Data:   make([]uint16, b.Dx()*b.Dy()),
		Width:  b.Dx(),
		Height: b.Dy(),
		Scale:  scale,
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			f.Data[i] = color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y
			i++
		}
	}
	return f
}

// Meters returns the distance at (x, y). Out-of-range pixels and
// missing readings yield NaN.
func (f *DepthFrame) Meters(x, y int) float64 {
	if f == nil || x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return math.NaN()
	}
	idx := y*f.Width + x
	if idx >= len(f.Data) {
		return math.NaN()
	}
	raw := f.Data[idx]
	if raw == 0 {
		return math.NaN()
	}
	return float64(raw) * f.Scale
}
