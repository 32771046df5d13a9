package puzzle

import (
	"image"
	"image/color"
	"math"
	"sync"
)

// targetRingPad is how far the drawn target ring sits outside the hit
// radius.
const targetRingPad = 6

// Frame describes what to draw, in whatever units the receiver expects.
type Frame struct {
	Target Circle
	Marker Circle
	State  State
}

// Renderer draws frames. It is never consulted for hit testing.
type Renderer interface {
	Render(Frame)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(Frame)

func (f RenderFunc) Render(fr Frame) { f(fr) }

// Surface is the puzzle's drawing area. Width and Height are logical;
// the backing store is PixelRatio times larger. Left and Top give the
// surface's offset in client coordinates.
type Surface struct {
	Width, Height float64
	PixelRatio    float64
	Left, Top     float64
}

func (s Surface) ratio() float64 {
	if s.PixelRatio <= 0 {
		return 1
	}
	return s.PixelRatio
}

// BackingSize is the pixel size of the backing store.
func (s Surface) BackingSize() (int, int) {
	r := s.ratio()
	return int(math.Round(s.Width * r)), int(math.Round(s.Height * r))
}

// Local converts client coordinates of an input event into logical surface
// coordinates, the space all hit tests use.
func (s Surface) Local(clientX, clientY float64) Point {
	return Point{X: clientX - s.Left, Y: clientY - s.Top}
}

// Scale maps a logical frame onto backing-store pixels.
func (s Surface) Scale(f Frame) Frame {
	r := s.ratio()
	scale := func(c Circle) Circle {
		return Circle{Center: Point{c.Center.X * r, c.Center.Y * r}, R: c.R * r}
	}
	return Frame{Target: scale(f.Target), Marker: scale(f.Marker), State: f.State}
}

// ScaledRenderer converts logical frames to backing pixels before handing
// them to Next.
type ScaledRenderer struct {
	Surface Surface
	Next    Renderer
}

func (s ScaledRenderer) Render(f Frame) {
	s.Next.Render(s.Surface.Scale(f))
}

var (
	markerColor = color.RGBA{0x48, 0xd5, 0x97, 0xff}
	targetColor = color.RGBA{0x2c, 0x6c, 0xf6, 0xff}
)

const ringWidth = 4

// RasterRenderer paints frames, already in backing pixels, into an RGBA
// image sized from a Surface.
type RasterRenderer struct {
	mu  sync.Mutex
	img *image.RGBA
	// ratio scales the ring stroke with the surface.
	ratio float64
}

func NewRasterRenderer(s Surface) *RasterRenderer {
	w, h := s.BackingSize()
	return &RasterRenderer{img: image.NewRGBA(image.Rect(0, 0, w, h)), ratio: s.ratio()}
}

func (r *RasterRenderer) Render(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.img.Pix)
	half := ringWidth * r.ratio / 2
	r.paint(f.Target.Center, f.Target.R+half, f.Target.R-half, targetColor)
	r.paint(f.Marker.Center, f.Marker.R, -1, markerColor)
}

// paint fills pixels whose centres lie within outer and beyond inner.
func (r *RasterRenderer) paint(c Point, outer, inner float64, col color.RGBA) {
	b := r.img.Bounds()
	x0 := max(b.Min.X, int(math.Floor(c.X-outer)))
	x1 := min(b.Max.X, int(math.Ceil(c.X+outer)))
	y0 := max(b.Min.Y, int(math.Floor(c.Y-outer)))
	y1 := min(b.Max.Y, int(math.Ceil(c.Y+outer)))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			d := c.Dist(Point{float64(x) + 0.5, float64(y) + 0.5})
			if d <= outer && d > inner {
				r.img.SetRGBA(x, y, col)
			}
		}
	}
}

// Image returns a copy of the current picture.
func (r *RasterRenderer) Image() *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := image.NewRGBA(r.img.Rect)
	copy(out.Pix, r.img.Pix)
	return out
}
