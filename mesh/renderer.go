package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// CloudLayer is one cloud drawn in a preview, projected on the XY plane.
type CloudLayer struct {
	Name  string
	Cloud Cloud[XYZ]
	Color color.NRGBA
}

// Preview layer colors. The aligned layer uses the pair color.
var (
	TargetColor = color.NRGBA{140, 140, 140, 200}
	SourceColor = color.NRGBA{255, 99, 71, 120}
)

// PreviewLayers returns the layers of a run preview: target, the source as
// received and the aligned source.
func PreviewLayers(snap *RunSnapshot) []CloudLayer {
	aligned := parseHexColor(snap.Color)
	return []CloudLayer{
		{Name: "target", Cloud: snap.Target, Color: TargetColor},
		{Name: "source", Cloud: snap.Source, Color: SourceColor},
		{Name: "aligned", Cloud: snap.Aligned, Color: color.NRGBA{aligned.R, aligned.G, aligned.B, 255}},
	}
}

// PreviewCaption summarizes a run in one line for raster previews.
func PreviewCaption(r RegistrationReport) string {
	status := "converged"
	if !r.Converged {
		status = "failed at " + r.Stage
	}
	return fmt.Sprintf("%s  %s  %d it  fitness %.4g", r.PairID, status, r.Iterations, r.Fitness)
}

// CompositeRenderer rasterizes cloud layers into a single image
type CompositeRenderer struct {
	Layers         []CloudLayer
	Caption        string
	Scale          float64 // Pixels per cloud unit; 0 fits the larger side to MaxSize
	MaxSize        int     // Largest image side in pixels
	Padding        int     // Padding around the image
	PointRadius    int
	GlobalRotation float64 // Rotate entire output, degrees CCW
}

// NewCompositeRenderer creates a raster renderer with default settings
func NewCompositeRenderer(layers []CloudLayer) *CompositeRenderer {
	return &CompositeRenderer{
		Layers:      layers,
		MaxSize:     800,
		Padding:     40,
		PointRadius: 2,
	}
}

// HasDrawableContent reports whether any layer has points.
func (r *CompositeRenderer) HasDrawableContent() bool {
	for _, l := range r.Layers {
		if l.Cloud.Len() > 0 {
			return true
		}
	}
	return false
}

// CalculateBounds returns the XY bounds of all layers after global rotation.
func (r *CompositeRenderer) CalculateBounds() (minX, minY, maxX, maxY, centerX, centerY float64) {
	return layerBounds(r.Layers, r.GlobalRotation)
}

// layerBounds returns the XY bounds of all layers rotated by rotationDeg
// about the center of the unrotated bounds. Without points everything is 0.
func layerBounds(layers []CloudLayer, rotationDeg float64) (minX, minY, maxX, maxY, centerX, centerY float64) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64

	visit := func(f func(x, y float64)) {
		for _, l := range layers {
			for _, p := range l.Cloud.Points {
				f(p.X, p.Y)
			}
		}
	}
	extend := func(x, y float64) {
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}

	visit(extend)
	if minX > maxX {
		return 0, 0, 0, 0, 0, 0
	}
	centerX, centerY = (minX+maxX)/2, (minY+maxY)/2

	if rotationDeg != 0 {
		cx, cy := centerX, centerY
		minX, minY = math.MaxFloat64, math.MaxFloat64
		maxX, maxY = -math.MaxFloat64, -math.MaxFloat64
		visit(func(x, y float64) {
			extend(rotateAbout(x, y, cx, cy, rotationDeg))
		})
	}
	return minX, minY, maxX, maxY, centerX, centerY
}

func rotateAbout(x, y, cx, cy, deg float64) (float64, float64) {
	if deg == 0 {
		return x, y
	}
	rad := deg2rad(deg)
	dx, dy := x-cx, y-cy
	return dx*math.Cos(rad) - dy*math.Sin(rad) + cx, dx*math.Sin(rad) + dy*math.Cos(rad) + cy
}

// Render draws all layers in order, then the legend and caption.
func (r *CompositeRenderer) Render() *image.RGBA {
	minX, minY, maxX, maxY, centerX, centerY := r.CalculateBounds()

	maxSize := r.MaxSize
	if maxSize <= 0 {
		maxSize = 800
	}
	scale := r.Scale
	extent := math.Max(maxX-minX, maxY-minY)
	if scale <= 0 {
		scale = 1
		if extent > 0 {
			scale = float64(maxSize-2*r.Padding-1) / extent
		}
	}
	if extent > 0 && extent*scale > float64(maxSize-2*r.Padding-1) {
		scale = float64(maxSize-2*r.Padding-1) / extent
	}

	width := int((maxX-minX)*scale) + 2*r.Padding + 1
	height := int((maxY-minY)*scale) + 2*r.Padding + 1

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{240, 240, 240, 255})
		}
	}

	// Image rows grow downward; cloud Y grows upward.
	toImage := func(x, y float64) (int, int) {
		rx, ry := rotateAbout(x, y, centerX, centerY, r.GlobalRotation)
		ix := int((rx-minX)*scale) + r.Padding
		iy := height - 1 - (int((ry-minY)*scale) + r.Padding)
		return ix, iy
	}

	for _, l := range r.Layers {
		for _, p := range l.Cloud.Points {
			ix, iy := toImage(p.X, p.Y)
			blendDisc(img, ix, iy, r.PointRadius, l.Color)
		}
	}

	r.drawLegend(img)
	if r.Caption != "" {
		drawText(img, 10, height-10, r.Caption, color.RGBA{0, 0, 0, 255})
	}
	return img
}

// WritePNG encodes the rendered image as PNG.
func (r *CompositeRenderer) WritePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// SavePNG saves the composite image to a file
func (r *CompositeRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.WritePNG(f)
}

func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	// RGBA is premultiplied; un-premultiply the background first.
	var bgNRGBA color.NRGBA
	switch bg.A {
	case 0:
		bgNRGBA = color.NRGBA{0, 0, 0, 0}
	case 255:
		bgNRGBA = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		alpha32 := uint32(bg.A)
		bgNRGBA = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / alpha32),
			G: uint8((uint32(bg.G) * 255) / alpha32),
			B: uint8((uint32(bg.B) * 255) / alpha32),
			A: bg.A,
		}
	}

	alpha := float64(fg.A) / 255.0
	invAlpha := 1.0 - alpha

	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(bgNRGBA.R)*invAlpha),
		G: uint8(float64(fg.G)*alpha + float64(bgNRGBA.G)*invAlpha),
		B: uint8(float64(fg.B)*alpha + float64(bgNRGBA.B)*invAlpha),
		A: 255,
	}
}

// blendDisc alpha-blends a filled disc onto the image.
func blendDisc(img *image.RGBA, cx, cy, radius int, c color.NRGBA) {
	b := img.Bounds()
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			x, y := cx+dx, cy+dy
			if x >= 0 && x < b.Max.X && y >= 0 && y < b.Max.Y {
				img.Set(x, y, blendColors(img.RGBAAt(x, y), c))
			}
		}
	}
}

// drawLegend adds a swatch and name per layer in the top-left corner.
func (r *CompositeRenderer) drawLegend(img *image.RGBA) {
	y := 15
	for _, l := range r.Layers {
		swatch := color.RGBA{l.Color.R, l.Color.G, l.Color.B, 255}
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-10, swatch)
			}
		}
		drawText(img, 28, y, fmt.Sprintf("%s (%d)", l.Name, l.Cloud.Len()), color.RGBA{0, 0, 0, 255})
		y += 18
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses a hex color string like "#FF6B6B" to color.RGBA
func parseHexColor(hex string) color.RGBA {
	// Default to red if parsing fails
	defaultColor := color.RGBA{255, 0, 0, 255}

	if len(hex) == 0 {
		return defaultColor
	}
	if hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}
