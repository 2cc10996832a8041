package mesh

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// VectorRenderer renders cloud layers and the transform path as vector
// graphics. Canvas units are millimeters.
type VectorRenderer struct {
	Layers         []CloudLayer
	Path           orb.LineString    // Transform path in cloud units; drawn when it has 2+ vertices
	Extent         float64           // Canvas size of the larger bounds side, in mm
	Padding        float64           // Padding in mm
	PointRadius    float64           // Point marker radius in mm
	GlobalRotation float64           // Rotate entire output, degrees CCW
	Resolution     canvas.Resolution // Resolution for PNG output
	GridSpacing    float64           // Grid spacing in cloud units; 0 disables the grid
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer(layers []CloudLayer) *VectorRenderer {
	return &VectorRenderer{
		Layers:      layers,
		Extent:      200,
		Padding:     10,
		PointRadius: 0.6,
		Resolution:  canvas.DPI(150),
	}
}

// NewRunRenderer creates a vector preview of a registration run.
func NewRunRenderer(snap *RunSnapshot) *VectorRenderer {
	r := NewVectorRenderer(PreviewLayers(snap))
	r.Path = TransformPath(snap.Report.Transform, snap.Trace)
	return r
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// layout holds the world-to-canvas mapping of one render.
type layout struct {
	minX, minY       float64
	centerX, centerY float64
	scale            float64
	width, height    float64
}

func (r *VectorRenderer) layout() layout {
	minX, minY, maxX, maxY, centerX, centerY := layerBounds(r.Layers, r.GlobalRotation)
	extent := math.Max(maxX-minX, maxY-minY)
	scale := 1.0
	if extent > 0 && r.Extent > 0 {
		scale = r.Extent / extent
	}
	return layout{
		minX: minX, minY: minY,
		centerX: centerX, centerY: centerY,
		scale:  scale,
		width:  (maxX-minX)*scale + 2*r.Padding,
		height: (maxY-minY)*scale + 2*r.Padding,
	}
}

// RenderToSVG writes the preview as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	l := r.layout()
	svgRenderer := svg.New(w, l.width, l.height, nil)
	r.renderToCanvas(svgRenderer, l)
	return svgRenderer.Close()
}

// RenderToPNG writes the preview as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	l := r.layout()
	rast := rasterizer.New(l.width, l.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, l)
	// Rasterizer implements draw.Image.
	return png.Encode(w, rast)
}

// renderToCanvas renders the layers to a canvas renderer (shared logic for SVG and PNG)
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, l layout) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(l.width, l.height), bgStyle, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		rx, ry := rotateAbout(x, y, l.centerX, l.centerY, r.GlobalRotation)
		return (rx-l.minX)*l.scale + r.Padding, (ry-l.minY)*l.scale + r.Padding
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1.0, 1.0}

		maxX := l.minX + (l.width-2*r.Padding)/l.scale
		maxY := l.minY + (l.height-2*r.Padding)/l.scale
		for x := math.Ceil(l.minX/r.GridSpacing) * r.GridSpacing; x <= maxX; x += r.GridSpacing {
			cx := (x-l.minX)*l.scale + r.Padding
			gridPath := &canvas.Path{}
			gridPath.MoveTo(cx, r.Padding)
			gridPath.LineTo(cx, l.height-r.Padding)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Ceil(l.minY/r.GridSpacing) * r.GridSpacing; y <= maxY; y += r.GridSpacing {
			cy := (y-l.minY)*l.scale + r.Padding
			gridPath := &canvas.Path{}
			gridPath.MoveTo(r.Padding, cy)
			gridPath.LineTo(l.width-r.Padding, cy)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	for _, layer := range r.Layers {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(layer.Color)}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}

		for _, p := range layer.Cloud.Points {
			cx, cy := toCanvas(p.X, p.Y)
			renderer.RenderPath(canvas.Circle(r.PointRadius).Translate(cx, cy), style, canvas.Identity)
		}
	}

	if len(r.Path) >= 2 {
		pathStyle := canvas.DefaultStyle
		pathStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		pathStyle.Stroke = canvas.Paint{Color: canvas.Black}
		pathStyle.StrokeWidth = 0.4

		cp := &canvas.Path{}
		for i, pt := range r.Path {
			cx, cy := toCanvas(pt[0], pt[1])
			if i == 0 {
				cp.MoveTo(cx, cy)
			} else {
				cp.LineTo(cx, cy)
			}
		}
		renderer.RenderPath(cp, pathStyle, canvas.Identity)

		endStyle := canvas.DefaultStyle
		endStyle.Fill = canvas.Paint{Color: canvas.Black}
		last := r.Path[len(r.Path)-1]
		cx, cy := toCanvas(last[0], last[1])
		renderer.RenderPath(canvas.Circle(2*r.PointRadius).Translate(cx, cy), endStyle, canvas.Identity)
	}
}
