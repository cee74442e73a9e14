package app

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
)

const (
	dpi            = 120.0
	fontSize       = 12.0
	tickMarkWidth  = 5
	pixelsPerLabel = 150.0
	stripGap       = 10

	defaultTopBorder    = 20
	defaultLeftBorder   = 40
	defaultBottomBorder = 60
	defaultRightBorder  = 20

	defaultTimeFormat     = "15:04:05"
	defaultDatetimeFormat = time.DateTime
)

var (
	traceColor      = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	staleColor      = color.RGBA{R: 0xf0, G: 0xf0, B: 0xf0, A: 0xff}
	annotationColor = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
	eventColor      = color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff}
	axisColor       = color.RGBA{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff}
)

// BorderConfig defines the white space around the trace strips
type BorderConfig struct {
	Top    int
	Left   int
	Bottom int // Space for time scale and information bar
	Right  int
}

// RenderConfig holds the visualization options
type RenderConfig struct {
	TimeFormat     string
	DatetimeFormat string
	Location       *time.Location

	FontFile    string // Path to a TTF font; empty renders without text
	FontSize    float64
	StripHeight int

	BorderConfig BorderConfig
}

// TraceRenderer draws stacked per-channel waveform strips with a shared time
// axis, in the style of a chart recorder
type TraceRenderer struct {
	config RenderConfig
}

// NewTraceRenderer creates a renderer with the given configuration
func NewTraceRenderer(config RenderConfig) (*TraceRenderer, error) {
	if config.TimeFormat == "" {
		config.TimeFormat = defaultTimeFormat
	}
	if config.DatetimeFormat == "" {
		config.DatetimeFormat = defaultDatetimeFormat
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.StripHeight == 0 {
		config.StripHeight = 160
	}
	if config.BorderConfig.Top == 0 {
		config.BorderConfig.Top = defaultTopBorder
	}
	if config.BorderConfig.Left == 0 {
		config.BorderConfig.Left = defaultLeftBorder
	}
	if config.BorderConfig.Bottom == 0 {
		config.BorderConfig.Bottom = defaultBottomBorder
	}
	if config.BorderConfig.Right == 0 {
		config.BorderConfig.Right = defaultRightBorder
	}

	return &TraceRenderer{config: config}, nil
}

// Render creates the trace image with scales and markers
func (r *TraceRenderer) Render(ctx context.Context, spec *TraceData, withMarkers bool) (*image.RGBA, error) {
	channels := spec.Channels()
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channel data to render")
	}

	columns, err := spec.Columns(ctx)
	if err != nil {
		return nil, fmt.Errorf("reducing traces: %w", err)
	}

	tracesHeight := len(channels)*r.config.StripHeight + (len(channels)-1)*stripGap
	fullWidth := spec.width + r.config.BorderConfig.Left + r.config.BorderConfig.Right
	fullHeight := tracesHeight + r.config.BorderConfig.Top + r.config.BorderConfig.Bottom
	img := image.NewRGBA(image.Rect(0, 0, fullWidth, fullHeight))

	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	ann, err := newAnnotator(annotatorConfig{
		TimeFormat:     r.config.TimeFormat,
		DatetimeFormat: r.config.DatetimeFormat,
		Location:       r.config.Location,
		FontFile:       r.config.FontFile,
		FontSize:       r.config.FontSize,
		Borders:        r.config.BorderConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("creating annotator: %w", err)
	}
	defer ann.Close()

	r.shadeStaleSpans(img, spec, tracesHeight)

	for i, name := range channels {
		top := r.config.BorderConfig.Top + i*(r.config.StripHeight+stripGap)
		area := image.Rect(
			r.config.BorderConfig.Left,
			top,
			r.config.BorderConfig.Left+spec.width,
			top+r.config.StripHeight,
		)

		r.renderStrip(img, area, columns[name])

		if err = ann.drawStripLabel(img, area, name); err != nil {
			return nil, fmt.Errorf("drawing strip label: %w", err)
		}
	}

	if err = ann.drawTimeScale(img, spec, tracesHeight); err != nil {
		return nil, fmt.Errorf("drawing time scale: %w", err)
	}
	if err = ann.drawInfoBar(img, spec); err != nil {
		return nil, fmt.Errorf("drawing info bar: %w", err)
	}

	if withMarkers {
		if err = ann.drawMarkers(img, spec, tracesHeight); err != nil {
			return nil, fmt.Errorf("drawing markers: %w", err)
		}
	}

	return img, nil
}

// renderStrip draws one channel's min/max envelope into its strip area
func (r *TraceRenderer) renderStrip(img *image.RGBA, area image.Rectangle, columns []Column) {
	// midline
	midY := area.Min.Y + area.Dy()/2
	for x := area.Min.X; x < area.Max.X; x++ {
		img.Set(x, midY, axisColor)
	}

	lo, hi := valueBounds(columns)
	if hi <= lo {
		return
	}

	scale := float64(area.Dy()-2) / (hi - lo)
	for x, col := range columns {
		if !col.Valid {
			continue
		}

		yMax := area.Max.Y - 1 - int((col.Min-lo)*scale)
		yMin := area.Max.Y - 1 - int((col.Max-lo)*scale)
		for y := yMin; y <= yMax; y++ {
			img.Set(area.Min.X+x, y, traceColor)
		}
	}
}

// shadeStaleSpans lightens the columns where a device ran on stale
// carried-forward data
func (r *TraceRenderer) shadeStaleSpans(img *image.RGBA, spec *TraceData, tracesHeight int) {
	for _, ts := range spec.StaleTimes {
		x, ok := spec.timeToColumn(ts)
		if !ok {
			continue
		}

		imgX := r.config.BorderConfig.Left + x
		for y := r.config.BorderConfig.Top; y < r.config.BorderConfig.Top+tracesHeight; y++ {
			img.Set(imgX, y, staleColor)
		}
	}
}

func valueBounds(columns []Column) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, col := range columns {
		if !col.Valid {
			continue
		}
		lo = math.Min(lo, col.Min)
		hi = math.Max(hi, col.Max)
	}
	return lo, hi
}

// Internal annotator implementation

type annotatorConfig struct {
	TimeFormat     string
	DatetimeFormat string
	Location       *time.Location
	FontFile       string
	FontSize       float64
	Borders        BorderConfig
}

type annotator struct {
	context  *freetype.Context
	config   annotatorConfig
	fontFace font.Face
}

func newAnnotator(config annotatorConfig) (*annotator, error) {
	a := annotator{config: config}
	if config.FontFile == "" {
		return &a, nil // tick marks and markers only
	}

	fontBytes, err := os.ReadFile(config.FontFile)
	if err != nil {
		return nil, fmt.Errorf("reading font: %w", err)
	}

	parsedFont, err := freetype.ParseFont(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(config.FontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)

	a.context = ctx
	a.fontFace = truetype.NewFace(parsedFont, &truetype.Options{
		Size:    config.FontSize,
		DPI:     dpi,
		Hinting: font.HintingNone,
	})
	return &a, nil
}

func (a *annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

func (a *annotator) drawString(img *image.RGBA, s string, x, y int) error {
	if a.context == nil {
		return nil
	}

	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	_, err := a.context.DrawString(s, freetype.Pt(x, y))
	return err
}

func (a *annotator) fontHeight() int {
	if a.fontFace == nil {
		return 0
	}
	metrics := a.fontFace.Metrics()
	return (metrics.Ascent + metrics.Descent).Round()
}

func (a *annotator) drawStripLabel(img *image.RGBA, area image.Rectangle, name string) error {
	return a.drawString(img, name, area.Min.X+5, area.Min.Y+a.fontHeight()+2)
}

func (a *annotator) drawTimeScale(img *image.RGBA, spec *TraceData, tracesHeight int) error {
	duration := spec.TimestampEnd.Sub(spec.TimestampStart)
	if duration <= 0 {
		return nil
	}
	timeStep := calculateNiceTimeStep(duration, spec.width)

	scaleY := a.config.Borders.Top + tracesHeight

	for ts := spec.TimestampStart; !ts.After(spec.TimestampEnd); ts = ts.Add(timeStep) {
		x, ok := spec.timeToColumn(ts)
		if !ok {
			continue
		}
		imgX := a.config.Borders.Left + x

		for y := scaleY; y < scaleY+tickMarkWidth; y++ {
			img.Set(imgX, y, color.Black)
		}

		label := ts.In(a.config.Location).Format(a.config.TimeFormat)
		var width int
		if a.fontFace != nil {
			width = font.MeasureString(a.fontFace, label).Round()
		}
		if err := a.drawString(img, label, imgX-width/2, scaleY+tickMarkWidth+a.fontHeight()); err != nil {
			return fmt.Errorf("drawing time label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawInfoBar(img *image.RGBA, spec *TraceData) error {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Time: %s - %s",
		spec.TimestampStart.In(a.config.Location).Format(a.config.DatetimeFormat),
		spec.TimestampEnd.In(a.config.Location).Format(a.config.DatetimeFormat)))
	sb.WriteString("; ")
	sb.WriteString(fmt.Sprintf("%s frames", humanize.Comma(int64(spec.Frames))))
	sb.WriteString("; ")
	sb.WriteString(fmt.Sprintf("%s samples", humanize.Comma(spec.Samples())))

	metrics := a.fontHeight()
	textY := img.Bounds().Max.Y - (a.config.Borders.Bottom/4 - metrics/2)

	return a.drawString(img, sb.String(), a.config.Borders.Left, textY)
}

// drawMarkers overlays annotation and event positions as vertical lines
func (a *annotator) drawMarkers(img *image.RGBA, spec *TraceData, tracesHeight int) error {
	drawLine := func(ts time.Time, c color.Color) (int, bool) {
		x, ok := spec.timeToColumn(ts)
		if !ok {
			return 0, false
		}

		imgX := a.config.Borders.Left + x
		for y := a.config.Borders.Top; y < a.config.Borders.Top+tracesHeight; y++ {
			img.Set(imgX, y, c)
		}
		return imgX, true
	}

	for _, ev := range spec.Events {
		drawLine(ev.Timestamp, eventColor)
	}

	for _, ann := range spec.Annotations {
		imgX, ok := drawLine(ann.Timestamp, annotationColor)
		if !ok {
			continue
		}
		if err := a.drawString(img, ann.Label, imgX+3, a.config.Borders.Top+a.fontHeight()); err != nil {
			return fmt.Errorf("drawing annotation label: %w", err)
		}
	}
	return nil
}

func calculateNiceTimeStep(duration time.Duration, width int) time.Duration {
	desiredSteps := float64(width) / pixelsPerLabel
	roughStep := duration.Seconds() / desiredSteps

	niceIntervals := []float64{
		0.1, 0.25, 0.5,
		1, 2, 5, 10, 15, 30,
		60, 300, 600, 900, 1800,
		3600, 7200, 14400,
	}

	for _, interval := range niceIntervals {
		if roughStep <= interval {
			return time.Duration(interval * float64(time.Second))
		}
	}
	return 6 * time.Hour
}
