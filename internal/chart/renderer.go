package chart

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/signals-back/pkg/config"
	"github.com/signals-back/pkg/models"
)

const maxChartCandles = 90

var (
	colBackground = color.RGBA{R: 250, G: 252, B: 255, A: 255}
	colGrid       = color.RGBA{R: 225, G: 232, B: 240, A: 255}
	colBull       = color.RGBA{R: 18, G: 140, B: 126, A: 255}
	colBear       = color.RGBA{R: 210, G: 61, B: 87, A: 255}
	colWick       = color.RGBA{R: 58, G: 64, B: 90, A: 255}
	colPivot      = color.RGBA{R: 62, G: 106, B: 214, A: 255}
	colResistance = color.RGBA{R: 210, G: 61, B: 87, A: 255}
	colSupport    = color.RGBA{R: 18, G: 140, B: 126, A: 255}
	colVolume     = color.RGBA{R: 120, G: 139, B: 164, A: 255}
)

// BarSource provides the daily history rendered behind the levels
type BarSource interface {
	GetBars(ctx context.Context, symbol, interval, dataRange string) ([]models.Bar, error)
}

// Renderer draws the candlestick chart attached to each posted signal:
// recent daily candles, the floor-trader pivot levels, and a volume pane
type Renderer struct {
	bars   BarSource
	cfg    *config.ChartConfig
	logger *logrus.Entry
}

// NewRenderer creates a chart renderer
func NewRenderer(bars BarSource, cfg *config.ChartConfig, logger *logrus.Logger) *Renderer {
	return &Renderer{
		bars:   bars,
		cfg:    cfg,
		logger: logger.WithField("component", "chart"),
	}
}

// Render produces a PNG chart for a candidate at its current levels
func (r *Renderer) Render(ctx context.Context, c models.Candidate, price *models.PriceContext) ([]byte, error) {
	bars, err := r.bars.GetBars(ctx, c.PriceSymbol, "1d", "3mo")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chart bars: %w", err)
	}
	return r.renderBars(bars, price)
}

func (r *Renderer) renderBars(bars []models.Bar, price *models.PriceContext) ([]byte, error) {
	series := normalizeBars(bars)
	if len(series) < 2 {
		return nil, fmt.Errorf("need at least 2 bars to render chart")
	}
	if len(series) > maxChartCandles {
		series = series[len(series)-maxChartCandles:]
	}

	width, height := r.cfg.Width, r.cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fillRect(img, img.Bounds(), colBackground)

	mainRect := image.Rect(60, 20, width-20, (height*72)/100)
	volRect := image.Rect(60, mainRect.Max.Y+16, width-20, height-30)
	drawGrid(img, mainRect, 8, 6)
	drawGrid(img, volRect, 8, 3)

	minPrice, maxPrice := priceBounds(series, price.Pivots)
	drawCandles(img, mainRect, series, minPrice, maxPrice)
	drawPivotLevels(img, mainRect, price.Pivots, minPrice, maxPrice)
	drawVolume(img, volRect, series)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode chart: %w", err)
	}

	return buf.Bytes(), nil
}

func normalizeBars(in []models.Bar) []models.Bar {
	out := make([]models.Bar, 0, len(in))
	for _, b := range in {
		if b.Close == 0 {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// priceBounds spans the candle range plus any pivot level that falls
// near it, so the lines stay on canvas without squashing the candles
func priceBounds(bars []models.Bar, pivots models.PivotLevels) (float64, float64) {
	minPrice := bars[0].Low
	maxPrice := bars[0].High
	for _, b := range bars {
		if b.Low < minPrice {
			minPrice = b.Low
		}
		if b.High > maxPrice {
			maxPrice = b.High
		}
	}

	span := maxPrice - minPrice
	if span <= 0 {
		span = 1
	}
	for _, level := range []float64{pivots.S2, pivots.S1, pivots.PP, pivots.R1, pivots.R2} {
		if math.IsNaN(level) || level == 0 {
			continue
		}
		// Levels far outside the candle range are clipped, not fitted
		if level < minPrice && minPrice-level < span/2 {
			minPrice = level
		}
		if level > maxPrice && level-maxPrice < span/2 {
			maxPrice = level
		}
	}

	if maxPrice <= minPrice {
		maxPrice = minPrice + 1
	}
	return minPrice, maxPrice
}

func drawCandles(img *image.RGBA, rect image.Rectangle, bars []models.Bar, minPrice, maxPrice float64) {
	candleWidth := maxInt(3, (rect.Dx()-10)/len(bars)-1)
	for i, b := range bars {
		x := mapIndexToX(i, len(bars), rect)
		highY := mapValueToY(b.High, minPrice, maxPrice, rect)
		lowY := mapValueToY(b.Low, minPrice, maxPrice, rect)
		drawLine(img, x, highY, x, lowY, colWick)

		openY := mapValueToY(b.Open, minPrice, maxPrice, rect)
		closeY := mapValueToY(b.Close, minPrice, maxPrice, rect)
		top := minInt(openY, closeY)
		bottom := maxInt(openY, closeY)
		if bottom-top < 2 {
			bottom = top + 2
		}

		bodyRect := image.Rect(x-candleWidth/2, top, x+candleWidth/2+1, bottom+1)
		bodyColor := colBull
		if b.Close < b.Open {
			bodyColor = colBear
		}
		fillRect(img, bodyRect, bodyColor)
	}
}

func drawPivotLevels(img *image.RGBA, rect image.Rectangle, pivots models.PivotLevels, minPrice, maxPrice float64) {
	levels := []struct {
		value float64
		col   color.RGBA
	}{
		{pivots.S2, colSupport},
		{pivots.S1, colSupport},
		{pivots.PP, colPivot},
		{pivots.R1, colResistance},
		{pivots.R2, colResistance},
	}
	for _, l := range levels {
		if math.IsNaN(l.value) || l.value == 0 {
			continue
		}
		if l.value < minPrice || l.value > maxPrice {
			continue
		}
		y := mapValueToY(l.value, minPrice, maxPrice, rect)
		drawDashedLine(img, rect.Min.X, y, rect.Max.X, l.col)
	}
}

func drawVolume(img *image.RGBA, rect image.Rectangle, bars []models.Bar) {
	maxVol := 0.0
	for _, b := range bars {
		if b.Volume > maxVol {
			maxVol = b.Volume
		}
	}
	if maxVol == 0 {
		return
	}

	barW := maxInt(1, (rect.Dx()-10)/len(bars)-1)
	for i, b := range bars {
		x := mapIndexToX(i, len(bars), rect)
		y := mapValueToY(b.Volume, 0, maxVol, rect)
		fillRect(img, image.Rect(x-barW/2, y, x+barW/2+1, rect.Max.Y), colVolume)
	}
}

func drawGrid(img *image.RGBA, rect image.Rectangle, verticalLines, horizontalLines int) {
	for i := 0; i <= verticalLines; i++ {
		x := rect.Min.X + (rect.Dx()*i)/maxInt(1, verticalLines)
		drawLine(img, x, rect.Min.Y, x, rect.Max.Y, colGrid)
	}
	for i := 0; i <= horizontalLines; i++ {
		y := rect.Min.Y + (rect.Dy()*i)/maxInt(1, horizontalLines)
		drawLine(img, rect.Min.X, y, rect.Max.X, y, colGrid)
	}
}

func mapIndexToX(idx, total int, rect image.Rectangle) int {
	if total <= 1 {
		return rect.Min.X
	}
	return rect.Min.X + (idx*(rect.Dx()-1))/(total-1)
}

func mapValueToY(value, minV, maxV float64, rect image.Rectangle) int {
	if maxV <= minV {
		return rect.Max.Y
	}
	ratio := (value - minV) / (maxV - minV)
	ratio = math.Max(0, math.Min(1, ratio))
	return rect.Max.Y - int(ratio*float64(rect.Dy()-1))
}

func fillRect(img *image.RGBA, rect image.Rectangle, col color.RGBA) {
	r := rect.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, col)
		}
	}
}

func drawDashedLine(img *image.RGBA, x0, y, x1 int, col color.RGBA) {
	for x := x0; x <= x1; x++ {
		if (x/6)%2 == 0 && image.Pt(x, y).In(img.Bounds()) {
			img.SetRGBA(x, y, col)
		}
	}
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int, col color.RGBA) {
	dx := absInt(x1 - x0)
	sx := -1
	if x0 < x1 {
		sx = 1
	}
	dy := -absInt(y1 - y0)
	sy := -1
	if y0 < y1 {
		sy = 1
	}
	err := dx + dy
	for {
		if image.Pt(x0, y0).In(img.Bounds()) {
			img.SetRGBA(x0, y0, col)
		}
		if x0 == x1 && y0 == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			if x0 == x1 {
				break
			}
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			if y0 == y1 {
				break
			}
			err += dx
			y0 += sy
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
