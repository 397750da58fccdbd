package sheet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniformDims(n int, w, h float64) []Dim {
	dims := make([]Dim, n)
	for i := range dims {
		dims[i] = Dim{Width: w, Height: h}
	}
	return dims
}

func TestPackCoversEveryPageExactlyOnce(t *testing.T) {
	dims := uniformDims(37, 600, 842)
	sheets, err := Pack(dims, StandardSheetHeight(dims))
	require.NoError(t, err)

	placed := 0
	next := 0
	for _, sheet := range sheets {
		for _, p := range sheet.Pages {
			assert.Equal(t, next, p.PageIndex)
			next++
			placed++
		}
	}
	assert.Equal(t, len(dims), placed)
}

func TestPackRespectsHeightLimit(t *testing.T) {
	dims := uniformDims(50, 500, 777)
	sheets, err := Pack(dims, StandardSheetHeight(dims))
	require.NoError(t, err)

	for _, sheet := range sheets {
		total := 0.0
		for _, p := range sheet.Pages {
			total += p.Height
		}
		assert.LessOrEqual(t, total, MaxSheetHeightPt+Epsilon)
	}
}

func TestPackUsesUniformCanvasHeight(t *testing.T) {
	dims := uniformDims(23, 500, 842)
	standard := StandardSheetHeight(dims)
	sheets, err := Pack(dims, standard)
	require.NoError(t, err)

	for _, sheet := range sheets {
		assert.Equal(t, standard, sheet.CanvasHeight)
	}
}

func TestPackPlacementsStayOnCanvas(t *testing.T) {
	dims := []Dim{
		{Width: 400, Height: 842},
		{Width: 880, Height: 600},
		{Width: 200, Height: 1200},
		{Width: 600, Height: 842},
	}
	sheets, err := Pack(dims, StandardSheetHeight(dims))
	require.NoError(t, err)

	for _, sheet := range sheets {
		for _, p := range sheet.Pages {
			assert.GreaterOrEqual(t, p.X, 0.0)
			assert.LessOrEqual(t, p.X+p.Width, SheetWidthPt+Epsilon)
			assert.GreaterOrEqual(t, p.Y, 0.0)
			assert.LessOrEqual(t, p.Y+p.Height, sheet.CanvasHeight+Epsilon)
		}
	}
}

func TestPackCentersPagesHorizontally(t *testing.T) {
	dims := []Dim{{Width: 500, Height: 700}}
	sheets, err := Pack(dims, StandardSheetHeight(dims))
	require.NoError(t, err)
	require.Len(t, sheets, 1)

	p := sheets[0].Pages[0]
	assert.InDelta(t, (SheetWidthPt-500)/2, p.X, 1e-9)
}

func TestPackNearLimitPagesGetOnePerSheet(t *testing.T) {
	// Pages just inside the tolerance still fit, one per sheet.
	dims := uniformDims(4, 500, MaxSheetHeightPt+Epsilon/2)
	sheets, err := Pack(dims, StandardSheetHeight(dims))
	require.NoError(t, err)

	assert.Len(t, sheets, 4)
	for _, sheet := range sheets {
		assert.Len(t, sheet.Pages, 1)
	}
}

func TestPackRejectsOversizePage(t *testing.T) {
	dims := []Dim{{Width: 500, Height: MaxSheetHeightPt + 1}}

	_, err := Pack(dims, MaxSheetHeightPt)
	var tooTall *ErrPageTooTall
	require.ErrorAs(t, err, &tooTall)
	assert.Equal(t, 0, tooTall.PageIndex)
}

func TestPackBailsToFullHeightForAnomalousSheet(t *testing.T) {
	// A short leading section drives the standard height down; the tall
	// section later must not hang off the canvas.
	dims := append(uniformDims(1, 500, 400), uniformDims(5, 500, 842)...)
	standard := 400.0

	sheets, err := Pack(dims, standard)
	require.NoError(t, err)

	for _, sheet := range sheets {
		total := 0.0
		for _, p := range sheet.Pages {
			total += p.Height
		}
		if total > standard+Epsilon {
			assert.Equal(t, MaxSheetHeightPt, sheet.CanvasHeight)
		} else {
			assert.Equal(t, standard, sheet.CanvasHeight)
		}
	}
}

func TestStandardSheetHeightUsesFirstSheet(t *testing.T) {
	// Three 842pt pages per sheet: the first simulated total wins.
	dims := uniformDims(12, 500, 842)
	assert.InDelta(t, 842*3, StandardSheetHeight(dims), Epsilon)
}

func TestStandardSheetHeightSkipsShortLeadingSheet(t *testing.T) {
	// First sheet is one short page, well under half the max; a later
	// full sheet's total is preferred. Twenty pages let the simulation
	// cover two sheets.
	dims := append([]Dim{{Width: 500, Height: 400}}, uniformDims(19, 500, 2500)...)

	got := StandardSheetHeight(dims)
	assert.InDelta(t, 2500, got, Epsilon)
}

func TestStandardSheetHeightFallsBackToMax(t *testing.T) {
	assert.Equal(t, MaxSheetHeightPt, StandardSheetHeight(nil))
}

func TestStandardSheetHeightSinglePage(t *testing.T) {
	dims := []Dim{{Width: 500, Height: 1500}}
	assert.InDelta(t, 1500, StandardSheetHeight(dims), Epsilon)
}
