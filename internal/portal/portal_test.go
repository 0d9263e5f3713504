package portal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hourly(asset string, from, n int) []domain.Bar {
	bars := make([]domain.Bar, 0, n)
	for i := from; i < from+n; i++ {
		bars = append(bars, domain.Bar{Symbol: asset, Timestamp: t0.Add(time.Duration(i) * time.Hour), Close: float64(100 + i)})
	}
	return bars
}

func TestNewAlignsByIntersection(t *testing.T) {
	series := map[string][]domain.Bar{
		"A": hourly("A", 0, 10),
		"B": hourly("B", 3, 10),
	}
	// Drop one interior bar of B.
	series["B"] = append(series["B"][:2], series["B"][3:]...)

	p, err := New([]string{"A", "B"}, series, time.Time{}, time.Time{}, false)
	require.NoError(t, err)

	// A covers 0..9, B covers 3..12 minus 5.
	assert.Equal(t, 6, p.Len())
	idx := p.TimeIndex()
	assert.Equal(t, t0.Add(3*time.Hour), idx[0])
	assert.Equal(t, t0.Add(9*time.Hour), idx[len(idx)-1])
	for step := 0; step < p.Len(); step++ {
		a, _ := p.BarAt("A", step)
		b, _ := p.BarAt("B", step)
		assert.Equal(t, a.Timestamp, b.Timestamp)
		assert.Equal(t, idx[step], a.Timestamp)
	}
}

func TestNewClipsToRange(t *testing.T) {
	series := map[string][]domain.Bar{"A": hourly("A", 0, 24)}
	p, err := New([]string{"A"}, series, t0.Add(4*time.Hour), t0.Add(8*time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Len())
	assert.Equal(t, t0.Add(4*time.Hour), p.Time(0))
}

func TestNewSortsAndDedups(t *testing.T) {
	bars := hourly("A", 0, 3)
	dup := bars[1]
	dup.Close = 999
	unsorted := []domain.Bar{bars[2], bars[0], bars[1], dup}

	p, err := New([]string{"A"}, map[string][]domain.Bar{"A": unsorted}, time.Time{}, time.Time{}, false)
	require.NoError(t, err)
	require.Equal(t, 3, p.Len())
	b, _ := p.BarAt("A", 1)
	assert.Equal(t, 999.0, b.Close)
}

func TestNewInsufficientData(t *testing.T) {
	var ide *domain.InsufficientDataError

	_, err := New([]string{"A", "B"}, map[string][]domain.Bar{"A": hourly("A", 0, 5), "B": hourly("B", 10, 5)}, time.Time{}, time.Time{}, false)
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, "no overlapping timestamps", ide.Reason)

	_, err = New([]string{"A", "B"}, map[string][]domain.Bar{"A": hourly("A", 0, 5)}, time.Time{}, time.Time{}, false)
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, []string{"B"}, ide.Assets)

	_, err = New(nil, nil, time.Time{}, time.Time{}, false)
	assert.True(t, errors.As(err, &ide))
}

func TestNewAllowMissingDropsEmptyAssets(t *testing.T) {
	p, err := New([]string{"A", "B"}, map[string][]domain.Bar{"A": hourly("A", 0, 5)}, time.Time{}, time.Time{}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, p.Assets())
}

func TestWindowHasNoLookahead(t *testing.T) {
	p, err := New([]string{"A"}, map[string][]domain.Bar{"A": hourly("A", 0, 50)}, time.Time{}, time.Time{}, false)
	require.NoError(t, err)

	for step := 0; step < p.Len(); step++ {
		w := p.Window("A", step)
		require.Len(t, w, step+1)
		assert.Equal(t, p.Time(step), w[len(w)-1].Timestamp)
		for _, b := range w {
			assert.False(t, b.Timestamp.After(p.Time(step)))
		}
		assert.Equal(t, step+1, cap(w), "window must not be reslicable past step")
	}

	assert.Nil(t, p.Window("A", -1))
	assert.Nil(t, p.Window("A", p.Len()))
	assert.Nil(t, p.Window("Z", 0))
}

type mapFetcher map[string][]domain.Bar

func (m mapFetcher) FetchBars(_ context.Context, asset string, _ domain.Granularity, start, end time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range m[asset] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestLoadUsesLookback(t *testing.T) {
	f := mapFetcher{"A": hourly("A", 0, 24*10), "B": hourly("B", 0, 24*10)}
	end := t0.Add(24 * 10 * time.Hour)

	p, err := Load(context.Background(), f, Request{
		Assets:       []string{"A", "B"},
		Granularity:  domain.OneHour,
		LookbackDays: 2,
		End:          end,
	})
	require.NoError(t, err)
	// Two days back from end is hour 192 through hour 239.
	assert.Equal(t, 48, p.Len())
	assert.Equal(t, map[string]float64{"A": 100 + 239, "B": 100 + 239}, p.Closes(p.Len()-1))
}
