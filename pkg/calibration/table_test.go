package calibration

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const twoFrequencyCrosswalk = `{"1000": {"0": 0.5, "10": 10.5}, "2000": {"0": 1.0, "10": 11.0}}`

func TestLookupLoss_DefaultCurve(t *testing.T) {
	tbl := New("")
	require.True(t, tbl.IsDefault())

	tests := []struct {
		name      string
		frequency float64
		expected  float64
	}{
		{"exact first", 50, -2.9},
		{"exact last", 8000, -13.88},
		{"exact middle", 3031, -7.14},
		{"below range clamps", 0, -2.9},
		{"above range clamps", 12000, -13.88},
		{"midpoint", 527, -3.975},
		{"interpolated", 6509.5, -11.77},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, tbl.LookupLoss(tt.frequency), 1e-9)
		})
	}
}

func TestLookupLoss_Interpolation(t *testing.T) {
	tbl := New(writeSource(t, "cal.json", twoFrequencyCrosswalk))

	assert.InDelta(t, 0.5, tbl.LookupLoss(1000), 1e-9)
	assert.InDelta(t, 1.0, tbl.LookupLoss(2000), 1e-9)
	assert.InDelta(t, 0.75, tbl.LookupLoss(1500), 1e-9)
	assert.InDelta(t, 0.6, tbl.LookupLoss(1200), 1e-9)
	assert.InDelta(t, 0.5, tbl.LookupLoss(10), 1e-9)
	assert.InDelta(t, 1.0, tbl.LookupLoss(7000), 1e-9)
}

func TestLookupLoss_WithoutZeroSetting(t *testing.T) {
	tbl := New(writeSource(t, "cal.json", `{"1000": {"10": 12.0, "20": 22.5}}`))
	assert.InDelta(t, 2.0, tbl.LookupLoss(1000), 1e-9)
}

func TestMinAttenuationAt(t *testing.T) {
	tbl := New("")
	for _, f := range []float64{0, 50, 527, 1000, 2500, 4025, 7777, 9000} {
		expected := math.Round(math.Abs(tbl.LookupLoss(f))*100) / 100
		assert.Equal(t, expected, tbl.MinAttenuationAt(f), "frequency %v", f)
	}
	assert.Equal(t, 2.9, tbl.MinAttenuationAt(50))
	assert.Equal(t, 13.88, tbl.MinAttenuationAt(8000))
}

func TestDisplayToActual_NearestFrequency(t *testing.T) {
	tbl := New(writeSource(t, "cal.json", twoFrequencyCrosswalk))

	got := tbl.DisplayToActual(5.0, 1500)
	assert.GreaterOrEqual(t, got, 4.5)
	assert.LessOrEqual(t, got, 5.0)
	assert.InDelta(t, 4.5, got, 1e-9)

	// 1800 is closer to 2000.
	assert.InDelta(t, 4.0, tbl.DisplayToActual(5.0, 1800), 1e-9)
}

func TestDisplayToActual_TruncatedFrequency(t *testing.T) {
	tbl := New(writeSource(t, "cal.json", twoFrequencyCrosswalk))
	assert.InDelta(t, 4.5, tbl.DisplayToActual(5.0, 1000.7), 1e-9)
}

func TestDisplayToActual_ExactAndClamped(t *testing.T) {
	tbl := New(writeSource(t, "cal.json", `{"1000": {"0": 0.5, "10": 10.5, "20": 21.0}}`))

	tests := []struct {
		name     string
		display  float64
		expected float64
	}{
		{"exact", 10.5, 10},
		{"within tolerance", 10.505, 10},
		{"interpolated", 8, 7.5},
		{"below range", 0, 0},
		{"above range", 90, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, tbl.DisplayToActual(tt.display, 1000), 1e-9)
		})
	}
}

func TestActualToDisplay(t *testing.T) {
	tbl := New(writeSource(t, "cal.json", `{"1000": {"0": 0.5, "10": 10.5, "20": 21.0}}`))

	assert.InDelta(t, 10.5, tbl.ActualToDisplay(10, 1000), 1e-9)
	assert.InDelta(t, 5.5, tbl.ActualToDisplay(5, 1000), 1e-9)
	assert.InDelta(t, 21.0, tbl.ActualToDisplay(50, 1000), 1e-9)
	assert.InDelta(t, 0.5, tbl.ActualToDisplay(-3, 1000), 1e-9)
}

func TestRoundTrip(t *testing.T) {
	tbl := New(writeSource(t, "cal.json", `{"1000": {"0": 0.5, "10": 10.5, "20": 21.0}}`))

	for _, x := range []float64{5, 8, 10.5, 15, 20} {
		actual := tbl.DisplayToActual(x, 1000)
		assert.InDelta(t, x, tbl.ActualToDisplay(actual, 1000), 0.01, "display %v", x)
	}
}

func TestRoundTrip_SteepSegment(t *testing.T) {
	// display rises 3 dB per actual dB
	tbl := New(writeSource(t, "cal.json", `{"1000": {"0": 0, "10": 30}}`))

	const slope = 3.0
	for x := 0.0; x <= 30; x += 0.001 {
		actual := tbl.DisplayToActual(x, 1000)
		assert.InDelta(t, x, tbl.ActualToDisplay(actual, 1000), 0.005*slope+0.005+1e-9, "display %v", x)
	}
}

func TestConcurrentReload(t *testing.T) {
	a := `{"1000": {"0": 1.0, "90": 91.0}}`
	b := `{"1000": {"0": 3.0, "90": 93.0}}`
	path := writeSource(t, "cal.json", a)
	tbl := New(path)

	done := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		defer close(done)
		base := time.Now()
		for i := 1; i <= 50; i++ {
			content := a
			if i%2 == 1 {
				content = b
			}
			// replace atomically the way editors save
			tmp := path + ".tmp"
			if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
				t.Error(err)
				return
			}
			stamp := base.Add(time.Duration(i) * time.Second)
			if err := os.Chtimes(tmp, stamp, stamp); err != nil {
				t.Error(err)
				return
			}
			if err := os.Rename(tmp, path); err != nil {
				t.Error(err)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var readers sync.WaitGroup
	for r := 0; r < 8; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				loss := tbl.LookupLoss(1000)
				if loss != 1.0 && loss != 3.0 {
					t.Errorf("loss %v is from neither table", loss)
					return
				}
				actual := tbl.DisplayToActual(50, 1000)
				if actual != 49.0 && actual != 47.0 {
					t.Errorf("actual %v is from neither table", actual)
					return
				}
			}
		}()
	}

	writer.Wait()
	readers.Wait()
	assert.False(t, tbl.IsDefault())
}

func TestEmptyTable(t *testing.T) {
	tbl := New(writeSource(t, "empty.json", `{}`))

	assert.False(t, tbl.IsDefault())
	assert.Equal(t, 0.0, tbl.LookupLoss(1000))
	assert.Equal(t, 7.3, tbl.DisplayToActual(7.3, 1000))
	assert.Equal(t, 7.3, tbl.ActualToDisplay(7.3, 1000))
	assert.Equal(t, 0.0, tbl.MinAttenuationAt(1000))
	assert.Empty(t, tbl.Frequencies())
}

func TestFallbackToDefault(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr bool
	}{
		{
			name:    "missing file",
			path:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing.json") },
			wantErr: true,
		},
		{
			name:    "malformed json",
			path:    func(t *testing.T) string { return writeSource(t, "bad.json", `{"1000": [`) },
			wantErr: true,
		},
		{
			name:    "zero byte file",
			path:    func(t *testing.T) string { return writeSource(t, "zero.json", "") },
			wantErr: true,
		},
		{
			name:    "bad frequency key",
			path:    func(t *testing.T) string { return writeSource(t, "key.json", `{"abc": {"0": 1}}`) },
			wantErr: true,
		},
		{
			name:    "unsupported format",
			path:    func(t *testing.T) string { return writeSource(t, "cal.txt", "50 -2.9") },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := New(tt.path(t))
			assert.True(t, tbl.IsDefault())
			assert.Equal(t, ModeLossCurve, tbl.Mode())
			assert.InDelta(t, -2.9, tbl.LookupLoss(50), 1e-9)
			assert.Len(t, tbl.Frequencies(), 9)

			err := tbl.Reload()
			if tt.wantErr {
				assert.Error(t, err)
			}
		})
	}
}

func TestUnsupportedFormatError(t *testing.T) {
	tbl := &Table{path: writeSource(t, "cal.txt", "")}
	err := tbl.Reload()
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDefaultCurveAsCrosswalk(t *testing.T) {
	tbl := NewDefault()

	// Display is the device setting plus the loss magnitude.
	assert.InDelta(t, 12.9, tbl.ActualToDisplay(10, 50), 1e-9)
	assert.InDelta(t, 10, tbl.DisplayToActual(12.9, 50), 1e-9)
	assert.InDelta(t, 20, tbl.DisplayToActual(33.88, 8000), 1e-9)
}

func TestLossCurveCSV(t *testing.T) {
	tbl := New(writeSource(t, "loss.csv", "frequency,insertion_loss_dB\n100,-1.0\n200,-3.0\n"))

	require.False(t, tbl.IsDefault())
	assert.Equal(t, ModeLossCurve, tbl.Mode())
	assert.InDelta(t, -2.0, tbl.LookupLoss(150), 1e-9)
	assert.Equal(t, 1.0, tbl.MinAttenuationAt(100))
	assert.InDelta(t, 9, tbl.DisplayToActual(10, 100), 1e-9)
	assert.InDelta(t, 10, tbl.ActualToDisplay(9, 100), 1e-9)
	assert.Equal(t, []float64{100, 200}, tbl.Frequencies())
}

func TestLossCurveCSV_Invalid(t *testing.T) {
	tbl := New(writeSource(t, "loss.csv", "100,-1.0\n200,abc\n"))
	assert.True(t, tbl.IsDefault())
}

func TestCrosswalkYAML(t *testing.T) {
	tbl := New(writeSource(t, "cal.yaml", "1000:\n  0: 0.5\n  10: 10.5\n2000:\n  0: 1.0\n  10: 11.0\n"))

	require.False(t, tbl.IsDefault())
	assert.Equal(t, ModeCrosswalk, tbl.Mode())
	assert.InDelta(t, 0.75, tbl.LookupLoss(1500), 1e-9)
	assert.InDelta(t, 4.5, tbl.DisplayToActual(5.0, 1000), 1e-9)
}

func TestDuplicateNumericKeys(t *testing.T) {
	tbl := New(writeSource(t, "cal.json", `{"1000": {"0": 0.5}, "1000.0": {"10": 10.5}}`))

	assert.Equal(t, []float64{1000}, tbl.Frequencies())
	e, ok := tbl.Entry(1000)
	require.True(t, ok)
	assert.Len(t, e.Points, 2)
}

func TestReloadOnModification(t *testing.T) {
	path := writeSource(t, "cal.json", `{"1000": {"0": 0.5, "10": 10.5}}`)
	tbl := New(path)
	require.InDelta(t, 0.5, tbl.LookupLoss(1000), 1e-9)

	require.NoError(t, os.WriteFile(path, []byte(`{"1000": {"0": 2.0, "10": 12.0}}`), 0644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	assert.InDelta(t, 2.0, tbl.LookupLoss(1000), 1e-9)
	assert.InDelta(t, 8.0, tbl.DisplayToActual(10.0, 1000), 1e-9)
}

func TestReloadKeepsTableWhenFileRemoved(t *testing.T) {
	path := writeSource(t, "cal.json", `{"1000": {"0": 0.5, "10": 10.5}}`)
	tbl := New(path)
	require.NoError(t, os.Remove(path))

	assert.False(t, tbl.IsDefault())
	assert.InDelta(t, 0.5, tbl.LookupLoss(1000), 1e-9)
}

func TestInfo(t *testing.T) {
	path := writeSource(t, "cal.json", twoFrequencyCrosswalk)
	info := New(path).Info()

	assert.Equal(t, path, info.Source)
	assert.Equal(t, "crosswalk", info.Mode)
	assert.False(t, info.IsDefault)
	assert.Equal(t, []float64{1000, 2000}, info.Frequencies)
	assert.False(t, info.ModTime.IsZero())
}
