package calibration

import (
	"math"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// exactMatchTolerance is how close (dB) a requested value must be to a stored
// one to be returned without interpolation.
const exactMatchTolerance = 0.01

// Table maps frequency to insertion loss and to an actual/display crosswalk.
// The backing file is checked for modification on every lookup and reloaded
// when it changed. A source that cannot be read falls back to the built-in
// default curve. Table is safe for concurrent use.
type Table struct {
	path string

	mu      sync.RWMutex
	data    *snapshot
	modTime time.Time
}

// Info describes the currently loaded table.
type Info struct {
	Source      string    `json:"source"`
	Mode        string    `json:"mode"`
	IsDefault   bool      `json:"is_default"`
	Frequencies []float64 `json:"frequencies"`
	ModTime     time.Time `json:"mod_time"`
}

// New creates a table backed by path and loads it. An empty path yields the
// default curve.
func New(path string) *Table {
	t := &Table{path: path}
	_ = t.Reload()
	return t
}

// NewDefault creates a table holding only the built-in default curve.
func NewDefault() *Table {
	return &Table{data: defaultSnapshot()}
}

// Path returns the backing file path.
func (t *Table) Path() string {
	return t.path
}

// Reload re-reads the backing file unconditionally. On failure the default
// curve is installed and the cause is returned for reporting; the table stays
// usable either way.
func (t *Table) Reload() error {
	if t.path == "" {
		t.mu.Lock()
		t.data = defaultSnapshot()
		t.modTime = time.Time{}
		t.mu.Unlock()
		return nil
	}

	s, modTime, err := readSource(t.path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"source": t.path,
		}).Warnf("failed to load calibration, using default curve: %v", err)
		s = defaultSnapshot()
	} else {
		logrus.WithFields(logrus.Fields{
			"source":      t.path,
			"mode":        s.mode.String(),
			"frequencies": len(s.entries),
		}).Info("loaded calibration")
	}

	t.mu.Lock()
	t.data = s
	t.modTime = modTime
	t.mu.Unlock()

	return err
}

// reloadIfStale reloads the table when the backing file exists and its
// modification time differs from the one recorded at the last load.
func (t *Table) reloadIfStale() {
	if t.path == "" {
		return
	}
	info, err := os.Stat(t.path)
	if err != nil {
		return
	}

	t.mu.RLock()
	fresh := info.ModTime().Equal(t.modTime)
	t.mu.RUnlock()
	if fresh {
		return
	}

	logrus.WithField("source", t.path).Debug("calibration source changed, reloading")
	_ = t.Reload()
}

func (t *Table) current() *snapshot {
	t.reloadIfStale()

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data
}

// LookupLoss returns the insertion loss (dB) at frequency. Values between
// table entries are interpolated linearly, values outside are clamped to the
// nearest end. An empty table has no loss.
func (t *Table) LookupLoss(frequency float64) float64 {
	s := t.current()
	if len(s.losses) == 0 {
		return 0
	}

	xs := make([]float64, len(s.losses))
	ys := make([]float64, len(s.losses))
	for i, lp := range s.losses {
		if lp.FrequencyMHz == frequency {
			return lp.Loss
		}
		xs[i] = lp.FrequencyMHz
		ys[i] = lp.Loss
	}
	return linear(xs, ys, frequency)
}

// MinAttenuationAt is the smallest display value reachable at frequency.
func (t *Table) MinAttenuationAt(frequency float64) float64 {
	return round2(math.Abs(t.LookupLoss(frequency)))
}

// DisplayToActual converts the attenuation an operator asks for into the
// setting to write to the device. Interpolated results are rounded to the
// device resolution of 0.01 dB, as are ActualToDisplay results, so a round
// trip is exact to 0.01 dB only where the display/actual slope is at most 1;
// on steeper segments it is within 0.005*slope+0.005 dB.
func (t *Table) DisplayToActual(display, frequency float64) float64 {
	s := t.current()
	e, ok := s.entryFor(frequency)
	if !ok {
		logrus.WithField("source", t.path).Warn("calibration has no entries, value not compensated")
		return display
	}

	for _, p := range e.Points {
		if math.Abs(p.Display-display) < exactMatchTolerance {
			return p.Actual
		}
	}

	xs := make([]float64, len(e.Points))
	ys := make([]float64, len(e.Points))
	for i, p := range e.Points {
		xs[i] = p.Display
		ys[i] = p.Actual
	}
	return round2(linear(xs, ys, display))
}

// ActualToDisplay converts a device setting into the attenuation an operator
// sees.
func (t *Table) ActualToDisplay(actual, frequency float64) float64 {
	s := t.current()
	e, ok := s.entryFor(frequency)
	if !ok {
		logrus.WithField("source", t.path).Warn("calibration has no entries, value not compensated")
		return actual
	}

	for _, p := range e.Points {
		if math.Abs(p.Actual-actual) < exactMatchTolerance {
			return p.Display
		}
	}

	xs := make([]float64, len(e.Points))
	ys := make([]float64, len(e.Points))
	for i, p := range e.Points {
		xs[i] = p.Actual
		ys[i] = p.Display
	}
	return round2(linear(xs, ys, actual))
}

// Frequencies returns the table frequencies in ascending order.
func (t *Table) Frequencies() []float64 {
	s := t.current()
	out := make([]float64, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.FrequencyMHz
	}
	return out
}

// Entry returns a copy of the crosswalk entry used for frequency.
func (t *Table) Entry(frequency float64) (Entry, bool) {
	e, ok := t.current().entryFor(frequency)
	if !ok {
		return Entry{}, false
	}
	points := make([]Point, len(e.Points))
	copy(points, e.Points)
	return Entry{FrequencyMHz: e.FrequencyMHz, Points: points}, true
}

// IsDefault reports whether the built-in default curve is in use.
func (t *Table) IsDefault() bool {
	return t.current().isDefault
}

// Mode reports how the loaded table was sourced.
func (t *Table) Mode() Mode {
	return t.current().mode
}

// Info describes the loaded table.
func (t *Table) Info() Info {
	s := t.current()

	t.mu.RLock()
	modTime := t.modTime
	t.mu.RUnlock()

	freqs := make([]float64, len(s.entries))
	for i, e := range s.entries {
		freqs[i] = e.FrequencyMHz
	}
	return Info{
		Source:      t.path,
		Mode:        s.mode.String(),
		IsDefault:   s.isDefault,
		Frequencies: freqs,
		ModTime:     modTime,
	}
}

// entryFor resolves the entry for frequency: exact key first, then the key
// equal to the truncated frequency, then the nearest key. Ties go to the
// lower frequency.
func (s *snapshot) entryFor(frequency float64) (*Entry, bool) {
	if len(s.entries) == 0 {
		return nil, false
	}

	for i := range s.entries {
		if s.entries[i].FrequencyMHz == frequency {
			return &s.entries[i], true
		}
	}

	truncated := math.Trunc(frequency)
	for i := range s.entries {
		if s.entries[i].FrequencyMHz == truncated {
			return &s.entries[i], true
		}
	}

	best := 0
	bestDist := math.Abs(s.entries[0].FrequencyMHz - frequency)
	for i := 1; i < len(s.entries); i++ {
		if d := math.Abs(s.entries[i].FrequencyMHz - frequency); d < bestDist {
			best, bestDist = i, d
		}
	}
	return &s.entries[best], true
}
