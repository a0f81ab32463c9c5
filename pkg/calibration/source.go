package calibration

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxAttenuation is the largest attenuation (dB) the attenuators accept.
const MaxAttenuation = 90.0

var (
	// ErrUnsupportedFormat is returned for sources whose extension has no parser.
	ErrUnsupportedFormat = errors.New("unsupported calibration format")
)

// defaultCurve is the insertion loss (dB) of the reference fixture, used when
// a source cannot be loaded.
var defaultCurve = []lossPoint{
	{FrequencyMHz: 50, Loss: -2.9},
	{FrequencyMHz: 1004, Loss: -5.05},
	{FrequencyMHz: 1998, Loss: -6.08},
	{FrequencyMHz: 3031, Loss: -7.14},
	{FrequencyMHz: 4025, Loss: -8.12},
	{FrequencyMHz: 5019, Loss: -9.16},
	{FrequencyMHz: 6013, Loss: -11.55},
	{FrequencyMHz: 7006, Loss: -11.99},
	{FrequencyMHz: 8000, Loss: -13.88},
}

// Mode tells how a table was sourced.
type Mode int

const (
	// ModeCrosswalk tables map frequency to (actual, display) pairs.
	ModeCrosswalk Mode = iota
	// ModeLossCurve tables map frequency to a single insertion loss value.
	ModeLossCurve
)

func (m Mode) String() string {
	switch m {
	case ModeCrosswalk:
		return "crosswalk"
	case ModeLossCurve:
		return "loss-curve"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Point is one actual/display pair of a crosswalk entry.
type Point struct {
	Actual  float64
	Display float64
}

// Entry holds the crosswalk for a single frequency. Points are sorted by
// Actual and unique by Actual.
type Entry struct {
	FrequencyMHz float64
	Points       []Point
}

type lossPoint struct {
	FrequencyMHz float64
	Loss         float64
}

// snapshot is an immutable parsed table. Both slices are sorted by frequency.
type snapshot struct {
	mode      Mode
	isDefault bool
	losses    []lossPoint
	entries   []Entry
}

func defaultSnapshot() *snapshot {
	losses := make([]lossPoint, len(defaultCurve))
	copy(losses, defaultCurve)
	return &snapshot{
		mode:      ModeLossCurve,
		isDefault: true,
		losses:    losses,
		entries:   offsetEntries(losses),
	}
}

// readSource parses the file at path and returns it with its modification time.
// The modification time is returned even when parsing fails so that a broken
// file is not re-read until it changes.
func readSource(path string) (*snapshot, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	modTime := info.ModTime()

	f, err := os.Open(path)
	if err != nil {
		return nil, modTime, err
	}
	defer f.Close()

	var s *snapshot
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		s, err = parseCrosswalkJSON(f)
	case ".yaml", ".yml":
		s, err = parseCrosswalkYAML(f)
	case ".csv":
		s, err = parseLossCurveCSV(f)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		return nil, modTime, err
	}
	return s, modTime, nil
}

// parseCrosswalkJSON reads {"<freq>": {"<actual>": <display>, ...}, ...}.
func parseCrosswalkJSON(r io.Reader) (*snapshot, error) {
	var raw map[string]map[string]float64
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid crosswalk json: %w", err)
	}
	return buildCrosswalk(raw)
}

// parseCrosswalkYAML reads the same shape as parseCrosswalkJSON from YAML.
func parseCrosswalkYAML(r io.Reader) (*snapshot, error) {
	var raw map[string]map[string]float64
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid crosswalk yaml: empty document")
		}
		return nil, fmt.Errorf("invalid crosswalk yaml: %w", err)
	}
	return buildCrosswalk(raw)
}

func buildCrosswalk(raw map[string]map[string]float64) (*snapshot, error) {
	// Iterate keys in sorted order so duplicate numeric keys ("0" and "0.0")
	// resolve the same way on every load.
	freqKeys := sortedKeys(raw)
	byFreq := make(map[float64]map[float64]float64, len(raw))
	for _, fk := range freqKeys {
		freq, err := strconv.ParseFloat(strings.TrimSpace(fk), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid frequency key %q: %w", fk, err)
		}
		if freq < 0 || math.IsNaN(freq) || math.IsInf(freq, 0) {
			return nil, fmt.Errorf("invalid frequency key %q", fk)
		}
		pairs, ok := byFreq[freq]
		if !ok {
			pairs = make(map[float64]float64)
			byFreq[freq] = pairs
		}
		for _, ak := range sortedKeys(raw[fk]) {
			actual, err := strconv.ParseFloat(strings.TrimSpace(ak), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid attenuation key %q at %s MHz: %w", ak, fk, err)
			}
			pairs[actual] = raw[fk][ak]
		}
	}

	s := &snapshot{mode: ModeCrosswalk}
	for freq, pairs := range byFreq {
		if len(pairs) == 0 {
			continue
		}
		e := Entry{FrequencyMHz: freq, Points: make([]Point, 0, len(pairs))}
		for actual, display := range pairs {
			e.Points = append(e.Points, Point{Actual: actual, Display: display})
		}
		sort.Slice(e.Points, func(i, j int) bool { return e.Points[i].Actual < e.Points[j].Actual })
		s.entries = append(s.entries, e)
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].FrequencyMHz < s.entries[j].FrequencyMHz })

	// Insertion loss is display-actual at the 0 dB setting, or at the lowest
	// setting when the entry has no 0 dB point.
	s.losses = make([]lossPoint, 0, len(s.entries))
	for _, e := range s.entries {
		ref := e.Points[0]
		for _, p := range e.Points {
			if p.Actual == 0 {
				ref = p
				break
			}
		}
		s.losses = append(s.losses, lossPoint{FrequencyMHz: e.FrequencyMHz, Loss: ref.Display - ref.Actual})
	}

	return s, nil
}

// parseLossCurveCSV reads two columns: frequency (MHz) and insertion loss (dB).
// A non-numeric first row is treated as a header.
func parseLossCurveCSV(r io.Reader) (*snapshot, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid loss curve csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("invalid loss curve csv: no rows")
	}

	byFreq := make(map[float64]float64, len(records))
	for i, rec := range records {
		if len(rec) < 2 {
			return nil, fmt.Errorf("invalid loss curve csv: row %d has %d columns, want 2", i+1, len(rec))
		}
		freq, ferr := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		loss, lerr := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if ferr != nil || lerr != nil {
			if i == 0 {
				continue
			}
			return nil, fmt.Errorf("invalid loss curve csv: row %d: %q", i+1, strings.Join(rec, ","))
		}
		if freq < 0 {
			return nil, fmt.Errorf("invalid loss curve csv: row %d: negative frequency", i+1)
		}
		byFreq[freq] = loss
	}

	losses := make([]lossPoint, 0, len(byFreq))
	for freq, loss := range byFreq {
		losses = append(losses, lossPoint{FrequencyMHz: freq, Loss: loss})
	}
	sort.Slice(losses, func(i, j int) bool { return losses[i].FrequencyMHz < losses[j].FrequencyMHz })

	return &snapshot{
		mode:    ModeLossCurve,
		losses:  losses,
		entries: offsetEntries(losses),
	}, nil
}

// offsetEntries turns a loss curve into a crosswalk where the displayed value
// is the device setting plus the magnitude of the insertion loss.
func offsetEntries(losses []lossPoint) []Entry {
	entries := make([]Entry, 0, len(losses))
	for _, lp := range losses {
		l := math.Abs(lp.Loss)
		entries = append(entries, Entry{
			FrequencyMHz: lp.FrequencyMHz,
			Points: []Point{
				{Actual: 0, Display: l},
				{Actual: MaxAttenuation, Display: MaxAttenuation + l},
			},
		})
	}
	return entries
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
