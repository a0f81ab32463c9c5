package fleet

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	mappingDescription = "Device serial number to calibration file mapping"
	mappingNote        = "Add the serial number of each attenuator and the calibration file to use for it"
)

// rawMapping is the on-disk layout of the serial mapping file.
type rawMapping struct {
	SerialToSource map[string]string `json:"serial_to_compensation_mapping"`
	Description    string            `json:"description,omitempty"`
	Note           string            `json:"note,omitempty"`
}

// SerialMapping maps USB serial numbers to calibration source names and
// persists them to a JSON file.
type SerialMapping struct {
	mu       sync.RWMutex
	filepath string
	m        map[string]string
}

// NewSerialMapping loads the mapping at path. A missing or empty file yields
// an empty mapping.
func NewSerialMapping(path string) (*SerialMapping, error) {
	s := &SerialMapping{filepath: path, m: map[string]string{}}
	if err := s.Load(); err != nil {
		return s, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *SerialMapping) Path() string {
	return s.filepath
}

// Load replaces the in-memory mapping with the file content.
func (s *SerialMapping) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filepath == "" {
		return nil
	}

	fp, err := os.Open(s.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			s.m = map[string]string{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", s.filepath)
	}
	defer func(fp *os.File) {
		if err := fp.Close(); err != nil {
			logrus.Warnf("failed to close file %s", s.filepath)
		}
	}(fp)

	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", s.filepath)
	}
	if strings.TrimSpace(string(b)) == "" {
		s.m = map[string]string{}
		return nil
	}

	raw := rawMapping{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal serial mapping from file %s", s.filepath)
	}
	if raw.SerialToSource == nil {
		raw.SerialToSource = map[string]string{}
	}
	s.m = raw.SerialToSource
	return nil
}

// Get returns the source mapped to serial.
func (s *SerialMapping) Get(serial string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[serial]
	return v, ok
}

// All returns a copy of the mapping.
func (s *SerialMapping) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

// Serials returns the mapped serial numbers in order.
func (s *SerialMapping) Serials() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Put adds or overwrites the entry for serial and rewrites the whole file.
// If the file cannot be written the mapping is left unchanged.
func (s *SerialMapping) Put(serial, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.m[serial]
	s.m[serial] = source
	if err := s.save(); err != nil {
		if existed {
			s.m[serial] = prev
		} else {
			delete(s.m, serial)
		}
		return err
	}
	return nil
}

// save writes the mapping to a temporary file next to the target and renames
// it over the target.
func (s *SerialMapping) save() error {
	if s.filepath == "" {
		return nil
	}

	fp, err := os.CreateTemp(filepath.Dir(s.filepath), filepath.Base(s.filepath)+".*.tmp")
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create temporary file for %s", s.filepath)
	}
	tmp := fp.Name()
	defer func() {
		// no-op once renamed
		_ = os.Remove(tmp)
	}()

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(rawMapping{
		SerialToSource: s.m,
		Description:    mappingDescription,
		Note:           mappingNote,
	})
	if err != nil {
		_ = fp.Close()
		return pkgerrors.Wrapf(err, "failed to encode serial mapping to file %s", tmp)
	}
	if err := fp.Close(); err != nil {
		return pkgerrors.Wrapf(err, "failed to close file %s", tmp)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to set permissions on %s", tmp)
	}
	if err := os.Rename(tmp, s.filepath); err != nil {
		return pkgerrors.Wrapf(err, "failed to replace %s", s.filepath)
	}
	return nil
}
