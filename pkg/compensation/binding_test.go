package compensation

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/rfatt/pkg/attenuator"
	"github.com/itohio/rfatt/pkg/calibration"
)

func newMockDevice(t *testing.T) (*attenuator.Channel, *attenuator.Mock) {
	t.Helper()
	mock := attenuator.NewMock(nil)
	ch := attenuator.New(mock.Name(), attenuator.Options{
		Settle:    time.Millisecond,
		DrainPoll: time.Millisecond,
		Open:      attenuator.MockOpener(mock),
	})
	require.True(t, ch.Connect())
	return ch, mock
}

func crosswalk(t *testing.T) *calibration.Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cal.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"1000": {"0": 0.5, "10": 10.5, "90": 90.5}, "2000": {"0": 1.0, "10": 11.0, "90": 91.0}}`), 0644))
	return calibration.New(path)
}

func TestBinding_SetDisplayAttenuation(t *testing.T) {
	ch, mock := newMockDevice(t)
	b := New("att_1", ch, crosswalk(t), 1000)

	require.True(t, b.SetDisplayAttenuation(5.5))
	assert.Equal(t, 5.0, mock.Value())
	assert.Equal(t, []string{"att-005.00"}, mock.Commands())

	b.SetFrequency(2000)
	require.True(t, b.SetDisplayAttenuation(11.0))
	assert.Equal(t, 10.0, mock.Value())
}

func TestBinding_GetDisplayAttenuation(t *testing.T) {
	ch, _ := newMockDevice(t)
	b := New("att_1", ch, crosswalk(t), 1000)

	require.True(t, b.SetDisplayAttenuation(20.5))
	v, ok := b.GetDisplayAttenuation()
	require.True(t, ok)
	assert.InDelta(t, 20.5, v, 0.01)
	assert.InDelta(t, 20.5, b.CurrentDisplay(), 0.01)
}

func TestBinding_GetDisplayAttenuationDisconnected(t *testing.T) {
	ch, _ := newMockDevice(t)
	b := New("att_1", ch, crosswalk(t), 1000)
	require.NoError(t, ch.Disconnect())

	_, ok := b.GetDisplayAttenuation()
	assert.False(t, ok)
	assert.False(t, b.SetDisplayAttenuation(10))
}

func TestBinding_Frequency(t *testing.T) {
	ch, _ := newMockDevice(t)
	b := New("att_1", ch, crosswalk(t), 1000)

	assert.Equal(t, 1000.0, b.Frequency())
	b.SetFrequency(-5)
	assert.Equal(t, -5.0, b.Frequency())
}

func TestBinding_MinAttenuation(t *testing.T) {
	ch, _ := newMockDevice(t)
	b := New("att_1", ch, calibration.NewDefault(), 50)

	assert.Equal(t, 2.9, b.MinAttenuation())
	assert.Equal(t, 13.88, b.MinAttenuationAt(8000))
	assert.InDelta(t, -13.88, b.InsertionLoss(8000), 1e-9)

	assert.False(t, b.InRange(2.0))
	assert.True(t, b.InRange(2.9))
	assert.True(t, b.InRange(90))
	assert.False(t, b.InRange(90.1))
}

func TestBinding_Accessors(t *testing.T) {
	ch, _ := newMockDevice(t)
	cal := crosswalk(t)
	b := New("att_7", ch, cal, 1000)

	assert.Equal(t, "att_7", b.ID())
	assert.Same(t, ch, b.Device())
	assert.Same(t, cal, b.Calibration())
}
