package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/rfatt/pkg/attenuator"
	"github.com/itohio/rfatt/pkg/config"
	"github.com/itohio/rfatt/pkg/fleet"
	"github.com/itohio/rfatt/pkg/metrics"
)

type rig struct {
	srv   *Server
	ctl   *fleet.Controller
	mocks []*attenuator.Mock
	dir   string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.json"), []byte(`{"1000": {"0": 2.0, "90": 92.0}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2.json"), []byte(`{"1000": {"0": 3.0, "90": 93.0}}`), 0644))

	mocks := []*attenuator.Mock{
		attenuator.NewMock(&config.MockPort{Name: "/dev/ttyACM0", SerialNumber: "S0"}),
		attenuator.NewMock(&config.MockPort{Name: "/dev/ttyACM1", SerialNumber: "S1"}),
	}
	open := attenuator.MockOpener(mocks...)

	ctl := fleet.New(fleet.Options{
		CalibrationDir: dir,
		MappingFile:    filepath.Join(dir, "device_serial_mapping.json"),
		Scanner:        fleet.StaticScanner(attenuator.MockPorts(mocks...)),
		NewDevice: func(port string) attenuator.Device {
			return attenuator.New(port, attenuator.Options{
				Settle:    time.Millisecond,
				DrainPoll: time.Millisecond,
				Open:      open,
			})
		},
	})

	m := metrics.New()
	ctl.OnEvent(m.Observe)

	return &rig{srv: New(ctl, m), ctl: ctl, mocks: mocks, dir: dir}
}

func (r *rig) do(t *testing.T, method, path string, body any) (int, response) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(w, req)

	var resp response
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w.Code, resp
}

func (r *rig) connectAll(t *testing.T) {
	t.Helper()
	code, resp := r.do(t, http.MethodPost, "/api/connect", gin.H{"ports": []string{"/dev/ttyACM0", "/dev/ttyACM1"}})
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)
}

func data(t *testing.T, resp response) map[string]any {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func TestScanPorts(t *testing.T) {
	r := newRig(t)

	code, resp := r.do(t, http.MethodGet, "/api/scan_ports", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, []any{"/dev/ttyACM0", "/dev/ttyACM1"}, data(t, resp)["ports"])
}

func TestConnect(t *testing.T) {
	r := newRig(t)

	code, resp := r.do(t, http.MethodPost, "/api/connect", gin.H{"ports": []string{"/dev/ttyACM0", "/dev/ttyUSB9"}})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	devices := data(t, resp)["devices"].(map[string]any)
	assert.Equal(t, map[string]any{"port": "/dev/ttyACM0", "connected": true}, devices["attenuator_1"])
	assert.Equal(t, map[string]any{"port": "/dev/ttyUSB9", "connected": false}, devices["attenuator_2"])
	assert.Equal(t, []string{"attenuator_1"}, r.ctl.DeviceIDs())

	code, resp = r.do(t, http.MethodPost, "/api/connect", gin.H{"ports": []string{"/dev/ttyUSB9"}})
	require.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Success)
	assert.Empty(t, r.ctl.DeviceIDs())
}

func TestConnect_BadRequest(t *testing.T) {
	r := newRig(t)

	code, resp := r.do(t, http.MethodPost, "/api/connect", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)
}

func TestNoDevices(t *testing.T) {
	r := newRig(t)

	code, _ := r.do(t, http.MethodPost, "/api/set_attenuation", gin.H{"value": 30})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = r.do(t, http.MethodGet, "/api/get_attenuation", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp := r.do(t, http.MethodGet, "/api/get_min_attenuation", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, data(t, resp)["min_attenuation"])
}

func TestSetAttenuation(t *testing.T) {
	r := newRig(t)
	r.connectAll(t)

	code, resp := r.do(t, http.MethodPost, "/api/set_attenuation", gin.H{"value": 2.5})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)

	code, resp = r.do(t, http.MethodPost, "/api/set_attenuation", gin.H{"value": 90.5})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = r.do(t, http.MethodPost, "/api/set_attenuation", gin.H{"value": 30})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	d := data(t, resp)
	assert.Equal(t, 3.0, d["min_attenuation"])
	assert.Equal(t, map[string]any{"attenuator_1": true, "attenuator_2": true}, d["results"])

	assert.Equal(t, 28.0, r.mocks[0].Value())
	assert.Equal(t, 27.0, r.mocks[1].Value())

	code, resp = r.do(t, http.MethodGet, "/api/get_attenuation", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"attenuator_1": 30.0, "attenuator_2": 30.0}, data(t, resp)["attenuations"])
}

func TestSingleAttenuator(t *testing.T) {
	r := newRig(t)
	r.connectAll(t)

	code, resp := r.do(t, http.MethodPost, "/api/attenuators/set", gin.H{"device_id": "attenuator_1", "value": 40})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, 40.0, data(t, resp)["current_value"])
	assert.Equal(t, 38.0, r.mocks[0].Value())

	code, _ = r.do(t, http.MethodPost, "/api/attenuators/set", gin.H{"device_id": "attenuator_1", "value": 95})
	assert.Equal(t, http.StatusBadRequest, code)

	// reachable range for this device starts at 2 dB
	code, _ = r.do(t, http.MethodPost, "/api/attenuators/set", gin.H{"device_id": "attenuator_1", "value": 1})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = r.do(t, http.MethodPost, "/api/attenuators/set", gin.H{"device_id": "nope", "value": 10})
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = r.do(t, http.MethodGet, "/api/attenuators/attenuator_1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 40.0, data(t, resp)["current_attenuation"])

	code, resp = r.do(t, http.MethodGet, "/api/attenuators/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)
}

func TestDevices(t *testing.T) {
	r := newRig(t)
	r.connectAll(t)

	code, resp := r.do(t, http.MethodGet, "/api/devices/ids", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"attenuator_1", "attenuator_2"}, data(t, resp)["device_ids"])

	code, resp = r.do(t, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, code)
	devices := data(t, resp)["devices"].([]any)
	require.Len(t, devices, 2)
	first := devices[0].(map[string]any)
	assert.Equal(t, "attenuator_1", first["device_id"])
	assert.Equal(t, "/dev/ttyACM0", first["port"])
	assert.Equal(t, true, first["connected"])

	code, resp = r.do(t, http.MethodGet, "/api/devices/serials", nil)
	require.Equal(t, http.StatusOK, code)
	serials := data(t, resp)["devices"].(map[string]any)
	second := serials["attenuator_2"].(map[string]any)
	assert.Equal(t, "S1", second["serial_number"])
	assert.Equal(t, filepath.Join(r.dir, "2.json"), second["compensation_file"])
	assert.Equal(t, false, second["is_serial_mapped"])

	code, resp = r.do(t, http.MethodGet, "/api/devices/attenuator_2/compensation", nil)
	require.Equal(t, http.StatusOK, code)
	info := data(t, resp)
	assert.Equal(t, 3.0, info["min_attenuation"])
	assert.Equal(t, 1000.0, info["current_frequency"])

	code, _ = r.do(t, http.MethodGet, "/api/devices/nope/compensation", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = r.do(t, http.MethodPost, "/api/disconnect", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Empty(t, r.ctl.DeviceIDs())
	assert.False(t, r.mocks[0].IsOpen())
}

func TestFrequency(t *testing.T) {
	r := newRig(t)
	r.connectAll(t)

	code, _ := r.do(t, http.MethodPost, "/api/set_frequency", gin.H{"frequency": 9000})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = r.do(t, http.MethodPost, "/api/set_frequency", gin.H{"frequency": 0.5})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp := r.do(t, http.MethodPost, "/api/set_frequency", gin.H{"frequency": 2400})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, resp = r.do(t, http.MethodGet, "/api/get_frequency", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2400.0, data(t, resp)["frequency"])

	code, resp = r.do(t, http.MethodGet, "/api/get_attenuation_range", nil)
	require.Equal(t, http.StatusOK, code)
	d := data(t, resp)
	assert.Equal(t, 3.0, d["min_attenuation"])
	assert.Equal(t, 90.0, d["max_attenuation"])
	assert.Equal(t, "3 - 90.0 dB", d["range_text"])

	code, resp = r.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, code)
	d = data(t, resp)
	assert.Equal(t, 2.0, d["connected_devices"])
	assert.Equal(t, 2400.0, d["current_frequency"])
}

func TestInsertionLoss(t *testing.T) {
	r := newRig(t)
	r.connectAll(t)

	code, resp := r.do(t, http.MethodGet, "/api/insertion_loss?device_id=attenuator_2", nil)
	require.Equal(t, http.StatusOK, code)
	d := data(t, resp)
	assert.Equal(t, 1000.0, d["frequency"])
	assert.Equal(t, 3.0, d["insertion_loss"])

	code, resp = r.do(t, http.MethodGet, "/api/insertion_loss?frequency=1500", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, data(t, resp)["insertion_loss"])

	code, _ = r.do(t, http.MethodGet, "/api/insertion_loss?frequency=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSerialMappingAndReload(t *testing.T) {
	r := newRig(t)
	r.connectAll(t)

	code, _ := r.do(t, http.MethodPost, "/api/serial_mapping", gin.H{"serial_number": "S1"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp := r.do(t, http.MethodPost, "/api/serial_mapping", gin.H{"serial_number": "S1", "compensation_file": "1.json"})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]string{"S1": "1.json"}, r.ctl.SerialMapping())

	_, err := os.Stat(filepath.Join(r.dir, "device_serial_mapping.json"))
	assert.NoError(t, err)

	code, resp = r.do(t, http.MethodPost, "/api/reload_calibration", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
}

func TestNotFoundAndRequestID(t *testing.T) {
	r := newRig(t)

	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	req.Header.Set(requestIDHeader, "abc")
	w := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "abc", w.Header().Get(requestIDHeader))

	w = httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRig(t)
	r.connectAll(t)
	r.do(t, http.MethodPost, "/api/set_attenuation", gin.H{"value": 30})

	w := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rfatt_devices_connected 2")
	assert.Contains(t, w.Body.String(), `rfatt_attenuation_db{device="attenuator_1"} 30`)
}

func TestRun(t *testing.T) {
	r := newRig(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.srv.Run(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/api/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("server did not shut down")
	}
}
