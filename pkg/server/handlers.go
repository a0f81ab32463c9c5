package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/itohio/rfatt/pkg/calibration"
	"github.com/itohio/rfatt/pkg/fleet"
)

const (
	minFrequency = 1.0
	maxFrequency = 8000.0
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type valueRequest struct {
	Value *float64 `json:"value" binding:"required"`
}

type deviceValueRequest struct {
	DeviceID string   `json:"device_id" binding:"required"`
	Value    *float64 `json:"value" binding:"required"`
}

type frequencyRequest struct {
	Frequency *float64 `json:"frequency" binding:"required"`
}

type connectRequest struct {
	Ports []string `json:"ports" binding:"required"`
}

type serialMappingRequest struct {
	SerialNumber     string `json:"serial_number" binding:"required"`
	CompensationFile string `json:"compensation_file" binding:"required"`
}

func ok(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusOK, response{Success: true, Message: msg, Data: data})
}

func fail(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, response{Message: err.Error()})
}

func (s *Server) scanPorts(c *gin.Context) {
	ports := s.ctl.ScanPorts()
	ok(c, fmt.Sprintf("found %d serial ports", len(ports)), gin.H{"ports": ports})
}

func (s *Server) connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	if err := s.ctl.DisconnectAll(); err != nil {
		logrus.Warnf("failed to disconnect previous devices: %v", err)
	}

	devices := make(map[string]gin.H, len(req.Ports))
	connected := 0
	for i, port := range req.Ports {
		id := fmt.Sprintf("attenuator_%d", i+1)
		success := s.ctl.Connect(port, id)
		devices[id] = gin.H{"port": port, "connected": success}
		if success {
			connected++
		}
	}

	c.JSON(http.StatusOK, response{
		Success: connected > 0,
		Message: fmt.Sprintf("connected %d/%d devices", connected, len(req.Ports)),
		Data:    gin.H{"devices": devices},
	})
}

func (s *Server) disconnect(c *gin.Context) {
	if err := s.ctl.DisconnectAll(); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, "disconnected all devices", nil)
}

func (s *Server) devices(c *gin.Context) {
	status := s.ctl.Status()
	ok(c, fmt.Sprintf("%d devices", len(status)), gin.H{"devices": status})
}

func (s *Server) deviceIDs(c *gin.Context) {
	ids := s.ctl.DeviceIDs()
	ok(c, fmt.Sprintf("%d device ids", len(ids)), gin.H{"device_ids": ids})
}

func (s *Server) deviceSerials(c *gin.Context) {
	ok(c, "device serials", gin.H{
		"devices":        s.ctl.DeviceSerials(),
		"serial_mapping": s.ctl.SerialMapping(),
	})
}

func (s *Server) compensation(c *gin.Context) {
	id := c.Param("device_id")
	info, found := s.ctl.CompensationInfo(id)
	if !found {
		fail(c, http.StatusNotFound, fmt.Errorf("device %s is not connected", id))
		return
	}
	ok(c, "compensation info", info)
}

func (s *Server) setAttenuation(c *gin.Context) {
	var req valueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if len(s.ctl.DeviceIDs()) == 0 {
		fail(c, http.StatusBadRequest, errors.New("no devices connected"))
		return
	}

	value := *req.Value
	lowest := s.ctl.FleetMinAttenuation()
	if value < lowest || value > calibration.MaxAttenuation {
		fail(c, http.StatusBadRequest, fmt.Errorf(
			"attenuation must be within %v-%v dB (minimum at %v MHz is %v dB)",
			lowest, calibration.MaxAttenuation, s.ctl.Frequency(), lowest))
		return
	}

	results := s.ctl.SetAll(value)
	succeeded := 0
	for _, r := range results {
		if r {
			succeeded++
		}
	}

	c.JSON(http.StatusOK, response{
		Success: succeeded > 0,
		Message: fmt.Sprintf("set %d/%d devices", succeeded, len(results)),
		Data: gin.H{
			"target_value":    value,
			"results":         results,
			"min_attenuation": lowest,
		},
	})
}

func (s *Server) getAttenuation(c *gin.Context) {
	if len(s.ctl.DeviceIDs()) == 0 {
		fail(c, http.StatusBadRequest, errors.New("no devices connected"))
		return
	}
	ok(c, "attenuation read", gin.H{"attenuations": s.ctl.GetAll()})
}

func (s *Server) setSingle(c *gin.Context) {
	var req deviceValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	value := *req.Value
	if value < 0 || value > calibration.MaxAttenuation {
		fail(c, http.StatusBadRequest, fmt.Errorf("attenuation must be within 0-%v dB", calibration.MaxAttenuation))
		return
	}

	data := gin.H{
		"device_id":     req.DeviceID,
		"target_value":  value,
		"current_value": nil,
	}

	err := s.ctl.Set(req.DeviceID, value)
	switch {
	case errors.Is(err, fleet.ErrUnknownDevice):
		fail(c, http.StatusNotFound, err)
		return
	case errors.Is(err, fleet.ErrOutOfRange):
		fail(c, http.StatusBadRequest, err)
		return
	case err != nil:
		logrus.WithField("device", req.DeviceID).Warnf("set attenuation failed: %v", err)
		c.JSON(http.StatusOK, response{
			Message: fmt.Sprintf("failed to set device %s: %v", req.DeviceID, err),
			Data:    data,
		})
		return
	}

	current, found := s.ctl.GetByID(req.DeviceID)
	if !found {
		fail(c, http.StatusServiceUnavailable, fmt.Errorf("device %s did not respond", req.DeviceID))
		return
	}
	data["current_value"] = current
	ok(c, fmt.Sprintf("device %s set", req.DeviceID), data)
}

func (s *Server) getSingle(c *gin.Context) {
	id := c.Param("device_id")
	if !s.ctl.Has(id) {
		fail(c, http.StatusNotFound, fmt.Errorf("device %s is not connected", id))
		return
	}

	v, found := s.ctl.GetByID(id)
	if !found {
		fail(c, http.StatusServiceUnavailable, fmt.Errorf("device %s did not respond", id))
		return
	}
	ok(c, fmt.Sprintf("device %s attenuation read", id), gin.H{
		"device_id":           id,
		"current_attenuation": v,
	})
}

func (s *Server) setFrequency(c *gin.Context) {
	var req frequencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	f := *req.Frequency
	if f < minFrequency || f > maxFrequency {
		fail(c, http.StatusBadRequest, fmt.Errorf("frequency must be within %v-%v MHz", minFrequency, maxFrequency))
		return
	}

	s.ctl.SetFrequencyAll(f)
	ok(c, fmt.Sprintf("frequency set to %v MHz", f), gin.H{"frequency": f})
}

func (s *Server) getFrequency(c *gin.Context) {
	ok(c, "frequency", gin.H{"frequency": s.ctl.Frequency()})
}

func (s *Server) getMinAttenuation(c *gin.Context) {
	ok(c, "minimum attenuation", gin.H{
		"min_attenuation": s.ctl.FleetMinAttenuation(),
		"frequency":       s.ctl.Frequency(),
	})
}

func (s *Server) getAttenuationRange(c *gin.Context) {
	lowest := s.ctl.FleetMinAttenuation()
	ok(c, "attenuation range", gin.H{
		"min_attenuation": lowest,
		"max_attenuation": calibration.MaxAttenuation,
		"frequency":       s.ctl.Frequency(),
		"range_text":      fmt.Sprintf("%v - %.1f dB", lowest, calibration.MaxAttenuation),
	})
}

func (s *Server) status(c *gin.Context) {
	ids := s.ctl.DeviceIDs()
	ok(c, "system status", gin.H{
		"connected_devices": len(ids),
		"device_list":       ids,
		"current_frequency": s.ctl.Frequency(),
		"available_ports":   s.ctl.AvailablePorts(),
	})
}

func (s *Server) serialMapping(c *gin.Context) {
	var req serialMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	if err := s.ctl.PersistSerialMapping(req.SerialNumber, req.CompensationFile); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, fmt.Sprintf("serial %s mapped to %s", req.SerialNumber, req.CompensationFile), gin.H{
		"serial_mapping": s.ctl.SerialMapping(),
	})
}

func (s *Server) reloadCalibration(c *gin.Context) {
	s.ctl.ReloadCalibrations()
	ok(c, "calibration reloaded", gin.H{"device_ids": s.ctl.DeviceIDs()})
}

func (s *Server) insertionLoss(c *gin.Context) {
	freq := 0.0
	if q := c.Query("frequency"); q != "" {
		f, err := strconv.ParseFloat(q, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, fmt.Errorf("invalid frequency %q", q))
			return
		}
		freq = f
	}
	if freq <= 0 {
		freq = s.ctl.Frequency()
	}

	id := c.Query("device_id")
	ok(c, "insertion loss", gin.H{
		"frequency":      freq,
		"device_id":      id,
		"insertion_loss": s.ctl.InsertionLoss(freq, id),
	})
}
