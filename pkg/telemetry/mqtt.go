// Package telemetry publishes fleet events to an MQTT broker.
package telemetry

import (
	"encoding/json"
	"path"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/itohio/rfatt/pkg/config"
	"github.com/itohio/rfatt/pkg/fleet"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	quiesce        = 250
)

// MQTTPublisher sends every fleet event as a JSON message.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewMQTTPublisher connects to the configured broker. It returns nil without
// an error when no broker is configured.
func NewMQTTPublisher(cfg config.MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, nil
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "rfatt_" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logrus.Infof("mqtt: connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logrus.Warnf("mqtt: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, pkgerrors.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect to MQTT broker %s", cfg.Broker)
	}

	return newPublisher(client, cfg), nil
}

func newPublisher(client mqtt.Client, cfg config.MQTTConfig) *MQTTPublisher {
	prefix := cfg.Topic
	if prefix == "" {
		prefix = "rfatt"
	}
	return &MQTTPublisher{client: client, prefix: prefix, qos: cfg.QoS}
}

// Topic returns the topic an event is published to:
// {prefix}/events/{kind}[/{device}].
func (p *MQTTPublisher) Topic(ev fleet.Event) string {
	if ev.DeviceID == "" {
		return path.Join(p.prefix, "events", string(ev.Kind))
	}
	return path.Join(p.prefix, "events", string(ev.Kind), ev.DeviceID)
}

// Publish sends ev. It does not wait for the broker to acknowledge the
// message; delivery failures are logged.
func (p *MQTTPublisher) Publish(ev fleet.Event) error {
	if p == nil || p.client == nil {
		return nil
	}
	if !p.client.IsConnected() {
		return pkgerrors.New("mqtt not connected")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to marshal event")
	}

	topic := p.Topic(ev)
	token := p.client.Publish(topic, p.qos, false, data)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			logrus.Warnf("mqtt: publish to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			logrus.Warnf("mqtt: failed to publish to %s: %v", topic, err)
		}
	}()
	return nil
}

// Observe is a fleet event callback.
func (p *MQTTPublisher) Observe(ev fleet.Event) {
	if err := p.Publish(ev); err != nil {
		logrus.Debugf("mqtt: %v", err)
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p == nil || p.client == nil || !p.client.IsConnected() {
		return
	}
	p.client.Disconnect(quiesce)
}
