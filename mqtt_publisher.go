package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/FlUxIuS/nfc-laboratory/nfc"
)

// MQTTPublisher publishes decoded frames to an MQTT broker
type MQTTPublisher struct {
	client  mqtt.Client
	config  *MQTTConfig
	session string
}

// FramePayload is the JSON message published for each decoded frame
type FramePayload struct {
	Timestamp int64  `json:"timestamp"`
	Session   string `json:"session"`
	Tech      string `json:"tech"`
	Rate      uint32 `json:"rate"`
	Direction string `json:"direction"`
	Start     uint32 `json:"start"`
	End       uint32 `json:"end"`
	Payload   string `json:"payload"` // hex encoded
	CRCOk     bool   `json:"crc_ok"`
	ParityOk  bool   `json:"parity_ok"`
	Short     bool   `json:"short_frame"`
}

// tlsSettings builds the broker TLS configuration from the configured
// certificate files; nil when TLS is disabled
func (c *MQTTTLSConfig) tlsSettings() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	settings := &tls.Config{}

	if c.CACert != "" {
		pem, err := os.ReadFile(c.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no usable certificate in %s", c.CACert)
		}
		settings.RootCAs = pool
	}

	if c.ClientCert != "" || c.ClientKey != "" {
		pair, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		settings.Certificates = append(settings.Certificates, pair)
	}

	return settings, nil
}

// NewMQTTPublisher connects to the broker and tags this decode session.
// The broker client identity is "nfclab-" plus the first eight characters
// of the session id, reused by every reconnect of the same run.
func NewMQTTPublisher(config *MQTTConfig) (*MQTTPublisher, error) {
	session := uuid.New().String()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID("nfclab-" + session[:8])

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	settings, err := config.TLS.tlsSettings()
	if err != nil {
		return nil, fmt.Errorf("mqtt tls: %w", err)
	}
	if settings != nil {
		opts.SetTLSConfig(settings)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: connected to %s as nfclab-%s", config.Broker, session[:8])

	return &MQTTPublisher{
		client:  client,
		config:  config,
		session: session,
	}, nil
}

// PublishFrame sends one decoded frame to <prefix>/frames/<tech>
func (p *MQTTPublisher) PublishFrame(frame nfc.Frame) {
	msg := FramePayload{
		Timestamp: time.Now().UnixMilli(),
		Session:   p.session,
		Tech:      frame.Tech.String(),
		Rate:      frame.Rate,
		Direction: frame.Direction.String(),
		Start:     frame.Start,
		End:       frame.End,
		Payload:   hex.EncodeToString(frame.Payload),
		CRCOk:     frame.HasCRC(),
		ParityOk:  frame.HasParity(),
		Short:     frame.IsShort(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("MQTT: failed to marshal frame: %v", err)
		return
	}

	topic := fmt.Sprintf("%s/frames/%s", p.config.TopicPrefix, frame.Tech)
	if token := p.client.Publish(topic, 0, false, data); token.Error() != nil {
		log.Printf("MQTT: publish failed: %v", token.Error())
	}
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
