package notify

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/config"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/model"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/queue"
)

const publishTimeout = 5 * time.Second

// ErrPublishTimeout means the broker did not acknowledge in time.
var ErrPublishTimeout = errors.New("mqtt publish timeout")

// publisher is the part of paho.Client the notifier uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Notifier republishes attendance records to MQTT. Without a broker host
// it is a no-op.
type Notifier struct {
	client paho.Client
	pub    publisher
	prefix string
}

// New builds a notifier from cfg. Nothing is dialled until Connect.
func New(cfg config.MQTT) (*Notifier, error) {
	n := &Notifier{prefix: strings.Trim(cfg.TopicPrefix, "/")}
	if n.prefix == "" {
		n.prefix = "attendance"
	}
	if cfg.Host == "" {
		log.Println("mqtt disabled (no host configured)")
		return n, nil
	}

	var broker string
	opts := paho.NewClientOptions()
	if cfg.CACert != "" || cfg.ClientCert != "" {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("build TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		broker = fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port)
	} else {
		if cfg.Port == 0 {
			cfg.Port = 1883
		}
		broker = fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	}

	opts.AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt connection lost: %v", err)
		}).
		SetOnConnectHandler(func(paho.Client) {
			log.Printf("mqtt connected: %s", broker)
		})

	paho.ERROR = log.New(os.Stdout, "[MQTT ERROR] ", 0)
	paho.CRITICAL = log.New(os.Stdout, "[MQTT CRIT] ", 0)
	paho.WARN = log.New(os.Stdout, "[MQTT WARN] ", 0)

	n.client = paho.NewClient(opts)
	n.pub = n.client
	return n, nil
}

func buildTLSConfig(cfg config.MQTT) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Enabled reports whether a broker is configured.
func (n *Notifier) Enabled() bool { return n.pub != nil }

// Connect dials the broker. It retries in the background when the broker
// is down, so an error means the options were unusable.
func (n *Notifier) Connect() error {
	if n.client == nil {
		return nil
	}
	if token := n.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return nil
}

func (n *Notifier) Close() {
	if n.client != nil {
		n.client.Disconnect(250)
	}
}

// Topic is <prefix>/attendance/<status>, with the status lowercased and
// spaces turned into underscores.
func (n *Notifier) Topic(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		s = "unknown"
	}
	return n.prefix + "/attendance/" + s
}

// PublishAttendance sends rec as JSON with QoS 1.
func (n *Notifier) PublishAttendance(rec model.AttendanceRecord) error {
	if n.pub == nil {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	token := n.pub.Publish(n.Topic(rec.Status), 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Handle processes one queue message. Unknown types are skipped.
func (n *Notifier) Handle(msg queue.Message) error {
	switch msg.Type {
	case queue.TypeAttendanceCreated:
		var rec model.AttendanceRecord
		if err := json.Unmarshal(msg.Body, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		if err := n.PublishAttendance(rec); err != nil {
			return fmt.Errorf("publish attendance %s: %w", rec.ID, err)
		}
		return nil
	default:
		log.Printf("notify: skipping message type %q", msg.Type)
		return nil
	}
}
