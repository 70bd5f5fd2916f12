package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type Options struct {
	BrokerURL      string
	ClientID       string
	InsecureTLS    bool
	QoS            byte
	ConnectTimeout time.Duration
}

// Client is a paho client whose subscriptions survive reconnects.
type Client struct {
	pc   paho.Client
	qos  byte
	mu   sync.Mutex
	subs map[string]paho.MessageHandler
}

// Message exposes the topic, payload and retain flag of a received publish.
type Message struct {
	paho.Message
}

// BrokerURL maps mqtt:// and mqtts:// to the tcp:// and ssl:// schemes paho expects.
func BrokerURL(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	switch {
	case u == "":
		return "", errors.New("empty broker url")
	case strings.HasPrefix(u, "mqtt://"):
		return "tcp://" + strings.TrimPrefix(u, "mqtt://"), nil
	case strings.HasPrefix(u, "mqtts://"):
		return "ssl://" + strings.TrimPrefix(u, "mqtts://"), nil
	case strings.Contains(u, "://"):
		return u, nil
	default:
		return "tcp://" + u, nil
	}
}

func Connect(o Options) (*Client, error) {
	broker, err := BrokerURL(o.BrokerURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(o.ClientID) == "" {
		o.ClientID = "ingest-api-" + time.Now().Format("150405.000")
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.QoS > 2 {
		o.QoS = 1
	}

	c := &Client{qos: o.QoS, subs: map[string]paho.MessageHandler{}}
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second)
	if o.InsecureTLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", broker, "error", err)
	})
	// Clean sessions drop subscriptions on reconnect; restore them here.
	opts.SetOnConnectHandler(func(pc paho.Client) {
		c.mu.Lock()
		defer c.mu.Unlock()
		for topic, h := range c.subs {
			if tok := pc.Subscribe(topic, c.qos, h); tok.Wait() && tok.Error() != nil {
				slog.Error("mqtt resubscribe failed", "topic", topic, "error", tok.Error())
			}
		}
		slog.Info("mqtt connected", "broker", broker, "subscriptions", len(c.subs))
	})

	c.pc = paho.NewClient(opts)
	tok := c.pc.Connect()
	if !tok.WaitTimeout(o.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out after %s", broker, o.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return c, nil
}

func (c *Client) Subscribe(topic string, handler func(Message)) error {
	h := func(_ paho.Client, msg paho.Message) { handler(Message{Message: msg}) }
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()

	tok := c.pc.Subscribe(topic, c.qos, h)
	tok.Wait()
	return tok.Error()
}

func (c *Client) Close() {
	if c == nil || c.pc == nil {
		return
	}
	c.pc.Disconnect(1000)
}
