package livechannel

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/client-go/rest"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nusnewob/kube-fleetwatch/internal/resourcepoller"
)

var log = logf.Log.WithName("livechannel")

// WebsocketFactory opens watch streams over websockets
type WebsocketFactory struct {
	Dialer *websocket.Dialer
	Header http.Header
}

var _ Factory = &WebsocketFactory{}

// NewWebsocketFactory builds a factory that dials with the TLS settings and
// bearer token of cfg.
func NewWebsocketFactory(cfg *rest.Config) (*WebsocketFactory, error) {
	tlsConfig, err := rest.TLSConfigFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to build tls config: %w", err)
	}

	header := http.Header{}
	token := cfg.BearerToken
	if token == "" && cfg.BearerTokenFile != "" {
		data, err := os.ReadFile(cfg.BearerTokenFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read bearer token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	return &WebsocketFactory{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			TLSClientConfig:  tlsConfig,
		},
		Header: header,
	}, nil
}

func (f *WebsocketFactory) Open(ctx context.Context, model resourcepoller.Model, query WatchQuery, basePath string) (Channel, error) {
	target, err := WatchURL(model, query, basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid watch url: %w", err)
	}

	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, target, f.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("unable to open watch %s: %s: %w", target, resp.Status, err)
		}
		return nil, fmt.Errorf("unable to open watch %s: %w", target, err)
	}
	log.V(1).Info("Watch opened", "url", target, "cluster", query.Cluster)

	return NewWebsocketChannel(conn), nil
}

// WebsocketChannel wraps a websocket connection as a Channel
type WebsocketChannel struct {
	conn     *websocket.Conn
	messages chan []byte
	done     chan struct{}
	open     atomic.Bool
	once     sync.Once
}

// NewWebsocketChannel starts reading conn in the background.
func NewWebsocketChannel(conn *websocket.Conn) *WebsocketChannel {
	c := &WebsocketChannel{
		conn:     conn,
		messages: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	c.open.Store(true)
	go c.readLoop()
	return c
}

func (c *WebsocketChannel) readLoop() {
	defer func() {
		c.open.Store(false)
		close(c.messages)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.open.Load() {
				log.Error(err, "Watch stream closed unexpectedly")
			}
			return
		}
		c.messages <- data
	}
}

func (c *WebsocketChannel) Messages() <-chan []byte { return c.messages }

func (c *WebsocketChannel) Done() <-chan struct{} { return c.done }

func (c *WebsocketChannel) IsOpen() bool { return c.open.Load() }

// Close stops the stream. The read loop exits once the connection is closed.
func (c *WebsocketChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.open.Store(false)
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = c.conn.Close()
	})
	return err
}
