package livechannel

import (
	"context"
	"net/url"
	"strings"

	"github.com/nusnewob/kube-fleetwatch/internal/resourcepoller"
)

// Channel is a live update stream for one watched resource or collection.
type Channel interface {
	// Messages delivers raw watch event frames. It is closed together with Done.
	Messages() <-chan []byte
	// Done is closed once the channel stops delivering messages.
	Done() <-chan struct{}
	IsOpen() bool
	Close() error
}

// Factory opens live channels.
type Factory interface {
	Open(ctx context.Context, model resourcepoller.Model, query WatchQuery, basePath string) (Channel, error)
}

// WatchQuery narrows a watch to the snapshot it follows.
type WatchQuery struct {
	Namespace       string
	Cluster         string
	FieldSelector   string
	ResourceVersion string
}

// NameFieldSelector restricts a watch to a single object name.
func NameFieldSelector(name string) string {
	return "metadata.name=" + name
}

// WatchURL returns the websocket URL of the watch described by query.
// The collection URL is always used; a single object is selected through the
// field selector.
func WatchURL(model resourcepoller.Model, query WatchQuery, basePath string) (string, error) {
	u, err := url.Parse(resourcepoller.BuildResourceURL(model, query.Namespace, "", basePath))
	if err != nil {
		return "", err
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	q := u.Query()
	q.Set("watch", "true")
	if query.FieldSelector != "" {
		q.Set("fieldSelector", query.FieldSelector)
	}
	if query.ResourceVersion != "" {
		q.Set("resourceVersion", query.ResourceVersion)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
