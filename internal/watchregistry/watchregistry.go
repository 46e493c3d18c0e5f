package watchregistry

import (
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/nusnewob/kube-fleetwatch/internal/livechannel"
)

// ChannelKey identifies a live channel. Two watches with the same key share
// one channel.
type ChannelKey struct {
	Cluster    string
	APIVersion string
	Kind       string
	Namespace  string
	Name       string
}

func (k ChannelKey) String() string {
	return strings.Join([]string{k.Cluster, k.APIVersion, k.Kind, k.Namespace, k.Name}, "|")
}

// Registry holds at most one open channel per key.
type Registry struct {
	mu       sync.Mutex
	channels map[ChannelKey]livechannel.Channel
	dialing  map[ChannelKey]*dial
}

// dial is an open call in progress for one key.
type dial struct {
	done chan struct{}
	ch   livechannel.Channel
	err  error
}

func New() *Registry {
	return &Registry{
		channels: make(map[ChannelKey]livechannel.Channel),
		dialing:  make(map[ChannelKey]*dial),
	}
}

// Ensure returns the open channel registered for key, or opens and registers
// a new one when the key is unknown or its channel is no longer open.
// open runs without the registry lock; callers racing on the same key wait
// for the one open call. The boolean reports whether this caller ran open.
func (r *Registry) Ensure(key ChannelKey, open func() (livechannel.Channel, error)) (livechannel.Channel, bool, error) {
	r.mu.Lock()
	if ch, ok := r.channels[key]; ok && ch.IsOpen() {
		r.mu.Unlock()
		return ch, false, nil
	}
	if d, ok := r.dialing[key]; ok {
		r.mu.Unlock()
		<-d.done
		return d.ch, false, d.err
	}
	d := &dial{done: make(chan struct{})}
	r.dialing[key] = d
	r.mu.Unlock()

	d.ch, d.err = open()

	r.mu.Lock()
	delete(r.dialing, key)
	if d.err == nil {
		r.channels[key] = d.ch
	}
	r.mu.Unlock()
	close(d.done)

	if d.err != nil {
		return nil, true, d.err
	}
	return d.ch, true, nil
}

// Get returns the channel registered for key.
func (r *Registry) Get(key ChannelKey) (livechannel.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[key]
	return ch, ok
}

// Remove deregisters ch. A newer channel registered under the same key is
// left in place.
func (r *Registry) Remove(key ChannelKey, ch livechannel.Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.channels[key]; ok && cur == ch {
		delete(r.channels, key)
		return true
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// CloseAll closes and forgets every registered channel.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[ChannelKey]livechannel.Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}

// Parse GroupVersionKind from apiVersion and kind strings.
func CanonicalGVK(apiVersion, kind string) (schema.GroupVersionKind, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return schema.GroupVersionKind{}, err
	}

	return schema.GroupVersionKind{
		Group:   gv.Group,
		Version: gv.Version,
		Kind:    kind,
	}, nil
}
