/*
Copyright 2025 Bowen Sun.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fleetcache

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nusnewob/kube-fleetwatch/internal/livechannel"
	"github.com/nusnewob/kube-fleetwatch/internal/resourcepoller"
	"github.com/nusnewob/kube-fleetwatch/internal/watchregistry"
)

var log = logf.Log.WithName("fleetcache")

var errObserverStopped = errors.New("observer stopped")

// entryState tracks a resolved path through its first fetch. Events that
// arrive while a fetch is in flight are buffered and replayed once the
// snapshot is written.
type entryState int

const (
	stateUninitialized entryState = iota
	stateFetching
	stateReady
	// stale entries keep their data but are refetched on the next read
	stateStale
)

type entry struct {
	path    string
	cluster string
	key     watchregistry.ChannelKey

	value     Value
	hasData   bool
	state     entryState
	inflight  int
	fetchedAt time.Time
	pending   [][]byte

	observers map[*Observer]struct{}
}

func (e *entry) result() Result {
	r := Result{IsList: e.value.IsList, Loaded: true}
	if e.value.IsList {
		r.Items = make([]unstructured.Unstructured, len(e.value.Items))
		for i := range e.value.Items {
			e.value.Items[i].DeepCopyInto(&r.Items[i])
		}
	} else if e.value.Object != nil {
		r.Object = e.value.Object.DeepCopy()
	}
	return r
}

// target is a reference with its model and base path resolved
type target struct {
	model    resourcepoller.Model
	basePath string
	path     string
	key      watchregistry.ChannelKey
}

// Store caches resources of managed clusters under their resolved path and
// keeps them current through shared live channels. Resources of the hub
// cluster are delegated to the LocalWatcher.
type Store struct {
	hubCluster string
	deps       Dependencies
	opts       Options

	poller   resourcepoller.Poller
	registry *watchregistry.Registry
	group    singleflight.Group
	clock    clock.PassiveClock

	mu      sync.Mutex
	entries map[string]*entry
	// paths fed by each live channel
	paths map[watchregistry.ChannelKey]map[string]struct{}
}

func NewStore(hubCluster string, deps Dependencies, opts Options) *Store {
	return &Store{
		hubCluster: hubCluster,
		deps:       deps,
		opts:       opts,
		poller:     resourcepoller.Poller{Fetcher: deps.Fetcher},
		registry:   watchregistry.New(),
		clock:      clock.RealClock{},
		entries:    make(map[string]*entry),
		paths:      make(map[watchregistry.ChannelKey]map[string]struct{}),
	}
}

// ResolvedPath returns the cache key of ref once its model and base path are
// known. Lists narrowed to one name select it with a field selector.
func ResolvedPath(model resourcepoller.Model, ref *ResourceReference, basePath string) string {
	if ref.IsList && ref.Name != "" {
		q := url.Values{"fieldSelector": []string{livechannel.NameFieldSelector(ref.Name)}}
		return resourcepoller.BuildResourceURL(model, ref.Namespace, "", basePath) + "?" + q.Encode()
	}
	return resourcepoller.BuildResourceURL(model, ref.Namespace, ref.Name, basePath)
}

// Get returns the current state of ref.
//
// Hub references are served by the LocalWatcher. Managed cluster references
// are fetched once per resolved path and served from the cache afterwards;
// live channel events keep the cached value current.
func (s *Store) Get(ctx context.Context, ref *ResourceReference) Result {
	if ref.Inert() {
		return Result{}
	}
	if s.isLocal(ref) {
		return s.localGet(ctx, ref)
	}
	t, ok := s.resolve(ctx, ref)
	if !ok {
		return placeholder(ref)
	}
	return s.getResolved(ctx, ref, t)
}

// Watch returns an observer of ref. The observer holds the current state and
// receives every later change until ctx is done or Stop is called.
func (s *Store) Watch(ctx context.Context, ref *ResourceReference) *Observer {
	o := newObserver()
	o.setRelease(context.AfterFunc(ctx, o.Stop))

	switch {
	case ref.Inert():
		o.push(Result{})
	case s.isLocal(ref):
		o.push(s.localGet(ctx, ref))
		if s.deps.Local != nil {
			o.setDetach(s.deps.Local.Watch(ctx, ref, o.push))
		}
	default:
		if t, ok := s.resolve(ctx, ref); ok {
			s.follow(ctx, ref, t, o)
			break
		}
		o.push(placeholder(ref))
		go s.resolveLater(ctx, ref, o)
	}
	return o
}

// Invalidate marks the cached value of ref stale so the next read refetches
// it. It reports whether anything was cached.
func (s *Store) Invalidate(ctx context.Context, ref *ResourceReference) bool {
	if ref.Inert() || s.isLocal(ref) {
		return false
	}
	t, ok := s.resolve(ctx, ref)
	if !ok {
		return false
	}
	return s.InvalidatePath(t.path)
}

func (s *Store) InvalidatePath(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path]
	if !ok || !e.hasData {
		return false
	}
	if e.state == stateReady {
		e.state = stateStale
	}
	return true
}

// Cached returns the cached value of path without fetching.
func (s *Store) Cached(path string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path]
	if !ok || !e.hasData {
		return Result{}, false
	}
	return e.result(), true
}

// Channels returns the number of registered live channels.
func (s *Store) Channels() int {
	return s.registry.Len()
}

// Close closes every live channel. Cached data stays readable.
func (s *Store) Close() {
	s.registry.CloseAll()
}

func (s *Store) isLocal(ref *ResourceReference) bool {
	return ref.Cluster == "" || ref.Cluster == s.hubCluster
}

func (s *Store) localGet(ctx context.Context, ref *ResourceReference) Result {
	if s.deps.Local == nil {
		return placeholder(ref)
	}
	return s.deps.Local.Get(ctx, ref)
}

func (s *Store) resolve(ctx context.Context, ref *ResourceReference) (*target, bool) {
	if s.deps.Models == nil || s.deps.BasePaths == nil {
		return nil, false
	}

	model, err := s.deps.Models.ResolveModel(ctx, *ref.GroupVersionKind)
	if err != nil || model == nil {
		log.V(1).Info("Model not resolved", "gvk", ref.GroupVersionKind.String(), "error", err)
		return nil, false
	}

	basePath, loaded, err := s.deps.BasePaths.ResolveBasePath(ctx, ref.Cluster)
	if err != nil {
		log.Error(err, "Unable to resolve cluster base path", "cluster", ref.Cluster)
		return nil, false
	}
	if !loaded {
		return nil, false
	}

	return &target{
		model:    *model,
		basePath: basePath,
		path:     ResolvedPath(*model, ref, basePath),
		key: watchregistry.ChannelKey{
			Cluster:    ref.Cluster,
			APIVersion: model.APIVersion(),
			Kind:       model.GroupVersionKind.Kind,
			Namespace:  ref.Namespace,
			Name:       ref.Name,
		},
	}, true
}

func (s *Store) resolveLater(ctx context.Context, ref *ResourceReference, o *Observer) {
	interval := s.opts.ResolveInterval
	if interval <= 0 {
		interval = DefaultOptions.ResolveInterval
	}

	var t *target
	err := wait.PollUntilContextCancel(ctx, interval, false, func(ctx context.Context) (bool, error) {
		select {
		case <-o.Done():
			return false, errObserverStopped
		default:
		}
		var ok bool
		t, ok = s.resolve(ctx, ref)
		return ok, nil
	})
	if err != nil {
		return
	}
	s.follow(ctx, ref, t, o)
}

func (s *Store) follow(ctx context.Context, ref *ResourceReference, t *target, o *Observer) {
	s.mu.Lock()
	e := s.entryLocked(t, ref)
	e.observers[o] = struct{}{}
	s.mu.Unlock()

	o.setDetach(func() {
		s.mu.Lock()
		delete(e.observers, o)
		s.mu.Unlock()
	})

	r := s.getResolved(ctx, ref, t)
	if r.Err != nil {
		o.push(r)
		return
	}

	// Read again under the lock so this push cannot overtake an event push.
	s.mu.Lock()
	o.push(e.result())
	s.mu.Unlock()
}

func (s *Store) getResolved(ctx context.Context, ref *ResourceReference, t *target) Result {
	s.mu.Lock()
	e := s.entryLocked(t, ref)
	if s.freshLocked(e) {
		r := e.result()
		s.mu.Unlock()
		cacheHitsTotal.Inc()
		return r
	}
	s.mu.Unlock()

	err := s.load(ctx, ref, t)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		r := placeholder(ref)
		if e.hasData {
			r = e.result()
		}
		r.Loaded = true
		r.Err = err
		return r
	}
	return e.result()
}

func (s *Store) load(ctx context.Context, ref *ResourceReference, t *target) error {
	if !s.opts.CoalesceFetches {
		return s.fetch(ctx, ref, t)
	}

	// The shared fetch outlives any single caller.
	ch := s.group.DoChan(t.path, func() (any, error) {
		return nil, s.fetch(context.WithoutCancel(ctx), ref, t)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) fetch(ctx context.Context, ref *ResourceReference, t *target) error {
	s.mu.Lock()
	e := s.entryLocked(t, ref)
	e.inflight++
	e.state = stateFetching
	s.mu.Unlock()

	snap, err := s.poller.Poll(ctx, t.path, ref.IsList, ref.Cluster)

	s.mu.Lock()
	e.inflight--
	if err != nil {
		if e.state == stateFetching && e.inflight == 0 {
			if e.hasData {
				e.state = stateStale
				if s.replayLocked(e) {
					s.notifyLocked(e)
				}
			} else {
				e.state = stateUninitialized
				e.pending = nil
			}
		}
		s.mu.Unlock()
		fetchTotal.WithLabelValues("error").Inc()
		log.Error(err, "Unable to fetch resource", "path", t.path, "cluster", ref.Cluster)
		return err
	}

	e.value = Value{IsList: snap.IsList, Object: snap.Object, Items: snap.Items}
	e.hasData = true
	e.fetchedAt = s.clock.Now()
	e.state = stateReady
	s.replayLocked(e)
	s.notifyLocked(e)
	s.mu.Unlock()
	fetchTotal.WithLabelValues("success").Inc()

	s.ensureChannel(ctx, ref, t, snap)
	return nil
}

func (s *Store) ensureChannel(ctx context.Context, ref *ResourceReference, t *target, snap *resourcepoller.Snapshot) {
	if s.deps.Channels == nil {
		return
	}

	query := livechannel.WatchQuery{
		Namespace: ref.Namespace,
		Cluster:   ref.Cluster,
	}
	if ref.Name != "" {
		query.FieldSelector = livechannel.NameFieldSelector(ref.Name)
	}
	if ref.IsList {
		query.ResourceVersion = snap.ResourceVersion
	}

	ch, created, err := s.registry.Ensure(t.key, func() (livechannel.Channel, error) {
		return s.deps.Channels.Open(ctx, t.model, query, t.basePath)
	})
	if err != nil {
		log.Error(err, "Unable to open live channel", "key", t.key.String())
		s.mu.Lock()
		s.markStaleLocked(t.key)
		s.mu.Unlock()
		return
	}
	if created {
		openChannels.Inc()
		go s.pump(t.key, ch)
	}
}

// pump feeds channel messages into the entries of key until the channel
// closes. Entries it fed are stale afterwards.
func (s *Store) pump(key watchregistry.ChannelKey, ch livechannel.Channel) {
	defer func() {
		s.mu.Lock()
		s.markStaleLocked(key)
		s.mu.Unlock()

		s.registry.Remove(key, ch)
		openChannels.Dec()
		log.V(1).Info("Live channel closed", "key", key.String())
	}()

	for msg := range ch.Messages() {
		s.handleMessage(key, msg)
	}
}

// markStaleLocked makes the next read of every ready entry fed by key
// refetch and reopen the channel.
func (s *Store) markStaleLocked(key watchregistry.ChannelKey) {
	for path := range s.paths[key] {
		if e := s.entries[path]; e.state == stateReady {
			e.state = stateStale
		}
	}
}

func (s *Store) handleMessage(key watchregistry.ChannelKey, msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path := range s.paths[key] {
		e := s.entries[path]
		switch e.state {
		case stateFetching:
			e.pending = append(e.pending, msg)
			continue
		case stateUninitialized:
			droppedEventsTotal.Inc()
			continue
		}
		if s.applyLocked(e, msg) {
			s.notifyLocked(e)
		}
	}
}

func (s *Store) replayLocked(e *entry) bool {
	pending := e.pending
	e.pending = nil
	changed := false
	for _, msg := range pending {
		if s.applyLocked(e, msg) {
			changed = true
		}
	}
	return changed
}

func (s *Store) applyLocked(e *entry, msg []byte) bool {
	ev, err := ParseEvent(msg)
	if err != nil {
		droppedEventsTotal.Inc()
		log.Error(err, "Failed to parse live channel message", "path", e.path)
		return false
	}

	v, changed, err := ApplyEvent(e.value, ev, e.cluster)
	if err != nil {
		droppedEventsTotal.Inc()
		if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
			if e.state == stateReady {
				e.state = stateStale
			}
			log.Info("Live channel expired, snapshot will be refetched", "path", e.path)
			return false
		}
		log.Error(err, "Dropped live channel event", "path", e.path, "type", ev.Type)
		return false
	}

	eventsTotal.WithLabelValues(string(ev.Type)).Inc()
	if changed {
		e.value = v
	}
	return changed
}

func (s *Store) notifyLocked(e *entry) {
	for o := range e.observers {
		o.push(e.result())
	}
}

func (s *Store) entryLocked(t *target, ref *ResourceReference) *entry {
	e, ok := s.entries[t.path]
	if !ok {
		e = &entry{
			path:      t.path,
			cluster:   ref.Cluster,
			key:       t.key,
			value:     Value{IsList: ref.IsList},
			observers: make(map[*Observer]struct{}),
		}
		if ref.IsList {
			e.value.Items = []unstructured.Unstructured{}
		}
		s.entries[t.path] = e
		if s.paths[t.key] == nil {
			s.paths[t.key] = make(map[string]struct{})
		}
		s.paths[t.key][t.path] = struct{}{}
	}
	return e
}

func (s *Store) freshLocked(e *entry) bool {
	if e.state != stateReady {
		return false
	}
	return s.opts.CacheTTL <= 0 || s.clock.Now().Sub(e.fetchedAt) < s.opts.CacheTTL
}
