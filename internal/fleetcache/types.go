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
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/nusnewob/kube-fleetwatch/internal/livechannel"
	"github.com/nusnewob/kube-fleetwatch/internal/resourcepoller"
)

// ResourceReference identifies what to watch, on which cluster.
type ResourceReference struct {
	// Cluster hosting the resource. Empty means the hub cluster.
	Cluster string

	// A reference without a GroupVersionKind is inert.
	GroupVersionKind *schema.GroupVersionKind

	// Namespace of the resource, or of the collection when IsList is set.
	// Empty lists across all namespaces.
	Namespace string

	// Name of the resource. For lists it narrows the collection to one name.
	Name string

	IsList bool
}

// Inert reports whether the reference can never issue a request.
func (r *ResourceReference) Inert() bool {
	return r == nil || r.GroupVersionKind == nil
}

// Result is the state of a watched resource.
type Result struct {
	IsList bool

	// Data of a single resource reference. Nil until loaded or after deletion.
	Object *unstructured.Unstructured

	// Data of a list reference. Never nil for list references.
	Items []unstructured.Unstructured

	Loaded bool
	Err    error
}

// Data returns Items for list results and Object otherwise.
func (r Result) Data() any {
	if r.IsList {
		return r.Items
	}
	if r.Object == nil {
		return nil
	}
	return r.Object
}

// placeholder is the Result reported before anything is cached.
func placeholder(ref *ResourceReference) Result {
	if ref.Inert() {
		return Result{}
	}
	if ref.IsList {
		return Result{IsList: true, Items: []unstructured.Unstructured{}}
	}
	return Result{}
}

// ModelResolver maps a kind to the way the API server serves it.
type ModelResolver interface {
	ResolveModel(ctx context.Context, gvk schema.GroupVersionKind) (*resourcepoller.Model, error)
}

// BasePathResolver returns the API base path of a managed cluster. loaded is
// false while the path is not known yet.
type BasePathResolver interface {
	ResolveBasePath(ctx context.Context, cluster string) (path string, loaded bool, err error)
}

// BasePathFunc adapts a function to a BasePathResolver.
type BasePathFunc func(ctx context.Context, cluster string) (string, bool, error)

func (f BasePathFunc) ResolveBasePath(ctx context.Context, cluster string) (string, bool, error) {
	return f(ctx, cluster)
}

// LocalWatcher serves resources of the hub cluster.
type LocalWatcher interface {
	Get(ctx context.Context, ref *ResourceReference) Result
	// Watch calls notify with a fresh Result on every change of ref until
	// stop is called.
	Watch(ctx context.Context, ref *ResourceReference, notify func(Result)) (stop func())
}

// Dependencies are the collaborators of a Store.
type Dependencies struct {
	Models    ModelResolver
	BasePaths BasePathResolver
	Fetcher   resourcepoller.Fetcher
	Channels  livechannel.Factory
	Local     LocalWatcher
}

// Options tune the caching policy of a Store.
type Options struct {
	// CacheTTL bounds how long a snapshot is served without refetching.
	// Zero serves it for the lifetime of the Store and relies on live updates.
	CacheTTL time.Duration

	// CoalesceFetches shares one in-flight fetch between concurrent readers
	// of the same path.
	CoalesceFetches bool

	// ResolveInterval is how often Watch retries model and base path
	// resolution until both are known.
	ResolveInterval time.Duration
}

var DefaultOptions = Options{
	CoalesceFetches: true,
	ResolveInterval: 5 * time.Second,
}
