package fleetcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"

	"github.com/nusnewob/kube-fleetwatch/internal/resourcepoller"
)

type localInformer struct {
	informer cache.SharedIndexInformer
	lister   cache.GenericLister

	mu      sync.Mutex
	lastErr error
}

func (li *localInformer) setErr(err error) {
	li.mu.Lock()
	li.lastErr = err
	li.mu.Unlock()
}

func (li *localInformer) err() error {
	li.mu.Lock()
	defer li.mu.Unlock()
	return li.lastErr
}

// InformerWatcher serves hub resources from dynamic informers, started lazily
// per resource type.
type InformerWatcher struct {
	models  ModelResolver
	factory dynamicinformer.DynamicSharedInformerFactory
	stopCh  <-chan struct{}

	mu        sync.Mutex
	informers map[schema.GroupVersionResource]*localInformer
}

var _ LocalWatcher = &InformerWatcher{}

func NewInformerWatcher(client dynamic.Interface, models ModelResolver, resync time.Duration, stopCh <-chan struct{}) *InformerWatcher {
	return &InformerWatcher{
		models:    models,
		factory:   dynamicinformer.NewDynamicSharedInformerFactory(client, resync),
		stopCh:    stopCh,
		informers: make(map[schema.GroupVersionResource]*localInformer),
	}
}

func (w *InformerWatcher) informerFor(ctx context.Context, ref *ResourceReference) (*localInformer, *resourcepoller.Model, error) {
	model, err := w.models.ResolveModel(ctx, *ref.GroupVersionKind)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if li, ok := w.informers[model.Resource]; ok {
		return li, model, nil
	}

	gi := w.factory.ForResource(model.Resource)
	li := &localInformer{informer: gi.Informer(), lister: gi.Lister()}
	if err := li.informer.SetWatchErrorHandler(func(_ *cache.Reflector, err error) {
		log.Error(err, "Local watch failed", "gvr", model.Resource.String())
		li.setErr(err)
	}); err != nil {
		log.V(1).Info("Watch error handler not set", "gvr", model.Resource.String(), "error", err)
	}
	w.informers[model.Resource] = li

	go li.informer.Run(w.stopCh)
	log.V(1).Info("Started local informer", "gvr", model.Resource.String())

	return li, model, nil
}

func (w *InformerWatcher) Get(ctx context.Context, ref *ResourceReference) Result {
	res := placeholder(ref)
	if ref.Inert() {
		return res
	}

	li, model, err := w.informerFor(ctx, ref)
	if err != nil {
		log.V(1).Info("Model not resolved", "gvk", ref.GroupVersionKind.String(), "error", err)
		return res
	}
	if !li.informer.HasSynced() {
		res.Err = li.err()
		return res
	}
	res.Loaded = true

	if !ref.IsList {
		var obj runtime.Object
		if model.Namespaced {
			obj, err = li.lister.ByNamespace(ref.Namespace).Get(ref.Name)
		} else {
			obj, err = li.lister.Get(ref.Name)
		}
		if err != nil {
			res.Err = err
			return res
		}
		if u, ok := obj.(*unstructured.Unstructured); ok {
			res.Object = u.DeepCopy()
		}
		return res
	}

	var objs []runtime.Object
	if model.Namespaced && ref.Namespace != "" {
		objs, err = li.lister.ByNamespace(ref.Namespace).List(labels.Everything())
	} else {
		objs, err = li.lister.List(labels.Everything())
	}
	if err != nil {
		res.Err = err
		return res
	}

	for _, obj := range objs {
		u, ok := obj.(*unstructured.Unstructured)
		if !ok || (ref.Name != "" && u.GetName() != ref.Name) {
			continue
		}
		res.Items = append(res.Items, *u.DeepCopy())
	}
	sort.Slice(res.Items, func(i, j int) bool {
		if res.Items[i].GetNamespace() != res.Items[j].GetNamespace() {
			return res.Items[i].GetNamespace() < res.Items[j].GetNamespace()
		}
		return res.Items[i].GetName() < res.Items[j].GetName()
	})
	return res
}

func (w *InformerWatcher) Watch(ctx context.Context, ref *ResourceReference, notify func(Result)) func() {
	if ref.Inert() {
		return func() {}
	}
	li, model, err := w.informerFor(ctx, ref)
	if err != nil {
		log.V(1).Info("Model not resolved", "gvk", ref.GroupVersionKind.String(), "error", err)
		return func() {}
	}

	matches := func(obj any) bool {
		if d, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			obj = d.Obj
		}
		u, ok := obj.(*unstructured.Unstructured)
		if !ok {
			return false
		}
		if model.Namespaced && ref.Namespace != "" && u.GetNamespace() != ref.Namespace {
			return false
		}
		return ref.Name == "" || u.GetName() == ref.Name
	}
	handle := func(obj any) {
		if matches(obj) {
			notify(w.Get(ctx, ref))
		}
	}

	reg, err := li.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    handle,
		UpdateFunc: func(_, newObj any) { handle(newObj) },
		DeleteFunc: handle,
	})
	if err != nil {
		log.Error(err, "Failed to add event handler", "gvr", model.Resource.String())
		return func() {}
	}
	// Initial adds may arrive before the informer has synced.
	stopped := make(chan struct{})
	go func() {
		if cache.WaitForCacheSync(stopped, reg.HasSynced) {
			notify(w.Get(ctx, ref))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopped)
			_ = li.informer.RemoveEventHandler(reg)
		})
	}
}
