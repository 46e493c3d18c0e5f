package fleetcache

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/nusnewob/kube-fleetwatch/internal/resourcepoller"
)

var (
	configMapGVK   = corev1.SchemeGroupVersion.WithKind("ConfigMap")
	configMapModel = resourcepoller.Model{
		GroupVersionKind: configMapGVK,
		Resource:         corev1.SchemeGroupVersion.WithResource("configmaps"),
		Namespaced:       true,
	}
)

func configMap(namespace, name string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "ConfigMap"},
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Data:       map[string]string{"key": "value"},
	}
}

var _ = Describe("InformerWatcher", func() {
	var (
		ctx     context.Context
		client  *dynamicfake.FakeDynamicClient
		watcher *InformerWatcher
		listRef *ResourceReference
	)

	BeforeEach(func() {
		ctx = context.Background()
		scheme := runtime.NewScheme()
		Expect(corev1.AddToScheme(scheme)).To(Succeed())

		client = dynamicfake.NewSimpleDynamicClient(scheme,
			configMap("ns1", "b"), configMap("ns1", "a"), configMap("ns2", "c"))

		stopCh := make(chan struct{})
		DeferCleanup(func() { close(stopCh) })

		watcher = NewInformerWatcher(client, staticModels{configMapGVK: configMapModel}, 0, stopCh)

		gvk := configMapGVK
		listRef = &ResourceReference{GroupVersionKind: &gvk, Namespace: "ns1", IsList: true}
		Eventually(func() bool { return watcher.Get(ctx, listRef).Loaded }).Should(BeTrue())
	})

	It("Should list a namespace in a stable order", func() {
		r := watcher.Get(ctx, listRef)
		Expect(r.IsList).To(BeTrue())
		Expect(names(r.Items)).To(Equal([]string{"a", "b"}))
	})

	It("Should list all namespaces", func() {
		gvk := configMapGVK
		r := watcher.Get(ctx, &ResourceReference{GroupVersionKind: &gvk, IsList: true})
		Expect(names(r.Items)).To(Equal([]string{"a", "b", "c"}))
	})

	It("Should get a single resource", func() {
		gvk := configMapGVK
		r := watcher.Get(ctx, &ResourceReference{GroupVersionKind: &gvk, Namespace: "ns2", Name: "c"})
		Expect(r.Loaded).To(BeTrue())
		Expect(r.Object.GetName()).To(Equal("c"))

		r = watcher.Get(ctx, &ResourceReference{GroupVersionKind: &gvk, Namespace: "ns2", Name: "missing"})
		Expect(r.Loaded).To(BeTrue())
		Expect(r.Object).To(BeNil())
		Expect(apierrors.IsNotFound(r.Err)).To(BeTrue())
	})

	It("Should return a placeholder for unknown kinds", func() {
		gvk := schema.GroupVersionKind{Group: "example.com", Version: "v1", Kind: "Widget"}
		r := watcher.Get(ctx, &ResourceReference{GroupVersionKind: &gvk, IsList: true})
		Expect(r.Loaded).To(BeFalse())
		Expect(r.Items).To(BeEmpty())
	})

	It("Should notify on changes in scope", func() {
		var (
			mu     sync.Mutex
			latest Result
		)
		stop := watcher.Watch(ctx, listRef, func(r Result) {
			mu.Lock()
			defer mu.Unlock()
			latest = r
		})
		defer stop()

		cm := &unstructured.Unstructured{}
		cm.SetAPIVersion("v1")
		cm.SetKind("ConfigMap")
		cm.SetNamespace("ns1")
		cm.SetName("d")
		_, err := client.Resource(configMapModel.Resource).Namespace("ns1").Create(ctx, cm, metav1.CreateOptions{})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() []string {
			mu.Lock()
			defer mu.Unlock()
			return names(latest.Items)
		}).Should(Equal([]string{"a", "b", "d"}))

		Expect(client.Resource(configMapModel.Resource).Namespace("ns1").Delete(ctx, "a", metav1.DeleteOptions{})).To(Succeed())
		Eventually(func() []string {
			mu.Lock()
			defer mu.Unlock()
			return names(latest.Items)
		}).Should(Equal([]string{"b", "d"}))
	})

	It("Should serve the hub through a Store", func() {
		store := NewStore("local-cluster", Dependencies{Local: watcher}, DefaultOptions)
		defer store.Close()

		gvk := configMapGVK
		r := store.Get(ctx, &ResourceReference{Cluster: "local-cluster", GroupVersionKind: &gvk, Namespace: "ns1", Name: "a"})
		Expect(r.Loaded).To(BeTrue())
		Expect(r.Object.GetName()).To(Equal("a"))
		Expect(resourcepoller.ClusterOf(r.Object)).To(BeEmpty())
	})
})
