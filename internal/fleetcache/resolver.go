package fleetcache

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nusnewob/kube-fleetwatch/internal/resourcepoller"
)

// ManagedClusterGVK is the kind registering a managed cluster on the hub.
var ManagedClusterGVK = schema.GroupVersionKind{
	Group:   "cluster.open-cluster-management.io",
	Version: "v1",
	Kind:    "ManagedCluster",
}

// RESTMapperResolver resolves models through a RESTMapper
type RESTMapperResolver struct {
	Mapper meta.RESTMapper
}

var _ ModelResolver = &RESTMapperResolver{}

func (r *RESTMapperResolver) ResolveModel(ctx context.Context, gvk schema.GroupVersionKind) (*resourcepoller.Model, error) {
	mapping, err := r.Mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("unknown kind %q in apiVersion %q: %w", gvk.Kind, gvk.GroupVersion().String(), err)
	}
	return &resourcepoller.Model{
		GroupVersionKind: mapping.GroupVersionKind,
		Resource:         mapping.Resource,
		Namespaced:       mapping.Scope.Name() == meta.RESTScopeNameNamespace,
	}, nil
}

// ClusterProxyResolver serves managed cluster APIs through the cluster proxy.
// A cluster is known once its ManagedCluster exists on the hub.
type ClusterProxyResolver struct {
	Client   client.Reader
	ProxyURL string
}

var _ BasePathResolver = &ClusterProxyResolver{}

func (r *ClusterProxyResolver) ResolveBasePath(ctx context.Context, cluster string) (string, bool, error) {
	mc := &unstructured.Unstructured{}
	mc.SetGroupVersionKind(ManagedClusterGVK)
	if err := r.Client.Get(ctx, client.ObjectKey{Name: cluster}, mc); err != nil {
		if apierrors.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSuffix(r.ProxyURL, "/") + "/" + url.PathEscape(cluster), true, nil
}

// ValidateScope checks namespace against the scope of model.
func ValidateScope(model *resourcepoller.Model, namespace string) error {
	if !model.Namespaced && namespace != "" {
		return fmt.Errorf("cluster-scoped resource %s must not have namespace", model.GroupVersionKind.Kind)
	}
	return nil
}
