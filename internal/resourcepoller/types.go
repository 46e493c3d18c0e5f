package resourcepoller

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ClusterField is the top-level field stamped on every object fetched from a
// managed cluster.
const ClusterField = "cluster"

// Model describes how a kind is served by the API server.
type Model struct {
	GroupVersionKind schema.GroupVersionKind
	Resource         schema.GroupVersionResource
	Namespaced       bool
}

// APIVersion returns the group/version string of the model, e.g. "apps/v1".
func (m Model) APIVersion() string {
	return m.GroupVersionKind.GroupVersion().String()
}

// Snapshot is a normalized fetch result
type Snapshot struct {
	IsList bool

	// Set for single object fetches
	Object *unstructured.Unstructured

	// Set for list fetches, in server order
	Items []unstructured.Unstructured

	// List resourceVersion, used to resume a watch from the snapshot
	ResourceVersion string
}
