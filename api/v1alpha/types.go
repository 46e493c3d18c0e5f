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

package v1alpha

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/nusnewob/kube-fleetwatch/internal/fleetcache"
	"github.com/nusnewob/kube-fleetwatch/internal/watchregistry"
)

// Watched resource reference
type ResourceReference struct {
	// API group and version of the resource, e.g., apps/v1
	// +optional
	APIVersion string `json:"apiVersion,omitempty"`

	// Kind of the Kubernetes resource, e.g., Deployment
	// +optional
	Kind string `json:"kind,omitempty"`

	// Managed cluster hosting the resource. Empty means the hub.
	// +optional
	Cluster string `json:"cluster,omitempty"`

	// Namespace of the resource (optional for cluster-scoped resources)
	// +optional
	Namespace string `json:"namespace,omitempty"`

	// Name of the resource. Narrows lists to a single name.
	// +optional
	Name string `json:"name,omitempty"`

	// Watch the collection instead of a single resource
	// +optional
	IsList bool `json:"isList,omitempty"`
}

// ToFleet converts r to a cache reference. A reference without apiVersion
// or kind converts to an inert reference.
func (r ResourceReference) ToFleet() (*fleetcache.ResourceReference, error) {
	ref := &fleetcache.ResourceReference{
		Cluster:   r.Cluster,
		Namespace: r.Namespace,
		Name:      r.Name,
		IsList:    r.IsList,
	}
	if r.APIVersion == "" || r.Kind == "" {
		return ref, nil
	}

	gvk, err := watchregistry.CanonicalGVK(r.APIVersion, r.Kind)
	if err != nil {
		return nil, fmt.Errorf("invalid apiVersion %q: %w", r.APIVersion, err)
	}
	ref.GroupVersionKind = &gvk
	return ref, nil
}

// WatchResult is the state of a watched resource
type WatchResult struct {
	metav1.TypeMeta `json:",inline"`

	// Resource the result belongs to
	Reference ResourceReference `json:"reference"`

	// The resource, a list of resources, or null
	Data any `json:"data"`

	// Whether the data reflects a completed fetch
	Loaded bool `json:"loaded"`

	// Failure of the latest fetch
	// +optional
	Error *metav1.Status `json:"error,omitempty"`
}

// NewWatchResult renders r for ref.
func NewWatchResult(ref ResourceReference, r fleetcache.Result) WatchResult {
	out := WatchResult{
		TypeMeta:  metav1.TypeMeta{APIVersion: GroupVersion.String(), Kind: WatchResultKind},
		Reference: ref,
		Data:      r.Data(),
		Loaded:    r.Loaded,
	}
	if r.Err != nil {
		out.Error = StatusFor(r.Err)
	}
	return out
}

// StatusFor converts err to a Status, keeping the details of API errors.
func StatusFor(err error) *metav1.Status {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		s := status.Status()
		return &s
	}
	return &metav1.Status{
		Status:  metav1.StatusFailure,
		Reason:  metav1.StatusReasonInternalError,
		Code:    500,
		Message: err.Error(),
	}
}
