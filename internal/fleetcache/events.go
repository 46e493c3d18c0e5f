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
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/nusnewob/kube-fleetwatch/internal/resourcepoller"
)

var errMalformedEvent = errors.New("malformed watch event")

// Event is a decoded live channel message
type Event struct {
	Type   watch.EventType
	Object *unstructured.Unstructured
}

// Value is the cached data of one resolved path
type Value struct {
	IsList bool
	Object *unstructured.Unstructured
	Items  []unstructured.Unstructured
}

// ParseEvent decodes a watch event frame.
func ParseEvent(data []byte) (Event, error) {
	var we metav1.WatchEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return Event{}, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if we.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", errMalformedEvent)
	}
	if len(we.Object.Raw) == 0 {
		return Event{}, fmt.Errorf("%w: missing object", errMalformedEvent)
	}

	obj := &unstructured.Unstructured{}
	if err := json.Unmarshal(we.Object.Raw, &obj.Object); err != nil {
		return Event{}, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if obj.Object == nil {
		return Event{}, fmt.Errorf("%w: null object", errMalformedEvent)
	}

	return Event{
		Type:   watch.EventType(strings.ToUpper(we.Type)),
		Object: obj,
	}, nil
}

// ApplyEvent reconciles ev into v and reports whether the data changed.
// v is never modified; on error it is returned unchanged.
//
// List items are matched by namespace and name. ADDED and MODIFIED replace a
// matching item in place and append otherwise; DELETED removes it. For single
// resources DELETED clears the value and any other change replaces it.
func ApplyEvent(v Value, ev Event, cluster string) (Value, bool, error) {
	switch ev.Type {
	case watch.Added, watch.Modified, watch.Deleted:
	case watch.Bookmark:
		return v, false, nil
	case watch.Error:
		return v, false, eventError(ev.Object)
	default:
		return v, false, fmt.Errorf("%w: unknown type %q", errMalformedEvent, ev.Type)
	}

	obj := ev.Object.DeepCopy()
	resourcepoller.StampCluster(obj, cluster)

	if !v.IsList {
		out := v
		if ev.Type == watch.Deleted {
			out.Object = nil
			return out, v.Object != nil, nil
		}
		if sameObject(v.Object, obj) {
			return v, false, nil
		}
		out.Object = obj
		return out, true, nil
	}

	if obj.GetName() == "" {
		return v, false, fmt.Errorf("%w: object has no name", errMalformedEvent)
	}

	idx := slices.IndexFunc(v.Items, func(item unstructured.Unstructured) bool {
		return item.GetNamespace() == obj.GetNamespace() && item.GetName() == obj.GetName()
	})

	out := v
	switch {
	case ev.Type == watch.Deleted:
		if idx < 0 {
			return v, false, nil
		}
		out.Items = slices.Delete(slices.Clone(v.Items), idx, idx+1)
	case idx >= 0:
		if sameObject(&v.Items[idx], obj) {
			return v, false, nil
		}
		out.Items = slices.Clone(v.Items)
		out.Items[idx] = *obj
	default:
		out.Items = append(slices.Clone(v.Items), *obj)
	}
	return out, true, nil
}

func sameObject(a, b *unstructured.Unstructured) bool {
	if a == nil || b == nil {
		return a == b
	}
	ha, err := resourcepoller.HashObject(a.Object)
	if err != nil {
		return false
	}
	hb, err := resourcepoller.HashObject(b.Object)
	if err != nil {
		return false
	}
	return ha == hb
}

// eventError converts the Status carried by an ERROR event.
func eventError(obj *unstructured.Unstructured) error {
	status := &metav1.Status{}
	if obj != nil {
		if data, err := json.Marshal(obj.Object); err == nil {
			_ = json.Unmarshal(data, status)
		}
	}
	if status.Message == "" && status.Reason == "" {
		return errors.New("watch error event")
	}
	return apierrors.FromObject(status)
}
