package resourcepoller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Poller fetches and normalizes Kubernetes resources
type Poller struct {
	Fetcher Fetcher
}

// Poll fetches url and normalizes the payload for cluster
func (p *Poller) Poll(ctx context.Context, url string, isList bool, cluster string) (*Snapshot, error) {
	payload, err := p.Fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return Normalize(payload, isList, cluster)
}

// Normalize decodes a list or single object payload and stamps every object
// with the cluster it came from.
func Normalize(payload []byte, isList bool, cluster string) (*Snapshot, error) {
	raw := map[string]any{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("unable to decode payload: %w", err)
	}

	if !isList {
		obj := &unstructured.Unstructured{Object: raw}
		StampCluster(obj, cluster)
		return &Snapshot{Object: obj}, nil
	}

	rv, _, err := unstructured.NestedString(raw, "metadata", "resourceVersion")
	if err != nil {
		return nil, fmt.Errorf("invalid list metadata: %w", err)
	}

	val, found, err := unstructured.NestedFieldNoCopy(raw, "items")
	if err != nil {
		return nil, err
	}
	var rawItems []any
	if found && val != nil {
		var ok bool
		if rawItems, ok = val.([]any); !ok {
			return nil, fmt.Errorf("items is %T, not a list", val)
		}
	}

	items := make([]unstructured.Unstructured, 0, len(rawItems))
	for i, item := range rawItems {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item %d is %T, not an object", i, item)
		}
		obj := unstructured.Unstructured{Object: m}
		StampCluster(&obj, cluster)
		items = append(items, obj)
	}

	return &Snapshot{
		IsList:          true,
		Items:           items,
		ResourceVersion: rv,
	}, nil
}

// StampCluster records cluster on obj unless the object already names one.
func StampCluster(obj *unstructured.Unstructured, cluster string) {
	if obj == nil || obj.Object == nil {
		return
	}
	if _, ok := obj.Object[ClusterField]; ok {
		return
	}
	obj.Object[ClusterField] = cluster
}

// ClusterOf returns the cluster stamped on obj.
func ClusterOf(obj *unstructured.Unstructured) string {
	s, _, _ := unstructured.NestedString(obj.Object, ClusterField)
	return s
}

// HashObject produces a stable hash for arbitrary JSON data
func HashObject(obj map[string]any) (string, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}

	canonical, err := jsoncanonicalizer.Transform(data)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
