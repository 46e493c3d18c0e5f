package resourcepoller

import (
	"net/url"
	"strings"
)

// BuildResourceURL returns the REST path of a resource or resource collection
// below basePath. The namespace segment is only added for namespaced models.
func BuildResourceURL(model Model, namespace, name, basePath string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(basePath, "/"))

	gvr := model.Resource
	if gvr.Group == "" {
		b.WriteString("/api/")
		b.WriteString(gvr.Version)
	} else {
		b.WriteString("/apis/")
		b.WriteString(gvr.Group)
		b.WriteString("/")
		b.WriteString(gvr.Version)
	}

	if model.Namespaced && namespace != "" {
		b.WriteString("/namespaces/")
		b.WriteString(url.PathEscape(namespace))
	}

	b.WriteString("/")
	b.WriteString(gvr.Resource)

	if name != "" {
		b.WriteString("/")
		b.WriteString(url.PathEscape(name))
	}
	return b.String()
}
