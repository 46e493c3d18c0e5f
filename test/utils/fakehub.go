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

package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// FakeAPIServer serves canned Kubernetes REST responses and websocket watch
// streams, standing in for a managed cluster behind the cluster proxy.
type FakeAPIServer struct {
	Server *httptest.Server

	upgrader websocket.Upgrader

	mu       sync.Mutex
	bodies   map[string][]byte
	statuses map[string]metav1.Status
	hits     map[string]int
	watchers map[string][]*websocket.Conn
}

func NewFakeAPIServer() *FakeAPIServer {
	s := &FakeAPIServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		bodies:   map[string][]byte{},
		statuses: map[string]metav1.Status{},
		hits:     map[string]int{},
		watchers: map[string][]*websocket.Conn{},
	}

	r := mux.NewRouter()
	r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
		return req.URL.Query().Get("watch") == "true"
	}).HandlerFunc(s.serveWatch)
	r.PathPrefix("/").Methods(http.MethodGet).HandlerFunc(s.serveGet)

	s.Server = httptest.NewServer(r)
	return s
}

// URL is the base path of the fake server.
func (s *FakeAPIServer) URL() string {
	return s.Server.URL
}

// Set serves body on GET uri. uri may carry a query.
func (s *FakeAPIServer) Set(uri, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[uri] = []byte(body)
	delete(s.statuses, uri)
}

// Fail answers GET uri with status.
func (s *FakeAPIServer) Fail(uri string, status metav1.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status.Kind = "Status"
	status.APIVersion = "v1"
	status.Status = metav1.StatusFailure
	s.statuses[uri] = status
}

// Hits returns how many GETs uri received.
func (s *FakeAPIServer) Hits(uri string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[uri]
}

// Watchers returns the number of open watch streams on collection path.
func (s *FakeAPIServer) Watchers(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[path])
}

// Emit sends a watch event to every stream open on collection path.
func (s *FakeAPIServer) Emit(path, eventType, object string) error {
	return s.EmitRaw(path, fmt.Sprintf(`{"type":%q,"object":%s}`, eventType, object))
}

// EmitRaw sends msg verbatim to every stream open on collection path.
func (s *FakeAPIServer) EmitRaw(path, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.watchers[path] {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect closes every stream open on collection path.
func (s *FakeAPIServer) Disconnect(path string) {
	s.mu.Lock()
	conns := s.watchers[path]
	delete(s.watchers, path)
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (s *FakeAPIServer) Close() {
	s.mu.Lock()
	all := s.watchers
	s.watchers = map[string][]*websocket.Conn{}
	s.mu.Unlock()

	for _, conns := range all {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}
	s.Server.Close()
}

func (s *FakeAPIServer) serveGet(w http.ResponseWriter, req *http.Request) {
	uri := req.URL.Path
	if req.URL.RawQuery != "" {
		uri += "?" + req.URL.RawQuery
	}

	s.mu.Lock()
	s.hits[uri]++
	body, ok := s.bodies[uri]
	status, failed := s.statuses[uri]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case failed:
		w.WriteHeader(int(status.Code))
		_ = json.NewEncoder(w).Encode(status)
	case ok:
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(metav1.Status{
			TypeMeta: metav1.TypeMeta{Kind: "Status", APIVersion: "v1"},
			Status:   metav1.StatusFailure,
			Reason:   metav1.StatusReasonNotFound,
			Code:     http.StatusNotFound,
			Message:  uri + " not found",
		})
	}
}

func (s *FakeAPIServer) serveWatch(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	path := req.URL.Path
	s.mu.Lock()
	s.watchers[path] = append(s.watchers[path], conn)
	s.mu.Unlock()

	// Read until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	conns := s.watchers[path]
	for i, c := range conns {
		if c == conn {
			s.watchers[path] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	_ = conn.Close()
}
