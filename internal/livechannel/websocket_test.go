package livechannel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/rest"

	"github.com/nusnewob/kube-fleetwatch/internal/resourcepoller"
)

var deploymentModel = resourcepoller.Model{
	GroupVersionKind: schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"},
	Resource:         schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"},
	Namespaced:       true,
}

var _ = Describe("WatchURL", func() {
	It("Should map https to wss and add the watch parameters", func() {
		u, err := WatchURL(deploymentModel, WatchQuery{
			Namespace:       "ns1",
			Cluster:         "cluster1",
			FieldSelector:   NameFieldSelector("web"),
			ResourceVersion: "12",
		}, "https://proxy.example.com/cluster1")
		Expect(err).NotTo(HaveOccurred())

		parsed, err := url.Parse(u)
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed.Scheme).To(Equal("wss"))
		Expect(parsed.Path).To(Equal("/cluster1/apis/apps/v1/namespaces/ns1/deployments"))
		Expect(parsed.Query().Get("watch")).To(Equal("true"))
		Expect(parsed.Query().Get("fieldSelector")).To(Equal("metadata.name=web"))
		Expect(parsed.Query().Get("resourceVersion")).To(Equal("12"))
	})

	It("Should omit empty selectors", func() {
		u, err := WatchURL(deploymentModel, WatchQuery{Cluster: "cluster1"}, "http://proxy/cluster1")
		Expect(err).NotTo(HaveOccurred())
		Expect(u).To(HavePrefix("ws://proxy/cluster1/apis/apps/v1/deployments?"))
		Expect(u).NotTo(ContainSubstring("fieldSelector"))
		Expect(u).NotTo(ContainSubstring("resourceVersion"))
	})
})

var _ = Describe("WebsocketFactory", func() {
	var (
		server   *httptest.Server
		received chan url.Values
		release  chan struct{}
	)

	BeforeEach(func() {
		received = make(chan url.Values, 1)
		release = make(chan struct{})
		recv, rel := received, release
		upgrader := websocket.Upgrader{}
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recv <- r.URL.Query()
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer func() { _ = conn.Close() }()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ADDED","object":{}}`))
			<-rel
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	It("Should deliver messages and report closure", func() {
		factory := &WebsocketFactory{}
		ch, err := factory.Open(context.Background(), deploymentModel, WatchQuery{Namespace: "ns1", ResourceVersion: "5"}, server.URL)
		Expect(err).NotTo(HaveOccurred())
		Expect(ch.IsOpen()).To(BeTrue())

		var query url.Values
		Eventually(received).Should(Receive(&query))
		Expect(query.Get("watch")).To(Equal("true"))
		Expect(query.Get("resourceVersion")).To(Equal("5"))

		var msg []byte
		Eventually(ch.Messages()).Should(Receive(&msg))
		Expect(string(msg)).To(ContainSubstring("ADDED"))

		close(release)
		Eventually(ch.Done(), 5*time.Second).Should(BeClosed())
		Expect(ch.IsOpen()).To(BeFalse())
	})

	It("Should close on request", func() {
		factory := &WebsocketFactory{}
		ch, err := factory.Open(context.Background(), deploymentModel, WatchQuery{}, server.URL)
		Expect(err).NotTo(HaveOccurred())

		Expect(ch.Close()).To(Succeed())
		Expect(ch.IsOpen()).To(BeFalse())
		Eventually(ch.Done(), 5*time.Second).Should(BeClosed())
		close(release)
	})

	It("Should fail when the endpoint does not upgrade", func() {
		plain := httptest.NewServer(http.NotFoundHandler())
		defer plain.Close()

		factory := &WebsocketFactory{}
		_, err := factory.Open(context.Background(), deploymentModel, WatchQuery{}, plain.URL)
		Expect(err).To(HaveOccurred())
		Expect(strings.ToLower(err.Error())).To(ContainSubstring("404"))
		close(release)
	})
})

var _ = Describe("NewWebsocketFactory", func() {
	It("Should authenticate with the bearer token of the config", func() {
		auth := make(chan string, 1)
		upgrader := websocket.Upgrader{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth <- r.Header.Get("Authorization")
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			_ = conn.Close()
		}))
		defer server.Close()

		factory, err := NewWebsocketFactory(&rest.Config{Host: server.URL, BearerToken: "secret"})
		Expect(err).NotTo(HaveOccurred())

		ch, err := factory.Open(context.Background(), deploymentModel, WatchQuery{}, server.URL)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = ch.Close() }()

		Eventually(auth).Should(Receive(Equal("Bearer secret")))
	})
})
