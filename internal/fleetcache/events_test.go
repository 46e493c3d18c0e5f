package fleetcache

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/nusnewob/kube-fleetwatch/internal/resourcepoller"
)

func mustParse(msg string) Event {
	ev, err := ParseEvent([]byte(msg))
	Expect(err).NotTo(HaveOccurred())
	return ev
}

func listValue(items ...string) Value {
	v := Value{IsList: true, Items: []unstructured.Unstructured{}}
	for _, item := range items {
		v.Items = append(v.Items, *mustParse(watchEvent("ADDED", item)).Object)
	}
	return v
}

var _ = Describe("ParseEvent", func() {
	It("Should decode a watch event frame", func() {
		ev := mustParse(watchEvent("modified", deployment("ns1", "web", 2)))
		Expect(ev.Type).To(Equal(watch.Modified))
		Expect(ev.Object.GetName()).To(Equal("web"))
		Expect(ev.Object.GetNamespace()).To(Equal("ns1"))
	})

	DescribeTable("Should reject malformed frames",
		func(msg string) {
			_, err := ParseEvent([]byte(msg))
			Expect(errors.Is(err, errMalformedEvent)).To(BeTrue())
		},
		Entry("invalid JSON", `{"type":`),
		Entry("missing type", `{"object":{"metadata":{"name":"web"}}}`),
		Entry("missing object", `{"type":"ADDED"}`),
		Entry("null object", `{"type":"ADDED","object":null}`),
		Entry("non-object payload", `{"type":"ADDED","object":[1,2]}`),
	)
})

var _ = Describe("ApplyEvent", func() {
	It("Should leave the value alone on bookmarks", func() {
		v := listValue(deployment("ns1", "web", 1))
		out, changed, err := ApplyEvent(v, mustParse(watchEvent("BOOKMARK", `{"metadata":{"resourceVersion":"12"}}`)), "c1")
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeFalse())
		Expect(out).To(Equal(v))
	})

	It("Should surface ERROR events as status errors", func() {
		ev := mustParse(`{"type":"ERROR","object":{"kind":"Status","apiVersion":"v1","status":"Failure","reason":"Expired","code":410,"message":"too old"}}`)
		_, changed, err := ApplyEvent(Value{}, ev, "c1")
		Expect(changed).To(BeFalse())
		Expect(apierrors.IsResourceExpired(err)).To(BeTrue())

		_, _, err = ApplyEvent(Value{}, mustParse(`{"type":"ERROR","object":{}}`), "c1")
		Expect(err).To(MatchError("watch error event"))
	})

	It("Should reject unknown event types", func() {
		_, _, err := ApplyEvent(Value{}, mustParse(watchEvent("RESTARTED", deployment("ns1", "web", 1))), "c1")
		Expect(errors.Is(err, errMalformedEvent)).To(BeTrue())
	})

	Context("On a single resource", func() {
		It("Should replace, skip identical objects and clear on delete", func() {
			v := Value{}
			out, changed, err := ApplyEvent(v, mustParse(watchEvent("ADDED", deployment("ns1", "web", 1))), "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeTrue())
			Expect(resourcepoller.ClusterOf(out.Object)).To(Equal("c1"))

			same, changed, err := ApplyEvent(out, mustParse(watchEvent("MODIFIED", deployment("ns1", "web", 1))), "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeFalse())
			Expect(same.Object).To(BeIdenticalTo(out.Object))

			gone, changed, err := ApplyEvent(out, mustParse(watchEvent("DELETED", deployment("ns1", "web", 1))), "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeTrue())
			Expect(gone.Object).To(BeNil())

			_, changed, err = ApplyEvent(gone, mustParse(watchEvent("DELETED", deployment("ns1", "web", 1))), "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeFalse())
		})
	})

	Context("On a list", func() {
		It("Should match items by namespace and name", func() {
			v := listValue(deployment("ns1", "web", 1), deployment("ns2", "web", 1))

			out, changed, err := ApplyEvent(v, mustParse(watchEvent("MODIFIED", deployment("ns2", "web", 5))), "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeTrue())
			Expect(replicas(&out.Items[0])).To(Equal(1.0))
			Expect(replicas(&out.Items[1])).To(Equal(5.0))
		})

		It("Should append unknown items on MODIFIED", func() {
			v := listValue(deployment("ns1", "web", 1))
			out, changed, err := ApplyEvent(v, mustParse(watchEvent("MODIFIED", deployment("ns1", "api", 1))), "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeTrue())
			Expect(names(out.Items)).To(Equal([]string{"web", "api"}))
		})

		It("Should ignore deletes of unknown items", func() {
			v := listValue(deployment("ns1", "web", 1))
			out, changed, err := ApplyEvent(v, mustParse(watchEvent("DELETED", deployment("ns1", "api", 1))), "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeFalse())
			Expect(names(out.Items)).To(Equal([]string{"web"}))
		})

		It("Should not modify the input value", func() {
			v := listValue(deployment("ns1", "web", 1), deployment("ns1", "api", 1))

			_, _, err := ApplyEvent(v, mustParse(watchEvent("MODIFIED", deployment("ns1", "web", 9))), "c1")
			Expect(err).NotTo(HaveOccurred())
			_, _, err = ApplyEvent(v, mustParse(watchEvent("DELETED", deployment("ns1", "web", 1))), "c1")
			Expect(err).NotTo(HaveOccurred())

			Expect(names(v.Items)).To(Equal([]string{"web", "api"}))
			Expect(replicas(&v.Items[0])).To(Equal(1.0))
		})

		It("Should reject items without a name", func() {
			v := listValue()
			_, _, err := ApplyEvent(v, mustParse(watchEvent("ADDED", `{"metadata":{"namespace":"ns1"}}`)), "c1")
			Expect(errors.Is(err, errMalformedEvent)).To(BeTrue())
		})

		It("Should keep a cluster already named by the object", func() {
			v := listValue()
			out, _, err := ApplyEvent(v, mustParse(watchEvent("ADDED", `{"cluster":"other","metadata":{"name":"web"}}`)), "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(resourcepoller.ClusterOf(&out.Items[0])).To(Equal("other"))
		})
	})
})
