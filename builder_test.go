package ziptable_test

import (
	"bytes"
	"os"

	"github.com/bsm/ziptable"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Builder", func() {
	var buf *bytes.Buffer
	var subject *ziptable.Builder

	BeforeEach(func() {
		var err error
		buf = new(bytes.Buffer)
		subject, err = ziptable.NewBuilder(buf, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = subject.Abandon()
	})

	It("should write empty tables", func() {
		Expect(subject.Finish()).To(Succeed())
		Expect(buf.Len()).To(BeNumerically(">", 40))
		Expect(subject.FileSize()).To(Equal(uint64(buf.Len())))
	})

	It("should count entries and bytes", func() {
		Expect(subject.Add(ikey("a", 2, ziptable.TypeValue), []byte("1"))).To(Succeed())
		Expect(subject.Add(ikey("b", 2, ziptable.TypeValue), []byte("2"))).To(Succeed())
		Expect(subject.Add(ikey("b", 1, ziptable.TypeDeletion), nil)).To(Succeed())
		Expect(subject.NumEntries()).To(Equal(uint64(3)))
		Expect(subject.FileSize()).To(Equal(uint64(0)))

		Expect(subject.Finish()).To(Succeed())
		Expect(subject.FileSize()).To(Equal(uint64(buf.Len())))
	})

	It("should prevent out-of-order adds", func() {
		Expect(subject.Add(ikey("m", 9, ziptable.TypeValue), nil)).To(Succeed())

		err := subject.Add(ikey("a", 9, ziptable.TypeValue), nil)
		Expect(ziptable.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should prevent non-descending versions of one key", func() {
		Expect(subject.Add(ikey("m", 5, ziptable.TypeValue), nil)).To(Succeed())

		err := subject.Add(ikey("m", 7, ziptable.TypeValue), nil)
		Expect(ziptable.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should reject malformed internal keys", func() {
		err := subject.Add([]byte("short"), nil)
		Expect(ziptable.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should keep errors sticky", func() {
		Expect(subject.Add(ikey("m", 9, ziptable.TypeValue), nil)).To(Succeed())

		err := subject.Add(ikey("a", 9, ziptable.TypeValue), nil)
		Expect(err).To(HaveOccurred())
		Expect(subject.Add(ikey("z", 9, ziptable.TypeValue), nil)).To(MatchError(err))
		Expect(subject.Finish()).To(MatchError(err))
		Expect(buf.Len()).To(Equal(0))
		Expect(subject.Abandon()).To(Succeed())
	})

	It("should reject further use after Finish", func() {
		Expect(subject.Finish()).To(Succeed())
		Expect(subject.Add(ikey("a", 1, ziptable.TypeValue), nil)).To(MatchError(`ziptable: is closed`))
		Expect(subject.Finish()).To(MatchError(`ziptable: is closed`))
	})

	It("should abandon without touching the output", func() {
		Expect(subject.Add(ikey("a", 1, ziptable.TypeValue), []byte("1"))).To(Succeed())
		Expect(subject.Abandon()).To(Succeed())
		Expect(buf.Len()).To(Equal(0))
	})

	It("should enforce 8-byte keys under the uint64 comparator", func() {
		b, err := ziptable.NewBuilder(new(bytes.Buffer), &ziptable.BuilderOptions{
			Comparator: ziptable.ComparatorUint64,
		})
		Expect(err).NotTo(HaveOccurred())
		defer b.Abandon()

		err = b.Add(ikey("abc", 1, ziptable.TypeValue), nil)
		Expect(ziptable.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should reject unsupported comparators", func() {
		_, err := ziptable.NewBuilder(new(bytes.Buffer), &ziptable.BuilderOptions{
			Comparator: "acme.FancyComparator",
		})
		Expect(ziptable.IsInvalidArgument(err)).To(BeTrue())
	})

	It("should write the build timestamp property when probing", func() {
		fname, err := seedTable([]testEntry{
			{Key: "a", Seq: 1, Typ: ziptable.TypeValue, Val: "value"},
		}, &ziptable.BuilderOptions{EnableCompressionProbe: true})
		if fname != "" {
			defer os.Remove(fname)
		}
		Expect(err).NotTo(HaveOccurred())

		r, err := ziptable.Open(fname, nil)
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()
		Expect(r.Properties().UserCollected).To(HaveKey(ziptable.PropertyBuildTimestamp))
	})
})
