package ziptable_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"

	"github.com/bsm/ziptable"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Reader", func() {
	var subject *ziptable.Reader
	var fname string

	entries := []testEntry{
		{Key: "k", Seq: 9, Typ: ziptable.TypeDeletion},
		{Key: "k", Seq: 7, Typ: ziptable.TypeValue, Val: "b"},
		{Key: "k", Seq: 3, Typ: ziptable.TypeValue, Val: "a"},
		{Key: "l", Seq: 5, Typ: ziptable.TypeValue, Val: "v"},
	}

	BeforeEach(func() {
		var err error
		subject, fname, err = seedReader(entries, nil, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if subject != nil {
			_ = subject.Close()
		}
		if fname != "" {
			_ = os.Remove(fname)
		}
	})

	It("should init", func() {
		Expect(subject.NumRecords()).To(Equal(2))
		Expect(subject.GlobalSeqno()).To(Equal(uint64(0)))

		props := subject.Properties()
		Expect(props.NumEntries).To(Equal(uint64(4)))
		Expect(props.ComparatorName).To(Equal(ziptable.ComparatorBytewise))
		Expect(props.DataSize).To(BeNumerically(">", 0))
		Expect(props.IndexSize).To(BeNumerically(">", 0))
	})

	It("should serve single-version lookups", func() {
		v, err := getOne(subject, "l", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).NotTo(BeNil())
		Expect(v.Val).To(Equal("v"))
		Expect(v.Key.Seq).To(Equal(uint64(5)))
		Expect(v.Key.Type).To(Equal(ziptable.TypeValue))
		Expect(string(v.Key.UserKey)).To(Equal("l"))
	})

	It("should resolve multi-version visibility", func() {
		v, err := getOne(subject, "k", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).NotTo(BeNil())
		Expect(v.Key.Type).To(Equal(ziptable.TypeDeletion))
		Expect(v.Key.Seq).To(Equal(uint64(9)))

		v, err = getOne(subject, "k", 8)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).NotTo(BeNil())
		Expect(v.Val).To(Equal("b"))
		Expect(v.Key.Seq).To(Equal(uint64(7)))

		v, err = getOne(subject, "k", 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(BeNil())
	})

	It("should not report misses as errors", func() {
		v, err := getOne(subject, "m", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(BeNil())

		v, err = getOne(subject, "", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(BeNil())
	})

	It("should feed merge chains until the context stops", func() {
		ctx := &captureCtx{WantMore: true}
		Expect(subject.Get(ikey("k", 10, ziptable.TypeValue), ctx)).To(Succeed())
		Expect(ctx.Versions).To(HaveLen(3))
		Expect(ctx.Versions[0].Key.Seq).To(Equal(uint64(9)))
		Expect(ctx.Versions[1].Key.Seq).To(Equal(uint64(7)))
		Expect(ctx.Versions[2].Key.Seq).To(Equal(uint64(3)))
	})

	It("should serve lookups through pread", func() {
		r, err := ziptable.Open(fname, &ziptable.ReaderOptions{MinPreadLen: 1 << 20})
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()

		v, err := getOne(r, "l", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).NotTo(BeNil())
		Expect(v.Val).To(Equal("v"))
	})

	It("should open with warm-up and advice", func() {
		r, err := ziptable.Open(fname, &ziptable.ReaderOptions{
			WarmUpIndexOnOpen: true,
			WarmUpValueOnOpen: true,
			IndexCacheRatio:   0.1,
		})
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()

		v, err := getOne(r, "k", 8)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Val).To(Equal("b"))

		r2, err := ziptable.Open(fname, &ziptable.ReaderOptions{AdviseRandomRead: true})
		Expect(err).NotTo(HaveOccurred())
		defer r2.Close()
	})

	It("should reject tampered footers", func() {
		raw, err := os.ReadFile(fname)
		Expect(err).NotTo(HaveOccurred())
		raw[len(raw)-1] ^= 0xff

		Expect(os.WriteFile(fname+".bad", raw, 0o644)).To(Succeed())
		defer os.Remove(fname + ".bad")

		_, err = ziptable.Open(fname+".bad", nil)
		Expect(ziptable.IsCorruption(err)).To(BeTrue())
	})

	Describe("global seqno", func() {
		var gname string
		var gr *ziptable.Reader

		BeforeEach(func() {
			seqno := make([]byte, 8)
			binary.LittleEndian.PutUint64(seqno, 42)

			var err error
			gr, gname, err = seedReader([]testEntry{
				{Key: "k", Seq: 0, Typ: ziptable.TypeValue, Val: "v"},
			}, &ziptable.BuilderOptions{
				UserProperties: map[string][]byte{
					ziptable.PropertyExternalVersion: {0x02},
					ziptable.PropertyGlobalSeqno:     seqno,
				},
			}, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			if gr != nil {
				_ = gr.Close()
			}
			_ = os.Remove(gname)
		})

		It("should assign the file seqno to zero-sequence records", func() {
			Expect(gr.GlobalSeqno()).To(Equal(uint64(42)))

			v, err := getOne(gr, "k", 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).NotTo(BeNil())
			Expect(v.Key.Seq).To(Equal(uint64(42)))
			Expect(v.Val).To(Equal("v"))
		})

		It("should hide zero-sequence records below the file seqno", func() {
			v, err := getOne(gr, "k", 41)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeNil())
		})
	})

	Describe("corruption", func() {
		It("should confine record checksum failures to the damaged key", func() {
			rnd := rand.New(rand.NewSource(7))
			victim := make([]byte, 64)
			other := make([]byte, 64)
			_, _ = rnd.Read(victim)
			_, _ = rnd.Read(other)

			cname, err := seedTable([]testEntry{
				{Key: "aaa", Seq: 1, Typ: ziptable.TypeValue, Val: string(victim)},
				{Key: "bbb", Seq: 1, Typ: ziptable.TypeValue, Val: string(other)},
			}, nil)
			if cname != "" {
				defer os.Remove(cname)
			}
			Expect(err).NotTo(HaveOccurred())

			raw, err := os.ReadFile(cname)
			Expect(err).NotTo(HaveOccurred())
			pos := bytes.Index(raw, victim)
			Expect(pos).To(BeNumerically(">=", 0))
			raw[pos] ^= 0xff
			Expect(os.WriteFile(cname, raw, 0o644)).To(Succeed())

			r, err := ziptable.Open(cname, nil)
			Expect(err).NotTo(HaveOccurred())
			defer r.Close()

			_, err = getOne(r, "aaa", 10)
			Expect(ziptable.IsCorruption(err)).To(BeTrue())

			v, err := getOne(r, "bbb", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).NotTo(BeNil())
			Expect(v.Val).To(Equal(string(other)))
		})
	})

	Describe("key prefix", func() {
		It("should strip a fixed physical prefix before probing", func() {
			r, err := ziptable.Open(fname, &ziptable.ReaderOptions{KeyPrefix: []byte("tenant/")})
			Expect(err).NotTo(HaveOccurred())
			defer r.Close()

			v, err := getOne(r, "tenant/l", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).NotTo(BeNil())
			Expect(v.Val).To(Equal("v"))
			Expect(string(v.Key.UserKey)).To(Equal("tenant/l"))

			v, err = getOne(r, "other/l", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeNil())

			it := r.NewIterator()
			defer it.Release()
			it.SeekToFirst()
			Expect(it.Valid()).To(BeTrue())
			Expect(string(it.Key()[:8])).To(Equal("tenant/k"))
		})
	})

	Describe("file cache", func() {
		It("should register and route positioned reads", func() {
			cache := new(fakeFileCache)
			r, err := ziptable.Open(fname, &ziptable.ReaderOptions{
				MinPreadLen: 1 << 20,
				FileCache:   cache,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(cache.registered).To(Equal(1))

			v, err := getOne(r, "l", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).NotTo(BeNil())
			Expect(cache.reads).To(BeNumerically(">", 0))

			Expect(r.Close()).To(Succeed())
			Expect(cache.registered).To(Equal(0))
		})
	})

	Describe("empty tables", func() {
		It("should round-trip", func() {
			r, ename, err := seedReader(nil, nil, nil)
			if ename != "" {
				defer os.Remove(ename)
			}
			Expect(err).NotTo(HaveOccurred())
			defer r.Close()

			Expect(r.NumRecords()).To(Equal(0))
			v, err := getOne(r, "k", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeNil())

			it := r.NewIterator()
			defer it.Release()
			it.SeekToFirst()
			Expect(it.Valid()).To(BeFalse())
		})
	})

	Describe("round trip", func() {
		It("should serve every version of a generated stream", func() {
			rnd := rand.New(rand.NewSource(33))
			var seeded []testEntry
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("key-%05d", i*3)
				nv := 1 + rnd.Intn(3)
				for j := 0; j < nv; j++ {
					e := testEntry{
						Key: key,
						Seq: uint64(100 - j*10),
						Typ: ziptable.TypeValue,
						Val: fmt.Sprintf("%s#%d", key, 100-j*10),
					}
					if j == 0 && i%7 == 0 {
						e.Typ, e.Val = ziptable.TypeDeletion, ""
					}
					seeded = append(seeded, e)
				}
			}

			r, rname, err := seedReader(seeded, nil, nil)
			if rname != "" {
				defer os.Remove(rname)
			}
			Expect(err).NotTo(HaveOccurred())
			defer r.Close()

			Expect(r.NumRecords()).To(Equal(500))
			for i := 0; i < len(seeded); i++ {
				e := seeded[i]
				v, err := getOne(r, e.Key, e.Seq)
				Expect(err).NotTo(HaveOccurred())
				Expect(v).NotTo(BeNil(), "for %s@%d", e.Key, e.Seq)
				Expect(v.Key.Seq).To(Equal(e.Seq))
				Expect(v.Key.Type).To(Equal(e.Typ))
				Expect(v.Val).To(Equal(e.Val))
			}

			v, err := getOne(r, "key-00003#x", 200)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeNil())
		})
	})
})
