package ziptable

import (
	"bytes"
	"fmt"
	"math/rand"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("blobStore", func() {
	dict := []byte("shared dictionary sample for repetitive record bodies")

	build := func(records [][]byte, perm []uint32) []byte {
		b, err := newBlobStoreBuilder(dict)
		Expect(err).NotTo(HaveOccurred())
		for _, rec := range records {
			b.add(rec)
		}
		b.beginReorder()
		for newID, stagedID := range perm {
			b.place(uint32(newID), stagedID)
		}
		buf := new(bytes.Buffer)
		size, err := b.writeTo(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(size).To(Equal(uint64(buf.Len())))
		return buf.Bytes()
	}

	identity := func(n int) []uint32 {
		perm := make([]uint32, n)
		for i := range perm {
			perm[i] = uint32(i)
		}
		return perm
	}

	It("should round-trip records through an identity permutation", func() {
		records := [][]byte{
			[]byte("first"),
			{},
			bytes.Repeat([]byte("shared dictionary sample "), 8),
			[]byte("last"),
		}
		store, err := openBlobStore(build(records, identity(4)), dict)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.numRecords()).To(Equal(4))

		for i, want := range records {
			got, err := store.recordAppend(uint32(i), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(append([]byte(nil), want...)), "for record %d", i)
		}
	})

	It("should permute records during reorder", func() {
		records := [][]byte{[]byte("r0"), []byte("r1"), []byte("r2")}
		store, err := openBlobStore(build(records, []uint32{2, 0, 1}), dict)
		Expect(err).NotTo(HaveOccurred())

		got, err := store.recordAppend(0, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("r2")))
		got, err = store.recordAppend(1, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("r0")))
		got, err = store.recordAppend(2, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("r1")))
	})

	It("should append rather than replace", func() {
		store, err := openBlobStore(build([][]byte{[]byte("tail")}, identity(1)), dict)
		Expect(err).NotTo(HaveOccurred())

		got, err := store.recordAppend(0, []byte("head-"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("head-tail"))
	})

	It("should slice logical records", func() {
		store, err := openBlobStore(build([][]byte{[]byte("0123456789")}, identity(1)), dict)
		Expect(err).NotTo(HaveOccurred())

		got, err := store.recordSliceAppend(0, 2, 5, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("23456"))

		_, err = store.recordSliceAppend(0, 8, 5, nil)
		Expect(IsInvalidArgument(err)).To(BeTrue())
	})

	It("should detect flipped record bytes", func() {
		records := [][]byte{[]byte("aaaaaaaaaa"), []byte("bbbbbbbbbb")}
		data := build(records, identity(2))

		pos := bytes.IndexByte(data, 'a')
		Expect(pos).To(BeNumerically(">=", 0))
		data[pos] ^= 0xff

		store, err := openBlobStore(data, dict)
		Expect(err).NotTo(HaveOccurred())

		_, err = store.recordAppend(0, nil)
		Expect(IsCorruption(err)).To(BeTrue())

		got, err := store.recordAppend(1, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(records[1]))
	})

	It("should reject a tampered offset table", func() {
		data := build([][]byte{[]byte("rec")}, identity(1))
		data[len(data)-storeTrailerLen-1] ^= 0xff

		_, err := openBlobStore(data, dict)
		Expect(IsCorruption(err)).To(BeTrue())
	})

	It("should compress repetitive records against the dictionary", func() {
		var records [][]byte
		var raw int
		for i := 0; i < 64; i++ {
			rec := bytes.Repeat([]byte("shared dictionary sample for repetitive record bodies "), 4)
			records = append(records, rec)
			raw += len(rec)
		}
		data := build(records, identity(64))
		Expect(len(data)).To(BeNumerically("<", raw/2))
	})

	It("should store incompressible records verbatim", func() {
		rnd := rand.New(rand.NewSource(3))
		rec := make([]byte, 128)
		_, _ = rnd.Read(rec)

		data := build([][]byte{rec}, identity(1))
		Expect(bytes.Contains(data, rec)).To(BeTrue())
	})
})

// --------------------------------------------------------------------

var _ = Describe("bitVector", func() {
	It("should rank and select", func() {
		var b bitBuilder
		pattern := []bool{true, false, true, true, false, false, true, false, true, true, true, false}
		for i := 0; i < 40; i++ {
			for _, bit := range pattern {
				b.push(bit)
			}
		}

		var v bitVector
		v.init(b.words, b.n)
		Expect(v.n).To(Equal(40 * len(pattern)))
		Expect(v.ones()).To(Equal(40 * 7))

		ones, zeros := 0, 0
		for i := 0; i < v.n; i++ {
			Expect(v.rank1(i)).To(Equal(ones), "rank1(%d)", i)
			if v.get(i) {
				ones++
				Expect(v.select1(ones)).To(Equal(i), "select1(%d)", ones)
			} else {
				zeros++
				Expect(v.select0(zeros)).To(Equal(i), "select0(%d)", zeros)
			}
		}
		Expect(v.select1(ones + 1)).To(Equal(-1))
		Expect(v.select0(zeros + 1)).To(Equal(-1))
	})
})

// --------------------------------------------------------------------

var _ = Describe("typeArray", func() {
	It("should pack two bits per record", func() {
		arr := newTypeArray(9)
		kinds := []RecordKind{
			KindMulti, KindZeroSeq, KindDelete, KindValue, KindValue,
			KindZeroSeq, KindMulti, KindDelete, KindZeroSeq,
		}
		for i, k := range kinds {
			arr.set(uint32(i), k)
		}

		loaded, err := loadTypeArray(arr.data, 9)
		Expect(err).NotTo(HaveOccurred())
		for i, k := range kinds {
			Expect(loaded.get(uint32(i))).To(Equal(k), "for %d", i)
		}

		_, err = loadTypeArray(arr.data, 32)
		Expect(IsCorruption(err)).To(BeTrue())
	})

	It("should describe kinds", func() {
		Expect(fmt.Sprint(KindMulti)).To(Equal("multi"))
	})
})
