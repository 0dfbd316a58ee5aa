//go:build !unix

package ziptable

import "os"

func mmapFile(_ *os.File, _ int64) ([]byte, error) {
	return nil, invalidf("memory-mapped reads are not supported on this platform")
}

func munmapFile(_ []byte) error { return nil }

func advise(_ []byte, _, _, _ int) {}

const (
	adviseWillNeed = iota
	adviseRandom
	adviseDontNeed
)

func touchPages(_ []byte) {}
