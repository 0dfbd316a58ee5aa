/*
Package ziptable contains an SSTable implementation for LSM engines
which indexes keys through a succinct trie and compresses values
against a shared dictionary.

A table maps internal keys (user key plus an 8-byte packed
sequence/type trailer) to values. Each distinct user key becomes one
record; all of its versions are folded into that record. The trie, the
record store and the per-record type array all address records by the
same dense integer id.

Data Structure Documentation

Table

A table is a data section followed by named meta blocks, a meta index
and a fixed footer.

	Table layout:
	+------+------+-------+------------+---------------+-----------+------------+------------+--------+
	| data | dict | index | value type | common prefix | range del | properties | meta index | footer |
	+------+------+-------+------------+---------------+-----------+------------+------------+--------+

	Footer (40 bytes):
	+------------------------+-----------------------+------------------+
	| meta index (8+8 bytes) | reserved (8+8 bytes)  | magic (8 bytes)  |
	+------------------------+-----------------------+------------------+

Each meta block carries a trailing 8-byte checksum over its payload.
Blocks whose bytes are aliased straight out of the memory map (index,
type array, the store's offset table) start on 8-byte boundaries.

Data

The data section occupies the head of the file. Records are
concatenated in trie order, followed by an offset table and a store
trailer.

	Data layout:
	+----------+-----+------------+-----+---------------------------+--------------------+
	| record 0 | ... | record n-1 | pad | offsets (8 bytes x (n+1)) | trailer (24 bytes) |
	+----------+-----+------------+-----+---------------------------+--------------------+

	Record:
	+----------------+---------+--------------------+
	| codec (1 byte) | payload | checksum (4 bytes) |
	+----------------+---------+--------------------+

Record payloads take one of four shapes, selected by the 2-bit entry in
the value type block: a bare value (single version at sequence zero), a
7-byte sequence number followed by the value (single version), a 7-byte
sequence number alone (single tombstone), or a multi record holding a
32-bit count, count+1 32-bit entry offsets and the concatenated 8-byte
packed sequence/type plus value entries, newest first.

Index

The index block is a path-compressed trie in a level-order succinct
encoding: a bit sequence holding node degrees in unary, one terminal
bit and one tail bit per node, edge labels, and the compressed edge
tails. It is usable directly from the mapped bytes; only small rank
directories are derived on open.
*/
package ziptable
