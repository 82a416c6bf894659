package negentropy

import (
	"crypto/sha256"
	"iter"
	"slices"
)

// Vector is an in-memory Storage: items are inserted, then the vector is
// sealed (sorted) before being handed to a Negentropy session.
type Vector struct {
	items  []Item
	sealed bool

	acc accumulator
}

func NewVector() *Vector {
	return &Vector{
		items: make([]Item, 0, 30),
	}
}

func (v *Vector) Insert(timestamp int64, id [32]byte) {
	if v.sealed {
		panic("trying to insert into a sealed vector")
	}
	v.items = append(v.items, Item{Timestamp: timestamp, ID: id})
}

func (v *Vector) Size() int { return len(v.items) }

func (v *Vector) Seal() {
	if v.sealed {
		panic("trying to seal an already sealed vector")
	}
	v.sealed = true
	slices.SortFunc(v.items, ItemCompare)
	v.items = slices.CompactFunc(v.items, func(a, b Item) bool { return a == b })
}

func (v *Vector) Range(begin, end int) iter.Seq2[int, Item] {
	return func(yield func(int, Item) bool) {
		for i := begin; i < end; i++ {
			if !yield(i, v.items[i]) {
				break
			}
		}
	}
}

func (v *Vector) FindLowerBound(begin, end int, bound Bound) int {
	idx, _ := slices.BinarySearchFunc(v.items[begin:end], bound, itemBoundCompare)
	return begin + idx
}

func (v *Vector) Fingerprint(begin, end int) [FingerprintSize]byte {
	v.acc.reset()

	for _, item := range v.Range(begin, end) {
		v.acc.add(item.ID)
	}

	return v.acc.fingerprint(end - begin)
}

func itemBoundCompare(item Item, bound Bound) int {
	if item.Timestamp != bound.Timestamp {
		if item.Timestamp < bound.Timestamp {
			return -1
		}
		return 1
	}

	// the bound's id prefix compares against the item's id truncated to the
	// same length, so an item is never below a bound that is its own prefix
	pfl := len(bound.IDPrefix)
	if pfl > 32 {
		pfl = 32
	}
	return slices.Compare(item.ID[:pfl], bound.IDPrefix)
}

// accumulator computes the incremental range fingerprint: ids are summed as
// 256-bit little-endian integers (mod 2^256), then the fingerprint is the
// first 16 bytes of sha256(sum || varint(count)).
type accumulator struct {
	sum [32]byte
}

func (acc *accumulator) reset() {
	acc.sum = [32]byte{}
}

func (acc *accumulator) add(id [32]byte) {
	var carry uint16
	for i := 0; i < 32; i++ {
		carry += uint16(acc.sum[i]) + uint16(id[i])
		acc.sum[i] = byte(carry)
		carry >>= 8
	}
	// overflow past 256 bits is discarded
}

func (acc *accumulator) fingerprint(n int) [FingerprintSize]byte {
	input := make([]byte, 0, 32+8)
	input = append(input, acc.sum[:]...)
	input = append(input, EncodeVarInt(n)...)

	hash := sha256.Sum256(input)

	var fingerprint [FingerprintSize]byte
	copy(fingerprint[:], hash[:FingerprintSize])
	return fingerprint
}
