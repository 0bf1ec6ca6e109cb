package admission

// doorBits is the number of bit-probes per key, i.e. the Doorkeeper's k. Two
// independent hashes combined Kirsch-Mitzenmacher-style are derived from a
// single fingerprint, so no additional hashing pass over the key is needed.
const doorBits = 2

// doorkeeper is a small per-shard bloom filter gating the Count-Min Sketch:
// a key's first observation only sets its bloom bits; only subsequent
// observations increment the sketch (spec §4.4 step 2).
type doorkeeper struct {
	bits []uint64 // bit-packed, 64 bits per word
	size uint64   // total bit count
}

func newDoorkeeper(size uint64) *doorkeeper {
	if size == 0 {
		size = 64
	}
	return &doorkeeper{bits: make([]uint64, (size+63)/64), size: size}
}

func (d *doorkeeper) positions(fp uint64) [doorBits]uint64 {
	h1 := mix(fp, 0xD6E8FEB86659FD93)
	h2 := mix(fp, 0xA5B85C5E198ED849)
	var pos [doorBits]uint64
	for i := 0; i < doorBits; i++ {
		pos[i] = (h1 + uint64(i)*h2) % d.size
	}
	return pos
}

// testAndSet reports whether fp was already present, and sets its bits
// unconditionally (so a second observation in the same epoch is recognized
// next time).
func (d *doorkeeper) testAndSet(fp uint64) (alreadySet bool) {
	pos := d.positions(fp)
	alreadySet = true
	for _, p := range pos {
		word, bit := p/64, p%64
		mask := uint64(1) << bit
		if d.bits[word]&mask == 0 {
			alreadySet = false
			d.bits[word] |= mask
		}
	}
	return alreadySet
}

// clear resets every bit (part of the aging step, spec §4.4 step 4).
func (d *doorkeeper) clear() {
	for i := range d.bits {
		d.bits[i] = 0
	}
}
