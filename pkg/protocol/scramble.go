package protocol

// DefaultKey is the scrambling key shared by server and client builds
const DefaultKey = "tenacity"

// Scrambler applies a reversible transform to a serialized packet buffer in place.
// It is a wire-compatibility layer, not encryption.
type Scrambler interface {
	Scramble(buf []byte)
	Unscramble(buf []byte)
}

// XORScrambler XORs every byte with a repeating key
type XORScrambler struct {
	key []byte
}

// NewXORScrambler returns a scrambler for key. An empty key disables scrambling.
func NewXORScrambler(key string) *XORScrambler {
	return &XORScrambler{key: []byte(key)}
}

func (x *XORScrambler) Scramble(buf []byte) {
	if len(x.key) == 0 {
		return
	}
	for i := range buf {
		buf[i] ^= x.key[i%len(x.key)]
	}
}

// Unscramble is the same operation as Scramble since XOR is its own inverse
func (x *XORScrambler) Unscramble(buf []byte) {
	x.Scramble(buf)
}

// NopScrambler leaves buffers untouched. Used on transports that are already encrypted.
type NopScrambler struct{}

func (NopScrambler) Scramble([]byte)   {}
func (NopScrambler) Unscramble([]byte) {}

// Vigenere shifts ASCII letters by the letters of a key, preserving case.
// Non-letters pass through and do not advance the key position.
type Vigenere struct {
	shifts []byte
}

// NewVigenere builds a cipher from the letters of key; other characters are ignored
func NewVigenere(key string) *Vigenere {
	v := &Vigenere{}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
			v.shifts = append(v.shifts, c-'a')
		case c >= 'A' && c <= 'Z':
			v.shifts = append(v.shifts, c-'A')
		}
	}
	return v
}

// Encode shifts letters forward
func (v *Vigenere) Encode(s string) string {
	return v.apply(s, false)
}

// Decode shifts letters back
func (v *Vigenere) Decode(s string) string {
	return v.apply(s, true)
}

func (v *Vigenere) apply(s string, reverse bool) string {
	if len(v.shifts) == 0 {
		return s
	}

	out := []byte(s)
	k := 0
	for i, c := range out {
		var base byte
		switch {
		case c >= 'a' && c <= 'z':
			base = 'a'
		case c >= 'A' && c <= 'Z':
			base = 'A'
		default:
			continue
		}

		shift := v.shifts[k%len(v.shifts)]
		if reverse {
			shift = 26 - shift
		}
		out[i] = base + (c-base+shift)%26
		k++
	}
	return string(out)
}
