package eventframe

// Pack encodes one code per pixel into the 2-bit wire layout. Codes are
// masked to 2 bits. The result has PayloadSize bytes for len(codes) pixels.
func Pack(codes []uint8) []byte {
	out := make([]byte, (len(codes)+3)/4)
	PackInto(out, codes)
	return out
}

// PackInto encodes codes into dst, which must hold (len(codes)+3)/4 bytes.
// dst is cleared first.
func PackInto(dst []byte, codes []uint8) {
	for i := range dst {
		dst[i] = 0
	}
	for i, code := range codes {
		dst[i>>2] |= (code & 0x3) << uint((3-(i&3))*2)
	}
}
