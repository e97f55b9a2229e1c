// Package descrypt implements the classic Unix crypt(3) password hash based
// on a salt-perturbed 25-round DES. PostgreSQL requests it through the
// legacy AuthenticationCryptPassword exchange. Only the traditional two
// character salt scheme is supported; modular-crypt variants are out of
// scope.
package descrypt

// Permutation tables from FIPS 46-3. All entries are 1-based bit positions,
// bit 1 being the most significant bit of the first byte.
var (
	initialPerm = [64]byte{
		58, 50, 42, 34, 26, 18, 10, 2,
		60, 52, 44, 36, 28, 20, 12, 4,
		62, 54, 46, 38, 30, 22, 14, 6,
		64, 56, 48, 40, 32, 24, 16, 8,
		57, 49, 41, 33, 25, 17, 9, 1,
		59, 51, 43, 35, 27, 19, 11, 3,
		61, 53, 45, 37, 29, 21, 13, 5,
		63, 55, 47, 39, 31, 23, 15, 7,
	}

	finalPerm = [64]byte{
		40, 8, 48, 16, 56, 24, 64, 32,
		39, 7, 47, 15, 55, 23, 63, 31,
		38, 6, 46, 14, 54, 22, 62, 30,
		37, 5, 45, 13, 53, 21, 61, 29,
		36, 4, 44, 12, 52, 20, 60, 28,
		35, 3, 43, 11, 51, 19, 59, 27,
		34, 2, 42, 10, 50, 18, 58, 26,
		33, 1, 41, 9, 49, 17, 57, 25,
	}

	expansion = [48]byte{
		32, 1, 2, 3, 4, 5,
		4, 5, 6, 7, 8, 9,
		8, 9, 10, 11, 12, 13,
		12, 13, 14, 15, 16, 17,
		16, 17, 18, 19, 20, 21,
		20, 21, 22, 23, 24, 25,
		24, 25, 26, 27, 28, 29,
		28, 29, 30, 31, 32, 1,
	}

	roundPerm = [32]byte{
		16, 7, 20, 21,
		29, 12, 28, 17,
		1, 15, 23, 26,
		5, 18, 31, 10,
		2, 8, 24, 14,
		32, 27, 3, 9,
		19, 13, 30, 6,
		22, 11, 4, 25,
	}

	keyPermC = [56]byte{
		57, 49, 41, 33, 25, 17, 9,
		1, 58, 50, 42, 34, 26, 18,
		10, 2, 59, 51, 43, 35, 27,
		19, 11, 3, 60, 52, 44, 36,
		63, 55, 47, 39, 31, 23, 15,
		7, 62, 54, 46, 38, 30, 22,
		14, 6, 61, 53, 45, 37, 29,
		21, 13, 5, 28, 20, 12, 4,
	}

	keyPermD = [48]byte{
		14, 17, 11, 24, 1, 5,
		3, 28, 15, 6, 21, 10,
		23, 19, 12, 4, 26, 8,
		16, 7, 27, 20, 13, 2,
		41, 52, 31, 37, 47, 55,
		30, 40, 51, 45, 33, 48,
		44, 49, 39, 56, 34, 53,
		46, 42, 50, 36, 29, 32,
	}

	keyShifts = [16]byte{1, 1, 2, 2, 2, 2, 2, 2, 1, 2, 2, 2, 2, 2, 2, 1}

	sboxes = [8][4][16]byte{
		{
			{14, 4, 13, 1, 2, 15, 11, 8, 3, 10, 6, 12, 5, 9, 0, 7},
			{0, 15, 7, 4, 14, 2, 13, 1, 10, 6, 12, 11, 9, 5, 3, 8},
			{4, 1, 14, 8, 13, 6, 2, 11, 15, 12, 9, 7, 3, 10, 5, 0},
			{15, 12, 8, 2, 4, 9, 1, 7, 5, 11, 3, 14, 10, 0, 6, 13},
		},
		{
			{15, 1, 8, 14, 6, 11, 3, 4, 9, 7, 2, 13, 12, 0, 5, 10},
			{3, 13, 4, 7, 15, 2, 8, 14, 12, 0, 1, 10, 6, 9, 11, 5},
			{0, 14, 7, 11, 10, 4, 13, 1, 5, 8, 12, 6, 9, 3, 2, 15},
			{13, 8, 10, 1, 3, 15, 4, 2, 11, 6, 7, 12, 0, 5, 14, 9},
		},
		{
			{10, 0, 9, 14, 6, 3, 15, 5, 1, 13, 12, 7, 11, 4, 2, 8},
			{13, 7, 0, 9, 3, 4, 6, 10, 2, 8, 5, 14, 12, 11, 15, 1},
			{13, 6, 4, 9, 8, 15, 3, 0, 11, 1, 2, 12, 5, 10, 14, 7},
			{1, 10, 13, 0, 6, 9, 8, 7, 4, 15, 14, 3, 11, 5, 2, 12},
		},
		{
			{7, 13, 14, 3, 0, 6, 9, 10, 1, 2, 8, 5, 11, 12, 4, 15},
			{13, 8, 11, 5, 6, 15, 0, 3, 4, 7, 2, 12, 1, 10, 14, 9},
			{10, 6, 9, 0, 12, 11, 7, 13, 15, 1, 3, 14, 5, 2, 8, 4},
			{3, 15, 0, 6, 10, 1, 13, 8, 9, 4, 5, 11, 12, 7, 2, 14},
		},
		{
			{2, 12, 4, 1, 7, 10, 11, 6, 8, 5, 3, 15, 13, 0, 14, 9},
			{14, 11, 2, 12, 4, 7, 13, 1, 5, 0, 15, 10, 3, 9, 8, 6},
			{4, 2, 1, 11, 10, 13, 7, 8, 15, 9, 12, 5, 6, 3, 0, 14},
			{11, 8, 12, 7, 1, 14, 2, 13, 6, 15, 0, 9, 10, 4, 5, 3},
		},
		{
			{12, 1, 10, 15, 9, 2, 6, 8, 0, 13, 3, 4, 14, 7, 5, 11},
			{10, 15, 4, 2, 7, 12, 9, 5, 6, 1, 13, 14, 0, 11, 3, 8},
			{9, 14, 15, 5, 2, 8, 12, 3, 7, 0, 4, 10, 1, 13, 11, 6},
			{4, 3, 2, 12, 9, 5, 15, 10, 11, 14, 1, 7, 6, 0, 8, 13},
		},
		{
			{4, 11, 2, 14, 15, 0, 8, 13, 3, 12, 9, 7, 5, 10, 6, 1},
			{13, 0, 11, 7, 4, 9, 1, 10, 14, 3, 5, 12, 2, 15, 8, 6},
			{1, 4, 11, 13, 12, 3, 7, 14, 10, 15, 6, 8, 0, 5, 9, 2},
			{6, 11, 13, 8, 1, 4, 10, 7, 9, 5, 0, 15, 14, 2, 3, 12},
		},
		{
			{13, 2, 8, 4, 6, 15, 11, 1, 10, 9, 3, 14, 5, 0, 12, 7},
			{1, 15, 13, 8, 10, 3, 7, 4, 12, 5, 6, 11, 0, 14, 9, 2},
			{7, 11, 4, 1, 9, 12, 14, 2, 0, 6, 10, 13, 15, 3, 5, 8},
			{2, 1, 14, 7, 4, 10, 8, 13, 15, 12, 9, 0, 3, 5, 6, 11},
		},
	}
)

const alphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// a64 maps a salt character onto its 6 bit value, following the traditional
// arithmetic mapping which tolerates characters outside of the alphabet.
func a64(c byte) uint32 {
	if c > 'Z' {
		c -= 6
	}
	if c > '9' {
		c -= 7
	}
	return uint32(c-'.') & 0x3f
}

// permute maps src through the given 1-based selection table.
func permute(src []byte, table []byte) []byte {
	dst := make([]byte, len(table))
	for i, pos := range table {
		dst[i] = src[pos-1]
	}
	return dst
}

// keySchedule derives the sixteen 48 bit round keys out of the password.
func keySchedule(password []byte) [16][]byte {
	// The key takes the low seven bits of the first eight password bytes;
	// the parity positions are discarded by the selection table.
	key := make([]byte, 64)
	for i := 0; i < 8 && i < len(password); i++ {
		c := password[i]
		for bit := 0; bit < 7; bit++ {
			key[i*8+bit] = (c >> (6 - bit)) & 1
		}
	}

	cd := permute(key, keyPermC[:])
	var round [16][]byte
	for r := 0; r < 16; r++ {
		shift := int(keyShifts[r])
		rotated := make([]byte, 56)
		copy(rotated, cd[shift:28])
		copy(rotated[28-shift:], cd[:shift])
		copy(rotated[28:], cd[28+shift:56])
		copy(rotated[56-shift:], cd[28:28+shift])
		cd = rotated
		round[r] = permute(cd, keyPermD[:])
	}
	return round
}

// feistel computes one round function over the 32 bit half block using the
// salt-perturbed expansion table.
func feistel(right, roundKey []byte, expand []byte) []byte {
	expanded := permute(right, expand)
	for i := range expanded {
		expanded[i] ^= roundKey[i]
	}

	out := make([]byte, 32)
	for box := 0; box < 8; box++ {
		chunk := expanded[box*6 : box*6+6]
		row := chunk[0]<<1 | chunk[5]
		col := chunk[1]<<3 | chunk[2]<<2 | chunk[3]<<1 | chunk[4]
		v := sboxes[box][row][col]
		for bit := 0; bit < 4; bit++ {
			out[box*4+bit] = (v >> (3 - bit)) & 1
		}
	}
	return permute(out, roundPerm[:])
}

// Crypt hashes the given password with the two character salt and returns
// the traditional thirteen character result, salt included.
func Crypt(password, salt []byte) []byte {
	var s0, s1 byte = '.', '.'
	if len(salt) > 0 {
		s0 = salt[0]
	}
	if len(salt) > 1 {
		s1 = salt[1]
	}
	saltBits := a64(s0) | a64(s1)<<6

	// The salt exchanges expansion table entries i and i+24 for every set
	// salt bit, which is what distinguishes crypt from plain DES.
	expand := make([]byte, 48)
	copy(expand, expansion[:])
	for i := 0; i < 12; i++ {
		if saltBits>>uint(i)&1 == 1 {
			expand[i], expand[i+24] = expand[i+24], expand[i]
		}
	}

	keys := keySchedule(password)

	// Encrypt the zero block twenty five times.
	block := make([]byte, 64)
	for iter := 0; iter < 25; iter++ {
		block = permute(block, initialPerm[:])
		left, right := block[:32], block[32:]
		for r := 0; r < 16; r++ {
			f := feistel(right, keys[r], expand)
			next := make([]byte, 32)
			for i := range next {
				next[i] = left[i] ^ f[i]
			}
			left, right = right, next
		}
		// The halves swap once more after the last round.
		block = append(append([]byte{}, right...), left...)
		block = permute(block, finalPerm[:])
	}

	out := make([]byte, 13)
	out[0], out[1] = s0, s1
	padded := append(block, 0, 0)
	for i := 0; i < 11; i++ {
		var c uint32
		for j := 0; j < 6; j++ {
			c = c<<1 | uint32(padded[i*6+j])
		}
		out[i+2] = alphabet[c]
	}
	return out
}
