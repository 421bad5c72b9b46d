package codec

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendUvarintFixtures(t *testing.T) {
	tests := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x80}},
		{1, []byte{0x81}},
		{127, []byte{0xff}},
		{128, []byte{0x00, 0x81}},
		{255, []byte{0x7f, 0x81}},
		{16383, []byte{0x7f, 0xff}},
		{16384, []byte{0x00, 0x00, 0x81}},
	}
	for _, tt := range tests {
		got := AppendUvarint(nil, tt.v)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("AppendUvarint(%d) = %x, want %x", tt.v, got, tt.want)
		}
		if n := UvarintSize(tt.v); n != len(tt.want) {
			t.Errorf("UvarintSize(%d) = %d, want %d", tt.v, n, len(tt.want))
		}
	}
}

func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 1 << 14, 1<<21 - 1, 1 << 35, math.MaxInt64, math.MaxUint64}
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		values = append(values, uint64(rnd.Int63n(math.MaxInt64))>>uint(rnd.Intn(63)))
	}
	for _, v := range values {
		enc := AppendUvarint([]byte{0xaa}, v)[1:]
		got, n, err := Uvarint(append(enc, 0x01, 0x02))
		require.NoError(t, err)
		require.Equal(t, v, got)
		require.Equal(t, len(enc), n)

		got, err = ReadUvarint(bytes.NewReader(enc))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestUvarintErrors(t *testing.T) {
	_, _, err := Uvarint(nil)
	require.ErrorIs(t, err, ErrTruncated)
	_, _, err = Uvarint([]byte{0x00, 0x01})
	require.ErrorIs(t, err, ErrTruncated)
	_, err = ReadUvarint(bytes.NewReader([]byte{0x7f}))
	require.ErrorIs(t, err, ErrTruncated)

	tooLong := bytes.Repeat([]byte{0x7f}, MaxUvarintLen)
	tooLong = append(tooLong, 0x80)
	_, _, err = Uvarint(tooLong)
	require.ErrorIs(t, err, ErrOverflow)

	over := append(bytes.Repeat([]byte{0x7f}, MaxUvarintLen-1), 0x82)
	_, _, err = Uvarint(over)
	require.ErrorIs(t, err, ErrOverflow)
}
