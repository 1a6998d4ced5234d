package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	walpd "github.com/thinkermao/marquee/raft/wal/proto"
	"github.com/thinkermao/marquee/utils/pd"
)

const frameSizeBytes = 8

type decoder struct {
	br           *bufio.Reader
	lastValidOff int64
}

func makeDecoder(r io.Reader) *decoder {
	return &decoder{
		br:           bufio.NewReader(r),
		lastValidOff: 0,
	}
}

func (d *decoder) decode(record *walpd.Record) error {
	record.Reset()

	length, err := readInt32(d.br)
	if err == io.EOF || (err == nil && length == 0) {
		// hit end of file or preallocated space
		return io.EOF
	}
	if err != nil {
		return err
	}

	paddingBytes := ceil(length, frameSizeBytes)*frameSizeBytes - length
	data := make([]byte, length+paddingBytes)
	if _, err = io.ReadFull(d.br, data); err != nil {
		// ReadFull returns io.EOF only if no bytes were read;
		// the decoder should treat this as a torn tail instead.
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if err := pd.Unmarshal(record, data[:length]); err != nil {
		return io.ErrUnexpectedEOF
	}

	crc := crc32.Checksum(record.Data, crcTable)
	if record.Crc != crc {
		return ErrCRCMismatch
	}

	// record decoded as valid; point last valid offset to end of record
	d.lastValidOff += 4 + int64(length) + int64(paddingBytes)
	return nil
}

func ceil(length int32, padding int32) int32 {
	return (length + padding - 1) / padding
}

func readInt32(r io.Reader) (int32, error) {
	var n int32
	err := binary.Read(r, binary.LittleEndian, &n)
	return n, err
}
