package wal

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	walpd "github.com/thinkermao/marquee/raft/wal/proto"
	"github.com/thinkermao/marquee/utils/pd"
)

type encoder struct {
	file *os.File
}

func makeEncoder(file *os.File) *encoder {
	return &encoder{
		file: file,
	}
}

func (e *encoder) encode(record *walpd.Record) error {
	record.Crc = crc32.Checksum(record.Data, crcTable)

	bytes, err := pd.Marshal(record)
	if err != nil {
		return err
	}

	length := (int32)(len(bytes))
	if err := binary.Write(e.file, binary.LittleEndian, length); err != nil {
		return err
	}
	paddingBytes := ceil(length, frameSizeBytes)*frameSizeBytes - length
	padding := make([]byte, paddingBytes)
	if _, err := e.file.Write(bytes); err != nil {
		return err
	}
	if _, err := e.file.Write(padding); err != nil {
		return err
	}
	return nil
}

func (e *encoder) flush() error {
	return e.file.Sync()
}
