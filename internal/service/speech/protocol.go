package speech

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎流式识别的二进制帧：4 字节头 + 可选序号 + 载荷长度 + 载荷。
const protocolVersion = 0b0001

type messageType uint8

const (
	fullClientRequest  messageType = 0b0001
	audioOnlyRequest   messageType = 0b0010
	fullServerResponse messageType = 0b1001
	serverAck          messageType = 0b1011
	serverError        messageType = 0b1111
)

type messageFlags uint8

const (
	flagNoSequence       messageFlags = 0b0000
	flagPositiveSequence messageFlags = 0b0001
	flagLastNoSequence   messageFlags = 0b0010
	flagNegativeSequence messageFlags = 0b0011
)

type serialization uint8

const (
	serializeNone serialization = 0b0000
	serializeJSON serialization = 0b0001
)

type compression uint8

const (
	compressNone compression = 0b0000
	compressGzip compression = 0b0001
)

type header struct {
	Type          messageType
	Flags         messageFlags
	Serialization serialization
	Compression   compression
	// Size counts 4-byte words, including the first.
	Size uint8
}

type frame struct {
	Header    header
	Sequence  int32
	ErrorCode uint32
	Payload   []byte
}

func (f *frame) hasSequence() bool {
	switch f.Header.Flags & 0b0011 {
	case flagPositiveSequence, flagNegativeSequence:
		return true
	}
	return false
}

// last 判断是否为最后一包。
func (f *frame) last() bool {
	switch f.Header.Flags & 0b0011 {
	case flagLastNoSequence, flagNegativeSequence:
		return true
	}
	return false
}

func encodeFrame(f *frame) []byte {
	var buf bytes.Buffer
	buf.WriteByte(protocolVersion<<4 | 0b0001)
	buf.WriteByte(byte(f.Header.Type)<<4 | byte(f.Header.Flags))
	buf.WriteByte(byte(f.Header.Serialization)<<4 | byte(f.Header.Compression))
	buf.WriteByte(0)

	word := make([]byte, 4)
	if f.hasSequence() {
		binary.BigEndian.PutUint32(word, uint32(f.Sequence))
		buf.Write(word)
	}
	binary.BigEndian.PutUint32(word, uint32(len(f.Payload)))
	buf.Write(word)
	buf.Write(f.Payload)
	return buf.Bytes()
}

func decodeFrame(data []byte) (*frame, error) {
	r := bytes.NewReader(data)
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if version := head[0] >> 4; version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	f := &frame{Header: header{
		Size:          head[0] & 0x0F,
		Type:          messageType(head[1] >> 4),
		Flags:         messageFlags(head[1] & 0x0F),
		Serialization: serialization(head[2] >> 4),
		Compression:   compression(head[2] & 0x0F),
	}}

	// 跳过扩展头
	if extra := int(f.Header.Size)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}

	if f.hasSequence() {
		var seq int32
		if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
		f.Sequence = seq
	}
	if f.Header.Type == serverError {
		if err := binary.Read(r, binary.BigEndian, &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("read payload size: %w", err)
	}
	if int64(size) > int64(r.Len()) {
		return nil, fmt.Errorf("payload truncated: want %d bytes, have %d", size, r.Len())
	}
	f.Payload = make([]byte, size)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return f, nil
}

func newConfigFrame(payload []byte) *frame {
	return &frame{
		Header:  header{Type: fullClientRequest, Flags: flagNoSequence, Serialization: serializeJSON, Compression: compressGzip, Size: 1},
		Payload: payload,
	}
}

// newAudioFrame 最后一包使用负序号。
func newAudioFrame(audio []byte, sequence int32, last bool) *frame {
	flags := flagPositiveSequence
	if last {
		flags = flagNegativeSequence
		sequence = -sequence
	}
	return &frame{
		Header:   header{Type: audioOnlyRequest, Flags: flags, Serialization: serializeNone, Compression: compressGzip, Size: 1},
		Sequence: sequence,
		Payload:  audio,
	}
}
