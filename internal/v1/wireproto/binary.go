package wireproto

import (
	"encoding/binary"
	"errors"
)

// Frame type tags for the optional binary protocol. Numeric, not string,
// since the binary form exists specifically to avoid string tag overhead.
type FrameType uint8

const (
	FrameTypeChat FrameType = iota + 1
	FrameTypeOffer
	FrameTypeAnswer
	FrameTypeIceCandidate
)

const (
	flagCompressed = 1 << 7
	protocolVersion = 1

	headerLen = 8 // type(1) + flags+version(1) + checksum(1) + reserved(1) + len(4)
)

var (
	ErrFrameTooShort  = errors.New("wireproto: frame shorter than header")
	ErrLengthMismatch = errors.New("wireproto: declared length does not match payload")
	ErrChecksumFailed = errors.New("wireproto: checksum mismatch")
)

// Frame is a decoded binary envelope. Payload layout is type-specific and
// left to the caller (EncodeChat/DecodeChat etc. build on top of it).
type Frame struct {
	Type       FrameType
	Compressed bool
	Version    uint8
	Payload    []byte
}

// checksum8 is an 8-bit rolling sum of payload bytes, per the external
// interface spec's checksum definition.
func checksum8(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return sum
}

// EncodeFrame writes [type:1][flags+version:1][checksum:1][reserved:1][len:4][payload].
func EncodeFrame(f Frame) []byte {
	out := make([]byte, headerLen+len(f.Payload))
	out[0] = byte(f.Type)

	flagsVersion := protocolVersion & 0x7f
	if f.Compressed {
		flagsVersion |= flagCompressed
	}
	out[1] = byte(flagsVersion)
	out[2] = checksum8(f.Payload)
	out[3] = 0 // reserved
	binary.BigEndian.PutUint32(out[4:8], uint32(len(f.Payload)))
	copy(out[headerLen:], f.Payload)
	return out
}

// DecodeFrame parses a frame header and verifies length and checksum.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < headerLen {
		return Frame{}, ErrFrameTooShort
	}
	declaredLen := binary.BigEndian.Uint32(raw[4:8])
	payload := raw[headerLen:]
	if int(declaredLen) != len(payload) {
		return Frame{}, ErrLengthMismatch
	}
	if checksum8(payload) != raw[2] {
		return Frame{}, ErrChecksumFailed
	}

	flagsVersion := raw[1]
	f := Frame{
		Type:       FrameType(raw[0]),
		Compressed: flagsVersion&flagCompressed != 0,
		Version:    flagsVersion & 0x7f,
		Payload:    payload,
	}
	return f, nil
}

// putString writes a length-prefixed UTF-8 string using a 1-byte length
// (strings here — usernames, room ids — are always short).
func putString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	buf = append(buf, s...)
	return buf
}

// putString16 writes a length-prefixed UTF-8 string using a 2-byte length,
// for longer payloads such as chat text or SDP blobs.
func putString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	buf = append(buf, s...)
	return buf
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 1 {
		return "", nil, ErrFrameTooShort
	}
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n {
		return "", nil, ErrFrameTooShort
	}
	return string(buf[:n]), buf[n:], nil
}

func readString16(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, ErrFrameTooShort
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, ErrFrameTooShort
	}
	return string(buf[:n]), buf[n:], nil
}

// EncodeChatFrame packs a chat message into the binary payload layout:
// id(8) + timestamp(8) + flags(1) + username(len-prefixed8) + text(len-prefixed16).
func EncodeChatFrame(msg ChatMessage) []byte {
	var payload []byte
	payload = binary.BigEndian.AppendUint64(payload, msg.ID)
	payload = binary.BigEndian.AppendUint64(payload, uint64(msg.Timestamp))

	var flags byte
	if msg.IsSystem {
		flags |= 1
	}
	if msg.IsStreamer {
		flags |= 2
	}
	payload = append(payload, flags)
	payload = putString(payload, msg.Username)
	payload = putString16(payload, msg.Message)

	return EncodeFrame(Frame{Type: FrameTypeChat, Payload: payload})
}

// DecodeChatFrame parses a chat-message binary frame back into a ChatMessage.
func DecodeChatFrame(raw []byte) (ChatMessage, error) {
	f, err := DecodeFrame(raw)
	if err != nil {
		return ChatMessage{}, err
	}
	buf := f.Payload
	if len(buf) < 17 {
		return ChatMessage{}, ErrFrameTooShort
	}
	id := binary.BigEndian.Uint64(buf[0:8])
	ts := int64(binary.BigEndian.Uint64(buf[8:16]))
	flags := buf[16]
	buf = buf[17:]

	username, buf, err := readString(buf)
	if err != nil {
		return ChatMessage{}, err
	}
	text, _, err := readString16(buf)
	if err != nil {
		return ChatMessage{}, err
	}

	return ChatMessage{
		ID:         id,
		Username:   username,
		Message:    text,
		Timestamp:  ts,
		IsSystem:   flags&1 != 0,
		IsStreamer: flags&2 != 0,
	}, nil
}

// EncodeOfferFrame packs an SDP offer: timestamp(8) + roomId(len-prefixed8)
// + offer(len-prefixed16, raw JSON bytes).
func EncodeOfferFrame(roomID string, timestamp int64, offerJSON []byte) []byte {
	var payload []byte
	payload = binary.BigEndian.AppendUint64(payload, uint64(timestamp))
	payload = putString(payload, roomID)
	payload = putString16(payload, string(offerJSON))
	return EncodeFrame(Frame{Type: FrameTypeOffer, Payload: payload})
}

// DecodeOfferFrame is the inverse of EncodeOfferFrame.
func DecodeOfferFrame(raw []byte) (roomID string, timestamp int64, offerJSON []byte, err error) {
	f, err := DecodeFrame(raw)
	if err != nil {
		return "", 0, nil, err
	}
	buf := f.Payload
	if len(buf) < 8 {
		return "", 0, nil, ErrFrameTooShort
	}
	timestamp = int64(binary.BigEndian.Uint64(buf[0:8]))
	buf = buf[8:]
	roomID, buf, err = readString(buf)
	if err != nil {
		return "", 0, nil, err
	}
	offer, _, err := readString16(buf)
	if err != nil {
		return "", 0, nil, err
	}
	return roomID, timestamp, []byte(offer), nil
}

// EncodeAnswerFrame packs an SDP answer: timestamp(8) +
// streamerId(len-prefixed8) + answer(len-prefixed16, raw JSON bytes).
func EncodeAnswerFrame(streamerID string, timestamp int64, answerJSON []byte) []byte {
	var payload []byte
	payload = binary.BigEndian.AppendUint64(payload, uint64(timestamp))
	payload = putString(payload, streamerID)
	payload = putString16(payload, string(answerJSON))
	return EncodeFrame(Frame{Type: FrameTypeAnswer, Payload: payload})
}

// DecodeAnswerFrame is the inverse of EncodeAnswerFrame.
func DecodeAnswerFrame(raw []byte) (streamerID string, timestamp int64, answerJSON []byte, err error) {
	f, err := DecodeFrame(raw)
	if err != nil {
		return "", 0, nil, err
	}
	buf := f.Payload
	if len(buf) < 8 {
		return "", 0, nil, ErrFrameTooShort
	}
	timestamp = int64(binary.BigEndian.Uint64(buf[0:8]))
	buf = buf[8:]
	streamerID, buf, err = readString(buf)
	if err != nil {
		return "", 0, nil, err
	}
	answer, _, err := readString16(buf)
	if err != nil {
		return "", 0, nil, err
	}
	return streamerID, timestamp, []byte(answer), nil
}

// EncodeIceCandidateFrame packs an outbound ICE candidate: timestamp(8) +
// senderId(len-prefixed8) + candidate(len-prefixed16, raw JSON bytes).
func EncodeIceCandidateFrame(senderID string, timestamp int64, candidateJSON []byte) []byte {
	var payload []byte
	payload = binary.BigEndian.AppendUint64(payload, uint64(timestamp))
	payload = putString(payload, senderID)
	payload = putString16(payload, string(candidateJSON))
	return EncodeFrame(Frame{Type: FrameTypeIceCandidate, Payload: payload})
}

// DecodeIceCandidateFrame is the inverse of EncodeIceCandidateFrame.
func DecodeIceCandidateFrame(raw []byte) (senderID string, timestamp int64, candidateJSON []byte, err error) {
	f, err := DecodeFrame(raw)
	if err != nil {
		return "", 0, nil, err
	}
	buf := f.Payload
	if len(buf) < 8 {
		return "", 0, nil, ErrFrameTooShort
	}
	timestamp = int64(binary.BigEndian.Uint64(buf[0:8]))
	buf = buf[8:]
	senderID, buf, err = readString(buf)
	if err != nil {
		return "", 0, nil, err
	}
	candidate, _, err := readString16(buf)
	if err != nil {
		return "", 0, nil, err
	}
	return senderID, timestamp, []byte(candidate), nil
}
