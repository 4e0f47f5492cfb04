package wireproto

import "testing"

func TestChatFrameRoundTrip(t *testing.T) {
	msg := ChatMessage{
		ID:         42,
		Username:   "bob",
		Message:    "hi there",
		Timestamp:  1234567890,
		IsSystem:   false,
		IsStreamer: true,
	}

	raw := EncodeChatFrame(msg)
	got, err := DecodeChatFrame(raw)
	if err != nil {
		t.Fatalf("DecodeChatFrame: %v", err)
	}
	if got != msg {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
}

func TestIceCandidateFrameRoundTrip(t *testing.T) {
	candidate := []byte(`{"candidate":"abc","sdpMid":"0"}`)
	raw := EncodeIceCandidateFrame("peer-1", 555, candidate)

	sender, ts, got, err := DecodeIceCandidateFrame(raw)
	if err != nil {
		t.Fatalf("DecodeIceCandidateFrame: %v", err)
	}
	if sender != "peer-1" || ts != 555 || string(got) != string(candidate) {
		t.Fatalf("round trip mismatch: sender=%s ts=%d candidate=%s", sender, ts, got)
	}
}

func TestOfferFrameRoundTrip(t *testing.T) {
	offer := []byte(`{"type":"offer","sdp":"v=0..."}`)
	raw := EncodeOfferFrame("room-1", 111, offer)

	roomID, ts, got, err := DecodeOfferFrame(raw)
	if err != nil {
		t.Fatalf("DecodeOfferFrame: %v", err)
	}
	if roomID != "room-1" || ts != 111 || string(got) != string(offer) {
		t.Fatalf("round trip mismatch: room=%s ts=%d offer=%s", roomID, ts, got)
	}
}

func TestAnswerFrameRoundTrip(t *testing.T) {
	answer := []byte(`{"type":"answer","sdp":"v=0..."}`)
	raw := EncodeAnswerFrame("streamer-1", 222, answer)

	streamerID, ts, got, err := DecodeAnswerFrame(raw)
	if err != nil {
		t.Fatalf("DecodeAnswerFrame: %v", err)
	}
	if streamerID != "streamer-1" || ts != 222 || string(got) != string(answer) {
		t.Fatalf("round trip mismatch: streamer=%s ts=%d answer=%s", streamerID, ts, got)
	}
}

func TestDecodeFrameChecksumMismatch(t *testing.T) {
	raw := EncodeChatFrame(ChatMessage{ID: 1, Username: "a", Message: "b"})
	raw[2] ^= 0xFF // corrupt checksum byte

	_, err := DecodeFrame(raw)
	if err != ErrChecksumFailed {
		t.Fatalf("expected ErrChecksumFailed, got %v", err)
	}
}

func TestDecodeFrameTooShort(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2, 3})
	if err != ErrFrameTooShort {
		t.Fatalf("expected ErrFrameTooShort, got %v", err)
	}
}

func TestDecodeFrameLengthMismatch(t *testing.T) {
	raw := EncodeChatFrame(ChatMessage{ID: 1, Username: "a", Message: "b"})
	raw = append(raw, 0xFF) // trailing garbage byte not reflected in len field

	_, err := DecodeFrame(raw)
	if err != ErrLengthMismatch {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}
