package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		msgType MessageType
		op      Operation
		seq     byte
		user    string
		payload []byte
	}{
		{"SYN", MessageTypeControl, OpSyn, 0x00, "alice", nil},
		{"ACK", MessageTypeControl, OpAck, 0x01, "alice", nil},
		{"SYNACK", MessageTypeControl, OpSynAck, 0x00, "bob", nil},
		{"FIN", MessageTypeControl, OpFin, 0x01, "bob", nil},
		{"ERR with reason", MessageTypeControl, OpErr, 0x00, "bob", []byte("busy")},
		{"FINERR with reason", MessageTypeControl, OpFinErr, 0x01, "DAEMON", []byte("No client is connected.")},
		{"CHAT message", MessageTypeChat, OpChatPayload, 0x00, "alice", []byte("hello, world!")},
		{"empty user", MessageTypeControl, OpSyn, 0x00, "", nil},
		{"max length user", MessageTypeControl, OpSyn, 0x01, "abcdefghijklmnopqrstuvwxyz012345"[:32], nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			encoded, err := Encode(c.msgType, c.op, c.seq, c.user, c.payload)
			if err != nil {
				t.Fatalf("Encode: unexpected error: %v", err)
			}
			if len(encoded) != HeaderSize+len(c.payload) {
				t.Fatalf("Encode: got %d bytes, want %d", len(encoded), HeaderSize+len(c.payload))
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: unexpected error: %v", err)
			}
			if decoded.MessageType != c.msgType {
				t.Errorf("MessageType: got %s, want %s", decoded.MessageType, c.msgType)
			}
			if decoded.Operation != c.op {
				t.Errorf("Operation: got %s, want %s", decoded.Operation, c.op)
			}
			if decoded.Sequence != c.seq {
				t.Errorf("Sequence: got %d, want %d", decoded.Sequence, c.seq)
			}
			if decoded.User != c.user {
				t.Errorf("User: got %q, want %q", decoded.User, c.user)
			}
			if !bytes.Equal(decoded.Payload, c.payload) && len(decoded.Payload)+len(c.payload) != 0 {
				t.Errorf("Payload: got %q, want %q", decoded.Payload, c.payload)
			}
		})
	}
}

func TestEncodeRejectsInvalidArguments(t *testing.T) {
	cases := []struct {
		name    string
		msgType MessageType
		op      Operation
		seq     byte
		user    string
		payload []byte
	}{
		{"SYN with payload", MessageTypeControl, OpSyn, 0x00, "alice", []byte("oops")},
		{"ERR without payload", MessageTypeControl, OpErr, 0x00, "alice", nil},
		{"CHAT without payload", MessageTypeChat, OpChatPayload, 0x00, "alice", nil},
		{"CHAT with wrong operation", MessageTypeChat, OpFin, 0x00, "alice", []byte("hi")},
		{"bad sequence", MessageTypeControl, OpSyn, 0x02, "alice", nil},
		{"user too long", MessageTypeControl, OpSyn, 0x00, "012345678901234567890123456789012", nil},
		{"non-ASCII user", MessageTypeControl, OpSyn, 0x00, "caf\xe9", nil},
		{"unknown message type", MessageType(0x09), OpSyn, 0x00, "alice", nil},
		{"unknown operation", MessageTypeControl, Operation(0x07), 0x00, "alice", nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Encode(c.msgType, c.op, c.seq, c.user, c.payload)
			if err == nil {
				t.Fatalf("expected an error, got nil")
			}
			if _, ok := err.(*InvalidArgumentError); !ok {
				t.Fatalf("expected *InvalidArgumentError, got %T: %v", err, err)
			}
		})
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	good, err := Encode(MessageTypeControl, OpErr, 0x00, "alice", []byte("boom"))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	t.Run("too short", func(t *testing.T) {
		_, err := Decode(good[:HeaderSize-1])
		assertMalformed(t, err)
	})
	t.Run("bad message type", func(t *testing.T) {
		corrupt := append([]byte(nil), good...)
		corrupt[0] = 0x09
		_, err := Decode(corrupt)
		assertMalformed(t, err)
	})
	t.Run("bad operation", func(t *testing.T) {
		corrupt := append([]byte(nil), good...)
		corrupt[1] = 0x07
		_, err := Decode(corrupt)
		assertMalformed(t, err)
	})
	t.Run("bad sequence", func(t *testing.T) {
		corrupt := append([]byte(nil), good...)
		corrupt[2] = 0x02
		_, err := Decode(corrupt)
		assertMalformed(t, err)
	})
	t.Run("payload_size mismatch", func(t *testing.T) {
		corrupt := append([]byte(nil), good...)
		corrupt[38] = corrupt[38] + 1
		_, err := Decode(corrupt)
		assertMalformed(t, err)
	})
	t.Run("non-ASCII payload", func(t *testing.T) {
		corrupt := append([]byte(nil), good...)
		corrupt[HeaderSize] = 0xff
		_, err := Decode(corrupt)
		assertMalformed(t, err)
	})
	t.Run("SYN decoded with payload is rejected", func(t *testing.T) {
		synWithPayload := append([]byte(nil), good...)
		synWithPayload[1] = byte(OpSyn)
		_, err := Decode(synWithPayload)
		assertMalformed(t, err)
	})
}

func assertMalformed(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error, got nil")
	}
	if _, ok := err.(*MalformedError); !ok {
		t.Fatalf("expected *MalformedError, got %T: %v", err, err)
	}
}
