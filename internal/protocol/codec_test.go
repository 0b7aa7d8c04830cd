package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestEnvelopeEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	req := &CommandRequestPayload{
		SessionID: "sess-1",
		CommandID: "cmd-1",
		Argv:      []string{"go", "test", "./..."},
		Dir:       "src",
		TimeoutMs: 30000,
	}
	if err := enc.Send(MsgCommandRequest, "cmd-1", req); err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec := NewDecoder(&buf)
	env, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != MsgCommandRequest {
		t.Errorf("expected type %s, got %s", MsgCommandRequest, env.Type)
	}
	if env.Corr != "cmd-1" {
		t.Errorf("expected corr cmd-1, got %s", env.Corr)
	}

	got, err := env.AsCommandRequest()
	if err != nil {
		t.Fatalf("AsCommandRequest: %v", err)
	}
	if got.CommandID != req.CommandID {
		t.Errorf("CommandID: expected %s, got %s", req.CommandID, got.CommandID)
	}
	if len(got.Argv) != 3 || got.Argv[0] != "go" {
		t.Errorf("Argv: expected %v, got %v", req.Argv, got.Argv)
	}
}

func TestDecodeOrderPreserved(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	types := []MessageType{MsgUserInput, MsgAssistantOutput, MsgSessionEvent, MsgError}
	for _, mt := range types {
		if err := enc.Send(mt, "", nil); err != nil {
			t.Fatalf("encode %s: %v", mt, err)
		}
	}

	dec := NewDecoder(&buf)
	for i, expected := range types {
		env, err := dec.Decode()
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if env.Type != expected {
			t.Errorf("message %d: expected %s, got %s", i, expected, env.Type)
		}
	}

	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

// Any split pattern of the same byte stream must yield the same messages in
// the same order.
func TestDecodeResumableAcrossSplits(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := 0; i < 5; i++ {
		enc.Send(MsgCommandOutputChunk, "cmd-9", &CommandOutputChunkPayload{
			SessionID: "s",
			CommandID: "cmd-9",
			Stream:    "stdout",
			Data:      strings.Repeat("x", i*7+1),
		})
	}
	enc.Send(MsgCommandResult, "cmd-9", &CommandResultPayload{
		SessionID: "s", CommandID: "cmd-9", Status: StatusSucceeded,
	})
	raw := buf.Bytes()

	for _, chunkSize := range []int{1, 2, 3, 7, 16, 64, len(raw)} {
		dec := NewStreamDecoder()
		var got []MessageType

		for off := 0; off < len(raw); off += chunkSize {
			end := off + chunkSize
			if end > len(raw) {
				end = len(raw)
			}
			dec.Feed(raw[off:end])
			for {
				env, err := dec.Next()
				if err != nil {
					t.Fatalf("split %d: next: %v", chunkSize, err)
				}
				if env == nil {
					break
				}
				got = append(got, env.Type)
				if env.Corr != "cmd-9" {
					t.Errorf("split %d: corr lost: %q", chunkSize, env.Corr)
				}
			}
		}

		if len(got) != 6 {
			t.Fatalf("split %d: expected 6 messages, got %d", chunkSize, len(got))
		}
		for i := 0; i < 5; i++ {
			if got[i] != MsgCommandOutputChunk {
				t.Errorf("split %d: message %d: expected chunk, got %s", chunkSize, i, got[i])
			}
		}
		if got[5] != MsgCommandResult {
			t.Errorf("split %d: expected trailing result, got %s", chunkSize, got[5])
		}
		if dec.Buffered() != 0 {
			t.Errorf("split %d: %d bytes left in buffer", chunkSize, dec.Buffered())
		}
	}
}

func TestMalformedFrameResync(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Send(MsgUserInput, "", &UserInputPayload{Text: "first"})
	buf.WriteString("{this is not json\n")
	buf.WriteString("also garbage\n")
	enc.Send(MsgUserInput, "", &UserInputPayload{Text: "second"})

	dec := NewDecoder(&buf)

	env, err := dec.Decode()
	if err != nil || env.Type != MsgUserInput {
		t.Fatalf("first: env=%v err=%v", env, err)
	}

	// Two malformed frames, each surfaced, neither silently dropped.
	for i := 0; i < 2; i++ {
		_, err = dec.Decode()
		if !IsMalformed(err) {
			t.Fatalf("garbage %d: expected ProtocolError, got %v", i, err)
		}
	}

	env, err = dec.Decode()
	if err != nil {
		t.Fatalf("after resync: %v", err)
	}
	p, _ := env.AsUserInput()
	if p.Text != "second" {
		t.Errorf("expected second message after resync, got %q", p.Text)
	}
}

func TestMissingTypeIsMalformed(t *testing.T) {
	dec := NewStreamDecoder()
	dec.Feed([]byte(`{"id":"x","ts":"now"}` + "\n"))
	_, err := dec.Next()
	if !IsMalformed(err) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestUnterminatedFrameIsFatal(t *testing.T) {
	dec := NewStreamDecoder()
	dec.max = 64 // shrink the bound for the test
	dec.Feed(bytes.Repeat([]byte("a"), 65))
	_, err := dec.Next()
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Send(MsgUserInput, "", nil)
	raw := buf.Bytes()

	dec := NewDecoder(bytes.NewReader(raw[:len(raw)-3])) // cut mid-frame
	if _, err := dec.Decode(); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestBlankLinesSkipped(t *testing.T) {
	dec := NewStreamDecoder()
	dec.Feed([]byte("\n\n"))
	dec.Feed([]byte(`{"type":"user_input","id":"1","ts":"t"}` + "\n\n"))

	env, err := dec.Next()
	if err != nil || env == nil {
		t.Fatalf("next: env=%v err=%v", env, err)
	}
	if env.Type != MsgUserInput {
		t.Errorf("expected user_input, got %s", env.Type)
	}
	if env, _ := dec.Next(); env != nil {
		t.Errorf("expected no further messages, got %v", env.Type)
	}
}
