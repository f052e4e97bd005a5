package realtime

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	cases := map[string]MessageKind{
		"text":       KindText,
		"processing": KindProcessing,
		"summary":    KindTable,
		"table":      KindTable,
		"storage":    KindStorage,
		"error":      KindError,
		"heartbeat":  KindHeartbeat,
		"whatever":   KindUnknown,
		"":           KindUnknown,
	}
	for raw, want := range cases {
		if got := ParseKind(raw); got != want {
			t.Fatalf("ParseKind(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestTableColumnsFromHeader(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{
		"type": "summary",
		"title": "行程",
		"tableData": {
			"header": {"city": "城市", "date": "日期", "cost": "费用"},
			"row": [{"date": "10-01", "city": "杭州", "cost": 120.5}]
		}
	}`))
	if err != nil {
		t.Fatalf("decode err: %v", err)
	}

	cols := msg.TableData.Columns()
	want := []Column{{"city", "城市"}, {"date", "日期"}, {"cost", "费用"}}
	if len(cols) != len(want) {
		t.Fatalf("unexpected columns: %+v", cols)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Fatalf("column %d: got %+v want %+v", i, cols[i], want[i])
		}
	}
	if got := msg.TableData.Cell(0, "cost"); got != "120.5" {
		t.Fatalf("unexpected cost cell %q", got)
	}
}

func TestTableColumnsDerivedFromFirstRow(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{
		"type": "table",
		"tableData": {
			"header": {},
			"row": [{"a": 1, "b": 2}, {"a": 3, "c": 4}]
		}
	}`))
	if err != nil {
		t.Fatalf("decode err: %v", err)
	}

	cols := msg.TableData.Columns()
	if len(cols) != 2 || cols[0].Key != "a" || cols[1].Key != "b" || cols[1].Label != "b" {
		t.Fatalf("expected columns [a b], got %+v", cols)
	}
	if got := msg.TableData.Cell(1, "b"); got != "" {
		t.Fatalf("missing cell should be empty, got %q", got)
	}
	if got := msg.TableData.Cell(1, "a"); got != "3" {
		t.Fatalf("unexpected cell %q", got)
	}
}

func TestTableColumnsEmpty(t *testing.T) {
	var table *TableData
	if cols := table.Columns(); cols != nil {
		t.Fatalf("nil table should have no columns")
	}
	empty := &TableData{}
	if cols := empty.Columns(); len(cols) != 0 {
		t.Fatalf("empty table should have no columns: %+v", cols)
	}
}

func TestDecodeServerMessageMalformed(t *testing.T) {
	if _, err := DecodeServerMessage([]byte(`{not json`)); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := DecodeServerMessage(nil); err == nil {
		t.Fatal("expected error for empty frame")
	}
}

func TestClientMessageEncoding(t *testing.T) {
	data, err := json.Marshal(NewTextMessage("u1", map[string]string{"name": "A"}, "hello"))
	if err != nil {
		t.Fatalf("marshal err: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal err: %v", err)
	}
	if decoded["user_id"] != "u1" {
		t.Fatalf("missing user_id: %s", data)
	}
	if _, ok := decoded["type"]; ok {
		t.Fatalf("text message should omit type: %s", data)
	}
	input := decoded["input"].(map[string]any)
	if input["type"] != "text" || input["content"] != "hello" {
		t.Fatalf("unexpected input: %s", data)
	}

	hs, _ := json.Marshal(NewHandshake("u1", nil))
	if string(hs) != `{"user_id":"u1","type":"handshake"}` {
		t.Fatalf("unexpected handshake: %s", hs)
	}
}

func TestDispatcherMalformedGoesToFallback(t *testing.T) {
	d := NewDispatcher(ChannelDialogue)

	var protoErr error
	var fallback []ServerMessage
	d.OnProtocolError(func(err error) { protoErr = err })
	d.OnUnhandled(func(m ServerMessage) { fallback = append(fallback, m) })

	d.Handle(Frame{Type: FrameText, Data: []byte(`oops`)})

	if !errors.Is(protoErr, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", protoErr)
	}
	if len(fallback) != 1 || string(fallback[0].Raw) != "oops" {
		t.Fatalf("malformed frame not forwarded to fallback: %+v", fallback)
	}
}

func TestDispatcherUnregisteredKindUsesFallback(t *testing.T) {
	d := NewDispatcher(ChannelDialogue)
	var got []string
	d.OnUnhandled(func(m ServerMessage) { got = append(got, m.Type) })
	sub := d.On(KindStorage, func(ServerMessage) { got = append(got, "storage-handler") })

	d.Handle(Frame{Type: FrameText, Data: []byte(`{"type":"storage"}`)})
	sub.Off()
	d.Handle(Frame{Type: FrameText, Data: []byte(`{"type":"storage"}`)})

	if len(got) != 2 || got[0] != "storage-handler" || got[1] != "storage" {
		t.Fatalf("unexpected routing: %v", got)
	}
}

func TestGzipRoundTrip(t *testing.T) {
	payload := []byte("audio-bytes-audio-bytes")
	packed, err := EncodePayload(payload, EncodingGzip)
	if err != nil {
		t.Fatalf("encode err: %v", err)
	}
	unpacked, err := DecodePayload(packed, ParseEncoding("GZIP"))
	if err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if string(unpacked) != string(payload) {
		t.Fatalf("round trip mismatch: %q", unpacked)
	}
	if _, err := DecodePayload(payload, Encoding("br")); err == nil {
		t.Fatal("expected unsupported encoding error")
	}
}
