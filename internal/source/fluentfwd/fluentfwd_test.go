package fluentfwd

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"logship/internal/shipper"
)

// startTestSource runs a source on an ephemeral port and returns its address.
func startTestSource(t *testing.T, chanSize int) (string, chan shipper.Message) {
	t.Helper()

	out := make(chan shipper.Message, chanSize)
	src := New(Config{Name: "fwd", Addr: "127.0.0.1:0"})

	go func() { _ = src.Run(t.Context(), out) }()
	time.Sleep(100 * time.Millisecond)

	if src.Addr() == nil {
		t.Fatal("source did not start")
	}
	return src.Addr().String(), out
}

func recv(t *testing.T, out chan shipper.Message) shipper.Message {
	t.Helper()
	select {
	case msg := <-out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return shipper.Message{}
	}
}

// sendMsgpack connects to the given address and writes the encoded frames.
func sendMsgpack(t *testing.T, addr string, data []byte) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, err = conn.Write(data)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	return conn
}

// --- Message Mode Tests ---

func TestMessageMode(t *testing.T) {
	addr, out := startTestSource(t, 10)

	ts := int64(1700000000)
	// Message mode: [tag, time, record]
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeArrayLen(3)
	enc.EncodeString("app.log")
	enc.EncodeInt(ts)
	enc.EncodeMap(map[string]any{"message": "hello fluent", "level": "info"})

	conn := sendMsgpack(t, addr, buf.Bytes())
	defer conn.Close()

	msg := recv(t, out)
	if string(msg.Raw) != `{"level":30,"msg":"hello fluent"}` {
		t.Errorf("raw: got %q", msg.Raw)
	}
	if msg.Source != "fwd" {
		t.Errorf("source: expected fwd, got %q", msg.Source)
	}
	if msg.Attrs["tag"] != "app.log" {
		t.Errorf("tag: expected app.log, got %q", msg.Attrs["tag"])
	}
	if msg.SourceTS.Unix() != ts {
		t.Errorf("SourceTS: expected %d, got %d", ts, msg.SourceTS.Unix())
	}
	if time.Since(msg.IngestTS) > 2*time.Second {
		t.Errorf("IngestTS should be recent, got %v", msg.IngestTS)
	}
}

func TestMessageModeLogKey(t *testing.T) {
	addr, out := startTestSource(t, 10)

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeArrayLen(3)
	enc.EncodeString("docker")
	enc.EncodeInt(int64(1700000000))
	enc.EncodeMap(map[string]any{"log": "container output"})

	conn := sendMsgpack(t, addr, buf.Bytes())
	defer conn.Close()

	msg := recv(t, out)
	if string(msg.Raw) != `{"msg":"container output"}` {
		t.Errorf("raw: got %q", msg.Raw)
	}
}

func TestMessageModeNumericLevelPassesThrough(t *testing.T) {
	addr, out := startTestSource(t, 10)

	// A record already in producer shape stays untouched.
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeArrayLen(3)
	enc.EncodeString("app")
	enc.EncodeInt(int64(1700000000))
	enc.EncodeMap(map[string]any{"level": int64(50), "msg": "boom", "time": int64(1700000000123)})

	conn := sendMsgpack(t, addr, buf.Bytes())
	defer conn.Close()

	msg := recv(t, out)
	if string(msg.Raw) != `{"level":50,"msg":"boom","time":1700000000123}` {
		t.Errorf("raw: got %q", msg.Raw)
	}
}

// --- Forward Mode Tests ---

func TestForwardMode(t *testing.T) {
	addr, out := startTestSource(t, 10)

	// Forward mode: [tag, [[time1, record1], [time2, record2]]]
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeArrayLen(2)
	enc.EncodeString("app.log")
	enc.EncodeArrayLen(2)
	enc.EncodeArrayLen(2)
	enc.EncodeInt(int64(1700000001))
	enc.EncodeMap(map[string]any{"message": "entry one"})
	enc.EncodeArrayLen(2)
	enc.EncodeInt(int64(1700000002))
	enc.EncodeMap(map[string]any{"message": "entry two"})

	conn := sendMsgpack(t, addr, buf.Bytes())
	defer conn.Close()

	msg1 := recv(t, out)
	msg2 := recv(t, out)

	if string(msg1.Raw) != `{"msg":"entry one"}` {
		t.Errorf("msg1 raw: got %q", msg1.Raw)
	}
	if msg1.SourceTS.Unix() != 1700000001 {
		t.Errorf("msg1 SourceTS: expected 1700000001, got %d", msg1.SourceTS.Unix())
	}
	if msg1.Attrs["tag"] != "app.log" {
		t.Errorf("msg1 tag: expected app.log, got %q", msg1.Attrs["tag"])
	}

	if string(msg2.Raw) != `{"msg":"entry two"}` {
		t.Errorf("msg2 raw: got %q", msg2.Raw)
	}
	if msg2.SourceTS.Unix() != 1700000002 {
		t.Errorf("msg2 SourceTS: expected 1700000002, got %d", msg2.SourceTS.Unix())
	}
}

// --- PackedForward Mode Tests ---

func TestPackedForwardMode(t *testing.T) {
	addr, out := startTestSource(t, 10)

	// Packed entries are concatenated msgpack arrays.
	var packed bytes.Buffer
	penc := msgpack.NewEncoder(&packed)
	penc.EncodeArrayLen(2)
	penc.EncodeInt(int64(1700000010))
	penc.EncodeMap(map[string]any{"message": "packed one"})
	penc.EncodeArrayLen(2)
	penc.EncodeInt(int64(1700000011))
	penc.EncodeMap(map[string]any{"message": "packed two"})

	// PackedForward: [tag, bin_entries]
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeArrayLen(2)
	enc.EncodeString("packed.tag")
	enc.EncodeBytes(packed.Bytes())

	conn := sendMsgpack(t, addr, buf.Bytes())
	defer conn.Close()

	msg1 := recv(t, out)
	msg2 := recv(t, out)

	if string(msg1.Raw) != `{"msg":"packed one"}` {
		t.Errorf("msg1 raw: got %q", msg1.Raw)
	}
	if msg1.Attrs["tag"] != "packed.tag" {
		t.Errorf("msg1 tag: expected packed.tag, got %q", msg1.Attrs["tag"])
	}
	if string(msg2.Raw) != `{"msg":"packed two"}` {
		t.Errorf("msg2 raw: got %q", msg2.Raw)
	}
}

// --- CompressedPackedForward Mode Tests ---

func TestCompressedPackedForwardMode(t *testing.T) {
	addr, out := startTestSource(t, 10)

	var packed bytes.Buffer
	penc := msgpack.NewEncoder(&packed)
	penc.EncodeArrayLen(2)
	penc.EncodeInt(int64(1700000020))
	penc.EncodeMap(map[string]any{"message": "compressed entry"})

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	gz.Write(packed.Bytes())
	gz.Close()

	// CompressedPackedForward: [tag, gzip_bin, option{compressed: gzip}]
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeArrayLen(3)
	enc.EncodeString("compressed.tag")
	enc.EncodeBytes(compressed.Bytes())
	enc.EncodeMap(map[string]any{"compressed": "gzip"})

	conn := sendMsgpack(t, addr, buf.Bytes())
	defer conn.Close()

	msg := recv(t, out)
	if string(msg.Raw) != `{"msg":"compressed entry"}` {
		t.Errorf("raw: got %q", msg.Raw)
	}
	if msg.Attrs["tag"] != "compressed.tag" {
		t.Errorf("tag: expected compressed.tag, got %q", msg.Attrs["tag"])
	}
}

// --- EventTime Extension Tests ---

func TestEventTime(t *testing.T) {
	addr, out := startTestSource(t, 10)

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeArrayLen(3)
	enc.EncodeString("precise.tag")

	et := &eventTime{Time: time.Unix(1700000050, 123456789)}
	enc.Encode(et)

	enc.EncodeMap(map[string]any{"message": "nanosecond precision"})

	conn := sendMsgpack(t, addr, buf.Bytes())
	defer conn.Close()

	msg := recv(t, out)
	if string(msg.Raw) != `{"msg":"nanosecond precision"}` {
		t.Errorf("raw: got %q", msg.Raw)
	}
	if msg.SourceTS.Unix() != 1700000050 {
		t.Errorf("SourceTS seconds: expected 1700000050, got %d", msg.SourceTS.Unix())
	}
	if msg.SourceTS.Nanosecond() != 123456789 {
		t.Errorf("SourceTS nanos: expected 123456789, got %d", msg.SourceTS.Nanosecond())
	}
}

// --- Ack Tests ---

func TestAck(t *testing.T) {
	addr, out := startTestSource(t, 10)

	chunkID := "test-chunk-abc"

	// Message mode with option containing chunk key: [tag, time, record, option]
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeArrayLen(4)
	enc.EncodeString("ack.tag")
	enc.EncodeInt(int64(1700000000))
	enc.EncodeMap(map[string]any{"message": "ack test"})
	enc.EncodeMap(map[string]any{"chunk": chunkID})

	conn := sendMsgpack(t, addr, buf.Bytes())
	defer conn.Close()

	msg := recv(t, out)
	if string(msg.Raw) != `{"msg":"ack test"}` {
		t.Errorf("raw: got %q", msg.Raw)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec := msgpack.NewDecoder(conn)
	var ackResp map[string]string
	if err := dec.Decode(&ackResp); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ackResp["ack"] != chunkID {
		t.Errorf("ack: expected %q, got %q", chunkID, ackResp["ack"])
	}
}

func TestNoAckWithoutChunk(t *testing.T) {
	addr, out := startTestSource(t, 10)

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeArrayLen(3)
	enc.EncodeString("noack.tag")
	enc.EncodeInt(int64(1700000000))
	enc.EncodeMap(map[string]any{"message": "no ack"})

	conn := sendMsgpack(t, addr, buf.Bytes())
	defer conn.Close()

	recv(t, out)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	oneByte := make([]byte, 1)
	if _, err := conn.Read(oneByte); err == nil {
		t.Error("expected no data on connection (no ack), but read succeeded")
	}
}

// --- Multiple Frames on Same Connection ---

func TestMultipleFramesOneConnection(t *testing.T) {
	addr, out := startTestSource(t, 10)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	enc := msgpack.NewEncoder(conn)

	for i := range 5 {
		enc.EncodeArrayLen(3)
		enc.EncodeString("multi.tag")
		enc.EncodeInt(int64(1700000000 + i))
		enc.EncodeMap(map[string]any{"message": "msg" + string(rune('0'+i))})
	}

	for i := range 5 {
		msg := recv(t, out)
		if msg.Attrs["tag"] != "multi.tag" {
			t.Errorf("msg %d: expected tag multi.tag, got %q", i, msg.Attrs["tag"])
		}
	}
}

// --- Connection Close Resilience ---

func TestConnectionCloseResilience(t *testing.T) {
	addr, _ := startTestSource(t, 10)

	// Connect and immediately close, then verify new connections still work.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	time.Sleep(100 * time.Millisecond)

	conn2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	conn2.Close()
}

// --- Record Normalization ---

func TestNormalizeRecord(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			"string level mapped",
			map[string]any{"level": "warn", "msg": "x"},
			map[string]any{"level": 40, "msg": "x"},
		},
		{
			"unknown level dropped",
			map[string]any{"level": "panic", "msg": "x"},
			map[string]any{"msg": "x"},
		},
		{
			"message renamed to msg",
			map[string]any{"message": "hi"},
			map[string]any{"msg": "hi"},
		},
		{
			"msg wins over message",
			map[string]any{"msg": "keep", "message": "other"},
			map[string]any{"msg": "keep", "message": "other"},
		},
		{
			"numeric level untouched",
			map[string]any{"level": int64(60), "msg": "x"},
			map[string]any{"level": int64(60), "msg": "x"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			normalizeRecord(tc.in)
			if len(tc.in) != len(tc.want) {
				t.Fatalf("got %v, want %v", tc.in, tc.want)
			}
			for k, v := range tc.want {
				if tc.in[k] != v {
					t.Errorf("key %q: got %v, want %v", k, tc.in[k], v)
				}
			}
		})
	}
}

// --- EventTime Extension Encoding/Decoding ---

func TestEventTimeMarshalUnmarshal(t *testing.T) {
	original := time.Unix(1700000099, 500000000)
	et := &eventTime{Time: original}

	data, err := et.MarshalMsgpack()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(data))
	}

	sec := binary.BigEndian.Uint32(data[0:4])
	nsec := binary.BigEndian.Uint32(data[4:8])
	if sec != 1700000099 {
		t.Errorf("seconds: expected 1700000099, got %d", sec)
	}
	if nsec != 500000000 {
		t.Errorf("nanoseconds: expected 500000000, got %d", nsec)
	}

	et2 := &eventTime{}
	if err := et2.UnmarshalMsgpack(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if et2.Unix() != original.Unix() || et2.Nanosecond() != original.Nanosecond() {
		t.Errorf("round-trip failed: expected %v, got %v", original, et2.Time)
	}
}

func TestEventTimeInvalidLength(t *testing.T) {
	et := &eventTime{}
	if err := et.UnmarshalMsgpack([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for invalid length")
	}
}

// --- Factory Tests ---

func TestFactory(t *testing.T) {
	factory := NewFactory()

	src, err := factory(uuid.Must(uuid.NewV7()), map[string]string{"_name": "fwd"}, nil)
	if err != nil {
		t.Fatalf("factory with default addr: %v", err)
	}
	if src.(*Source).addr != ":24224" {
		t.Errorf("addr: expected :24224, got %q", src.(*Source).addr)
	}

	src, err = factory(uuid.Must(uuid.NewV7()), map[string]string{"addr": ":9224"}, nil)
	if err != nil {
		t.Fatalf("factory with custom addr: %v", err)
	}
	if src == nil {
		t.Fatal("expected non-nil source")
	}

	_, err = factory(uuid.Must(uuid.NewV7()), map[string]string{"addr": "noport"}, nil)
	if err == nil {
		t.Error("expected error for invalid addr")
	}
}

// --- Helper Tests ---

func TestIsArrayCode(t *testing.T) {
	for i := byte(0x90); i <= 0x9f; i++ {
		if !isArrayCode(i) {
			t.Errorf("expected 0x%02x to be array code", i)
		}
	}
	if !isArrayCode(0xdc) {
		t.Error("expected 0xdc (array16) to be array code")
	}
	if !isArrayCode(0xdd) {
		t.Error("expected 0xdd (array32) to be array code")
	}
	if isArrayCode(0x00) {
		t.Error("expected 0x00 to not be array code")
	}
	if isArrayCode(0xc4) {
		t.Error("expected 0xc4 (bin8) to not be array code")
	}
}

func TestIsCompressed(t *testing.T) {
	if isCompressed(nil) {
		t.Error("nil should not be compressed")
	}
	if isCompressed(map[string]any{}) {
		t.Error("empty should not be compressed")
	}
	if isCompressed(map[string]any{"compressed": "lz4"}) {
		t.Error("lz4 should not match (only gzip)")
	}
	if !isCompressed(map[string]any{"compressed": "gzip"}) {
		t.Error("gzip should be compressed")
	}
}
