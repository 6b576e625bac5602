package json

import (
	"encoding/json"
	"testing"

	gojson "github.com/goccy/go-json"
)

// testChange is shaped like a sync payload.
type testChange struct {
	Key       string                 `json:"key"`
	Operation string                 `json:"operation"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp"`
}

func generateTestChanges(n int) []*testChange {
	changes := make([]*testChange, n)
	for i := 0; i < n; i++ {
		changes[i] = &testChange{
			Key:       "user-42",
			Operation: "update",
			Payload: map[string]interface{}{
				"name":  "Test User",
				"email": "test@example.com",
				"index": i,
			},
			Timestamp: 1234567890,
		}
	}
	return changes
}

func TestMarshalMatchesStdlib(t *testing.T) {
	change := &testChange{
		Key:       "u1",
		Operation: "create",
		Payload:   map[string]interface{}{"val": "A"},
		Timestamp: 100,
	}

	stdData, err := json.Marshal(change)
	if err != nil {
		t.Fatal(err)
	}

	optData, err := Marshal(change)
	if err != nil {
		t.Fatal(err)
	}

	var stdResult, optResult map[string]interface{}
	if err := json.Unmarshal(stdData, &stdResult); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(optData, &optResult); err != nil {
		t.Fatal(err)
	}

	if stdResult["key"] != optResult["key"] {
		t.Errorf("key mismatch: %v != %v", stdResult["key"], optResult["key"])
	}
	if stdResult["operation"] != optResult["operation"] {
		t.Errorf("operation mismatch: %v != %v", stdResult["operation"], optResult["operation"])
	}
}

func TestUnmarshalRoundTrip(t *testing.T) {
	data := []byte(`{"key":"u1","operation":"update","payload":{"val":"A"},"timestamp":100}`)

	var change testChange
	if err := Unmarshal(data, &change); err != nil {
		t.Fatal(err)
	}

	if change.Key != "u1" || change.Operation != "update" {
		t.Errorf("unexpected decode result: %+v", change)
	}
}

func TestBufferPoolReuse(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("leftover")
	PutBuffer(buf)

	// Pooled buffers come back reset
	buf2 := GetBuffer()
	if buf2.Len() != 0 {
		t.Errorf("pooled buffer not reset, len=%d", buf2.Len())
	}
	PutBuffer(buf2)
}

// Benchmark standard library json.Marshal
func BenchmarkStdMarshal(b *testing.B) {
	changes := generateTestChanges(100)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		for _, c := range changes {
			if _, err := json.Marshal(c); err != nil {
				b.Fatal(err)
			}
		}
	}

	b.ReportMetric(float64(len(changes)*b.N), "records/op")
}

// Benchmark goccy/go-json Marshal
func BenchmarkGoccyMarshal(b *testing.B) {
	changes := generateTestChanges(100)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		for _, c := range changes {
			if _, err := gojson.Marshal(c); err != nil {
				b.Fatal(err)
			}
		}
	}

	b.ReportMetric(float64(len(changes)*b.N), "records/op")
}
