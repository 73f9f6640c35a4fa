package realtime

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLiveUpdate_UnmarshalTimestamp(t *testing.T) {
	epoch := time.UnixMilli(1700000000000).UTC()

	tests := []struct {
		name    string
		payload string
		want    time.Time
	}{
		{"rfc3339", `{"deviceId":"dev-1","state":"bajada","timestamp":"2024-01-01T00:00:00Z"}`, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"rfc3339 nano offset", `{"deviceId":"dev-1","state":"bajada","timestamp":"2024-01-01T02:00:00.5+02:00"}`, time.Date(2024, 1, 1, 0, 0, 0, 5e8, time.UTC)},
		{"epoch ms", `{"deviceId":"dev-1","state":"bajada","timestamp":1700000000000}`, epoch},
		{"epoch ms float", `{"deviceId":"dev-1","state":"bajada","timestamp":1700000000000.0}`, epoch},
		{"epoch ms string", `{"deviceId":"dev-1","state":"bajada","timestamp":"1700000000000"}`, epoch},
		{"space separated", `{"deviceId":"dev-1","state":"bajada","timestamp":"2024-01-01 00:00:00"}`, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"missing", `{"deviceId":"dev-1","state":"bajada"}`, time.Time{}},
		{"null", `{"deviceId":"dev-1","state":"bajada","timestamp":null}`, time.Time{}},
		{"unrecognised string", `{"deviceId":"dev-1","state":"bajada","timestamp":"yesterday"}`, time.Time{}},
		{"object", `{"deviceId":"dev-1","state":"bajada","timestamp":{"sec":1}}`, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u LiveUpdate
			if err := json.Unmarshal([]byte(tt.payload), &u); err != nil {
				t.Fatalf("Unmarshal() error: %v", err)
			}
			if u.DeviceID != "dev-1" || u.State != "bajada" {
				t.Errorf("Unmarshal() = %+v, want dev-1/bajada", u)
			}
			if !u.Timestamp.Equal(tt.want) {
				t.Errorf("Timestamp = %v, want %v", u.Timestamp, tt.want)
			}
		})
	}
}

func TestLiveUpdate_UnmarshalMalformed(t *testing.T) {
	for _, payload := range []string{`{"deviceId":"dev-1"`, `[]`, `{"deviceId":7}`} {
		var u LiveUpdate
		if err := json.Unmarshal([]byte(payload), &u); err == nil {
			t.Errorf("Unmarshal(%s) error = nil, want an error", payload)
		}
	}
}

func TestLiveUpdate_RoundTripsMarshalledForm(t *testing.T) {
	in := LiveUpdate{DeviceID: "dev-1", State: "bajada", Timestamp: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out LiveUpdate
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if out.DeviceID != in.DeviceID || out.State != in.State || !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("Unmarshal(Marshal(%+v)) = %+v", in, out)
	}
}
