package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseAuthFrame(t *testing.T) {
	f, err := ParseClientFrame([]byte(`{"type":"auth","ticket":"  abc123  "}`))
	if err != nil {
		t.Fatalf("ParseClientFrame: %v", err)
	}
	if f.Type != TypeAuth || f.Ticket != "abc123" {
		t.Errorf("frame = %+v", f)
	}
}

func TestParseStdinFrame(t *testing.T) {
	f, err := ParseClientFrame([]byte(`{"type":"stdin","data":"ls -la\n"}`))
	if err != nil {
		t.Fatalf("ParseClientFrame: %v", err)
	}
	if f.Type != TypeStdin || f.Data != "ls -la\n" {
		t.Errorf("frame = %+v", f)
	}
}

func TestParseResizeFrame(t *testing.T) {
	f, err := ParseClientFrame([]byte(`{"type":"resize","cols":120,"rows":30}`))
	if err != nil {
		t.Fatalf("ParseClientFrame: %v", err)
	}
	if f.Cols != 120 || f.Rows != 30 {
		t.Errorf("frame = %+v", f)
	}
}

func TestParsePingFrame(t *testing.T) {
	f, err := ParseClientFrame([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("ParseClientFrame: %v", err)
	}
	if f.Type != TypePing {
		t.Errorf("frame = %+v", f)
	}
}

func TestParseRejectsInvalidFrames(t *testing.T) {
	cases := map[string]string{
		"malformed json":     `{"type":"auth"`,
		"unknown type":       `{"type":"shutdown"}`,
		"missing type":       `{"ticket":"abc"}`,
		"empty ticket":       `{"type":"auth","ticket":"   "}`,
		"auth no ticket":     `{"type":"auth"}`,
		"stdin no data":      `{"type":"stdin"}`,
		"resize no rows":     `{"type":"resize","cols":80}`,
		"resize zero cols":   `{"type":"resize","cols":0,"rows":24}`,
		"resize negative":    `{"type":"resize","cols":80,"rows":-1}`,
		"not an object":      `[1,2,3]`,
		"server frame type":  `{"type":"started"}`,
	}
	for name, body := range cases {
		if _, err := ParseClientFrame([]byte(body)); err == nil {
			t.Errorf("%s: expected error for %s", name, body)
		}
	}
}

func TestServerFrameEncoding(t *testing.T) {
	cases := []struct {
		data []byte
		want string
	}{
		{Ready(), `{"type":"ready"}`},
		{Authed(), `{"type":"authed"}`},
		{Started(), `{"type":"started"}`},
		{Pong(), `{"type":"pong"}`},
		{Error("boom"), `{"type":"error","message":"boom"}`},
	}
	for _, c := range cases {
		if string(c.data) != c.want {
			t.Errorf("got %s, want %s", c.data, c.want)
		}
	}
}

func TestStatusFramePassthrough(t *testing.T) {
	raw := json.RawMessage(`{"status":"Success","code":0}`)
	data := Status(raw)

	var decoded struct {
		Type   string          `json:"type"`
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeStatus {
		t.Errorf("type = %q", decoded.Type)
	}
	if string(decoded.Status) != string(raw) {
		t.Errorf("status = %s, want %s", decoded.Status, raw)
	}
}

func TestStatusFrameNilBody(t *testing.T) {
	data := Status(nil)
	if string(data) != `{"type":"status","status":null}` {
		t.Errorf("got %s", data)
	}
}
