package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client frame types.
const (
	TypeAuth   = "auth"
	TypeStdin  = "stdin"
	TypeResize = "resize"
	TypePing   = "ping"
)

// Server frame types.
const (
	TypeReady   = "ready"
	TypeAuthed  = "authed"
	TypeStarted = "started"
	TypePong    = "pong"
	TypeStatus  = "status"
	TypeError   = "error"
)

// ClientFrame is a validated control frame received from the browser.
// Exactly the fields for its Type are populated.
type ClientFrame struct {
	Type   string
	Ticket string // auth
	Data   string // stdin
	Cols   int    // resize
	Rows   int    // resize
}

type rawClientFrame struct {
	Type   string  `json:"type"`
	Ticket *string `json:"ticket"`
	Data   *string `json:"data"`
	Cols   *int    `json:"cols"`
	Rows   *int    `json:"rows"`
}

// ParseClientFrame validates a text frame against the control protocol.
// A structurally invalid frame yields an error and must not advance the
// session state machine.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	var raw rawClientFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientFrame{}, fmt.Errorf("malformed JSON frame: %w", err)
	}

	switch raw.Type {
	case TypeAuth:
		if raw.Ticket == nil {
			return ClientFrame{}, fmt.Errorf("auth frame missing ticket")
		}
		ticket := strings.TrimSpace(*raw.Ticket)
		if ticket == "" {
			return ClientFrame{}, fmt.Errorf("auth frame with empty ticket")
		}
		return ClientFrame{Type: TypeAuth, Ticket: ticket}, nil

	case TypeStdin:
		if raw.Data == nil {
			return ClientFrame{}, fmt.Errorf("stdin frame missing data")
		}
		return ClientFrame{Type: TypeStdin, Data: *raw.Data}, nil

	case TypeResize:
		if raw.Cols == nil || raw.Rows == nil {
			return ClientFrame{}, fmt.Errorf("resize frame missing cols/rows")
		}
		if *raw.Cols < 1 || *raw.Rows < 1 {
			return ClientFrame{}, fmt.Errorf("resize frame with non-positive dimensions %dx%d", *raw.Cols, *raw.Rows)
		}
		return ClientFrame{Type: TypeResize, Cols: *raw.Cols, Rows: *raw.Rows}, nil

	case TypePing:
		return ClientFrame{Type: TypePing}, nil

	case "":
		return ClientFrame{}, fmt.Errorf("frame missing type")

	default:
		return ClientFrame{}, fmt.Errorf("unknown frame type %q", raw.Type)
	}
}

type typedFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type statusFrame struct {
	Type   string          `json:"type"`
	Status json.RawMessage `json:"status"`
}

// Ready encodes the ready frame sent right after accept.
func Ready() []byte { return mustMarshal(typedFrame{Type: TypeReady}) }

// Authed encodes the frame acknowledging ticket consumption.
func Authed() []byte { return mustMarshal(typedFrame{Type: TypeAuthed}) }

// Started encodes the frame sent once the upstream exec is established.
func Started() []byte { return mustMarshal(typedFrame{Type: TypeStarted}) }

// Pong encodes the reply to an application-level ping frame.
func Pong() []byte { return mustMarshal(typedFrame{Type: TypePong}) }

// Error encodes an error frame with a human-readable message.
func Error(message string) []byte {
	return mustMarshal(errorFrame{Type: TypeError, Message: message})
}

// Status encodes an upstream status object, forwarded verbatim.
func Status(status json.RawMessage) []byte {
	if len(status) == 0 {
		status = json.RawMessage("null")
	}
	return mustMarshal(statusFrame{Type: TypeStatus, Status: status})
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with an invalid RawMessage; treated as a bug.
		panic(err)
	}
	return data
}
