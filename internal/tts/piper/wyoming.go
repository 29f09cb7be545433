package piper

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Wyoming protocol format (per event):
//
//	{"type": "...", "data": {...}, "data_length": N, "payload_length": M}\n
//	<data_bytes>      (if data_length > 0, merged over the inline data)
//	<payload_bytes>   (if payload_length > 0)

// maxEventSection bounds a single data or payload section read from the server.
const maxEventSection = 16 << 20

type header struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	DataLength    int             `json:"data_length,omitempty"`
	PayloadLength int             `json:"payload_length,omitempty"`
}

type event struct {
	Type    string
	Data    map[string]json.RawMessage
	Payload []byte
}

// decodeData unmarshals the event data into v.
func (e *event) decodeData(v any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// writeEvent sends a Wyoming event over the connection.
func writeEvent(w io.Writer, typ string, data any, payload []byte) error {
	h := header{Type: typ, PayloadLength: len(payload)}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshalling event data: %w", err)
		}
		h.Data = raw
	}
	line, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshalling event header: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// readEvent reads one Wyoming event from r.
func readEvent(r *bufio.Reader) (*event, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, fmt.Errorf("invalid wyoming header %q: %w", line, err)
	}
	if h.DataLength < 0 || h.DataLength > maxEventSection ||
		h.PayloadLength < 0 || h.PayloadLength > maxEventSection {
		return nil, fmt.Errorf("wyoming event %q: section too large", h.Type)
	}

	evt := &event{Type: h.Type, Data: map[string]json.RawMessage{}}
	if len(h.Data) > 0 {
		if err := json.Unmarshal(h.Data, &evt.Data); err != nil {
			return nil, fmt.Errorf("unmarshalling inline data: %w", err)
		}
	}

	if h.DataLength > 0 {
		buf := make([]byte, h.DataLength)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading data: %w", err)
		}
		extra := map[string]json.RawMessage{}
		if err := json.Unmarshal(buf, &extra); err != nil {
			return nil, fmt.Errorf("unmarshalling data: %w", err)
		}
		for k, v := range extra {
			evt.Data[k] = v
		}
	}

	if h.PayloadLength > 0 {
		evt.Payload = make([]byte, h.PayloadLength)
		if _, err := io.ReadFull(r, evt.Payload); err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
	}

	return evt, nil
}
