package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes req as a single JSON line to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.Kind != KindJob && req.Kind != KindTask {
		return fmt.Errorf("invalid request kind: %q", req.Kind)
	}

	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeResponseLenient reads a handler's whole stdout and decodes it into a
// Response. Unknown fields are tolerated so newer handlers keep working; the raw
// bytes are returned so callers can log what the handler printed.
func DecodeResponseLenient(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("handler produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("handler output is not valid JSON: %w", err)
	}
	if err := validate(&resp); err != nil {
		return nil, data, err
	}
	return &resp, data, nil
}

func validate(resp *Response) error {
	switch resp.Status {
	case "":
		return fmt.Errorf("response missing required field: status")
	case "ok":
		return nil
	case "error":
		if resp.Error == "" {
			return fmt.Errorf("response has status=error but no error message")
		}
		return nil
	default:
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
}
