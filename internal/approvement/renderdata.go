package approvement

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DecodeRenderData reads a JSON object used to render approvement
// messages. Numbers keep their literal form so templates print them as
// sent. Anything other than a single object is ErrInvalidRenderData.
func DecodeRenderData(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty body", ErrInvalidRenderData)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRenderData, err)
	}
	data, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrInvalidRenderData, raw)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidRenderData)
	}
	return data, nil
}
