// Package client reconstructs conversation state from the server's event
// stream. It is the headless counterpart of the browser UI: a decoder for
// the wire protocol and a message store applying events under the part
// state invariants.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/finsight-ai/finsight/pkg/models"
)

// maxEventBytes bounds a single wire event.
const maxEventBytes = 1 << 20

// Decoder reads StreamEvents from a server-sent event stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps the response body of a turn submission.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxEventBytes)
	return &Decoder{scanner: scanner}
}

// Next returns the next event, or io.EOF when the stream closes cleanly.
// Blank lines and SSE comments are skipped.
func (d *Decoder) Next() (*models.StreamEvent, error) {
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("malformed event: %w", err)
		}
		return &ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Consume applies the whole stream to the store. A transport error mid-
// stream surfaces after the events read so far have been applied.
func Consume(r io.Reader, store *MessageStore) error {
	decoder := NewDecoder(r)
	for {
		ev, err := decoder.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := store.Apply(ev); err != nil {
			return err
		}
	}
}
