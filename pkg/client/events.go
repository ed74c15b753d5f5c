package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/psantana5/sandboxd/pkg/workload"
)

// ErrStreamStopped is returned by Events when the daemon stopped
var ErrStreamStopped = errors.New("sandboxd stopped")

// Events streams status events, optionally for a single workload, calling
// fn for each one until fn returns an error, ctx ends or the daemon stops.
// An error from fn is returned unchanged; ErrStop ends the stream cleanly.
func (c *Client) Events(ctx context.Context, workloadID string, fn func(workload.Event) error) error {
	path := "/v1/events"
	if workloadID != "" {
		path += "?workload=" + url.QueryEscape(workloadID)
	}
	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp).APIError
	}

	err = decodeEvents(resp.Body, fn)
	if errors.Is(err, ErrStop) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// ErrStop may be returned by an Events callback to end the stream
var ErrStop = errors.New("stop streaming")

// decodeEvents reads a server-sent event stream. Comment lines are skipped;
// an event is dispatched at the blank line that ends it.
func decodeEvents(r io.Reader, fn func(workload.Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)

	var name string
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name == "" && data.Len() == 0 {
				continue
			}
			if name == "stopped" {
				return ErrStreamStopped
			}
			var ev workload.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("malformed %s event: %w", name, err)
			}
			if err := fn(ev); err != nil {
				return err
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
