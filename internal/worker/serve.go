package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/csop/internal/handler"
)

// Handle runs req against the registry and builds its Response. Handler
// failures are reported in the Response, never returned.
func Handle(reg *handler.Registry, req Request) Response {
	result, err := reg.Invoke(req.TaskType, req.Payload)
	if err != nil {
		return Response{
			ID:    req.ID,
			Error: err.Error(),
			Kind:  handler.Kind(err),
		}
	}
	return Response{ID: req.ID, Success: true, Result: result}
}

// Serve reads requests from r and writes one response per request to w until
// r reaches EOF. It is the loop run by a child worker process.
func Serve(r io.Reader, w io.Writer, reg *handler.Registry) error {
	br := bufio.NewReader(r)
	for {
		var req Request
		if err := ReadMessage(br, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		resp := Handle(reg, req)
		if err := WriteMessage(w, &resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}
