package stream

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	jsonx "taskrunner/internal/shared/json"
)

// ErrProtocol reports a frame that could not be decoded.
var ErrProtocol = errors.New("stream protocol error")

// splitFrames is a bufio.SplitFunc yielding blank-line separated frames.
// Both "\n\n" and "\r\n\r\n" terminate a frame; a trailing partial frame is
// returned at EOF.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if idx, size := frameBoundary(data); idx >= 0 {
		return idx + size, data[:idx], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func frameBoundary(data []byte) (int, int) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

// frameData returns the concatenated data: payload of a frame. ok is false
// for frames without a data line, such as comments and keepalive pings.
func frameData(frame []byte) (string, bool) {
	var parts []string
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		parts = append(parts, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// decodeFrame parses one frame. skip is true when the frame carries no event.
func decodeFrame(frame []byte) (evt Event, skip bool, err error) {
	payload, ok := frameData(frame)
	if !ok || strings.TrimSpace(payload) == "" {
		return Event{}, true, nil
	}
	if err := jsonx.Unmarshal([]byte(payload), &evt); err != nil {
		return Event{}, false, fmt.Errorf("%w: decode frame: %v", ErrProtocol, err)
	}
	if evt.Type == "" {
		return Event{}, false, fmt.Errorf("%w: frame without type", ErrProtocol)
	}
	return evt, false, nil
}
