package live

import (
	"errors"
	"mime"
	"strconv"

	"github.com/coder/websocket"
)

// TerminalEvent converts the error that ended a websocket read loop into the
// final event of the stream: an orderly remote close becomes [EventClose],
// anything else a fatal [EventError].
func TerminalEvent(err error) Event {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return Event{Type: EventClose, Code: int(ce.Code), Reason: ce.Reason}
	}
	return Event{Type: EventError, Err: err, Fatal: true}
}

// RateFromMIME extracts the rate parameter from a media type such as
// "audio/pcm;rate=24000", returning def when absent or malformed.
func RateFromMIME(mimeType string, def int) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return def
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return def
	}
	return rate
}
