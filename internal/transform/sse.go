package transform

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var dataTag = []byte("data:")

// completionEventTypes end a response stream.
var completionEventTypes = map[string]bool{
	"response.done":      true,
	"response.completed": true,
}

// EnsureEventStreamHeaders guarantees a streaming response advertises the
// SSE content type.
func EnsureEventStreamHeaders(resp *http.Response) {
	if resp == nil {
		return
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if resp.Header.Get("Content-Type") == "" {
		resp.Header.Set("Content-Type", "text/event-stream; charset=utf-8")
	}
}

// CollapseToJSON drains the event stream and replaces the response body
// with the final response object from the first response.done or
// response.completed event. When no completion event is found the raw
// concatenated text is surfaced with the original status.
func CollapseToJSON(resp *http.Response) *http.Response {
	if resp == nil || resp.Body == nil {
		return resp
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var raw bytes.Buffer
	var final []byte
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		raw.Write(line)
		raw.WriteByte('\n')
		if final != nil || !bytes.HasPrefix(line, dataTag) {
			continue
		}
		data := bytes.TrimSpace(line[len(dataTag):])
		if !completionEventTypes[gjson.GetBytes(data, "type").String()] {
			continue
		}
		if response := gjson.GetBytes(data, "response"); response.Exists() {
			final = []byte(response.Raw)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("sse: stream read error: %v", err)
	}

	if final != nil {
		return replaceBody(resp, final, "application/json; charset=utf-8")
	}
	log.Debug("sse: no completion event found, surfacing raw stream text")
	return replaceBody(resp, raw.Bytes(), "")
}

func replaceBody(resp *http.Response, body []byte, contentType string) *http.Response {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	resp.TransferEncoding = nil
	return resp
}
