package offcache

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"time"
)

// Entry is a full response snapshot stored in a cache store: status, headers
// and body, plus the time it was written. Overwriting an entry replaces the
// whole snapshot; readers never see a partial write.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// snapshotResponse converts a fetched origin response into an Entry. The body
// must already be fully read. Content-Length is dropped because the stored
// body may later be rewritten by the transport on the way out.
func snapshotResponse(resp *http.Response, body []byte) Entry {
	ent := Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// cacheableStatus reports whether a response status may be persisted.
// Only success responses are ever written to a store.
func cacheableStatus(code int) bool {
	return code >= 200 && code < 300
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
