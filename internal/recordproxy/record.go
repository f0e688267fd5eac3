package recordproxy

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/go-json-experiment/json"
)

const maxMultipartMemory = 32 << 20

// Param is one name/value pair of a recorded request.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PostData is the recorded request body.
type PostData struct {
	MimeType string  `json:"mimeType,omitempty"`
	Text     string  `json:"text"`
	Params   []Param `json:"params"`
}

// Record is one line of the request log, laid out like a HAR request.
type Record struct {
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Headers     []Param   `json:"headers"`
	QueryString []Param   `json:"queryString"`
	PostData    *PostData `json:"postData,omitempty"`
}

// NewRecord captures r. The body is read and put back so the request can
// still be forwarded.
func NewRecord(r *http.Request) (*Record, error) {
	rec := &Record{
		Method:      r.Method,
		URL:         r.URL.String(),
		Headers:     paramsFromValues(r.Header),
		QueryString: parseQuery(r.URL.RawQuery),
	}
	if r.Body == nil || r.Body == http.NoBody {
		return rec, nil
	}

	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	r.Body, _ = r.GetBody()

	if len(body) == 0 && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		return rec, nil
	}

	pd := &PostData{MimeType: r.Header.Get("Content-Type"), Text: string(body)}
	media, params, _ := mime.ParseMediaType(pd.MimeType)
	switch {
	case media == "application/x-www-form-urlencoded":
		if form, err := url.ParseQuery(string(body)); err == nil {
			pd.Params = paramsFromValues(form)
		}
	case strings.HasPrefix(media, "multipart/form-data"):
		mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
		if form, err := mr.ReadForm(maxMultipartMemory); err == nil {
			pd.Params = paramsFromValues(form.Value)
			for _, name := range sortedKeys(form.File) {
				pd.Params = append(pd.Params, Param{Name: name, Value: "<FILE>"})
			}
			form.RemoveAll()
		}
	}
	rec.PostData = pd
	return rec, nil
}

// parseQuery keeps names and values as they were sent, undecoded.
func parseQuery(raw string) []Param {
	if raw == "" {
		return nil
	}
	var out []Param
	for _, part := range strings.Split(raw, "&") {
		name, value, _ := strings.Cut(part, "=")
		out = append(out, Param{Name: name, Value: value})
	}
	return out
}

func paramsFromValues[M ~map[string][]string](values M) []Param {
	var out []Param
	for _, k := range sortedKeys(map[string][]string(values)) {
		for _, v := range values[k] {
			out = append(out, Param{Name: k, Value: v})
		}
	}
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Recorder appends records to w, one JSON object per line.
type Recorder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewRecorder returns a Recorder writing to w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{w: w}
}

// Write appends rec as a single line.
func (rc *Recorder) Write(rec *Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, err := rc.w.Write(line); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}
