package fuzzer

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// Payload carries every sampled value of one trial, keyed by parameter
// location. Body is nil when the trial sent no body at all; an explicit
// JSON null body is a non-nil null value.
type Payload struct {
	Path     map[string]*structpb.Value
	Query    map[string]*structpb.Value
	Header   map[string]*structpb.Value
	Cookie   map[string]*structpb.Value
	Body     *structpb.Value
	BodyType string
}

// payloadJSON is the stored wire form. Values travel as plain JSON via
// encoding/json on purpose: its output is deterministic for a given
// value, which keeps saved findings byte-stable across processes.
type payloadJSON struct {
	Path     map[string]interface{} `json:"path,omitempty"`
	Query    map[string]interface{} `json:"query,omitempty"`
	Header   map[string]interface{} `json:"header,omitempty"`
	Cookie   map[string]interface{} `json:"cookie,omitempty"`
	Body     json.RawMessage        `json:"body,omitempty"`
	BodyType string                 `json:"body_type,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p *Payload) MarshalJSON() ([]byte, error) {
	out := payloadJSON{
		Path:     plainMap(p.Path),
		Query:    plainMap(p.Query),
		Header:   plainMap(p.Header),
		Cookie:   plainMap(p.Cookie),
		BodyType: p.BodyType,
	}
	if p.Body != nil {
		encoded, err := json.Marshal(p.Body.AsInterface())
		if err != nil {
			return nil, err
		}
		out.Body = encoded
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	in := payloadJSON{}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var err error
	if p.Path, err = valueMap(in.Path); err != nil {
		return err
	}
	if p.Query, err = valueMap(in.Query); err != nil {
		return err
	}
	if p.Header, err = valueMap(in.Header); err != nil {
		return err
	}
	if p.Cookie, err = valueMap(in.Cookie); err != nil {
		return err
	}
	p.BodyType = in.BodyType
	p.Body = nil
	if len(in.Body) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(in.Body, &decoded); err != nil {
			return err
		}
		if p.Body, err = structpb.NewValue(decoded); err != nil {
			return err
		}
	}
	return nil
}

func plainMap(m map[string]*structpb.Value) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for name, value := range m {
		out[name] = value.AsInterface()
	}
	return out
}

func valueMap(m map[string]interface{}) (map[string]*structpb.Value, error) {
	out := make(map[string]*structpb.Value, len(m))
	for name, raw := range m {
		value, err := structpb.NewValue(raw)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

// FuzzResult is the durable reproducer for one finding: enough to build
// the exact same request again without the original document.
type FuzzResult struct {
	Path    string   `json:"path"`
	Method  string   `json:"method"`
	Payload *Payload `json:"payload"`
}

// Encode renders the result in its stored form.
func (r *FuzzResult) Encode() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// LoadResult reads a stored finding back from disk.
func LoadResult(path string) (*FuzzResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := &FuzzResult{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	if r.Payload == nil {
		r.Payload = &Payload{}
	}
	return r, nil
}

// Resend rebuilds the recorded request from the stored payload alone
// and reissues it against base, returning the resulting status code and
// response body.
func Resend(ctx context.Context, client Doer, base string, result *FuzzResult, headers map[string]string) (int, []byte, error) {
	req, err := BuildRequest(strings.TrimRight(base, "/"), result.Method, result.Path, result.Payload, headers)
	if err != nil {
		return 0, nil, err
	}
	req = req.WithContext(ctx)
	res, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, body, nil
}
