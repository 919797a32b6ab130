package fuzzer

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// BuildRequest renders one trial into a concrete HTTP request. It is a
// pure function of its inputs: all sampling happened earlier, so the
// same payload always yields the same request, which is what makes
// saved findings replayable.
//
// Path parameters substitute into the template escaped; query values
// are encoded once by url.Values. Caller-fixed headers win over sampled
// ones on collision.
func BuildRequest(baseURL string, method string, pathTemplate string, payload *Payload, fixed map[string]string) (*http.Request, error) {
	path := pathTemplate
	for _, name := range sortedValueKeys(payload.Path) {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(renderValue(payload.Path[name])))
	}

	query := url.Values{}
	for _, name := range sortedValueKeys(payload.Query) {
		query.Set(name, renderValue(payload.Query[name]))
	}

	target := baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	body := ""
	if payload.Body != nil {
		encoded, err := json.Marshal(payload.Body.AsInterface())
		if err != nil {
			return nil, err
		}
		body = string(encoded)
	}

	var req *http.Request
	var err error
	if payload.Body != nil {
		req, err = http.NewRequest(method, target, strings.NewReader(body))
	} else {
		req, err = http.NewRequest(method, target, nil)
	}
	if err != nil {
		return nil, err
	}

	if payload.Body != nil {
		contentType := payload.BodyType
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}
	for _, name := range sortedValueKeys(payload.Header) {
		req.Header.Set(name, renderValue(payload.Header[name]))
	}
	for _, name := range sortedValueKeys(payload.Cookie) {
		req.AddCookie(&http.Cookie{Name: name, Value: renderValue(payload.Cookie[name])})
	}

	fixedNames := make([]string, 0, len(fixed))
	for name := range fixed {
		fixedNames = append(fixedNames, name)
	}
	sort.Strings(fixedNames)
	for _, name := range fixedNames {
		req.Header.Set(name, fixed[name])
	}

	return req, nil
}

// renderValue flattens a sampled value into the string form used in
// paths, query strings and headers. Arrays join their rendered items
// with commas; objects fall back to their JSON encoding.
func renderValue(value *structpb.Value) string {
	switch value.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(value.GetBoolValue())
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(value.GetNumberValue(), 'f', -1, 64)
	case *structpb.Value_StringValue:
		return value.GetStringValue()
	case *structpb.Value_ListValue:
		parts := []string{}
		for _, item := range value.GetListValue().GetValues() {
			parts = append(parts, renderValue(item))
		}
		return strings.Join(parts, ",")
	case *structpb.Value_StructValue:
		encoded, err := json.Marshal(value.AsInterface())
		if err != nil {
			return ""
		}
		return string(encoded)
	default:
		return ""
	}
}

func sortedValueKeys(m map[string]*structpb.Value) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
