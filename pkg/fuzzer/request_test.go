package fuzzer

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func requestBody(t *testing.T, payload *Payload) string {
	t.Helper()
	req, err := BuildRequest("http://api.example", "POST", "/pets", payload, nil)
	require.NoError(t, err)
	if req.Body == nil {
		return ""
	}
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	return string(body)
}

func TestBuildRequestEscapesPathValues(t *testing.T) {
	payload := &Payload{
		Path: map[string]*structpb.Value{"petId": structpb.NewStringValue("a/b c")},
	}
	req, err := BuildRequest("http://api.example", "GET", "/pets/{petId}", payload, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://api.example/pets/a%2Fb%20c", req.URL.String())
}

func TestBuildRequestEncodesQueryOnce(t *testing.T) {
	payload := &Payload{
		Query: map[string]*structpb.Value{"q": structpb.NewStringValue("a&b=c")},
	}
	req, err := BuildRequest("http://api.example", "GET", "/pets", payload, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://api.example/pets?q=a%26b%3Dc", req.URL.String())
	assert.Equal(t, "a&b=c", req.URL.Query().Get("q"))
}

func TestBuildRequestRendersScalars(t *testing.T) {
	payload := &Payload{
		Query: map[string]*structpb.Value{
			"flag":  structpb.NewBoolValue(true),
			"limit": structpb.NewNumberValue(42),
			"tags": structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
				structpb.NewStringValue("a"),
				structpb.NewNumberValue(7),
			}}),
		},
	}
	req, err := BuildRequest("http://api.example", "GET", "/pets", payload, nil)
	require.NoError(t, err)
	q := req.URL.Query()
	assert.Equal(t, "true", q.Get("flag"))
	assert.Equal(t, "42", q.Get("limit"))
	assert.Equal(t, "a,7", q.Get("tags"))
}

func TestBuildRequestFixedHeadersWin(t *testing.T) {
	payload := &Payload{
		Header: map[string]*structpb.Value{"x-api-key": structpb.NewStringValue("sampled")},
	}
	fixed := map[string]string{"x-api-key": "pinned"}
	req, err := BuildRequest("http://api.example", "GET", "/pets", payload, fixed)
	require.NoError(t, err)
	assert.Equal(t, "pinned", req.Header.Get("x-api-key"))
}

func TestBuildRequestCookies(t *testing.T) {
	payload := &Payload{
		Cookie: map[string]*structpb.Value{"session": structpb.NewStringValue("abc")},
	}
	req, err := BuildRequest("http://api.example", "GET", "/pets", payload, nil)
	require.NoError(t, err)
	cookie, err := req.Cookie("session")
	require.NoError(t, err)
	assert.Equal(t, "abc", cookie.Value)
}

func TestBuildRequestBody(t *testing.T) {
	body := structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"b": structpb.NewNumberValue(1),
		"a": structpb.NewStringValue("x"),
	}})

	payload := &Payload{Body: body}
	req, err := BuildRequest("http://api.example", "POST", "/pets", payload, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, `{"a":"x","b":1}`, requestBody(t, payload))

	payload = &Payload{Body: body, BodyType: "application/vnd.api+json"}
	req, err = BuildRequest("http://api.example", "POST", "/pets", payload, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.api+json", req.Header.Get("Content-Type"))
}

func TestBuildRequestNoBody(t *testing.T) {
	payload := &Payload{}
	req, err := BuildRequest("http://api.example", "GET", "/pets", payload, nil)
	require.NoError(t, err)
	assert.Nil(t, req.Body)
	assert.Empty(t, req.Header.Get("Content-Type"))
}

func TestBuildRequestNullBodyIsExplicit(t *testing.T) {
	payload := &Payload{Body: structpb.NewNullValue()}
	assert.Equal(t, "null", requestBody(t, payload))
}

func TestBuildRequestIsPure(t *testing.T) {
	payload := &Payload{
		Path:   map[string]*structpb.Value{"petId": structpb.NewStringValue("7 x")},
		Query:  map[string]*structpb.Value{"limit": structpb.NewNumberValue(3)},
		Header: map[string]*structpb.Value{"x-trace": structpb.NewStringValue("t")},
		Body: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"name": structpb.NewStringValue("rex"),
		}}),
	}

	first, err := BuildRequest("http://api.example", "PUT", "/pets/{petId}", payload, nil)
	require.NoError(t, err)
	second, err := BuildRequest("http://api.example", "PUT", "/pets/{petId}", payload, nil)
	require.NoError(t, err)

	assert.Equal(t, first.URL.String(), second.URL.String())
	assert.Equal(t, first.Header, second.Header)

	firstBody, err := io.ReadAll(first.Body)
	require.NoError(t, err)
	secondBody, err := io.ReadAll(second.Body)
	require.NoError(t, err)
	assert.Equal(t, firstBody, secondBody)
}
