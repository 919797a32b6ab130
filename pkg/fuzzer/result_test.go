package fuzzer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func sampleResult() *FuzzResult {
	return &FuzzResult{
		Path:   "/pets/{petId}",
		Method: "PUT",
		Payload: &Payload{
			Path:   map[string]*structpb.Value{"petId": structpb.NewStringValue("a b")},
			Query:  map[string]*structpb.Value{"dry": structpb.NewBoolValue(true)},
			Header: map[string]*structpb.Value{"x-trace": structpb.NewStringValue("t1")},
			Cookie: map[string]*structpb.Value{"session": structpb.NewStringValue("s1")},
			Body: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
				"name": structpb.NewStringValue("rex"),
				"age":  structpb.NewNumberValue(3),
				"tag":  structpb.NewNullValue(),
			}}),
			BodyType: "application/json",
		},
	}
}

func TestResultRoundTripRebuildsTheSameRequest(t *testing.T) {
	result := sampleResult()
	encoded, err := result.Encode()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "PUT-pets-{petId}-0.json")
	require.NoError(t, os.WriteFile(path, encoded, 0660))

	loaded, err := LoadResult(path)
	require.NoError(t, err)

	want, err := BuildRequest("http://api.example", result.Method, result.Path, result.Payload, nil)
	require.NoError(t, err)
	got, err := BuildRequest("http://api.example", loaded.Method, loaded.Path, loaded.Payload, nil)
	require.NoError(t, err)

	assert.Equal(t, want.URL.String(), got.URL.String())
	assert.Equal(t, want.Header, got.Header)

	wantBody, err := io.ReadAll(want.Body)
	require.NoError(t, err)
	gotBody, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, wantBody, gotBody)
}

func TestResultReencodeIsLossless(t *testing.T) {
	result := sampleResult()
	encoded, err := result.Encode()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "finding.json")
	require.NoError(t, os.WriteFile(path, encoded, 0660))

	loaded, err := LoadResult(path)
	require.NoError(t, err)
	reencoded, err := loaded.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(encoded), string(reencoded))
}

func TestResultEncodeIsDeterministic(t *testing.T) {
	result := sampleResult()
	first, err := result.Encode()
	require.NoError(t, err)
	second, err := result.Encode()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResultBodyAbsenceSurvivesTheRoundTrip(t *testing.T) {
	noBody := &FuzzResult{Path: "/pets", Method: "DELETE", Payload: &Payload{}}
	encoded, err := noBody.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), `"body"`)

	nullBody := &FuzzResult{Path: "/pets", Method: "POST", Payload: &Payload{Body: structpb.NewNullValue()}}
	encoded, err = nullBody.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"body": null`)

	path := filepath.Join(t.TempDir(), "null.json")
	require.NoError(t, os.WriteFile(path, encoded, 0660))
	loaded, err := LoadResult(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.Payload.Body)
	_, isNull := loaded.Payload.Body.GetKind().(*structpb.Value_NullValue)
	assert.True(t, isNull)
}

func TestResendReplaysAgainstAnotherBase(t *testing.T) {
	var mu sync.Mutex
	var gotURI, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotURI = r.RequestURI
		gotBody = string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"message":"still broken"}`))
	}))
	defer srv.Close()

	result := sampleResult()
	want, err := BuildRequest(srv.URL, result.Method, result.Path, result.Payload, nil)
	require.NoError(t, err)
	wantBody, err := io.ReadAll(want.Body)
	require.NoError(t, err)

	client := &http.Client{}
	status, body, err := Resend(context.Background(), client, srv.URL+"/", result, map[string]string{"x-extra": "1"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusTeapot, status)
	assert.Equal(t, `{"message":"still broken"}`, string(body))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want.URL.RequestURI(), gotURI)
	assert.Equal(t, string(wantBody), gotBody)
}
