package errors

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWritesJSONBodyAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTPBadRequest(rec, "bad input", nil)
	require.Equal(t, 400, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "bad input", body["error"])

	rec = httptest.NewRecorder()
	WriteHTTPNotFound(rec, "no such job", nil)
	require.Equal(t, 404, rec.Code)
}
