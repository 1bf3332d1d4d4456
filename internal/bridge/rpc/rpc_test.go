package rpc

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe_DispatchesValidRequestAndReturnsOneResponse(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var out bytes.Buffer

	err := Serve(in, &out, func(req Request) Response {
		return ResultResponse(req.ID, "pong")
	})
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "pong", resp.Result)
	assert.Nil(t, resp.Error)
}

func TestServe_MalformedJSONYieldsParseError(t *testing.T) {
	in := strings.NewReader(`{not json` + "\n")
	var out bytes.Buffer

	err := Serve(in, &out, func(req Request) Response {
		t.Fatal("handler should not be called for malformed JSON")
		return Response{}
	})
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}

func TestServe_MissingMethodYieldsInvalidRequest(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1}` + "\n")
	var out bytes.Buffer

	err := Serve(in, &out, func(req Request) Response {
		t.Fatal("handler should not be called for invalid request")
		return Response{}
	})
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestServe_WrongJSONRPCVersionYieldsInvalidRequest(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"1.0","id":1,"method":"ping"}` + "\n")
	var out bytes.Buffer

	err := Serve(in, &out, func(req Request) Response {
		t.Fatal("handler should not be called")
		return Response{}
	})
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestServe_MultipleRequestsEachGetExactlyOneResponse(t *testing.T) {
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"a"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"b"}` + "\n",
	)
	var out bytes.Buffer

	err := Serve(in, &out, func(req Request) Response {
		return ResultResponse(req.ID, req.Method)
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
}

func TestServe_BlankLinesAreSkipped(t *testing.T) {
	in := strings.NewReader("\n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n\n")
	var out bytes.Buffer

	err := Serve(in, &out, func(req Request) Response {
		return ResultResponse(req.ID, "pong")
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
}

func TestNewError_NeverOmitsDetailWhenProvided(t *testing.T) {
	err := NewError(CodeServerError, "upstream unreachable", "dial tcp: connection refused")
	assert.Equal(t, CodeServerError, err.Code)
	data, ok := err.Data.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "dial tcp: connection refused", data["detail"])
}
