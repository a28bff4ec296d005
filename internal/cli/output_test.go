package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"result": "success"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	cause := errors.New("status=409")
	err := formatter.Error(WrapExitError(ExitFailure, "SESSION_CONFLICT", "account is active elsewhere", cause))
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SESSION_CONFLICT", resp.Error.Code)
	assert.Equal(t, "account is active elsewhere", resp.Error.Message)
	assert.Equal(t, "status=409", resp.Error.Details)
}

func TestOutputFormatter_PlainErrorInJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error(errors.New(`unknown command "fly"`)))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ERROR", resp.Error.Code)
	assert.Equal(t, `unknown command "fly"`, resp.Error.Message)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success("local store reset"))
	assert.Equal(t, "local store reset\n", buf.String())
}

func TestOutputFormatter_TextSuccessUsesStringer(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(LogoutAllView{Subject: "jose", SessionsInvalidated: 2}))
	assert.Equal(t, "ended 2 session(s) of jose\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:    "text",
		Writer:    buf,
		ErrWriter: errBuf,
	}

	err := formatter.Error(WrapExitError(ExitUnavailable, "OFFLINE", "server unreachable", errors.New("dial tcp")))
	require.NoError(t, err)
	assert.Empty(t, buf.String(), "text errors go to the error writer")
	assert.Contains(t, errBuf.String(), "Error [OFFLINE]: server unreachable")
	assert.NotContains(t, errBuf.String(), "Details:")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	err := formatter.Error(WrapExitError(ExitUnavailable, "OFFLINE", "server unreachable", errors.New("dial tcp")))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [OFFLINE]")
	assert.Contains(t, buf.String(), "Details: dial tcp")
}

func TestExitError(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := WrapExitError(ExitCommandError, "STORE", "failed to open local store", cause)

	assert.Equal(t, "failed to open local store: disk I/O error", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	bare := NewExitError(ExitFailure, "NO_SESSION", "not logged in")
	assert.Equal(t, "not logged in", bare.Error())
	assert.Nil(t, bare.Unwrap())
}

func TestCLIResponse_JSON(t *testing.T) {
	resp := CLIResponse{Status: "ok", Data: map[string]int{"count": 3}}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","data":{"count":3}}`, string(data))
}
