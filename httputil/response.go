package httputil

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

func readResponseBody(resp *http.Response) ([]byte, error) {
	respBody, err := io.ReadAll(resp.Body)
	if nil != err {
		return nil, fmt.Errorf("failed to read response body: %v", err)
	}

	return respBody, nil
}

func ReadResponseBody(resp *http.Response) ([]byte, error) {
	respBody, err := readResponseBody(resp)
	if nil != err {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("unexpected empty response body")
		}
	}

	return respBody, nil
}

func ReadOptionalResponseBody(resp *http.Response) ([]byte, error) {
	respBody, err := ReadResponseBody(resp)
	if nil != err && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return respBody, nil
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func IsAPIKeyInvalidResponse(b []byte) (bool, error) {
	var body errorEnvelope
	if err := json.Unmarshal(b, &body); nil != err {
		return false, fmt.Errorf("failed to decode error response body: %v", err)
	}

	return body.Error.Code == 400 && body.Error.Status == "INVALID_ARGUMENT", nil
}

func IsQuotaExceededResponse(b []byte) (bool, error) {
	var body errorEnvelope
	if err := json.Unmarshal(b, &body); nil != err {
		return false, fmt.Errorf("failed to decode error response body: %v", err)
	}

	return body.Error.Code == 403 && body.Error.Status == "PERMISSION_DENIED", nil
}
