package simulator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func do(t *testing.T, s *Server, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, Root+path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, Root+path, nil)
	}
	req.Header.Set("Authorization", "Bearer token")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func newServer() *Server {
	logger, _ := logtest.NewNullLogger()
	return New("token", logger)
}

func TestDuplicateAddressReportsEntryExists(t *testing.T) {
	s := newServer()

	code, _ := do(t, s, http.MethodPost, "/address", `{"name":"C2_192.0.2.1","subnet":"192.0.2.1/32"}`)
	assert.Equal(t, http.StatusOK, code)

	code, body := do(t, s, http.MethodPost, "/address", `{"name":"C2_192.0.2.1","subnet":"192.0.2.1/32"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, float64(codeEntryExists), body["error"])
}

func TestReferentialChecks(t *testing.T) {
	s := newServer()
	s.AddAddress("C2_192.0.2.1", "192.0.2.1/32")
	s.AddPolicy("1")

	code, body := do(t, s, http.MethodPost, "/addrgrp", `{"name":"G","member":[{"name":"C2_192.0.2.9"}]}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, float64(codeEntryNotFound), body["error"])

	code, _ = do(t, s, http.MethodPost, "/addrgrp", `{"name":"G","member":[{"name":"C2_192.0.2.1"}]}`)
	require.Equal(t, http.StatusOK, code)

	code, body = do(t, s, http.MethodDelete, "/address/C2_192.0.2.1", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, float64(codeEntryInUse), body["error"])

	code, _ = do(t, s, http.MethodPut, "/policy/1", `{"dstaddr":[{"name":"missing"}]}`)
	assert.Equal(t, http.StatusInternalServerError, code)

	code, _ = do(t, s, http.MethodPut, "/policy/1", `{"dstaddr":[{"name":"G"}]}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"G"}, s.Policy("1"))

	code, body = do(t, s, http.MethodDelete, "/addrgrp/G", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, float64(codeEntryInUse), body["error"])

	code, _ = do(t, s, http.MethodPut, "/policy/1", `{"dstaddr":[]}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, s, http.MethodDelete, "/addrgrp/G", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, s, http.MethodDelete, "/address/C2_192.0.2.1", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestUpdateGroupMembers(t *testing.T) {
	s := newServer()
	s.AddAddress("C2_192.0.2.1", "192.0.2.1/32")
	s.AddAddress("C2_192.0.2.2", "192.0.2.2/32")
	s.AddGroup("G", "C2_192.0.2.1")

	code, _ := do(t, s, http.MethodPut, "/addrgrp/missing", `{"member":[]}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := do(t, s, http.MethodPut, "/addrgrp/G", `{"member":[{"name":"C2_192.0.2.9"}]}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, float64(codeEntryNotFound), body["error"])

	code, _ = do(t, s, http.MethodPut, "/addrgrp/G", `{"member":[{"name":"C2_192.0.2.1"},{"name":"C2_192.0.2.2"}]}`)
	require.Equal(t, http.StatusOK, code)
	members, _ := s.Group("G")
	assert.Equal(t, []string{"C2_192.0.2.1", "C2_192.0.2.2"}, members)
}

func TestGetPolicyResults(t *testing.T) {
	s := newServer()
	s.AddPolicy("12", "all", "C2_2026_10_19_1")

	code, body := do(t, s, http.MethodGet, "/policy/12", "")
	require.Equal(t, http.StatusOK, code)

	results := body["results"].([]interface{})
	require.Len(t, results, 1)
	policy := results[0].(map[string]interface{})
	assert.Equal(t, float64(12), policy["policyid"])
	assert.Len(t, policy["dstaddr"], 2)

	code, _ = do(t, s, http.MethodGet, "/policy/13", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestFailOnAndRequestCounts(t *testing.T) {
	s := newServer()
	s.AddGroup("C2_2026_10_12_1")
	s.FailOn(http.MethodDelete, "/addrgrp/C2_2026_10_12", http.StatusInternalServerError)

	code, _ := do(t, s, http.MethodDelete, "/addrgrp/C2_2026_10_12_1", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	_, ok := s.Group("C2_2026_10_12_1")
	assert.True(t, ok)

	code, _ = do(t, s, http.MethodGet, "/addrgrp/C2_2026_10_12_1", "")
	assert.Equal(t, http.StatusOK, code)

	assert.Equal(t, 1, s.Requests(http.MethodDelete, "/addrgrp"))
	assert.Equal(t, 2, s.Requests("", "/addrgrp"))

	s.ClearFaults()
	code, _ = do(t, s, http.MethodDelete, "/addrgrp/C2_2026_10_12_1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, s.Groups())
}

func TestAuthRequired(t *testing.T) {
	s := newServer()

	req := httptest.NewRequest(http.MethodGet, Root+"/addrgrp", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
