// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ledgerflow/internal/flow"
)

func TestClientFlowLifecycle(t *testing.T) {
	f := newFixture(t)
	c := NewClient(f.srv.URL+"/", token(t, ScopeWrite))
	ctx := context.Background()

	id, err := c.StartFlow(ctx, "echo", json.RawMessage(`{"value":"hi"}`))
	require.NoError(t, err)

	resp, err := c.GetFlow(ctx, id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, resp.Status)
	assert.JSONEq(t, `"hi"`, string(resp.Result))

	napID, err := c.StartFlow(ctx, "nap", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		flows, err := c.ListFlows(ctx, string(flow.StatusSuspended), "nap")
		return err == nil && len(flows) == 1 && flows[0].ID == napID
	}, waitFor, 10*time.Millisecond)

	err = c.Retry(ctx, napID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	require.NoError(t, c.Kill(ctx, napID, "operator"))
	resp, err = c.GetFlow(ctx, napID, 0)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusFailed, resp.Status)
}

func TestClientRetryHospitalized(t *testing.T) {
	f := newFixture(t)
	f.down.Store(true)
	c := NewClient(f.srv.URL, token(t, ScopeWrite))
	ctx := context.Background()

	id, err := c.StartFlow(ctx, "flaky", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		resp, err := c.GetFlow(ctx, id, 0)
		return err == nil && resp.Status == flow.StatusHospitalized
	}, waitFor, 10*time.Millisecond)

	f.down.Store(false)
	require.NoError(t, c.Retry(ctx, id))
	resp, err := c.GetFlow(ctx, id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusCompleted, resp.Status)
}

func TestClientErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := NewClient(f.srv.URL, "").ListFlows(ctx, "", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = NewClient(f.srv.URL, token(t, ScopeRead)).GetFlow(ctx, "missing", 0)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Message)
}

func TestClientRetriesIdempotentRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"flows":[]}`))
	}))
	defer srv.Close()

	flows, err := NewClient(srv.URL, "t").ListFlows(context.Background(), "", "")
	require.NoError(t, err)
	assert.Empty(t, flows)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryWrites(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"down"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "t").StartFlow(context.Background(), "echo", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "down", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "t", WithRetries(1)).ListFlows(context.Background(), "", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	assert.Zero(t, retryAfter(resp))
	resp.Header.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, retryAfter(resp))
	resp.Header.Set("Retry-After", "soon")
	assert.Zero(t, retryAfter(resp))
}
