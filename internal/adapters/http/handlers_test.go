package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pradumkr/StepLite/internal/app"
	"github.com/pradumkr/StepLite/internal/testutil"
)

const chainDefinition = `{
	"name": "chain", "version": "1.0.0", "startAt": "a",
	"states": {
		"a": {"type": "Task", "resource": "mock", "next": "b"},
		"b": {"type": "Success"}
	}
}`

func setupRouter(t *testing.T) (*gin.Engine, *testutil.MemStore) {
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := testutil.NewMemStore()
	clock := testutil.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	workflows := app.NewWorkflowService(store, clock, logger)
	executions := app.NewExecutionService(store, clock, logger, 24*time.Hour)
	handler := NewHandler(workflows, executions)

	router := gin.New()
	handler.Register(router.Group("/api/v1"))
	return router, store
}

func doRequest(router *gin.Engine, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRegisterAndGetWorkflow(t *testing.T) {
	router, _ := setupRouter(t)

	w := doRequest(router, http.MethodPost, "/api/v1/workflows", []byte(chainDefinition), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/workflows/chain", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var workflow struct {
		Name     string `json:"name"`
		Versions []struct {
			Version string `json:"version"`
		} `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &workflow))
	assert.Equal(t, "chain", workflow.Name)
	require.Len(t, workflow.Versions, 1)
	assert.Equal(t, "1.0.0", workflow.Versions[0].Version)
}

func TestRegisterWorkflowConflictAndValidation(t *testing.T) {
	router, _ := setupRouter(t)

	require.Equal(t, http.StatusCreated,
		doRequest(router, http.MethodPost, "/api/v1/workflows", []byte(chainDefinition), nil).Code)
	assert.Equal(t, http.StatusConflict,
		doRequest(router, http.MethodPost, "/api/v1/workflows", []byte(chainDefinition), nil).Code)

	bad := []byte(`{"name":"x","version":"1","startAt":"missing","states":{"a":{"type":"Success"}}}`)
	assert.Equal(t, http.StatusUnprocessableEntity,
		doRequest(router, http.MethodPost, "/api/v1/workflows", bad, nil).Code)

	assert.Equal(t, http.StatusBadRequest,
		doRequest(router, http.MethodPost, "/api/v1/workflows", nil, nil).Code)
}

func TestStartExecutionEndpoint(t *testing.T) {
	router, store := setupRouter(t)
	require.Equal(t, http.StatusCreated,
		doRequest(router, http.MethodPost, "/api/v1/workflows", []byte(chainDefinition), nil).Code)

	body := []byte(`{"workflowName": "chain", "input": {"orderId": "X"}}`)
	w := doRequest(router, http.MethodPost, "/api/v1/executions", body, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var view app.ExecutionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "RUNNING", view.Status)
	assert.Equal(t, "a", view.CurrentState)
	assert.Equal(t, 1, store.QueueSize())

	// Unknown workflow.
	w = doRequest(router, http.MethodPost, "/api/v1/executions", []byte(`{"workflowName":"ghost"}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Missing workflowName fails binding.
	w = doRequest(router, http.MethodPost, "/api/v1/executions", []byte(`{"input":{}}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartExecutionIdempotencyHeader(t *testing.T) {
	router, _ := setupRouter(t)
	require.Equal(t, http.StatusCreated,
		doRequest(router, http.MethodPost, "/api/v1/workflows", []byte(chainDefinition), nil).Code)

	body := []byte(`{"workflowName": "chain", "input": {"orderId": "X"}}`)
	headers := map[string]string{"Idempotency-Key": "k1"}

	first := doRequest(router, http.MethodPost, "/api/v1/executions", body, headers)
	require.Equal(t, http.StatusCreated, first.Code)
	var firstView app.ExecutionView
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstView))

	second := doRequest(router, http.MethodPost, "/api/v1/executions", body, headers)
	require.Equal(t, http.StatusOK, second.Code)
	var secondView app.ExecutionView
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondView))

	assert.Equal(t, firstView.ExecutionID, secondView.ExecutionID)
}

func TestGetCancelAndHistoryEndpoints(t *testing.T) {
	router, _ := setupRouter(t)
	require.Equal(t, http.StatusCreated,
		doRequest(router, http.MethodPost, "/api/v1/workflows", []byte(chainDefinition), nil).Code)

	w := doRequest(router, http.MethodPost, "/api/v1/executions", []byte(`{"workflowName":"chain"}`), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var view app.ExecutionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))

	w = doRequest(router, http.MethodGet, "/api/v1/executions/"+view.ExecutionID, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/executions/"+view.ExecutionID+"/history", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "EXECUTION_STARTED")

	w = doRequest(router, http.MethodGet, "/api/v1/executions/"+view.ExecutionID+"/steps", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/executions/"+view.ExecutionID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Cancelling again conflicts.
	w = doRequest(router, http.MethodPost, "/api/v1/executions/"+view.ExecutionID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/executions/exec-missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListExecutionsEndpoint(t *testing.T) {
	router, _ := setupRouter(t)
	require.Equal(t, http.StatusCreated,
		doRequest(router, http.MethodPost, "/api/v1/workflows", []byte(chainDefinition), nil).Code)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated,
			doRequest(router, http.MethodPost, "/api/v1/executions", []byte(`{"workflowName":"chain"}`), nil).Code)
	}

	w := doRequest(router, http.MethodGet, "/api/v1/executions?status=RUNNING", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Executions []app.ExecutionView `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Executions, 3)

	w = doRequest(router, http.MethodGet, "/api/v1/executions?status=COMPLETED", nil, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Executions)
}
