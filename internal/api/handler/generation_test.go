package handler

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/lensgen_server/internal/testutil"
)

func TestGenerationHandler_Get(t *testing.T) {
	tc, cleanup := setupHandlers(t)
	defer cleanup()

	testutil.TestGeneration(t, tc.DB, 1, 2, testutil.WithTaskID("task_1"))
	router := tc.router(1)

	w := performRequest(router, "GET", "/generations/task_1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := parseBody(t, w)
	assert.Equal(t, "task_1", body["taskId"])
	assert.Equal(t, "pending", body["status"])
	assert.Len(t, body["outputImageUrls"], 2)
	assert.Equal(t, []interface{}{"unattempted", "unattempted"}, body["slotStates"])

	w = performRequest(router, "GET", "/generations/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = performRequest(tc.router(2), "GET", "/generations/task_1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "records are scoped to their owner")
}

func TestGenerationHandler_Slots(t *testing.T) {
	tc, cleanup := setupHandlers(t)
	defer cleanup()

	testutil.TestGeneration(t, tc.DB, 1, 2, testutil.WithTaskID("task_1"))
	router := tc.router(1)

	w := performRequest(router, "PUT", "/generations/task_1/slots/0", gin.H{
		"imageUrl":  "https://cdn/0.png",
		"modelType": "flux",
		"genMode":   "fast",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", parseBody(t, w)["status"])

	w = performRequest(router, "DELETE", "/generations/task_1/slots/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := parseBody(t, w)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, float64(1), body["totalImagesCount"])
	assert.Equal(t, []interface{}{"succeeded", "failed"}, body["slotStates"])
}

func TestGenerationHandler_SlotBadRequest(t *testing.T) {
	tc, cleanup := setupHandlers(t)
	defer cleanup()

	testutil.TestGeneration(t, tc.DB, 1, 2, testutil.WithTaskID("task_1"))
	router := tc.router(1)

	w := performRequest(router, "PUT", "/generations/task_1/slots/abc", gin.H{"imageUrl": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performRequest(router, "PUT", "/generations/task_1/slots/0", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performRequest(router, "DELETE", "/generations/task_1/slots/99", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerationHandler_Finalize(t *testing.T) {
	tc, cleanup := setupHandlers(t)
	defer cleanup()

	testutil.TestGeneration(t, tc.DB, 1, 3, testutil.WithTaskID("task_1"))
	router := tc.router(1)

	w := performRequest(router, "POST", "/generations/task_1/finalize", gin.H{"successCount": 0})
	assert.Equal(t, http.StatusOK, w.Code)
	body := parseBody(t, w)
	assert.Equal(t, "failed", body["status"])
	assert.NotEmpty(t, body["completedAt"])

	w = performRequest(router, "POST", "/generations/task_1/finalize", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performRequest(router, "POST", "/generations/missing/finalize", gin.H{"successCount": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
