package enrollment

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enroll(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/enroll-user", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestEnrollUserHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService()
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group(""))

	w := enroll(r, `{"user_id": 15}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var first map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, "15", first["user_id"])
	assert.NotEmpty(t, first["secret_key"])
	assert.NotEmpty(t, first["public_key"])

	w = enroll(r, `{"user_id": "15"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var second map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, "", second["secret_key"])
	assert.Equal(t, first["public_key"], second["public_key"])
	assert.Equal(t, EnrolledMessage, second["message"])
}

func TestEnrollUserHandler_Validation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService()
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group(""))

	assert.Equal(t, http.StatusBadRequest, enroll(r, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, enroll(r, `not json`).Code)
}
