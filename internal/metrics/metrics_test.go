package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"secchat/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "expired", Outcome(models.ErrExpired))
	assert.Equal(t, "not-sender", Outcome(models.Reject(models.ReasonNotSender, "edit")))
	assert.Equal(t, "error", Outcome(errors.New("boom")))
}

func TestObserveOperation(t *testing.T) {
	before := testutil.ToFloat64(operationsTotal.WithLabelValues("edit", "expired"))
	ObserveOperation("edit", models.ErrExpired)
	assert.Equal(t, before+1, testutil.ToFloat64(operationsTotal.WithLabelValues("edit", "expired")))
}

func TestSubscriptionsGauge(t *testing.T) {
	IncSubscriptions("chats")
	IncSubscriptions("chats")
	DecSubscriptions("chats")
	assert.Equal(t, float64(1), testutil.ToFloat64(activeSubscriptions.WithLabelValues("chats")))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := Middleware(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/items/42", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /api/items/{id}", "418")))
}
