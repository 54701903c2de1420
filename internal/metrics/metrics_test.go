package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogOperationCountsByStatus(t *testing.T) {
	t.Parallel()
	recorder := NewRecorder()

	recorder.LogOperation(context.Background(), credits.OperationLog{
		Operation:       credits.OperationConsume,
		TransactionType: credits.TransactionConsumption,
		Amount:          3,
		Status:          credits.OperationStatusOK,
	})
	recorder.LogOperation(context.Background(), credits.OperationLog{
		Operation:       credits.OperationConsume,
		TransactionType: credits.TransactionConsumption,
		Amount:          5,
		Status:          credits.OperationStatusError,
		Error:           credits.ErrInsufficientCredits,
	})
	recorder.LogOperation(context.Background(), credits.OperationLog{
		Operation:       credits.OperationGrantForOrder,
		TransactionType: credits.TransactionOrderPayment,
		Amount:          100,
		Status:          credits.OperationStatusOK,
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(recorder.operationsTotal.WithLabelValues(credits.OperationConsume, credits.OperationStatusOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(recorder.operationsTotal.WithLabelValues(credits.OperationConsume, credits.OperationStatusError)))
	assert.Equal(t, float64(3), testutil.ToFloat64(recorder.creditsTotal.WithLabelValues("consumption")))
	assert.Equal(t, float64(100), testutil.ToFloat64(recorder.creditsTotal.WithLabelValues("order_pay")))
}

func TestSkippedGrantMovesNoCredits(t *testing.T) {
	t.Parallel()
	recorder := NewRecorder()
	recorder.LogOperation(context.Background(), credits.OperationLog{
		Operation:       credits.OperationNewUserBonus,
		TransactionType: credits.TransactionNewUserBonus,
		Amount:          credits.NewUserBonusCredits,
		Status:          credits.OperationStatusSkipped,
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(recorder.operationsTotal.WithLabelValues(credits.OperationNewUserBonus, credits.OperationStatusSkipped)))
	assert.Equal(t, 0, testutil.CollectAndCount(recorder.creditsTotal))
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	recorder := NewRecorder()
	recorder.RecordHTTPRequest("POST", "/api/ping", "200", 0.01)
	recorder.RecordHTTPRequest("POST", "/api/ping", "200", 0.02)
	recorder.RecordHTTPRequest("POST", "/api/ping", "402", 0.01)

	assert.Equal(t, float64(2), testutil.ToFloat64(recorder.httpRequestsTotal.WithLabelValues("POST", "/api/ping", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(recorder.httpRequestsTotal.WithLabelValues("POST", "/api/ping", "402")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()
	recorder := NewRecorder()
	recorder.LogOperation(context.Background(), credits.OperationLog{
		Operation: credits.OperationGrant,
		Status:    credits.OperationStatusError,
		Error:     errors.New("boom"),
	})

	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, response.Code)
	body := response.Body.String()
	assert.True(t, strings.Contains(body, `creditledger_operations_total{operation="grant",status="error"} 1`), body)
}
