package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medpractice/billing/internal/platform/auth"
)

type handlerFixture struct {
	*serviceFixture
	e *echo.Echo
}

func newHandlerFixture(t *testing.T, roles ...string) *handlerFixture {
	t.Helper()
	if len(roles) == 0 {
		roles = []string{"billing"}
	}
	f := newServiceFixture(t)
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(f.svc).RegisterRoutes(api)
	return &handlerFixture{serviceFixture: f, e: e}
}

func (f *handlerFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, "/api/v1"+path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func amountOf(t *testing.T, v any) string {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected money object, got %T", v)
	return m["amount"].(string)
}

func (f *handlerFixture) createPendingInvoice(t *testing.T) string {
	t.Helper()
	rec, body := f.do(t, http.MethodPost, "/invoices", `{
		"patient_id": "`+uuid.NewString()+`",
		"items": [
			{"description": "Office visit", "quantity": 1, "unit_price": {"amount": "100.00"}},
			{"description": "Lab panel", "quantity": 2, "unit_price": {"amount": "50.00"}}
		]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := body["id"].(string)

	rec, _ = f.do(t, http.MethodPost, "/invoices/"+id+"/discount", `{"percent": "10"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, body = f.do(t, http.MethodPost, "/invoices/"+id+"/finalize", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "PENDING", body["status"])
	require.Equal(t, "180.00", amountOf(t, body["total_amount"]))
	return id
}

func TestHandler_CreateInvoiceValidation(t *testing.T) {
	f := newHandlerFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/invoices", `{"patient_id": "not-a-uuid"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/invoices", `{"patient_id": "`+uuid.NewString()+`", "currency": "ZZZ"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/invoices", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_InvoiceNotFound(t *testing.T) {
	f := newHandlerFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/invoices/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/invoices/nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_RequiresBillingRole(t *testing.T) {
	f := newHandlerFixture(t, "nurse")
	rec, _ := f.do(t, http.MethodGet, "/invoices/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_PaymentFlow(t *testing.T) {
	f := newHandlerFixture(t)
	invoiceID := f.createPendingInvoice(t)

	rec, body := f.do(t, http.MethodPost, "/payments", `{
		"invoice_id": "`+invoiceID+`",
		"amount": {"amount": "50.00"},
		"method": "CREDIT_CARD",
		"card_last_four": "4242"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	payment := body["payment"].(map[string]any)
	invoice := body["invoice"].(map[string]any)
	assert.Equal(t, "COMPLETED", payment["status"])
	assert.Equal(t, "PARTIALLY_PAID", invoice["status"])
	assert.Equal(t, "130.00", amountOf(t, invoice["balance_due"]))

	rec, _ = f.do(t, http.MethodPost, "/payments", `{
		"invoice_id": "`+invoiceID+`",
		"amount": {"amount": "10.00", "currency": "EUR"},
		"method": "CASH"
	}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/payments/"+payment["id"].(string)+"/refund", `{"amount": {"amount": "50.00"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "REFUNDED", body["payment"].(map[string]any)["status"])

	rec, body = f.do(t, http.MethodGet, "/invoices/"+invoiceID+"/payments?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])
	assert.Equal(t, false, body["has_more"])
}

func TestHandler_DeferredPayment(t *testing.T) {
	f := newHandlerFixture(t)
	invoiceID := f.createPendingInvoice(t)

	rec, body := f.do(t, http.MethodPost, "/payments/deferred", `{
		"invoice_id": "`+invoiceID+`",
		"amount": {"amount": "180.00", "currency": "USD"},
		"method": "BANK_TRANSFER"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "PENDING", body["status"])
	paymentID := body["id"].(string)

	rec, _ = f.do(t, http.MethodPost, "/payments/"+paymentID+"/process", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body = f.do(t, http.MethodPost, "/payments/"+paymentID+"/complete", `{"transaction_id": "txn-77"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "PAID", body["invoice"].(map[string]any)["status"])

	rec, _ = f.do(t, http.MethodPost, "/payments/"+paymentID+"/fail", `{"reason": "chargeback"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_ClaimFlow(t *testing.T) {
	f := newHandlerFixture(t)
	invoiceID := f.createPendingInvoice(t)

	claimBody := `{"invoice_id": "` + invoiceID + `", "insurance_provider": "Acme Health", "policy_number": "POL-1"}`
	rec, body := f.do(t, http.MethodPost, "/claims", claimBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "SUBMITTED", body["status"])
	claimID := body["id"].(string)

	rec, _ = f.do(t, http.MethodPost, "/claims", claimBody)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/claims/"+claimID+"/adjudicate", `{"decision": "APPROVE"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/claims/"+claimID+"/adjudicate", `{
		"decision": "PARTIALLY_APPROVE",
		"allowed_amount": {"amount": "150.00"},
		"paid_amount": {"amount": "120.00"},
		"patient_responsibility": {"amount": "30.00"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	invoice := body["invoice"].(map[string]any)
	assert.Equal(t, "PARTIALLY_PAID", invoice["status"])
	assert.Equal(t, "120.00", amountOf(t, invoice["insurance_amount"]))

	// replaying the remittance applies nothing new
	rec, body = f.do(t, http.MethodPost, "/claims/"+claimID+"/insurance-payments", `{"amount": {"amount": "120.00"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "60.00", amountOf(t, body["balance_due"]))

	rec, body = f.do(t, http.MethodGet, "/invoices/"+invoiceID+"/claim", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, claimID, body["id"])

	rec, body = f.do(t, http.MethodPost, "/claims/"+claimID+"/appeal", `{"notes": "operative report attached"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "APPEALED", body["status"])
}

func TestHandler_DenyRequiresReason(t *testing.T) {
	f := newHandlerFixture(t)
	invoiceID := f.createPendingInvoice(t)
	_, body := f.do(t, http.MethodPost, "/claims", `{"invoice_id": "`+invoiceID+`", "insurance_provider": "Acme", "policy_number": "P"}`)
	claimID := body["id"].(string)

	rec, _ := f.do(t, http.MethodPost, "/claims/"+claimID+"/adjudicate", `{"decision": "DENY"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/claims/"+claimID+"/adjudicate", `{"decision": "DENY", "denial_code": "CO-50", "denial_reason": "not covered"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "DENIED", body["claim"].(map[string]any)["status"])

	// a denied claim carries no insurance money onto the invoice
	rec, _ = f.do(t, http.MethodPost, "/claims/"+claimID+"/insurance-payments", `{"amount": {"amount": "180.00"}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/invoices/"+invoiceID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "0.00", amountOf(t, body["paid_amount"]))
}
