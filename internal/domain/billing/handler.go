package billing

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	ierr "github.com/medpractice/billing/internal/errors"
	"github.com/medpractice/billing/internal/platform/auth"
	"github.com/medpractice/billing/internal/platform/validator"
	"github.com/medpractice/billing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))

	g.POST("/invoices", h.CreateInvoice)
	g.POST("/invoices/overdue", h.MarkOverdueInvoices)
	g.GET("/invoices/:id", h.GetInvoice)
	g.GET("/invoices/number/:number", h.GetInvoiceByNumber)
	g.GET("/patients/:patient_id/invoices", h.ListInvoicesByPatient)
	g.POST("/invoices/:id/items", h.AddInvoiceItem)
	g.DELETE("/invoices/:id/items/:item_id", h.RemoveInvoiceItem)
	g.POST("/invoices/:id/discount", h.ApplyDiscount)
	g.POST("/invoices/:id/tax", h.ApplyTax)
	g.POST("/invoices/:id/finalize", h.FinalizeInvoice)
	g.POST("/invoices/:id/cancel", h.CancelInvoice)
	g.POST("/invoices/:id/write-off", h.WriteOffInvoice)
	g.POST("/invoices/:id/overdue", h.MarkInvoiceOverdue)
	g.GET("/invoices/:id/payments", h.ListPaymentsByInvoice)
	g.GET("/invoices/:id/claim", h.GetClaimByInvoice)

	g.POST("/payments", h.RecordPayment)
	g.POST("/payments/deferred", h.InitiatePayment)
	g.GET("/payments/:id", h.GetPayment)
	g.POST("/payments/:id/process", h.ProcessPayment)
	g.POST("/payments/:id/complete", h.CompletePayment)
	g.POST("/payments/:id/fail", h.FailPayment)
	g.POST("/payments/:id/cancel", h.CancelPayment)
	g.POST("/payments/:id/refund", h.RefundPayment)

	g.POST("/claims", h.SubmitClaim)
	g.GET("/claims/:id", h.GetClaim)
	g.GET("/patients/:patient_id/claims", h.ListClaimsByPatient)
	g.POST("/claims/:id/acknowledge", h.AcknowledgeClaim)
	g.POST("/claims/:id/review", h.MarkClaimInReview)
	g.POST("/claims/:id/request-info", h.RequestClaimInfo)
	g.POST("/claims/:id/adjudicate", h.AdjudicateClaim)
	g.POST("/claims/:id/appeal", h.AppealClaim)
	g.POST("/claims/:id/mark-paid", h.MarkClaimPaid)
	g.POST("/claims/:id/close", h.CloseClaim)
	g.POST("/claims/:id/patient-breakdown", h.RecordPatientBreakdown)
	g.POST("/claims/:id/insurance-payments", h.ApplyInsurancePayment)
}

// ===== Request DTOs =====

type MoneyRequest struct {
	Amount   string `json:"amount" validate:"required,numeric"`
	Currency string `json:"currency" validate:"omitempty,iso4217"`
}

type ItemRequest struct {
	Description   string       `json:"description" validate:"required,max=500"`
	ProcedureCode *string      `json:"procedure_code,omitempty" validate:"omitempty,max=20"`
	Quantity      int          `json:"quantity" validate:"gte=1"`
	UnitPrice     MoneyRequest `json:"unit_price"`
}

type CreateInvoiceRequest struct {
	PatientID     string        `json:"patient_id" validate:"required,uuid"`
	AppointmentID *string       `json:"appointment_id,omitempty" validate:"omitempty,uuid"`
	Currency      string        `json:"currency" validate:"omitempty,iso4217"`
	InvoiceDate   string        `json:"invoice_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate       string        `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Notes         *string       `json:"notes,omitempty"`
	Items         []ItemRequest `json:"items" validate:"dive"`
}

// DiscountRequest carries either a fixed amount or a percentage of the subtotal.
type DiscountRequest struct {
	Amount  *MoneyRequest `json:"amount,omitempty" validate:"required_without=Percent,excluded_with=Percent"`
	Percent *string       `json:"percent,omitempty" validate:"omitempty,numeric"`
}

type TaxRequest struct {
	Rate string `json:"rate" validate:"required,numeric"`
}

type AsOfRequest struct {
	AsOf string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
}

type PaymentRequest struct {
	InvoiceID         string        `json:"invoice_id" validate:"required,uuid"`
	Amount            MoneyRequest  `json:"amount"`
	Method            PaymentMethod `json:"method" validate:"required"`
	TransactionID     string        `json:"transaction_id" validate:"max=100"`
	AuthorizationCode string        `json:"authorization_code" validate:"max=50"`
	CardLastFour      *string       `json:"card_last_four,omitempty" validate:"omitempty,len=4,numeric"`
	PaymentDate       string        `json:"payment_date" validate:"omitempty,datetime=2006-01-02"`
}

type CompletePaymentRequest struct {
	TransactionID     string `json:"transaction_id" validate:"max=100"`
	AuthorizationCode string `json:"authorization_code" validate:"max=50"`
}

type ReasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// AmountRequest carries a single amount, as for refunds and insurance remittances.
type AmountRequest struct {
	Amount MoneyRequest `json:"amount"`
}

type SubmitClaimRequest struct {
	InvoiceID         string        `json:"invoice_id" validate:"required,uuid"`
	ProviderID        *string       `json:"provider_id,omitempty" validate:"omitempty,uuid"`
	InsuranceProvider string        `json:"insurance_provider" validate:"required,max=200"`
	PolicyNumber      string        `json:"policy_number" validate:"required,max=100"`
	GroupNumber       *string       `json:"group_number,omitempty"`
	SubscriberName    *string       `json:"subscriber_name,omitempty"`
	SubscriberID      *string       `json:"subscriber_id,omitempty"`
	BilledAmount      *MoneyRequest `json:"billed_amount,omitempty"`
	ServiceDate       string        `json:"service_date" validate:"omitempty,datetime=2006-01-02"`
}

type NotesRequest struct {
	Notes string `json:"notes"`
}

type AdjudicateRequest struct {
	Decision              Decision      `json:"decision" validate:"required,oneof=APPROVE PARTIALLY_APPROVE DENY"`
	AllowedAmount         *MoneyRequest `json:"allowed_amount,omitempty" validate:"required_unless=Decision DENY"`
	PaidAmount            *MoneyRequest `json:"paid_amount,omitempty" validate:"required_unless=Decision DENY"`
	PatientResponsibility *MoneyRequest `json:"patient_responsibility,omitempty" validate:"required_unless=Decision DENY"`
	DenialCode            string        `json:"denial_code" validate:"required_if=Decision DENY"`
	DenialReason          string        `json:"denial_reason" validate:"required_if=Decision DENY"`
}

type MarkPaidRequest struct {
	EOBReference string `json:"eob_reference" validate:"required,max=100"`
}

type BreakdownRequest struct {
	Copay       MoneyRequest `json:"copay"`
	Deductible  MoneyRequest `json:"deductible"`
	Coinsurance MoneyRequest `json:"coinsurance"`
}

// ===== Helpers =====

func httpError(err error) error {
	if he, ok := err.(*echo.HTTPError); ok {
		return he
	}
	return echo.NewHTTPError(ierr.HTTPStatusFromErr(err), ierr.Hint(err))
}

func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := validator.ValidateRequest(req); err != nil {
		return httpError(err)
	}
	return nil
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func optionalUUID(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	return lo.ToPtr(uuid.MustParse(*s))
}

// parseDate returns the zero time for an empty string. Inputs are validated
// against dateLayout before they get here.
func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(dateLayout, s)
	return t
}

func (h *Handler) money(m MoneyRequest) (Money, error) {
	currency := m.Currency
	if currency == "" {
		currency = h.svc.opts.DefaultCurrency
	}
	return MoneyFromString(m.Amount, currency)
}

func (h *Handler) optionalMoney(m *MoneyRequest) (*Money, error) {
	if m == nil {
		return nil, nil
	}
	parsed, err := h.money(*m)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (h *Handler) paymentInput(req PaymentRequest) (PaymentInput, error) {
	amount, err := h.money(req.Amount)
	if err != nil {
		return PaymentInput{}, err
	}
	return PaymentInput{
		InvoiceID:         uuid.MustParse(req.InvoiceID),
		Amount:            amount,
		Method:            req.Method,
		TransactionID:     req.TransactionID,
		AuthorizationCode: req.AuthorizationCode,
		CardLastFour:      req.CardLastFour,
		PaymentDate:       parseDate(req.PaymentDate),
	}, nil
}

// ===== Invoice Handlers =====

func (h *Handler) CreateInvoice(c echo.Context) error {
	var req CreateInvoiceRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	items := make([]NewItemParams, 0, len(req.Items))
	for _, it := range req.Items {
		if it.UnitPrice.Currency == "" {
			it.UnitPrice.Currency = req.Currency
		}
		price, err := h.money(it.UnitPrice)
		if err != nil {
			return httpError(err)
		}
		items = append(items, NewItemParams{
			Description:   it.Description,
			ProcedureCode: it.ProcedureCode,
			Quantity:      it.Quantity,
			UnitPrice:     price,
		})
	}
	inv, err := h.svc.CreateInvoice(c.Request().Context(), CreateInvoiceInput{
		PatientID:     uuid.MustParse(req.PatientID),
		AppointmentID: optionalUUID(req.AppointmentID),
		Currency:      req.Currency,
		InvoiceDate:   parseDate(req.InvoiceDate),
		DueDate:       parseDate(req.DueDate),
		Notes:         req.Notes,
		Items:         items,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) GetInvoiceByNumber(c echo.Context) error {
	inv, err := h.svc.GetInvoiceByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ListInvoicesByPatient(c echo.Context) error {
	patientID, err := pathID(c, "patient_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListInvoicesByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) AddInvoiceItem(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req ItemRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	price, err := h.money(req.UnitPrice)
	if err != nil {
		return httpError(err)
	}
	inv, err := h.svc.AddInvoiceItem(c.Request().Context(), id, NewItemParams{
		Description:   req.Description,
		ProcedureCode: req.ProcedureCode,
		Quantity:      req.Quantity,
		UnitPrice:     price,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) RemoveInvoiceItem(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	itemID, err := pathID(c, "item_id")
	if err != nil {
		return err
	}
	inv, err := h.svc.RemoveInvoiceItem(c.Request().Context(), id, itemID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ApplyDiscount(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req DiscountRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	var inv *Invoice
	if req.Percent != nil {
		inv, err = h.svc.ApplyPercentageDiscount(c.Request().Context(), id, decimal.RequireFromString(*req.Percent))
	} else {
		amount, merr := h.money(*req.Amount)
		if merr != nil {
			return httpError(merr)
		}
		inv, err = h.svc.ApplyDiscount(c.Request().Context(), id, amount)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ApplyTax(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req TaxRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	inv, err := h.svc.ApplyTax(c.Request().Context(), id, decimal.RequireFromString(req.Rate))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) invoiceCommand(c echo.Context, cmd func(id uuid.UUID) (*Invoice, error)) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	inv, err := cmd(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) FinalizeInvoice(c echo.Context) error {
	return h.invoiceCommand(c, func(id uuid.UUID) (*Invoice, error) {
		return h.svc.FinalizeInvoice(c.Request().Context(), id)
	})
}

func (h *Handler) CancelInvoice(c echo.Context) error {
	return h.invoiceCommand(c, func(id uuid.UUID) (*Invoice, error) {
		return h.svc.CancelInvoice(c.Request().Context(), id)
	})
}

func (h *Handler) WriteOffInvoice(c echo.Context) error {
	return h.invoiceCommand(c, func(id uuid.UUID) (*Invoice, error) {
		return h.svc.WriteOffInvoice(c.Request().Context(), id)
	})
}

func asOf(req AsOfRequest) time.Time {
	if req.AsOf == "" {
		return timeNow()
	}
	return parseDate(req.AsOf)
}

func (h *Handler) MarkInvoiceOverdue(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req AsOfRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	inv, changed, err := h.svc.MarkInvoiceOverdue(c.Request().Context(), id, asOf(req))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"invoice": inv, "changed": changed})
}

func (h *Handler) MarkOverdueInvoices(c echo.Context) error {
	var req AsOfRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	n, err := h.svc.MarkOverdueInvoices(c.Request().Context(), asOf(req))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"marked": n})
}

// ===== Payment Handlers =====

func (h *Handler) RecordPayment(c echo.Context) error {
	var req PaymentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	in, err := h.paymentInput(req)
	if err != nil {
		return httpError(err)
	}
	res, err := h.svc.RecordPayment(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) InitiatePayment(c echo.Context) error {
	var req PaymentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	in, err := h.paymentInput(req)
	if err != nil {
		return httpError(err)
	}
	p, err := h.svc.InitiatePayment(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPayment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPaymentsByInvoice(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPaymentsByInvoice(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ProcessPayment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.ProcessPayment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CompletePayment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req CompletePaymentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.CompletePayment(c.Request().Context(), id, req.TransactionID, req.AuthorizationCode)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) FailPayment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req ReasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p, err := h.svc.FailPayment(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CancelPayment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.CancelPayment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RefundPayment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req AmountRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	amount, err := h.money(req.Amount)
	if err != nil {
		return httpError(err)
	}
	res, err := h.svc.RefundPayment(c.Request().Context(), id, amount)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// ===== Claim Handlers =====

func (h *Handler) SubmitClaim(c echo.Context) error {
	var req SubmitClaimRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	billed, err := h.optionalMoney(req.BilledAmount)
	if err != nil {
		return httpError(err)
	}
	claim, err := h.svc.SubmitClaim(c.Request().Context(), SubmitClaimInput{
		InvoiceID:         uuid.MustParse(req.InvoiceID),
		ProviderID:        optionalUUID(req.ProviderID),
		InsuranceProvider: req.InsuranceProvider,
		PolicyNumber:      req.PolicyNumber,
		GroupNumber:       req.GroupNumber,
		SubscriberName:    req.SubscriberName,
		SubscriberID:      req.SubscriberID,
		BilledAmount:      billed,
		ServiceDate:       parseDate(req.ServiceDate),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	claim, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) GetClaimByInvoice(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	claim, err := h.svc.GetClaimByInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) ListClaimsByPatient(c echo.Context) error {
	patientID, err := pathID(c, "patient_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListClaimsByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) claimCommand(c echo.Context, cmd func(id uuid.UUID) (*Claim, error)) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	claim, err := cmd(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) AcknowledgeClaim(c echo.Context) error {
	return h.claimCommand(c, func(id uuid.UUID) (*Claim, error) {
		return h.svc.AcknowledgeClaim(c.Request().Context(), id)
	})
}

func (h *Handler) MarkClaimInReview(c echo.Context) error {
	return h.claimCommand(c, func(id uuid.UUID) (*Claim, error) {
		return h.svc.MarkClaimInReview(c.Request().Context(), id)
	})
}

func (h *Handler) CloseClaim(c echo.Context) error {
	return h.claimCommand(c, func(id uuid.UUID) (*Claim, error) {
		return h.svc.CloseClaim(c.Request().Context(), id)
	})
}

func (h *Handler) RequestClaimInfo(c echo.Context) error {
	var req NotesRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return h.claimCommand(c, func(id uuid.UUID) (*Claim, error) {
		return h.svc.RequestClaimInfo(c.Request().Context(), id, req.Notes)
	})
}

func (h *Handler) AppealClaim(c echo.Context) error {
	var req NotesRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return h.claimCommand(c, func(id uuid.UUID) (*Claim, error) {
		return h.svc.AppealClaim(c.Request().Context(), id, req.Notes)
	})
}

func (h *Handler) MarkClaimPaid(c echo.Context) error {
	var req MarkPaidRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return h.claimCommand(c, func(id uuid.UUID) (*Claim, error) {
		return h.svc.MarkClaimPaid(c.Request().Context(), id, req.EOBReference)
	})
}

func (h *Handler) RecordPatientBreakdown(c echo.Context) error {
	var req BreakdownRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	amounts := make([]Money, 0, 3)
	for _, m := range []MoneyRequest{req.Copay, req.Deductible, req.Coinsurance} {
		parsed, err := h.money(m)
		if err != nil {
			return httpError(err)
		}
		amounts = append(amounts, parsed)
	}
	return h.claimCommand(c, func(id uuid.UUID) (*Claim, error) {
		return h.svc.RecordPatientBreakdown(c.Request().Context(), id, amounts[0], amounts[1], amounts[2])
	})
}

func (h *Handler) AdjudicateClaim(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req AdjudicateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	adj := Adjudication{
		Decision:     req.Decision,
		DenialCode:   req.DenialCode,
		DenialReason: req.DenialReason,
	}
	if req.Decision != DecisionDeny {
		for _, f := range []struct {
			src *MoneyRequest
			dst *Money
		}{
			{req.AllowedAmount, &adj.AllowedAmount},
			{req.PaidAmount, &adj.PaidAmount},
			{req.PatientResponsibility, &adj.PatientResponsibility},
		} {
			parsed, err := h.money(*f.src)
			if err != nil {
				return httpError(err)
			}
			*f.dst = parsed
		}
	}
	res, err := h.svc.AdjudicateClaim(c.Request().Context(), id, adj)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// ApplyInsurancePayment re-drives insurance money for a claim onto its
// invoice. With the ledger enabled only the unapplied remainder lands.
func (h *Handler) ApplyInsurancePayment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req AmountRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	amount, err := h.money(req.Amount)
	if err != nil {
		return httpError(err)
	}
	claim, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	inv, err := h.svc.ApplyInsurancePayment(c.Request().Context(), ApplyInsurancePayment{
		InvoiceID:     claim.InvoiceID(),
		Amount:        amount,
		SourceClaimID: claim.ID(),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}
