package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Domenick1991/paysession/config"
	"github.com/Domenick1991/paysession/internal/domain"
	"github.com/Domenick1991/paysession/internal/service/payment"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

type PaymentHandler struct {
	service          payment.PaymentUseCase
	defaultReturnURL string
	defaultCancelURL string
}

type establishSessionRequest struct {
	UserID    string `json:"userId" binding:"required"`
	UserEmail string `json:"userEmail" binding:"required"`
	UserName  string `json:"userName" binding:"required"`
	UserPhone string `json:"userPhone"`
}

type prepareCheckoutRequest struct {
	SessionID string          `json:"sessionId" binding:"required"`
	OrderData json.RawMessage `json:"orderData" binding:"required"`
	ReturnURL string          `json:"returnUrl" binding:"omitempty,url"`
	CancelURL string          `json:"cancelUrl" binding:"omitempty,url"`
}

type verifyPaymentRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// callbackRequest accepts numbers or strings for the provider's loosely typed fields.
type callbackRequest struct {
	SessionID     flexString `json:"sessionId"`
	TransactionID flexString `json:"transactionId"`
	Status        flexString `json:"status"`
	Amount        flexString `json:"amount"`
	OrderID       flexString `json:"orderId"`
}

type establishSessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

type prepareCheckoutResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type verifyPaymentResponse struct {
	Success      bool                        `json:"success"`
	Confirmation *domain.PaymentConfirmation `json:"confirmation,omitempty"`
	Status       string                      `json:"status"`
	Message      string                      `json:"message,omitempty"`
}

func NewPaymentHandler(service payment.PaymentUseCase, cfg config.PaymentConfig) *PaymentHandler {
	registerJSONFieldNames()
	return &PaymentHandler{
		service:          service,
		defaultReturnURL: cfg.DefaultReturnURL,
		defaultCancelURL: cfg.DefaultCancelURL,
	}
}

func (h *PaymentHandler) Register(router *gin.RouterGroup) {
	establish := router.Group("/establish-session", CORS(http.MethodPost))
	establish.OPTIONS("", preflight)
	establish.POST("", h.establishSession)

	prepare := router.Group("/prepare-checkout", CORS(http.MethodPost))
	prepare.OPTIONS("", preflight)
	prepare.POST("", h.prepareCheckout)

	callback := router.Group("/callback", CORS(http.MethodGet, http.MethodPost))
	callback.OPTIONS("", preflight)
	callback.GET("", h.callback)
	callback.POST("", h.callback)

	verify := router.Group("/verify-payment", CORS(http.MethodPost))
	verify.OPTIONS("", preflight)
	verify.POST("", h.verifyPayment)
}

func (h *PaymentHandler) establishSession(c *gin.Context) {
	var req establishSessionRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}

	session, err := h.service.EstablishSession(c.Request.Context(), payment.EstablishSessionInput{
		UserID:    req.UserID,
		UserEmail: req.UserEmail,
		UserName:  req.UserName,
		UserPhone: req.UserPhone,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, establishSessionResponse{Success: true, SessionID: session.ID})
}

func (h *PaymentHandler) prepareCheckout(c *gin.Context) {
	var req prepareCheckoutRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}

	_, err := h.service.PrepareCheckout(c.Request.Context(), payment.PrepareCheckoutInput{
		SessionID: req.SessionID,
		OrderData: req.OrderData,
		ReturnURL: req.ReturnURL,
		CancelURL: req.CancelURL,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, prepareCheckoutResponse{Success: true, Message: "Checkout prepared successfully"})
}

// callback is hit by the buyer's browser on its way back from the provider,
// so once the session is known it always answers with a redirect. A callback
// the session cannot accept leaves it untouched and redirects to its current
// outcome.
func (h *PaymentHandler) callback(c *gin.Context) {
	req, err := parseCallback(c)
	if err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	result, err := h.service.HandleCallback(ctx, payment.CallbackInput{
		SessionID:     string(req.SessionID),
		TransactionID: string(req.TransactionID),
		Status:        string(req.Status),
		Amount:        string(req.Amount),
		OrderID:       string(req.OrderID),
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		current, getErr := h.service.VerifyPayment(ctx, string(req.SessionID))
		if getErr != nil {
			writeError(c, getErr)
			return
		}
		h.redirectToOutcome(c, current)
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	h.redirectToOutcome(c, result.Session)
}

// redirectToOutcome sends the browser to the return URL of a completed session
// and to the cancel URL otherwise, falling back to the configured defaults and
// finally to the site root.
func (h *PaymentHandler) redirectToOutcome(c *gin.Context, session *domain.Session) {
	status := string(session.Status)
	if pc := session.PaymentConfirmation; pc != nil && pc.Status != "" {
		status = pc.Status
	}

	target := session.CancelURL
	if target == "" {
		target = h.defaultCancelURL
	}
	if session.Status == domain.SessionStatusCompleted {
		target = session.ReturnURL
		if target == "" {
			target = h.defaultReturnURL
		}
	}
	if target == "" {
		target = "/"
	}

	location, err := redirectURL(target, session.ID, status)
	if err != nil {
		location, _ = redirectURL("/", session.ID, status)
	}
	c.Redirect(http.StatusFound, location)
}

func (h *PaymentHandler) verifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}

	session, err := h.service.VerifyPayment(c.Request.Context(), req.SessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Session not found"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	if session.PaymentConfirmation == nil {
		c.JSON(http.StatusOK, verifyPaymentResponse{
			Success: false,
			Status:  string(session.Status),
			Message: "Payment not yet confirmed",
		})
		return
	}

	c.JSON(http.StatusOK, verifyPaymentResponse{
		Success:      true,
		Confirmation: session.PaymentConfirmation,
		Status:       string(session.Status),
	})
}

// bindJSON decodes and validates the body. An empty body is validated as an
// empty request so the caller still learns which fields are required.
func bindJSON(c *gin.Context, obj any) error {
	err := c.ShouldBindJSON(obj)
	if errors.Is(err, io.EOF) {
		return binding.Validator.ValidateStruct(obj)
	}
	return err
}

func parseCallback(c *gin.Context) (*callbackRequest, error) {
	var req callbackRequest
	if c.Request.Method == http.MethodPost && strings.HasPrefix(c.ContentType(), binding.MIMEJSON) {
		if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return nil, errInvalidBody
		}
		return &req, nil
	}

	read := c.Query
	if c.Request.Method == http.MethodPost {
		read = func(key string) string {
			if v, ok := c.GetPostForm(key); ok {
				return v
			}
			return c.Query(key)
		}
	}
	req.SessionID = flexString(read("sessionId"))
	req.TransactionID = flexString(read("transactionId"))
	req.Status = flexString(read("status"))
	req.Amount = flexString(read("amount"))
	req.OrderID = flexString(read("orderId"))
	return &req, nil
}

// redirectURL appends sessionId and status to target, keeping its own query.
func redirectURL(target, sessionID, status string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid redirect url %q: %w", target, err)
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	q.Set("status", status)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
