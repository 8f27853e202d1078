package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/Domenick1991/paysession/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var errInvalidBody = errors.New("invalid request body")

var registerOnce sync.Once

// registerJSONFieldNames makes validation errors report JSON field names.
func registerJSONFieldNames() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
}

type errorResponse struct {
	Success *bool    `json:"success,omitempty"`
	Error   string   `json:"error"`
	Fields  []string `json:"fields,omitempty"`
}

// writeError maps service and binding errors onto the HTTP error contract.
func writeError(c *gin.Context, err error) {
	var (
		validationErrs validator.ValidationErrors
		domainErr      *domain.ValidationError
		syntaxErr      *json.SyntaxError
		typeErr        *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &validationErrs):
		message := "Invalid request fields"
		fields := make([]string, 0, len(validationErrs))
		for _, fe := range validationErrs {
			fields = append(fields, fe.Field())
			if fe.Tag() == "required" {
				message = "Missing required fields"
			}
		}
		c.JSON(http.StatusBadRequest, errorResponse{Error: message, Fields: fields})
	case errors.As(err, &domainErr):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Missing required fields", Fields: domainErr.Fields})
	case errors.Is(err, errInvalidBody), errors.As(err, &syntaxErr), errors.As(err, &typeErr),
		errors.Is(err, io.ErrUnexpectedEOF):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
	case errors.Is(err, domain.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "Session not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, errorResponse{Error: "Session status does not allow this operation"})
	default:
		internalError(c, err.Error())
	}
}

func internalError(c *gin.Context, message string) {
	failed := false
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Success: &failed, Error: message})
}

func methodNotAllowed(c *gin.Context) {
	c.JSON(http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
}
