package router

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"storefront/internal/apperr"
	"storefront/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// envelope 统一响应格式。
type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Data    any               `json:"data,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
	Debug   *debugInfo        `json:"debug,omitempty"`
}

// debugInfo 只在开发环境 + APP_DEBUG 时附带。
type debugInfo struct {
	ErrorType string `json:"error_type"`
	Detail    string `json:"detail"`
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, envelope{Success: true, Message: message, Data: data})
}

// fail 把错误映射为状态码 + 响应体。非业务错误只返回通用文案，细节进日志。
func (h *handler) fail(c *gin.Context, err error) {
	e := apperr.As(err)
	code := e.Code()

	body := envelope{Success: false, Message: e.Message, Errors: e.Fields}
	if e.Data != nil {
		body.Data = e.Data
	}
	if errors.Is(err, apperr.ErrGateway) {
		body.Data = gin.H{"retryable": e.Retryable}
	}

	log := logging.FromContext(c.Request.Context(), h.log)
	switch {
	case code >= http.StatusInternalServerError:
		log.Error("request failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	case errors.Is(err, apperr.ErrUnauthorized):
		log.Warn("unauthorized request", zap.String("reason", e.Message))
	}

	if h.debug {
		var cause error = e
		if e.Err != nil {
			cause = e.Err
		}
		body.Debug = &debugInfo{ErrorType: fmt.Sprintf("%s (%T)", e.Kind, cause), Detail: err.Error()}
	}
	c.AbortWithStatusJSON(code, body)
}

var registerTagName sync.Once

// useJSONFieldNames 让校验错误使用 json 字段名而不是 Go 字段名。
func useJSONFieldNames() {
	registerTagName.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
}

// bindError 把绑定/校验失败转成 422 字段错误。
func bindError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return apperr.Validation(map[string]string{"body": "Malformed JSON body"})
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fieldPath(fe.Namespace())] = fieldMessage(fe)
	}
	return apperr.Validation(fields)
}

// fieldPath checkoutRequest.items[0].quantity -> items.0.quantity
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	ns = strings.ReplaceAll(ns, "[", ".")
	return strings.ReplaceAll(ns, "]", "")
}

func fieldMessage(fe validator.FieldError) string {
	name := strings.ReplaceAll(fe.Field(), "_", " ")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("The %s field is required", name)
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("The %s must have at least %s entries", name, fe.Param())
		}
		return fmt.Sprintf("The %s must be at least %s", name, fe.Param())
	case "max":
		return fmt.Sprintf("The %s may not be greater than %s", name, fe.Param())
	case "oneof":
		return fmt.Sprintf("The selected %s is invalid", name)
	default:
		return fmt.Sprintf("The %s is invalid", name)
	}
}
