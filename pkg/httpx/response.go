// Package httpx REST 接口的请求解析与响应写出
package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// ErrBadRequest 请求体无法解析或校验失败
var ErrBadRequest = errors.New("bad request")

// BindJSON 解析 JSON 请求体并按 binding 标签校验
func BindJSON(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil {
		return fmt.Errorf("%w: %s", ErrBadRequest, describe(err))
	}
	return nil
}

// StatusOf 错误到HTTP状态码
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteObject 以 JSON 写出响应，状态码由 err 决定
func WriteObject(c *gin.Context, obj interface{}, err error) {
	c.JSON(StatusOf(err), obj)
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
