package common

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Code string

const (
	SUCCESS Code = "SUCCESS"
	FAIL    Code = "FAIL"
)

var BadRequestErr = fmt.Errorf("bad request")

func Response(ctx *gin.Context, status int, code Code, message interface{}, data interface{}) {
	ctx.JSON(status, gin.H{
		"Code":    code,
		"Message": message,
		"Data":    data,
	})
}

// ResponseError replies a FAIL envelope. The HTTP status stays 200 so that the
// challenge page can show the message.
func ResponseError(ctx *gin.Context, err error) {
	Response(ctx, http.StatusOK, FAIL, err.Error(), nil)
}

func ResponseBadRequestError(ctx *gin.Context) {
	Response(ctx, http.StatusBadRequest, FAIL, BadRequestErr.Error(), nil)
}

func ResponseSuccess(ctx *gin.Context, data interface{}) {
	Response(ctx, http.StatusOK, SUCCESS, nil, data)
}
