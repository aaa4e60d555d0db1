package router

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tobyprime/VerificationBot/pkg/log"
	"github.com/tobyprime/VerificationBot/session"
	"github.com/tobyprime/VerificationBot/webserver/controller"
)

// New builds the HTTP handler. webhook is mounted at webhookPath/secret when it
// is not nil; requests with any other last segment get 404.
func New(engine *session.Engine, webhook http.Handler, webhookPath string, secret string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	api := r.Group("/api")
	api.Use(cors)
	{
		api.OPTIONS("verification", func(ctx *gin.Context) {})
		api.POST("verification", controller.PostVerification(engine))
		api.GET("verification/:UserID", controller.GetVerification(engine))
	}
	if webhook != nil {
		if secret == "" {
			log.Error("webhook is not mounted: empty secret")
		} else {
			r.POST(path.Join(webhookPath, ":Secret"), webhookAuth(secret), gin.WrapH(webhook))
		}
	}
	return r
}

func webhookAuth(secret string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if subtle.ConstantTimeCompare([]byte(ctx.Param("Secret")), []byte(secret)) != 1 {
			ctx.AbortWithStatus(http.StatusNotFound)
			return
		}
		ctx.Next()
	}
}

// the challenge page is served from another origin
func cors(ctx *gin.Context) {
	ctx.Header("Access-Control-Allow-Origin", "*")
	ctx.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	ctx.Header("Access-Control-Allow-Headers", "Content-Type")
	if ctx.Request.Method == http.MethodOptions {
		ctx.AbortWithStatus(http.StatusNoContent)
		return
	}
	ctx.Next()
}

// Run serves handler on address until ctx is done.
func Run(ctx context.Context, address string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening on %v", address)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
