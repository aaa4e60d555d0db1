package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/dnscache"
	"github.com/tobyprime/VerificationBot/bot"
	_ "github.com/tobyprime/VerificationBot/bot/command_handler"
	"github.com/tobyprime/VerificationBot/config"
	"github.com/tobyprime/VerificationBot/db"
	"github.com/tobyprime/VerificationBot/pkg/httpclient"
	"github.com/tobyprime/VerificationBot/pkg/log"
	"github.com/tobyprime/VerificationBot/service"
	"github.com/tobyprime/VerificationBot/session"
	"github.com/tobyprime/VerificationBot/validator"
	"github.com/tobyprime/VerificationBot/webserver/router"
	tb "gopkg.in/tucnak/telebot.v2"
)

func main() {
	// a missing .env is fine
	_ = godotenv.Load()
	conf := config.GetConfig()
	defer log.Close()

	if err := db.InitDB(conf.Config); err != nil {
		log.Fatal("db: %v", err)
	}
	defer db.Close()

	resolver := &dnscache.Resolver{}
	client, err := httpclient.New(httpclient.Options{
		Proxy:    conf.Proxy,
		Timeout:  30 * time.Second,
		Resolver: resolver,
	})
	if err != nil {
		log.Fatal("http client: %v", err)
	}

	var v session.Validator
	if conf.RecaptchaSecret != "" {
		v = validator.NewRecaptcha(conf.RecaptchaSecret, client)
	} else {
		v = validator.NewTurnstile(conf.TurnstileSecret, client)
	}

	var (
		poller  tb.Poller
		webhook http.Handler
	)
	if conf.UseWebhook() {
		wh := bot.NewWebhook(conf.WebhookPublicURL())
		poller, webhook = wh, wh
	}
	b, err := bot.New(conf.BotToken, poller, client)
	if err != nil {
		log.Fatal("bot: %v", err)
	}
	opt, err := conf.EngineOptions(b.Username())
	if err != nil {
		log.Fatal("config: %v", err)
	}
	groups, err := conf.GroupIDs()
	if err != nil {
		log.Fatal("config: %v", err)
	}
	engine := session.NewEngine(session.NewStore(), b.Actuator, v, opt).WithRecorder(service.OutcomeRecorder{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("bot @%v is running (webhook: %v)", b.Username(), conf.UseWebhook())
		b.Start(engine, groups)
	}()
	go func() {
		if err := router.Run(ctx, conf.Address, router.New(engine, webhook, conf.WebhookPath, conf.WebhookToken())); err != nil {
			log.Error("web server: %v", err)
			stop()
		}
	}()
	GoBackgrounds(ctx, resolver, time.Duration(conf.OutcomeRetention)*time.Hour)

	<-ctx.Done()
	log.Info("shutting down")
	b.Stop()
	wg.Wait()
	engine.Close()
}
