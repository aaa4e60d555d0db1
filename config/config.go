package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	log2 "log"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stevenroose/gonfig"
	"github.com/tobyprime/VerificationBot/common"
	"github.com/tobyprime/VerificationBot/model"
	"github.com/tobyprime/VerificationBot/pkg/log"
	"github.com/tobyprime/VerificationBot/session"
)

type Params struct {
	Address              string `id:"address" short:"a" default:"0.0.0.0:8080" desc:"Listening address of the verification API and the webhook" validate:"required,hostname_port"`
	Config               string `id:"config" short:"c" default:"$HOME/.config/verificationbot" desc:"Configuration directory"`
	BotToken             string `id:"bot-token" desc:"Telegram bot token" validate:"required"`
	WebAppURL            string `id:"webapp-url" desc:"HTTPS URL of the challenge page" validate:"required,url,startswith=https://"`
	RecaptchaSecret      string `id:"recaptcha-secret" desc:"Google reCAPTCHA secret key"`
	TurnstileSecret      string `id:"turnstile-secret" desc:"Cloudflare Turnstile secret key"`
	Groups               string `id:"groups" desc:"Comma separated chat ids to protect. Empty means every chat the bot administers"`
	TestTime             int    `id:"test-time" default:"60" desc:"Seconds a new member has to pass the verification" validate:"min=1"`
	Mute                 bool   `id:"mute" default:"true" desc:"Mute new members until they pass the verification"`
	BanPolicy            string `id:"ban-policy" default:"none" desc:"Action on timeout: none, temporary or permanent" validate:"oneof=none temporary permanent"`
	BanTime              int    `id:"ban-time" default:"300" desc:"Seconds of a temporary ban" validate:"min=0"`
	Proxy                string `id:"proxy" desc:"Proxy for Telegram and the challenge backend (http, https or socks5)" validate:"omitempty,url"`
	ValidatorErrorPolicy string `id:"validator-error-policy" default:"fail-closed" desc:"What to do when the challenge backend is unreachable: fail-closed or fail-open" validate:"oneof=fail-closed fail-open"`
	CleanupDelay         int    `id:"cleanup-delay" default:"10" desc:"Seconds result notices stay visible" validate:"min=0"`
	WebhookURL           string `id:"webhook-url" desc:"Public base URL for the Telegram webhook. Empty means long polling" validate:"omitempty,url,startswith=https://"`
	WebhookPath          string `id:"webhook-path" default:"/webhook" desc:"Route on which Telegram sends updates" validate:"startswith=/"`
	WebhookSecret        string `id:"webhook-secret" desc:"Secret last path segment of the webhook. Empty derives one from the bot token" validate:"omitempty,alphanum,min=16"`
	OutcomeRetention     int    `id:"outcome-retention" default:"720" desc:"Hours verification outcomes are kept" validate:"min=1"`
	LogLevel             string `id:"log-level" default:"info" desc:"Optional values: trace, debug, info, warn or error"`
	LogFile              string `id:"log-file" desc:"The path of log file"`
	LogMaxDays           int64  `id:"log-max-days" default:"3" desc:"Maximum number of days to keep log files"`
	LogDisableColor      bool   `id:"log-disable-color"`
}

var params Params

func initFunc() {
	err := gonfig.Load(&params, gonfig.Conf{
		FileDisable:       true,
		FlagIgnoreUnknown: false,
		EnvPrefix:         "VB_",
	})
	if err != nil {
		if err.Error() != "unexpected word while parsing flags: '-test.v'" {
			log2.Fatal(err)
		}
	}
	params.Config, err = common.HomeExpand(params.Config)
	if err != nil {
		log2.Fatal(err)
	}
	params.LogFile, err = common.HomeExpand(params.LogFile)
	if err != nil {
		log2.Fatal(err)
	}
	if strings.Contains(params.Config, "$HOME") {
		if h, err := os.UserHomeDir(); err == nil {
			params.Config = strings.ReplaceAll(params.Config, "$HOME", h)
		}
	}
	params.Config = filepath.Clean(params.Config)
	if err := os.MkdirAll(params.Config, 0700); err != nil {
		log2.Fatal(err)
	}
	logWay := "console"
	if params.LogFile != "" {
		logWay = "file"
	}
	log.InitLog(logWay, params.LogFile, params.LogLevel, params.LogMaxDays, params.LogDisableColor)
	if err := params.Validate(); err != nil {
		log.Fatal("config: %v", err)
	}
}

var once sync.Once

func GetConfig() *Params {
	once.Do(initFunc)
	return &params
}

var validate = validator.New()

// Validate checks the parameters once at startup.
func (p *Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if (p.RecaptchaSecret == "") == (p.TurnstileSecret == "") {
		return fmt.Errorf("exactly one of recaptcha-secret and turnstile-secret must be set")
	}
	if _, err := p.GroupIDs(); err != nil {
		return err
	}
	policy, err := p.Ban()
	if err != nil {
		return err
	}
	if policy.Kind == model.BanTemporary && policy.EffectivelyPermanent() {
		log.Warn("config: ban-time %v is outside [%v, %v]; Telegram will treat the ban as permanent",
			policy.Duration, model.MinBanDuration, model.MaxBanDuration)
	}
	return nil
}

// GroupIDs parses the chat allow-list. An empty list allows every chat.
func (p *Params) GroupIDs() (map[int64]struct{}, error) {
	groups := make(map[int64]struct{})
	for _, f := range strings.Split(p.Groups, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid group id %q: %w", f, err)
		}
		groups[id] = struct{}{}
	}
	return groups, nil
}

func (p *Params) Ban() (model.BanPolicy, error) {
	return model.ParseBanPolicy(p.BanPolicy, time.Duration(p.BanTime)*time.Second)
}

func (p *Params) UseWebhook() bool {
	return p.WebhookURL != ""
}

// WebhookToken is the secret path segment Telegram posts updates to.
func (p *Params) WebhookToken() string {
	if p.WebhookSecret != "" {
		return p.WebhookSecret
	}
	sum := sha256.Sum256([]byte("webhook:" + p.BotToken))
	return hex.EncodeToString(sum[:16])
}

// WebhookRoute is the route of the webhook on our listener.
func (p *Params) WebhookRoute() string {
	return path.Join(p.WebhookPath, p.WebhookToken())
}

// WebhookPublicURL is the URL registered with Telegram.
func (p *Params) WebhookPublicURL() string {
	return strings.TrimSuffix(p.WebhookURL, "/") + p.WebhookRoute()
}

// EngineOptions converts the parameters into options of the verification engine.
func (p *Params) EngineOptions(botUsername string) (session.Options, error) {
	policy, err := p.Ban()
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Window:          time.Duration(p.TestTime) * time.Second,
		RestrictOnEntry: p.Mute,
		BanPolicy:       policy,
		CleanupDelay:    time.Duration(p.CleanupDelay) * time.Second,
		FailOpen:        p.ValidatorErrorPolicy == "fail-open",
		BotUsername:     botUsername,
		WebAppURL:       p.WebAppURL,
	}, nil
}
