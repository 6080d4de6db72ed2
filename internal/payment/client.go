package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"app/internal/domain/model"

	"github.com/google/uuid"
)

var (
	ErrGatewayConfigMissing   = errors.New("payment gateway config missing")
	ErrGatewayResponseInvalid = errors.New("payment gateway response invalid")
)

// 連携モード。staticは固定リンク、dynamicはwebhook込みのフル連携。
type Mode string

const (
	ModeStatic  Mode = "static"
	ModeDynamic Mode = "dynamic"
)

type Config struct {
	APIKey     string
	Mode       Mode
	Endpoint   string // dynamicモードのプロバイダAPI
	WebhookURL string // dynamicモードで必須
	StaticLink string // staticモードで必須
	ReturnURL  string
	CancelURL  string

	// 開発時はloopbackのwebhook URLを許す
	Dev bool
}

type Init struct {
	Token      string `json:"token"`
	PaymentURL string `json:"payment_url"`
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 15 * time.Second},
		log:  log,
	}
}

// 決済セッションを開始してリダイレクト先を返す。
// ネットワークエラーはそのまま呼び出し元へ返す（注文を巻き戻すかは呼び出し元の判断）。
func (c *Client) InitPayment(ctx context.Context, o model.Order) (Init, error) {
	if err := c.validateConfig(); err != nil {
		return Init{}, err
	}

	if c.cfg.Mode == ModeStatic {
		return c.staticInit(o)
	}

	body := map[string]interface{}{
		"api_key":     c.cfg.APIKey,
		"amount":      o.TotalPrice,
		"note":        fmt.Sprintf("order #%d", o.ID),
		"payer_ref":   strconv.FormatInt(o.UserID, 10),
		"webhook_url": c.cfg.WebhookURL,
		"return_url":  withOrderID(c.cfg.ReturnURL, o.ID),
		"cancel_url":  withOrderID(c.cfg.CancelURL, o.ID),
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return Init{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return Init{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Init{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Init{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Init{}, fmt.Errorf("%w: status %d", ErrGatewayResponseInvalid, resp.StatusCode)
	}

	init, err := parseInitResponse(data)
	if err != nil {
		c.log.Error("unparseable gateway response", "order_id", o.ID, "body", string(data))
		return Init{}, err
	}
	return init, nil
}

func (c *Client) validateConfig() error {
	if c.cfg.APIKey == "" {
		return fmt.Errorf("%w: api key", ErrGatewayConfigMissing)
	}

	switch c.cfg.Mode {
	case ModeStatic:
		if c.cfg.StaticLink == "" {
			return fmt.Errorf("%w: static link", ErrGatewayConfigMissing)
		}
	case ModeDynamic:
		if c.cfg.Endpoint == "" {
			return fmt.Errorf("%w: endpoint", ErrGatewayConfigMissing)
		}
		if c.cfg.WebhookURL == "" {
			return fmt.Errorf("%w: webhook url", ErrGatewayConfigMissing)
		}
		// プロバイダから届かないURLを本番で登録しても静かに死ぬだけなので弾く
		if !c.cfg.Dev && isLoopback(c.cfg.WebhookURL) {
			return fmt.Errorf("%w: webhook url %q is not publicly reachable", ErrGatewayConfigMissing, c.cfg.WebhookURL)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrGatewayConfigMissing, c.cfg.Mode)
	}
	return nil
}

// 固定リンクにorder_id/amountを付けて返す。
// トークンはこちらで採番してwebhook/verifyの照合に使う。
func (c *Client) staticInit(o model.Order) (Init, error) {
	u, err := url.Parse(c.cfg.StaticLink)
	if err != nil {
		return Init{}, fmt.Errorf("%w: static link: %v", ErrGatewayConfigMissing, err)
	}

	token := uuid.NewString()

	q := u.Query()
	q.Set("order_id", strconv.FormatInt(o.ID, 10))
	q.Set("amount", strconv.FormatInt(o.TotalPrice, 10))
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return Init{Token: token, PaymentURL: u.String()}, nil
}

// プロバイダのレスポンスは歴史的に形が揺れているので、
// 既知の形を順に試してtokenとURLを拾う。
func parseInitResponse(raw []byte) (Init, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return Init{}, fmt.Errorf("%w: %v", ErrGatewayResponseInvalid, err)
	}

	init := Init{
		Token:      firstString(m, "token", "payment_token", "code"),
		PaymentURL: firstString(m, "payment_url", "paymentUrl", "url", "link"),
	}

	//ネストした data / result の中に入っている世代もある
	for _, key := range []string{"data", "result"} {
		if init.Token != "" || init.PaymentURL != "" {
			break
		}
		if nested, ok := m[key].(map[string]interface{}); ok {
			init.Token = firstString(nested, "token", "payment_token", "code")
			init.PaymentURL = firstString(nested, "payment_url", "paymentUrl", "url", "link")
		}
	}

	if init.Token == "" && init.PaymentURL == "" {
		return Init{}, fmt.Errorf("%w: no token or payment url", ErrGatewayResponseInvalid)
	}
	return init, nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func withOrderID(base string, orderID int64) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("order_id", strconv.FormatInt(orderID, 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func isLoopback(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
