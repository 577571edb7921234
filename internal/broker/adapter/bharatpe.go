package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/numberbroker/internal/broker/app"
	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/provider"
)

const (
	bharatPeBaseURL = "https://payments-tesseract.bharatpe.in"
	bharatPePath    = "/api/v1/merchant/transactions"
	bharatPeSuccess = "SUCCESS"

	maxBankBodyBytes = 4 << 20
)

var errBankStatus = errors.New("bank returned non-2xx status")

var _ app.RechargeVerifier = (*BharatPeVerifier)(nil)

// BharatPeConfig holds configuration for BharatPeVerifier.
type BharatPeConfig struct {
	BaseURL    string // Empty uses the public endpoint
	MerchantID string
	Token      domain.SecretString
	HTTPClient *http.Client
	Clock      domain.Clock
	Logger     *slog.Logger
}

// BharatPeVerifier looks up UPI QR transfers in the merchant's BharatPe
// transaction list.
type BharatPeVerifier struct {
	endpoint   string
	merchantID string
	token      domain.SecretString
	client     *http.Client
	clock      domain.Clock
	logger     *slog.Logger
}

// NewBharatPeVerifier creates a BharatPeVerifier.
func NewBharatPeVerifier(cfg BharatPeConfig) *BharatPeVerifier {
	v := &BharatPeVerifier{
		endpoint:   bharatPeBaseURL + bharatPePath,
		merchantID: cfg.MerchantID,
		token:      cfg.Token,
		client:     cfg.HTTPClient,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
	if cfg.BaseURL != "" {
		v.endpoint = strings.TrimRight(cfg.BaseURL, "/") + bharatPePath
	}
	if v.client == nil {
		v.client = provider.NewHTTPClient(domain.DefaultVendorTimeout)
	}
	if v.clock == nil {
		v.clock = domain.RealClock{}
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

type bharatPeTransaction struct {
	BankReferenceNo string          `json:"bankReferenceNo"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
}

type bharatPeReply struct {
	Data struct {
		Transactions []bharatPeTransaction `json:"transactions"`
	} `json:"data"`
}

// Verify searches the last domain.RechargeLookback of QR payments for a
// successful transfer whose bank reference equals utr.
func (v *BharatPeVerifier) Verify(ctx context.Context, utr string) (decimal.Decimal, bool, error) {
	ctx, span := tracer.Start(ctx, "bharatpe.verify")
	defer span.End()
	span.SetAttributes(attribute.String("peer.service", "bharatpe"))

	reply, err := v.transactions(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return decimal.Zero, false, err
	}

	for _, t := range reply.Data.Transactions {
		if t.BankReferenceNo == utr && t.Status == bharatPeSuccess {
			if !t.Amount.IsPositive() {
				v.logger.WarnContext(ctx, "matched transfer has no positive amount", slog.String("amount", t.Amount.String()))
				return decimal.Zero, false, nil
			}
			return t.Amount, true, nil
		}
	}
	span.SetAttributes(attribute.Int("transactions", len(reply.Data.Transactions)))
	return decimal.Zero, false, nil
}

func (v *BharatPeVerifier) transactions(ctx context.Context) (bharatPeReply, error) {
	from, to := domain.Lookback(v.clock, domain.RechargeLookback)
	query := url.Values{}
	query.Set("module", "PAYMENT_QR")
	query.Set("merchantId", v.merchantID)
	query.Set("sDate", strconv.FormatInt(from.Unix(), 10))
	query.Set("eDate", strconv.FormatInt(to.Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return bharatPeReply{}, fmt.Errorf("bharatpe: build request: %w", err)
	}
	req.Header.Set("Token", v.token.Expose())
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return bharatPeReply{}, fmt.Errorf("bharatpe: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBankBodyBytes))
	if err != nil {
		return bharatPeReply{}, fmt.Errorf("bharatpe: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return bharatPeReply{}, fmt.Errorf("bharatpe: status %d: %w", resp.StatusCode, errBankStatus)
	}

	var reply bharatPeReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return bharatPeReply{}, fmt.Errorf("bharatpe: decode reply: %w", err)
	}
	return reply, nil
}
