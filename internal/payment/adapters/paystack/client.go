package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/payrail/internal/payment/adapters"
)

// Client calls the Paystack REST API with JSON bodies.
type Client struct {
	http *adapters.HTTPDoer
}

func NewClient(secretKey, baseURL string, timeout time.Duration) (*Client, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, adapters.ErrInvalidConfig
	}
	return &Client{
		http: adapters.NewHTTPDoer(baseURL, timeout, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+secretKey)
		}),
	}, nil
}

func (c *Client) Provider() string { return Provider }

type envelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
	Meta    struct {
		Page      int `json:"page"`
		PageCount int `json:"pageCount"`
	} `json:"meta"`
}

func (c *Client) CreateRefund(ctx context.Context, req adapters.RefundRequest) (adapters.RefundResult, error) {
	body := map[string]any{"transaction": req.Reference}
	if req.AmountCents > 0 {
		body["amount"] = req.AmountCents
	}
	if req.Reason != "" {
		body["merchant_note"] = req.Reason
	}
	var resp envelope[struct {
		ID     flexString `json:"id"`
		Status string     `json:"status"`
	}]
	if err := c.post(ctx, "/refund", body, &resp); err != nil {
		return adapters.RefundResult{}, err
	}
	return adapters.RefundResult{RefundID: string(resp.Data.ID), Status: resp.Data.Status}, nil
}

// GetBalance sums settled amounts for the window across settlement pages.
func (c *Client) GetBalance(ctx context.Context, q adapters.BalanceQuery) (adapters.Balance, error) {
	total := int64(0)
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("from", q.From.UTC().Format(time.RFC3339))
		params.Set("to", q.To.UTC().Format(time.RFC3339))
		params.Set("perPage", "100")
		params.Set("page", strconv.Itoa(page))
		var resp envelope[[]struct {
			TotalAmount int64  `json:"total_amount"`
			Currency    string `json:"currency"`
		}]
		if err := c.http.Do(ctx, http.MethodGet, "/settlement?"+params.Encode(), nil, "", nil, &resp); err != nil {
			return adapters.Balance{}, err
		}
		for _, settlement := range resp.Data {
			if q.Currency != "" && !strings.EqualFold(settlement.Currency, q.Currency) {
				continue
			}
			total += settlement.TotalAmount
		}
		if len(resp.Data) == 0 || page >= resp.Meta.PageCount {
			break
		}
	}
	return adapters.Balance{AmountCents: total, Currency: strings.ToUpper(q.Currency)}, nil
}

func (c *Client) CreateTransferRecipient(ctx context.Context, req adapters.RecipientRequest) (string, error) {
	body := map[string]any{
		"type":           "nuban",
		"name":           req.Name,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       strings.ToUpper(req.Currency),
		"metadata":       map[string]any{"creator_id": req.CreatorID},
	}
	var resp envelope[struct {
		RecipientCode string `json:"recipient_code"`
	}]
	if err := c.post(ctx, "/transferrecipient", body, &resp); err != nil {
		return "", err
	}
	if resp.Data.RecipientCode == "" {
		return "", fmt.Errorf("%w: empty recipient code", adapters.ErrUpstream)
	}
	return resp.Data.RecipientCode, nil
}

func (c *Client) InitiateTransfer(ctx context.Context, req adapters.TransferRequest) (adapters.TransferResult, error) {
	body := map[string]any{
		"source":    "balance",
		"amount":    req.AmountCents,
		"recipient": req.RecipientCode,
		"reference": req.Reference,
		"reason":    req.Reason,
		"currency":  strings.ToUpper(req.Currency),
	}
	var resp envelope[struct {
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
	}]
	if err := c.post(ctx, "/transfer", body, &resp); err != nil {
		return adapters.TransferResult{}, err
	}
	return adapters.TransferResult{TransferCode: resp.Data.TransferCode, Status: resp.Data.Status}, nil
}

// ChargeSubscription charges the authorization saved on the subscription.
func (c *Client) ChargeSubscription(ctx context.Context, req adapters.ChargeRequest) (adapters.ChargeResult, error) {
	var sub envelope[struct {
		Authorization struct {
			AuthorizationCode string `json:"authorization_code"`
		} `json:"authorization"`
		Customer paystackCustomer `json:"customer"`
	}]
	path := "/subscription/" + url.PathEscape(req.SubscriptionRef)
	if err := c.http.Do(ctx, http.MethodGet, path, nil, "", nil, &sub); err != nil {
		return adapters.ChargeResult{}, err
	}
	code := sub.Data.Authorization.AuthorizationCode
	if code == "" {
		return adapters.ChargeResult{}, fmt.Errorf("%w: subscription %s has no authorization", adapters.ErrRejected, req.SubscriptionRef)
	}
	email := req.SubscriberEmail
	if email == "" {
		email = sub.Data.Customer.Email
	}

	body := map[string]any{
		"authorization_code": code,
		"email":              email,
		"amount":             req.AmountCents,
		"currency":           strings.ToUpper(req.Currency),
		"reference":          req.IdempotencyKey,
		"metadata":           map[string]any{"subscription_ref": req.SubscriptionRef},
	}
	var resp envelope[struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	}]
	if err := c.post(ctx, "/transaction/charge_authorization", body, &resp); err != nil {
		return adapters.ChargeResult{}, err
	}
	return adapters.ChargeResult{Reference: resp.Data.Reference, Status: resp.Data.Status}, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.http.Do(ctx, http.MethodPost, path, bytes.NewReader(raw), "application/json", nil, out)
}
