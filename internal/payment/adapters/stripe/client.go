package stripe

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/payrail/internal/payment/adapters"
)

// Client calls the Stripe REST API with form encoded bodies.
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
			req.SetBasicAuth(secretKey, "")
		}),
	}, nil
}

func (c *Client) Provider() string { return Provider }

func (c *Client) CreateRefund(ctx context.Context, req adapters.RefundRequest) (adapters.RefundResult, error) {
	form := url.Values{}
	form.Set("charge", req.Reference)
	if req.AmountCents > 0 {
		form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	}
	if req.Reason != "" {
		form.Set("reason", req.Reason)
	}
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.post(ctx, "/v1/refunds", form, "", &resp); err != nil {
		return adapters.RefundResult{}, err
	}
	return adapters.RefundResult{RefundID: resp.ID, Status: resp.Status}, nil
}

// GetBalance sums the net of balance transactions created inside the window.
func (c *Client) GetBalance(ctx context.Context, q adapters.BalanceQuery) (adapters.Balance, error) {
	currency := strings.ToLower(q.Currency)
	total := int64(0)
	after := ""
	for {
		params := url.Values{}
		params.Set("limit", "100")
		params.Set("created[gte]", strconv.FormatInt(q.From.Unix(), 10))
		params.Set("created[lt]", strconv.FormatInt(q.To.Unix(), 10))
		if after != "" {
			params.Set("starting_after", after)
		}
		var page struct {
			Data []struct {
				ID       string `json:"id"`
				Net      int64  `json:"net"`
				Currency string `json:"currency"`
			} `json:"data"`
			HasMore bool `json:"has_more"`
		}
		if err := c.http.Do(ctx, http.MethodGet, "/v1/balance_transactions?"+params.Encode(), nil, "", nil, &page); err != nil {
			return adapters.Balance{}, err
		}
		for _, tx := range page.Data {
			if currency != "" && tx.Currency != currency {
				continue
			}
			total += tx.Net
		}
		if !page.HasMore || len(page.Data) == 0 {
			break
		}
		after = page.Data[len(page.Data)-1].ID
	}
	return adapters.Balance{AmountCents: total, Currency: strings.ToUpper(currency)}, nil
}

// CreateTransferRecipient is not needed on Stripe: connected account ids are
// used as transfer destinations directly.
func (c *Client) CreateTransferRecipient(ctx context.Context, req adapters.RecipientRequest) (string, error) {
	return "", adapters.ErrUnsupportedCall
}

func (c *Client) InitiateTransfer(ctx context.Context, req adapters.TransferRequest) (adapters.TransferResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("destination", req.RecipientCode)
	if req.Reference != "" {
		form.Set("transfer_group", req.Reference)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/v1/transfers", form, req.Reference, &resp); err != nil {
		return adapters.TransferResult{}, err
	}
	return adapters.TransferResult{TransferCode: resp.ID, Status: "pending"}, nil
}

func (c *Client) ChargeSubscription(ctx context.Context, req adapters.ChargeRequest) (adapters.ChargeResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("confirm", "true")
	form.Set("off_session", "true")
	form.Set("metadata[subscription_ref]", req.SubscriptionRef)
	if req.SubscriberEmail != "" {
		form.Set("receipt_email", req.SubscriberEmail)
	}
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.post(ctx, "/v1/payment_intents", form, req.IdempotencyKey, &resp); err != nil {
		return adapters.ChargeResult{}, err
	}
	return adapters.ChargeResult{Reference: resp.ID, Status: resp.Status}, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values, idempotencyKey string, out any) error {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	return c.http.Do(ctx, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", headers, out)
}
