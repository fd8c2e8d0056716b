package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/payouts/model"
	"github.com/pkg/errors"
)

const defaultIdempotencyHeader = "Idempotency-Key"

type configurableAdapter struct {
	config     ProviderConfig
	httpClient *http.Client
	tokens     *tokenSource
}

func newConfigurableAdapter(config ProviderConfig, client *http.Client) Adapter {
	if client == nil {
		timeout := 30 * time.Second
		if config.TimeoutSeconds > 0 {
			timeout = time.Duration(config.TimeoutSeconds) * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	a := &configurableAdapter{
		config:     config,
		httpClient: client,
	}
	if strings.EqualFold(config.AuthType, "oauth") {
		a.tokens = newTokenSource(config, client)
	}
	return a
}

func (p *configurableAdapter) Name() string {
	return p.config.Name
}

// Send creates the transfer. Providers with a quote endpoint are quoted first,
// and providers with a confirm endpoint have the created transfer confirmed.
func (p *configurableAdapter) Send(ctx context.Context, payout *model.Payout) (*Result, error) {
	body := p.buildTransferBody(payout)

	if p.config.Endpoints.Quote != "" {
		quote, err := p.do(ctx, http.MethodPost, p.replacePlaceholders(p.config.Endpoints.Quote, payout), body, payout)
		if err != nil {
			return nil, errors.Wrap(err, "quote failed")
		}
		quoteID := stringValue(GetNestedValue(quote, p.config.ResponseMapping.QuoteField))
		if quoteID == "" {
			return nil, fmt.Errorf("quote response missing %s", p.config.ResponseMapping.QuoteField)
		}
		body[p.field("quote_id")] = quoteID
	}

	data, err := p.do(ctx, http.MethodPost, p.replacePlaceholders(p.config.Endpoints.Send, payout), body, payout)
	if err != nil {
		return nil, err
	}
	result := p.resultFrom(data)

	if p.config.Endpoints.Confirm == "" || result.Outcome != model.PayoutStatusSent || result.ProviderRef == "" {
		return result, nil
	}

	ref := result.ProviderRef
	confirmed := payout.Clone()
	confirmed.ProviderRef = &ref
	confirmData, err := p.do(ctx, http.MethodPost, p.replacePlaceholders(p.config.Endpoints.Confirm, confirmed), map[string]interface{}{
		p.field("provider_ref"): ref,
	}, payout)
	if err != nil {
		// the transfer exists at the provider; leave it to the status poll
		result.Error = fmt.Sprintf("confirm step failed: %v", err)
		return result, nil
	}
	confirmResult := p.resultFrom(confirmData)
	if confirmResult.ProviderRef == "" {
		confirmResult.ProviderRef = ref
	}
	return confirmResult, nil
}

func (p *configurableAdapter) CheckStatus(ctx context.Context, payout *model.Payout) (*Result, error) {
	if !payout.HasProviderRef() {
		return nil, ErrNoProviderRef
	}
	data, err := p.do(ctx, http.MethodGet, p.replacePlaceholders(p.config.Endpoints.Status, payout), nil, payout)
	if err != nil {
		return nil, err
	}
	result := p.resultFrom(data)
	if result.ProviderRef == "" {
		result.ProviderRef = payout.ProviderRefValue()
	}
	return result, nil
}

func (p *configurableAdapter) do(ctx context.Context, method, endpoint string, body map[string]interface{}, payout *model.Payout) (map[string]interface{}, error) {
	url := strings.TrimRight(p.config.BaseURL, "/") + endpoint

	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request body")
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	if err := p.addAuth(ctx, req); err != nil {
		return nil, err
	}
	if body != nil {
		contentType := p.config.RequestConfig.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}
	if method == http.MethodPost {
		header := p.config.RequestConfig.IdempotencyHeader
		if header == "" {
			header = defaultIdempotencyHeader
		}
		req.Header.Set(header, IdempotencyKey(payout))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	return p.parseResponse(resp)
}

// IdempotencyKey is stable for the life of a payout so retries and resends
// never create a second transfer.
func IdempotencyKey(payout *model.Payout) string {
	return payout.TransactionID
}

func (p *configurableAdapter) addAuth(ctx context.Context, req *http.Request) error {
	switch strings.ToLower(p.config.AuthType) {
	case "basic":
		auth := base64.StdEncoding.EncodeToString([]byte(p.config.APIKey + ":" + p.config.APISecret))
		req.Header.Set("Authorization", "Basic "+auth)
	case "header":
		header := p.config.AuthHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, p.config.APIKey)
	case "oauth":
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	default:
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	return nil
}

func (p *configurableAdapter) field(name string) string {
	if mapped, ok := p.config.RequestConfig.FieldMapping[name]; ok && mapped != "" {
		return mapped
	}
	return name
}

func (p *configurableAdapter) buildTransferBody(payout *model.Payout) map[string]interface{} {
	body := make(map[string]interface{})

	var amount interface{} = payout.Amount
	if p.config.RequestConfig.AmountFormat == AmountFormatMajor {
		amount = payout.AmountMajor()
	}

	reference := payout.ExternalRef
	if reference == "" {
		reference = payout.PayoutID
	}

	body[p.field("amount")] = amount
	body[p.field("currency")] = payout.Currency
	body[p.field("destination_phone")] = payout.DestinationPhone
	body[p.field("external_ref")] = reference
	body[p.field("transaction_id")] = payout.TransactionID
	return body
}

func (p *configurableAdapter) replacePlaceholders(endpoint string, payout *model.Payout) string {
	result := endpoint
	result = strings.ReplaceAll(result, "{provider_ref}", payout.ProviderRefValue())
	result = strings.ReplaceAll(result, "{external_ref}", payout.ExternalRef)
	result = strings.ReplaceAll(result, "{payout_id}", payout.PayoutID)
	result = strings.ReplaceAll(result, "{transaction_id}", payout.TransactionID)
	return result
}

func (p *configurableAdapter) parseResponse(resp *http.Response) (map[string]interface{}, error) {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	data := map[string]interface{}{}
	if len(bytes.TrimSpace(bodyBytes)) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(bodyBytes, &data); err != nil {
		return nil, errors.Wrap(err, "failed to parse response JSON")
	}
	data["status_code"] = resp.StatusCode
	return data, nil
}

// resultFrom maps a decoded provider response. A status the provider accepted
// but that we cannot classify is treated as still in flight.
func (p *configurableAdapter) resultFrom(data map[string]interface{}) *Result {
	mapping := p.config.ResponseMapping
	statusStr := stringValue(GetNestedValue(data, mapping.StatusField))

	outcome, ok := MapStatus(statusStr, mapping)
	if !ok {
		outcome = model.PayoutStatusSent
	}

	result := &Result{
		Outcome:     outcome,
		ProviderRef: stringValue(GetNestedValue(data, mapping.ReferenceField)),
		Payload:     data,
		Error:       stringValue(GetNestedValue(data, mapping.ErrorField)),
	}
	if mapping.RetryableField != "" {
		if retryable, ok := GetNestedValue(data, mapping.RetryableField).(bool); ok {
			result.Retryable = Bool(retryable)
		}
	}
	return result
}

func stringValue(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return fmt.Sprintf("%.0f", s)
	default:
		return fmt.Sprint(s)
	}
}
