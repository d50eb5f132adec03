// Package swap obtains priced conversion routes from the external
// aggregation service, caches them briefly, and hands off unsigned swap
// transactions for execution.
package swap

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	solpay "github.com/solpay/gateway"
)

const defaultHTTPTimeout = 15 * time.Second

// HTTPAggregator talks to a Jupiter-style quote API over HTTP. The service
// is an opaque oracle: responses are validated and normalized here, at the
// boundary, and nothing optional crosses into the core un-checked.
type HTTPAggregator struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewHTTPAggregator creates an aggregator client for the given API base URL.
func NewHTTPAggregator(baseURL string, log *zap.Logger) *HTTPAggregator {
	return &HTTPAggregator{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		log:        log,
	}
}

type routeInfo struct {
	InAmount             string          `json:"inAmount"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	PriceImpactPct       interface{}     `json:"priceImpactPct"`
	RoutePlan            json.RawMessage `json:"routePlan"`
}

type quoteResponse struct {
	Data []routeInfo `json:"data"`
}

// ComputeRoutes fetches candidate routes for the requested pair and amount.
// Zero candidates, or a candidate missing a required amount field, is a
// route_not_found error.
func (a *HTTPAggregator) ComputeRoutes(ctx context.Context, req solpay.RouteRequest) ([]solpay.Route, error) {
	q := url.Values{}
	q.Set("inputMint", req.InputMint)
	q.Set("outputMint", req.OutputMint)
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))

	endpoint := a.baseURL + "/quote?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build quote request: %w", err)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("aggregator quote request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read aggregator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aggregator returned %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var decoded quoteResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode aggregator response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return nil, solpay.NewPaymentError(solpay.ErrCodeRouteNotFound,
			"aggregator returned no routes for pair",
			map[string]interface{}{"inputMint": req.InputMint, "outputMint": req.OutputMint})
	}

	routes := make([]solpay.Route, 0, len(decoded.Data))
	for _, info := range decoded.Data {
		route, err := normalizeRoute(req, info)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// normalizeRoute converts loosely-typed aggregator fields into the explicit
// Route structure. A missing required field is a route_not_found-class
// error, never a zero value passed downstream.
func normalizeRoute(req solpay.RouteRequest, info routeInfo) (solpay.Route, error) {
	inAmount, err := strconv.ParseUint(info.InAmount, 10, 64)
	if err != nil {
		return solpay.Route{}, solpay.NewPaymentError(solpay.ErrCodeRouteNotFound,
			"aggregator route missing input amount", map[string]interface{}{"inAmount": info.InAmount})
	}
	outAmount, err := strconv.ParseUint(info.OutAmount, 10, 64)
	if err != nil {
		return solpay.Route{}, solpay.NewPaymentError(solpay.ErrCodeRouteNotFound,
			"aggregator route missing output amount", map[string]interface{}{"outAmount": info.OutAmount})
	}

	// otherAmountThreshold is optional on some aggregator versions.
	threshold, _ := strconv.ParseUint(info.OtherAmountThreshold, 10, 64)

	return solpay.Route{
		InputMint:            req.InputMint,
		OutputMint:           req.OutputMint,
		InAmount:             inAmount,
		OutAmount:            outAmount,
		OtherAmountThreshold: threshold,
		PriceImpactPct:       parseImpact(info.PriceImpactPct),
		Plan:                 info.RoutePlan,
	}, nil
}

// parseImpact accepts the aggregator's price impact as either a JSON string
// or a number. The reported value is authoritative; the gateway does not
// re-derive it.
func parseImpact(v interface{}) decimal.Decimal {
	switch impact := v.(type) {
	case string:
		if d, err := decimal.NewFromString(impact); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(impact)
	case json.Number:
		if d, err := decimal.NewFromString(impact.String()); err == nil {
			return d
		}
	}
	return decimal.Zero
}

type swapRequest struct {
	Route         json.RawMessage `json:"route"`
	UserPublicKey string          `json:"userPublicKey"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

// BuildSwapTransaction asks the aggregator to assemble the unsigned swap
// transaction for the chosen route. The transaction is decoded and returned
// un-signed; signing belongs to the external signer.
func (a *HTTPAggregator) BuildSwapTransaction(ctx context.Context, route solpay.Route, payer solana.PublicKey) (*solana.Transaction, error) {
	payload, err := json.Marshal(swapRequest{
		Route:         route.Plan,
		UserPublicKey: payer.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode swap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build swap request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("aggregator swap request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read aggregator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aggregator returned %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var decoded swapResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode swap response: %w", err)
	}
	if decoded.SwapTransaction == "" {
		return nil, solpay.NewPaymentError(solpay.ErrCodeSwapExecutionFailed,
			"aggregator returned no swap transaction", nil)
	}

	raw, err := base64.StdEncoding.DecodeString(decoded.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("parse swap transaction: %w", err)
	}
	return tx, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
