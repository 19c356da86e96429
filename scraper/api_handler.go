package scraper

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"dealwatch/config"
	"dealwatch/identity"
	"dealwatch/models"
)

const (
	paapiService = "ProductAdvertisingAPI"
	paapiTarget  = "com.amazon.paapi5.v1.ProductAdvertisingAPIv1.GetItems"
)

var getItemsResources = []string{
	"ItemInfo.Title",
	"ItemInfo.ByLineInfo",
	"Offers.Listings.Price",
	"Offers.Listings.SavingBasis",
	"Offers.Listings.Availability.Type",
	"Offers.Listings.DeliveryInfo.IsPrimeEligible",
	"CustomerReviews.StarRating",
	"CustomerReviews.Count",
}

type getItemsRequest struct {
	ItemIds     []string `json:"ItemIds"`
	ItemIdType  string   `json:"ItemIdType"`
	PartnerTag  string   `json:"PartnerTag,omitempty"`
	PartnerType string   `json:"PartnerType"`
	Marketplace string   `json:"Marketplace"`
	Resources   []string `json:"Resources"`
}

// APIHandler is the batch API tier: up to BatchSize identifiers per call.
type APIHandler struct {
	cfg     config.APIConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *Breaker
	signer  *v4.Signer
	creds   aws.CredentialsProvider
}

func NewAPIHandler(cfg config.APIConfig, client *http.Client) *APIHandler {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	h := &APIHandler{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		breaker: NewBreaker(),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		h.signer = v4.NewSigner()
		h.creds = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	return h
}

func (h *APIHandler) Name() models.Strategy {
	return models.StrategyAPI
}

func (h *APIHandler) Breaker() BreakerState {
	return h.breaker.State()
}

func (h *APIHandler) Fetch(ctx context.Context, ids []string) map[string]models.FetchResult {
	results := make(map[string]models.FetchResult, len(ids))

	for start := 0; start < len(ids); start += h.cfg.BatchSize {
		end := min(start+h.cfg.BatchSize, len(ids))
		chunk := ids[start:end]

		if !h.breaker.Allow() {
			st := h.breaker.State()
			err := fmt.Errorf("api circuit open until %s (%s): %w", st.Until.Format(time.RFC3339), st.Reason, models.ErrRateLimited)
			failAll(results, ids[start:], models.StrategyAPI, err)
			break
		}
		if err := h.limiter.Wait(ctx); err != nil {
			failAll(results, ids[start:], models.StrategyAPI, fmt.Errorf("api rate limiter: %w", err))
			break
		}

		begin := time.Now()
		items, err := h.getItems(ctx, chunk)
		latency := time.Since(begin)
		if err != nil {
			log.WithError(err).WithField("chunk", len(chunk)).Warn("API batch failed")
			for _, id := range chunk {
				r := models.Failed(id, models.StrategyAPI, err)
				r.Latency = latency
				r.Attempts = 1
				results[id] = r
			}
			continue
		}

		for _, id := range chunk {
			data, ok := items[id]
			if !ok {
				r := models.Failed(id, models.StrategyAPI, fmt.Errorf("%s not returned by api: %w", id, models.ErrNotFound))
				r.Latency = latency
				r.Attempts = 1
				results[id] = r
				continue
			}
			results[id] = models.FetchResult{
				Identifier: id,
				Outcome:    models.OutcomeSuccess,
				Payload:    data,
				Strategy:   models.StrategyAPI,
				Latency:    latency,
				Attempts:   1,
			}
		}
	}
	return results
}

func (h *APIHandler) getItems(ctx context.Context, ids []string) (map[string]*models.ProductData, error) {
	body, err := json.Marshal(getItemsRequest{
		ItemIds:     ids,
		ItemIdType:  "ASIN",
		PartnerTag:  h.cfg.PartnerTag,
		PartnerType: "Associates",
		Marketplace: h.cfg.Marketplace,
		Resources:   getItemsResources,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build api request: %v: %w", err, models.ErrConfiguration)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Content-Encoding", "amz-1.0")
	req.Header.Set("X-Amz-Target", paapiTarget)
	if h.cfg.Host != "" {
		req.Host = h.cfg.Host
	}

	if h.signer != nil {
		if err := h.sign(ctx, req, body); err != nil {
			return nil, err
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classifyNetError("api", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read api response: %v: %w", err, models.ErrTransient)
	}

	if err := h.checkStatus(resp.StatusCode, payload); err != nil {
		return nil, err
	}
	return parseGetItems(payload)
}

func (h *APIHandler) sign(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := h.creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("api credentials: %v: %w", err, models.ErrConfiguration)
	}
	sum := sha256.Sum256(body)
	if err := h.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), paapiService, h.cfg.Region, time.Now()); err != nil {
		return fmt.Errorf("sign api request: %v: %w", err, models.ErrConfiguration)
	}
	return nil
}

// checkStatus trips the breaker on quota and credential failures so the rest
// of the cycle goes straight to the page tiers.
func (h *APIHandler) checkStatus(status int, payload []byte) error {
	code := gjson.GetBytes(payload, "Errors.0.Code").String()
	if code == "" {
		code = gjson.GetBytes(payload, "__type").String()
	}

	switch {
	case status == http.StatusTooManyRequests || code == "TooManyRequests":
		h.breaker.Trip(h.cfg.RateLimitCooldown, "rate limited")
		log.WithField("cooldown", h.cfg.RateLimitCooldown).Warn("API rate limited, suspending tier")
		return fmt.Errorf("api status %d %s: %w", status, code, models.ErrRateLimited)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		h.breaker.Trip(h.cfg.AuthCooldown, "credentials rejected")
		log.WithField("cooldown", h.cfg.AuthCooldown).Error("API credentials rejected, suspending tier")
		return fmt.Errorf("api status %d %s: %w", status, code, models.ErrBlocked)
	case status >= 500:
		return fmt.Errorf("api status %d: %w", status, models.ErrTransient)
	case status != http.StatusOK:
		return fmt.Errorf("api status %d %s: %w", status, code, models.ErrTransient)
	}
	return nil
}

func parseGetItems(payload []byte) (map[string]*models.ProductData, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("api response is not json: %w", models.ErrParse)
	}

	items := make(map[string]*models.ProductData)
	gjson.GetBytes(payload, "ItemsResult.Items").ForEach(func(_, item gjson.Result) bool {
		id, ok := identity.Normalize(item.Get("ASIN").String())
		if !ok {
			return true
		}

		listing := item.Get("Offers.Listings.0")
		data := &models.ProductData{
			Title:       item.Get("ItemInfo.Title.DisplayValue").String(),
			Brand:       item.Get("ItemInfo.ByLineInfo.Brand.DisplayValue").String(),
			Currency:    listing.Get("Price.Currency").String(),
			Rating:      item.Get("CustomerReviews.StarRating.Value").Float(),
			ReviewCount: int(item.Get("CustomerReviews.Count").Int()),
			Prime:       listing.Get("DeliveryInfo.IsPrimeEligible").Bool(),
		}
		if p := listing.Get("Price.Amount").Float(); p > 0 {
			data.Price = models.Float(p)
		}
		if lp := listing.Get("SavingBasis.Amount").Float(); lp > 0 {
			data.ListPrice = models.Float(lp)
		}
		data.Available = data.Price != nil && listing.Get("Availability.Type").String() != "OutOfStock"

		items[id] = data
		return true
	})
	return items, nil
}

func failAll(results map[string]models.FetchResult, ids []string, strategy models.Strategy, err error) {
	for _, id := range ids {
		results[id] = models.Failed(id, strategy, err)
	}
}

// classifyNetError maps transport errors onto the fetch error taxonomy.
func classifyNetError(tier string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%s request: %v: %w", tier, err, models.ErrTimeout)
	}
	return fmt.Errorf("%s request: %v: %w", tier, err, models.ErrTransient)
}
