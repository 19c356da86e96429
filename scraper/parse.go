package scraper

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"dealwatch/models"
)

var (
	titleSelectors = []string{"#productTitle", "#title", "h1#title span", "meta[name='title']"}
	brandSelectors = []string{"#bylineInfo", "#brand", "tr.po-brand td.po-break-word"}
	priceSelectors = []string{
		"#corePrice_feature_div .a-price .a-offscreen",
		"#corePriceDisplay_desktop_feature_div .a-price .a-offscreen",
		"#dealprice_feature_div .a-price .a-offscreen",
		"#priceblock_dealprice",
		"#priceblock_ourprice",
		"#price_inside_buybox",
		"span.a-price span.a-offscreen",
	}
	listPriceSelectors = []string{
		"#corePriceDisplay_desktop_feature_div .basisPrice .a-offscreen",
		"#corePrice_feature_div .a-text-price .a-offscreen",
		"span.a-price.a-text-price span.a-offscreen",
		"#listPrice",
		"#priceblock_listprice",
	}

	ratingRegex  = regexp.MustCompile(`([0-9]+(?:[.,][0-9]+)?)\s*(?:out of|de|von|sur|su)\s*5`)
	digitsRegex  = regexp.MustCompile(`[0-9][0-9.,\s]*`)
	numericRegex = regexp.MustCompile(`[0-9]+(?:[.,][0-9]+|\s[0-9]{3}\b)*`)
)

// Robot-check signatures seen on challenge and captcha interstitials.
var captchaMarkers = []string{
	"/errors/validatecaptcha",
	"captchacharacters",
	"enter the characters you see below",
	"type the characters you see in this image",
	"sorry, we just need to make sure you're not a robot",
	"api-services-support@amazon.com",
	"g-recaptcha",
	"cf-challenge",
	"_incapsula_resource",
	"incapsula incident id",
}

// IsCaptcha reports whether the page body is an anti-bot challenge rather
// than a product page.
func IsCaptcha(html string) bool {
	lower := strings.ToLower(html)
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ParseProductPage extracts product data from a rendered or fetched product
// page. A captcha page yields ErrBlocked; a page without a title and price
// yields ErrParse.
func ParseProductPage(r io.Reader) (*models.ProductData, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", models.ErrTransient)
	}
	return ParseProductHTML(string(raw))
}

func ParseProductHTML(html string) (*models.ProductData, error) {
	if IsCaptcha(html) {
		return nil, models.ErrBlocked
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %v: %w", err, models.ErrParse)
	}

	data := &models.ProductData{
		Title: firstText(doc, titleSelectors),
		Brand: cleanBrand(firstText(doc, brandSelectors)),
	}

	var currency string
	for _, sel := range priceSelectors {
		if price, cur, ok := ParsePrice(doc.Find(sel).First().Text()); ok {
			data.Price = models.Float(price)
			currency = cur
			break
		}
	}
	if data.Price == nil {
		if price, cur, ok := dataAttributePrice(doc); ok {
			data.Price = models.Float(price)
			currency = cur
		}
	}

	ld := jsonLDProduct(doc)
	if ld != nil {
		if data.Title == "" {
			data.Title = ld.Name
		}
		if data.Brand == "" {
			data.Brand = ld.brandName()
		}
		if data.Price == nil {
			if price, cur, ok := ld.price(); ok {
				data.Price = models.Float(price)
				currency = cur
			}
		}
	}

	for _, sel := range listPriceSelectors {
		if lp, _, ok := ParsePrice(doc.Find(sel).First().Text()); ok {
			if data.Price == nil || lp > *data.Price {
				data.ListPrice = models.Float(lp)
			}
			break
		}
	}

	data.Currency = currency
	data.Rating = parseRating(doc)
	if data.Rating == 0 && ld != nil {
		data.Rating = ld.Aggregate.Rating.float()
	}
	data.ReviewCount = parseReviewCount(doc)
	if data.ReviewCount == 0 && ld != nil {
		data.ReviewCount = int(ld.Aggregate.Count.float())
	}
	data.Available = parseAvailability(doc, data.Price != nil)
	data.Prime = doc.Find("#prime-badge, i.a-icon-prime, #primeBadge, [data-feature-name='primeBadge'] i").Length() > 0

	if data.Title == "" && data.Price == nil {
		return nil, fmt.Errorf("no title or price on page: %w", models.ErrParse)
	}
	return data, nil
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		s := doc.Find(sel).First()
		text := strings.TrimSpace(s.Text())
		if text == "" {
			text = strings.TrimSpace(s.AttrOr("content", ""))
		}
		if text != "" {
			return strings.Join(strings.Fields(text), " ")
		}
	}
	return ""
}

func cleanBrand(s string) string {
	for _, prefix := range []string{"Visit the ", "Brand: ", "Marca: ", "Marke: "} {
		s = strings.TrimPrefix(s, prefix)
	}
	return strings.TrimSpace(strings.TrimSuffix(s, " Store"))
}

// dataAttributePrice reads the twister data-a-* attributes some layouts use
// instead of a visible price block.
func dataAttributePrice(doc *goquery.Document) (float64, string, bool) {
	var (
		price    float64
		currency string
		found    bool
	)
	doc.Find("[data-a-price-amount], [data-asin-price]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v := s.AttrOr("data-a-price-amount", s.AttrOr("data-asin-price", ""))
		p, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || p <= 0 {
			return true
		}
		price = p
		currency = s.AttrOr("data-a-price-currency", s.AttrOr("data-asin-currency-code", ""))
		found = true
		return false
	})
	return price, currency, found
}

func parseRating(doc *goquery.Document) float64 {
	for _, sel := range []string{"#acrPopover", "span[data-hook='rating-out-of-text']", "i.a-icon-star span.a-icon-alt"} {
		s := doc.Find(sel).First()
		text := s.AttrOr("title", "")
		if text == "" {
			text = s.Text()
		}
		if m := ratingRegex.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64); err == nil && v >= 0 && v <= 5 {
				return v
			}
		}
	}
	return 0
}

func parseReviewCount(doc *goquery.Document) int {
	text := doc.Find("#acrCustomerReviewText").First().Text()
	if text == "" {
		text = doc.Find("span[data-hook='total-review-count']").First().Text()
	}
	m := digitsRegex.FindString(text)
	if m == "" {
		return 0
	}
	var b strings.Builder
	for _, r := range m {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	n, err := strconv.Atoi(b.String())
	if err != nil {
		return 0
	}
	return n
}

func parseAvailability(doc *goquery.Document, hasPrice bool) bool {
	text := strings.ToLower(strings.TrimSpace(doc.Find("#availability").Text()))
	if text == "" {
		return hasPrice && doc.Find("#add-to-cart-button, #buy-now-button").Length() > 0
	}
	for _, marker := range []string{"currently unavailable", "out of stock", "no disponible", "nicht verfügbar", "indisponible"} {
		if strings.Contains(text, marker) {
			return false
		}
	}
	return true
}

type jsonLDOffer struct {
	Price         jsonNumber `json:"price"`
	PriceCurrency string     `json:"priceCurrency"`
}

type jsonLDRecord struct {
	Type   any             `json:"@type"`
	Name   string          `json:"name"`
	Brand  json.RawMessage `json:"brand"`
	Offers json.RawMessage `json:"offers"`

	Aggregate struct {
		Rating jsonNumber `json:"ratingValue"`
		Count  jsonNumber `json:"reviewCount"`
	} `json:"aggregateRating"`
}

func (r *jsonLDRecord) isProduct() bool {
	switch t := r.Type.(type) {
	case string:
		return t == "Product"
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s == "Product" {
				return true
			}
		}
	}
	return false
}

func (r *jsonLDRecord) brandName() string {
	if len(r.Brand) == 0 {
		return ""
	}
	var name string
	if json.Unmarshal(r.Brand, &name) == nil {
		return name
	}
	var obj struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(r.Brand, &obj) == nil {
		return obj.Name
	}
	return ""
}

func (r *jsonLDRecord) price() (float64, string, bool) {
	if len(r.Offers) == 0 {
		return 0, "", false
	}
	var offers []jsonLDOffer
	if json.Unmarshal(r.Offers, &offers) != nil {
		var single jsonLDOffer
		if json.Unmarshal(r.Offers, &single) != nil {
			return 0, "", false
		}
		offers = []jsonLDOffer{single}
	}
	for _, o := range offers {
		if p := o.Price.float(); p > 0 {
			return p, o.PriceCurrency, true
		}
	}
	return 0, "", false
}

// jsonNumber accepts both quoted and bare numbers.
type jsonNumber string

func (n *jsonNumber) UnmarshalJSON(b []byte) error {
	*n = jsonNumber(strings.Trim(string(b), `"`))
	return nil
}

func (n jsonNumber) float() float64 {
	v, err := strconv.ParseFloat(strings.Replace(strings.TrimSpace(string(n)), ",", ".", 1), 64)
	if err != nil || math.IsNaN(v) {
		return 0
	}
	return v
}

func jsonLDProduct(doc *goquery.Document) *jsonLDRecord {
	var found *jsonLDRecord
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		body := strings.TrimSpace(s.Text())
		var records []jsonLDRecord
		if json.Unmarshal([]byte(body), &records) != nil {
			var single jsonLDRecord
			if json.Unmarshal([]byte(body), &single) != nil {
				return true
			}
			records = []jsonLDRecord{single}
		}
		for i := range records {
			if records[i].isProduct() {
				found = &records[i]
				return false
			}
		}
		return true
	})
	return found
}

var currencySymbols = map[string]string{
	"$":   "USD",
	"US$": "USD",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "JPY",
	"R$":  "BRL",
	"C$":  "CAD",
	"CA$": "CAD",
	"₹":   "INR",
}

// ParsePrice parses a displayed price in either "1,299.99" or "1.299,99"
// notation and detects the currency from its symbol or ISO code.
func ParsePrice(text string) (float64, string, bool) {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\u00a0", " "))
	if text == "" {
		return 0, "", false
	}
	num := numericRegex.FindString(text)
	if num == "" {
		return 0, "", false
	}
	currency := detectCurrency(strings.Replace(text, num, " ", 1))

	num = strings.ReplaceAll(num, " ", "")
	lastDot := strings.LastIndex(num, ".")
	lastComma := strings.LastIndex(num, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			num = strings.ReplaceAll(num, ".", "")
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case lastComma >= 0:
		// A single comma followed by exactly three digits is a thousands separator.
		if strings.Count(num, ",") == 1 && len(num)-lastComma-1 != 3 {
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case lastDot >= 0:
		if strings.Count(num, ".") > 1 || len(num)-lastDot-1 == 3 && len(num) > 4 && currency == "EUR" {
			num = strings.ReplaceAll(num, ".", "")
		}
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) {
		return 0, "", false
	}
	return math.Round(v*100) / 100, currency, true
}

func detectCurrency(rest string) string {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return ""
	}
	for _, code := range []string{"USD", "EUR", "GBP", "JPY", "BRL", "CAD", "INR"} {
		if strings.Contains(strings.ToUpper(rest), code) {
			return code
		}
	}
	// Longest symbols first so "R$" does not match as "$".
	for _, sym := range []string{"CA$", "US$", "R$", "C$", "$", "€", "£", "¥", "₹"} {
		if strings.Contains(rest, sym) {
			return currencySymbols[sym]
		}
	}
	return ""
}
