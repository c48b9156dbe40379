package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/adlumen/popup-reward-service/pkg/models"
)

// Client calls the commerce platform's discount and customer APIs. It is
// deliberately narrow: the reward engine only ever issues codes and upserts
// customers, so that is all this client exposes.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:3000"
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
	}
}

// IssueCode creates a single-use discount code for one winning play.
func (c *Client) IssueCode(ctx context.Context, storeID, campaignID string, policy models.DiscountPolicy) (string, error) {
	payload := map[string]interface{}{
		"store_id":    storeID,
		"campaign_id": campaignID,
		"value_type":  policy.ValueType,
		"amount":      policy.Amount,
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/discounts", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	var data struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	_ = json.Unmarshal(respBody, &data)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("platform: %s", data.Error)
	}
	if data.Code == "" {
		return "", fmt.Errorf("platform: empty discount code in response")
	}
	return data.Code, nil
}

// UpsertCustomer creates or updates the store's customer record for an
// email and returns the platform's customer reference.
func (c *Client) UpsertCustomer(ctx context.Context, storeID, email, visitorID string) (string, error) {
	payload := map[string]interface{}{
		"store_id":   storeID,
		"email":      email,
		"visitor_id": visitorID,
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/customers/upsert", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	var data struct {
		CustomerRef string `json:"customer_ref"`
		Error       string `json:"error"`
	}
	_ = json.Unmarshal(respBody, &data)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("platform: %s", data.Error)
	}
	return data.CustomerRef, nil
}
