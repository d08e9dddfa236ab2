package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/qs3c/lensgen_server/internal/model/dto"
)

var ErrInsufficientQuota = errors.New("insufficient quota")

// APIError 服务端返回的错误
type APIError struct {
	Status    int
	Message   string
	Available int
	Required  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrInsufficientQuota && e.Status == http.StatusForbidden
}

// Reservation 预留结果
type Reservation struct {
	ID         string
	ImageCount int
	Available  int
}

// APIClient 访问 /api/v1 的 JSON 客户端
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPIClient(baseURL, token string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Reserve POST /quota/reserve
func (c *APIClient) Reserve(ctx context.Context, taskID string, imageCount int, taskType string) (*Reservation, error) {
	var resp dto.ReserveResponse
	err := c.do(ctx, http.MethodPost, "/quota/reserve", &dto.ReserveRequest{
		TaskID:     taskID,
		ImageCount: imageCount,
		TaskType:   taskType,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &Reservation{ID: resp.ReservationID, ImageCount: resp.ImageCount, Available: resp.Credits.Available}, nil
}

// Release DELETE /quota/reserve，id 与 taskID 二选一
func (c *APIClient) Release(ctx context.Context, id, taskID string) (int, error) {
	q := url.Values{}
	if id != "" {
		q.Set("id", id)
	}
	if taskID != "" {
		q.Set("taskId", taskID)
	}

	var resp dto.RefundResponse
	if err := c.do(ctx, http.MethodDelete, "/quota/reserve?"+q.Encode(), nil, &resp); err != nil {
		return 0, err
	}
	return resp.RefundedCount, nil
}

// PartialUpdate PUT /quota/reserve
func (c *APIClient) PartialUpdate(ctx context.Context, id, taskID string, actual int, refundCount *int) (int, error) {
	var resp dto.RefundResponse
	err := c.do(ctx, http.MethodPut, "/quota/reserve", &dto.PartialUpdateRequest{
		ReservationID:    id,
		TaskID:           taskID,
		ActualImageCount: &actual,
		RefundCount:      refundCount,
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.RefundedCount, nil
}

// Quota GET /quota
func (c *APIClient) Quota(ctx context.Context) (*QuotaSnapshot, error) {
	var resp dto.QuotaResponse
	if err := c.do(ctx, http.MethodGet, "/quota", nil, &resp); err != nil {
		return nil, err
	}
	return &QuotaSnapshot{
		TotalQuota:     resp.TotalQuota,
		UsedCount:      resp.UsedCount,
		RemainingQuota: resp.RemainingQuota,
	}, nil
}

// Generation GET /generations/:taskId
func (c *APIClient) Generation(ctx context.Context, taskID string) (*dto.GenerationResponse, error) {
	var resp dto.GenerationResponse
	if err := c.do(ctx, http.MethodGet, "/generations/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AppendSlot PUT /generations/:taskId/slots/:index
func (c *APIClient) AppendSlot(ctx context.Context, taskID string, index int, slot *dto.SlotRequest) (*dto.GenerationResponse, error) {
	var resp dto.GenerationResponse
	path := fmt.Sprintf("/generations/%s/slots/%d", url.PathEscape(taskID), index)
	if err := c.do(ctx, http.MethodPut, path, slot, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FailSlot DELETE /generations/:taskId/slots/:index
func (c *APIClient) FailSlot(ctx context.Context, taskID string, index int) (*dto.GenerationResponse, error) {
	var resp dto.GenerationResponse
	path := fmt.Sprintf("/generations/%s/slots/%d", url.PathEscape(taskID), index)
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Credits struct {
		Available int `json:"available"`
		Required  int `json:"required"`
	} `json:"credits"`
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e errorResponse
		if json.Unmarshal(data, &e) == nil {
			if e.Error != "" {
				apiErr.Message = e.Error
			}
			apiErr.Available = e.Credits.Available
			apiErr.Required = e.Credits.Required
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
