package main

import (
	"fmt"
	"strconv"
	"time"

	"tickstock-stream/internal/models"

	"github.com/go-resty/resty/v2"
)

// flowsResponse GET /flows 响应
type flowsResponse struct {
	Flows []models.FlowRecord `json:"flows"`
	Count int                 `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// flowsClient 通过运行中服务的 HTTP 接口读取审计记录
type flowsClient struct {
	httpClient *resty.Client
}

func newFlowsClient(baseURL string) *flowsClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Accept", "application/json")
	return &flowsClient{httpClient: client}
}

// FlowsSince 与存储层同名方法语义一致
func (c *flowsClient) FlowsSince(since time.Time, limit int) ([]models.FlowRecord, error) {
	var result flowsResponse
	var apiErr errorResponse
	resp, err := c.httpClient.R().
		SetQueryParam("since", since.UTC().Format(time.RFC3339)).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&result).
		SetError(&apiErr).
		Get("/flows")
	if err != nil {
		return nil, fmt.Errorf("failed to call /flows: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("/flows returned %d: %s", resp.StatusCode(), apiErr.Error)
	}
	return result.Flows, nil
}
