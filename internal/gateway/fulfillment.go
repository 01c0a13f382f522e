package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"topupmall/internal/config"
)

var (
	ErrDeliverFailed  = errors.New("外部发货失败")
	ErrDeliverTimeout = errors.New("外部发货超时")
)

// DeliverRequest 发货请求
type DeliverRequest struct {
	PurchaseNo string            `json:"purchase_no"`
	ProductID  int64             `json:"product_id"`
	Quantity   int               `json:"quantity"`
	Params     map[string]string `json:"params,omitempty"` // 发货参数（如游戏账号、充值区服）
}

// FulfillmentGateway 外部发货网关
// 调用可能阻塞很久也可能失败，调用方必须在钱包锁外执行，并把超时当失败处理
type FulfillmentGateway interface {
	Deliver(ctx context.Context, req *DeliverRequest) error
}

type deliverResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HTTPFulfillmentGateway 基于 HTTP 的发货网关实现
type HTTPFulfillmentGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFulfillmentGateway(cfg *config.FulfillmentConfig) *HTTPFulfillmentGateway {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFulfillmentGateway{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Deliver 调用外部网关发货
// 超时与显式失败同等对待：返回错误即触发上层补偿
func (g *HTTPFulfillmentGateway) Deliver(ctx context.Context, req *DeliverRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("序列化发货请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/fulfillment/deliver", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造发货请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrDeliverTimeout, err)
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrDeliverTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrDeliverFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http status %d", ErrDeliverFailed, resp.StatusCode)
	}

	var result deliverResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("%w: 解析响应失败: %v", ErrDeliverFailed, err)
	}
	if result.Code != 0 {
		return fmt.Errorf("%w: code=%d message=%s", ErrDeliverFailed, result.Code, result.Message)
	}

	return nil
}
