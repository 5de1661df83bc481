package cache

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response 是缓存中保存的完整响应。正文已完全读入内存，因此可以安全地多次 Clone，
// 对应 Service Worker 中 response.clone() 的语义。
type Response struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"-"`
	URL        string      `json:"url"`
	StoredAt   time.Time   `json:"stored_at"`
}

// OK 对应 fetch Response.ok：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode <= 299
}

// Clone 返回深拷贝，调用方可以独立修改 Header/Body。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Header = r.Header.Clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return &clone
}

// NewResponse 构造一个合成响应（如离线兜底），Content-Type 为空时不设置。
func NewResponse(status int, contentType string, body []byte) *Response {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return &Response{
		StatusCode: status,
		Header:     header,
		Body:       body,
	}
}

// ReadResponse 读取并关闭上游响应正文，转换为可缓存的 Response。
// 正文读取失败视同网络失败，由调用方决定降级策略。
func ReadResponse(resp *http.Response) (*Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil upstream response")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		out.URL = resp.Request.URL.String()
	}
	return out, nil
}
