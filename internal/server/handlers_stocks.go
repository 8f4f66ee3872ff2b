package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/minglu/stockintel/internal/domain"
	"github.com/minglu/stockintel/internal/llm"
)

// maxImageBytes caps the decoded screenshot size.
const maxImageBytes = 5 << 20

const extractPrompt = `识别这张图片（通常是券商持仓或自选股截图）中出现的所有股票，返回 JSON 数组，
每个元素形如 {"code": "股票代码", "name": "股票名称"}。A股用6位数字代码，港股用5位数字代码，
美股用字母代码。只输出 JSON 数组，不要其他文字。`

type extractRequest struct {
	Image    string `json:"image"` // base64
	MIMEType string `json:"mime_type"`
}

type extractedStock struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// handleExtractFromImage runs a vision prompt over an uploaded screenshot
// and returns the recognized tickers.
func (s *Server) handleExtractFromImage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gen == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "llm router not configured")
		return
	}
	var req extractRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "image is required")
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "image must be base64 encoded")
		return
	}
	if len(data) > maxImageBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "image_too_large", "image exceeds 5MB limit")
		return
	}
	mime := req.MIMEType
	if mime == "" {
		mime = "image/png"
	}

	resp, err := s.deps.Gen.Generate(r.Context(), &llm.Request{
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: extractPrompt,
			Images:  []llm.ImagePayload{{Data: data, MIMEType: mime}},
		}},
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	stocks := parseExtractedStocks(resp.Content)
	writeJSON(w, http.StatusOK, map[string]interface{}{"stocks": stocks})
}

// parseExtractedStocks tolerates code fences and prose around the array.
func parseExtractedStocks(content string) []extractedStock {
	text := strings.TrimSpace(content)
	if start := strings.Index(text, "["); start >= 0 {
		if end := strings.LastIndex(text, "]"); end > start {
			text = text[start : end+1]
		}
	}

	var stocks []extractedStock
	if err := json.Unmarshal([]byte(text), &stocks); err != nil {
		return nil
	}

	out := stocks[:0]
	for _, stock := range stocks {
		code := domain.CanonicalTicker(stock.Code)
		if code == "" {
			continue
		}
		stock.Code = code
		out = append(out, stock)
	}
	return out
}
