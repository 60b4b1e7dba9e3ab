package chainclient

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *rpcError) text() string {
	switch {
	case e.Data != "" && e.Message != "":
		return e.Message + ": " + e.Data
	case e.Data != "":
		return e.Data
	default:
		return e.Message
	}
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// hasResult reports a non-null result member
func (e rpcEnvelope) hasResult() bool {
	r := bytes.TrimSpace(e.Result)
	return len(r) > 0 && !bytes.Equal(r, []byte("null"))
}

// decodeEnvelope parses a JSON-RPC 2.0 response. It reports false unless the
// body carries a result or an error member.
func decodeEnvelope(body []byte) (rpcEnvelope, bool) {
	var env rpcEnvelope
	if len(body) == 0 || json.Unmarshal(body, &env) != nil {
		return rpcEnvelope{}, false
	}
	if !env.hasResult() && env.Error == nil {
		return rpcEnvelope{}, false
	}
	return env, true
}

type broadcastSyncResult struct {
	Code      flexInt `json:"code"`
	Codespace string  `json:"codespace"`
	Log       string  `json:"log"`
	RawLog    string  `json:"raw_log"`
	Hash      string  `json:"hash"`
	TxHash    string  `json:"txhash"`
}

type txQueryResult struct {
	Hash     string  `json:"hash"`
	Height   flexInt `json:"height"`
	TxResult struct {
		Code      flexInt `json:"code"`
		Codespace string  `json:"codespace"`
		Log       string  `json:"log"`
		RawLog    string  `json:"raw_log"`
		GasWanted flexInt `json:"gas_wanted"`
		GasUsed   flexInt `json:"gas_used"`
	} `json:"tx_result"`
}

// flexInt accepts 42 and "42"
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
