package ec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCVersion - версия, которую контроллер ожидает в каждом запросе.
const JSONRPCVersion = "2.0"

// ResponseKind различает варианты разобранного ответа.
type ResponseKind int

const (
	KindMalformed ResponseKind = iota
	KindSuccess
	KindError
)

func (k ResponseKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	default:
		return "malformed"
	}
}

// Response - разобранный ответ контроллера.
// Result содержит уже раскодированную внутреннюю нагрузку (поле result передаётся строкой с JSON внутри).
type Response struct {
	Kind    ResponseKind
	ID      int
	Result  json.RawMessage
	Message string
}

type request struct {
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
}

var emptyParams = json.RawMessage(`{}`)

// Encode формирует строку запроса, завершённую переводом строки:
// {"method":...,"params":...,"jsonrpc":"2.0","id":...}
func Encode(method string, params map[string]any, id int) ([]byte, error) {
	rawParams := emptyParams
	if len(params) > 0 {
		p, err := marshalNoEscape(params)
		if err != nil {
			return nil, fmt.Errorf("encode params for %s: %w", method, err)
		}
		rawParams = p
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(request{Method: method, Params: rawParams, JSONRPC: JSONRPCVersion, ID: id}); err != nil {
		return nil, fmt.Errorf("encode request %s: %w", method, err)
	}
	return buf.Bytes(), nil
}

func marshalNoEscape(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode разбирает ответ контроллера.
// Ответ с ключом result декодируется в два этапа: сначала конверт, затем строка result.
// Ошибка любого этапа, как и отсутствие ключей result и error, даёт KindMalformed.
func Decode(raw []byte) Response {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil || env == nil {
		return Response{Kind: KindMalformed}
	}

	var id int
	if rawID, ok := env["id"]; ok {
		_ = json.Unmarshal(rawID, &id)
	}

	if rawResult, ok := env["result"]; ok {
		var inner string
		if err := json.Unmarshal(rawResult, &inner); err != nil {
			return Response{Kind: KindMalformed, ID: id}
		}
		if !json.Valid([]byte(inner)) {
			return Response{Kind: KindMalformed, ID: id}
		}
		return Response{Kind: KindSuccess, ID: id, Result: json.RawMessage(inner)}
	}

	if rawErr, ok := env["error"]; ok {
		return Response{Kind: KindError, ID: id, Message: errorMessage(rawErr)}
	}

	return Response{Kind: KindMalformed, ID: id}
}

// errorMessage извлекает error.message; строковая ошибка принимается как есть.
func errorMessage(raw json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
