package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deliverybot/internal/model"
	"deliverybot/pkg/circuitbreaker"
)

type fakeCompleter struct {
	reply string
	err   error
	reqs  []openai.ChatCompletionRequest
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.reply}}},
	}, nil
}

var msg = model.RawMessage{ID: "m1", Subject: "Parcel shipped", Sender: "DPD", Body: "Order 123"}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		strict  bool
		order   string
		wantErr error
	}{
		{"prose around object", "Sure! Here it is:\n{\"is_delivery_email\": true, \"order_number\": \"123\"}\nHope this helps.", false, "123", nil},
		{"no json", "I could not find anything.", false, "", ErrNoJSON},
		{"flag false", `{"is_delivery_email": false, "order_number": "123"}`, false, "", ErrNotDelivery},
		{"flag absent", `{"order_number": "123"}`, false, "", ErrNotDelivery},
		{"two fragments spans both", `{"a": 1} and {"b": 2}`, false, "", ErrNoJSON},
		{"strict exact", "  {\"is_delivery_email\": true, \"order_number\": \"9\"}\n", true, "9", nil},
		{"strict rejects prose", `Here: {"is_delivery_email": true}`, true, "", ErrNoJSON},
		{"empty", "", false, "", ErrNoJSON},
		{"numeric order number", `{"is_delivery_email": true, "order_number": 123456789}`, false, "123456789", nil},
		{"strict numeric order number", `{"is_delivery_email": true, "order_number": 123456789}`, true, "123456789", nil},
		{"numeric pickup code", `Result: {"is_delivery_email": true, "order_number": "A1", "pickup_code": 1234}`, false, "A1", nil},
		{"strict numeric pickup code", `{"is_delivery_email": true, "order_number": "A1", "pickup_code": 1234}`, true, "A1", nil},
		{"quoted flag", `{"is_delivery_email": "true", "order_number": "B2"}`, false, "B2", nil},
		{"strict quoted flag", `{"is_delivery_email": "true", "order_number": "B2"}`, true, "B2", nil},
		{"quoted false flag", `{"is_delivery_email": "false", "order_number": "B2"}`, true, "", ErrNotDelivery},
		{"strict array", `[{"is_delivery_email": true}]`, true, "", ErrNoJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts, err := ParseResponse(tt.text, tt.strict)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, facts)
				assert.True(t, IsRejection(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.order, facts.Order())
		})
	}
}

func TestParseResponse_NumericPickupCode(t *testing.T) {
	for _, strict := range []bool{false, true} {
		facts, err := ParseResponse(`{"is_delivery_email": true, "order_number": 42, "pickup_code": 1234}`, strict)
		require.NoError(t, err)
		assert.Equal(t, "42", facts.Order())
		assert.Equal(t, "1234", model.Deref(facts.PickupCode))
	}
}

func TestExtract_ReturnsFacts(t *testing.T) {
	fc := &fakeCompleter{reply: `Result: {"is_delivery_email": true, "delivery_service": "DPD", "order_number": "123", "delivery_status": "Shipped", "pickup_code": null}`}
	p := NewParser(fc, Options{}, zap.NewNop())

	facts, err := p.Extract(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "DPD", model.Deref(facts.Service))
	assert.Equal(t, "Shipped", model.Deref(facts.Status))
	assert.Nil(t, facts.PickupCode)

	require.Len(t, fc.reqs, 1)
	req := fc.reqs[0]
	assert.Equal(t, DefaultModel, req.Model)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.Nil(t, req.ResponseFormat)
	assert.Contains(t, req.Messages[0].Content, "Subject: Parcel shipped")
	assert.Contains(t, req.Messages[0].Content, "From: DPD")
	assert.Contains(t, req.Messages[0].Content, "Order 123")
}

func TestExtract_EmptyBodyStillSent(t *testing.T) {
	fc := &fakeCompleter{reply: `{"is_delivery_email": false}`}
	p := NewParser(fc, Options{}, zap.NewNop())

	_, err := p.Extract(context.Background(), model.RawMessage{ID: "m2", Body: "   "})
	assert.ErrorIs(t, err, ErrNotDelivery)
	assert.Len(t, fc.reqs, 1)
}

func TestExtract_TransportErrorIsNotRejection(t *testing.T) {
	boom := errors.New("connection reset")
	p := NewParser(&fakeCompleter{err: boom}, Options{}, zap.NewNop())

	_, err := p.Extract(context.Background(), msg)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsRejection(err))
}

func TestExtract_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	fc := &fakeCompleter{err: errors.New("503")}
	p := NewParser(fc, Options{}, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, _ = p.Extract(context.Background(), msg)
	}
	_, err := p.Extract(context.Background(), msg)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Len(t, fc.reqs, 3)
}

func TestExtract_OpenAIClientJSONMode(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"is_delivery_email": true, "order_number": "777"}`,
				},
			}},
		})
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", srv.URL+"/v1")
	p := NewParser(client, Options{Model: "gpt-4o-mini", MaxTokens: 300, JSONMode: true}, zap.NewNop())

	facts, err := p.Extract(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "777", facts.Order())

	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.EqualValues(t, 300, body["max_tokens"])
	assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
}
