package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

const UnknownValue = "Unknown"

// Delivery is one persisted delivery record, keyed by OrderNumber.
type Delivery struct {
	ID                int64     `json:"id"`
	OrderNumber       string    `json:"order_number"`
	Service           string    `json:"service"`
	Status            string    `json:"status"`
	Address           *string   `json:"address,omitempty"`
	PickupCode        *string   `json:"pickup_code,omitempty"`
	RecipientName     *string   `json:"recipient_name,omitempty"`
	EstimatedDelivery *string   `json:"estimated_delivery,omitempty"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DeliveryFacts is what the extraction engine pulls out of one email. The JSON
// names are the ones the language model is asked to produce.
type DeliveryFacts struct {
	IsDeliveryEmail   bool    `json:"is_delivery_email"`
	Service           *string `json:"delivery_service"`
	OrderNumber       *string `json:"order_number"`
	Address           *string `json:"delivery_address"`
	Status            *string `json:"delivery_status"`
	PickupCode        *string `json:"pickup_code"`
	EstimatedDelivery *string `json:"estimated_delivery"`
	RecipientName     *string `json:"recipient_name"`
}

// Order returns the order number or "" when absent.
func (f DeliveryFacts) Order() string {
	return Deref(f.OrderNumber)
}

// RawMessage is a fetched email; never persisted.
type RawMessage struct {
	ID      string
	Subject string
	Sender  string
	Body    string
}

// Statistics aggregates the store. Completed is always Total - Active.
type Statistics struct {
	Total     int            `json:"total"`
	Active    int            `json:"active"`
	Completed int            `json:"completed"`
	ByService map[string]int `json:"by_service"`
}

// Deref returns *s, or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StringPtr returns nil for blank strings.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// UnmarshalJSON accepts what language models actually emit: numbers and
// booleans in text fields, and a quoted or numeric acceptance flag. The input
// must still be one JSON object.
func (f *DeliveryFacts) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("delivery facts: want a JSON object, got null")
	}

	*f = DeliveryFacts{
		IsDeliveryEmail:   truthy(raw["is_delivery_email"]),
		Service:           textValue(raw["delivery_service"]),
		OrderNumber:       textValue(raw["order_number"]),
		Address:           textValue(raw["delivery_address"]),
		Status:            textValue(raw["delivery_status"]),
		PickupCode:        textValue(raw["pickup_code"]),
		EstimatedDelivery: textValue(raw["estimated_delivery"]),
		RecipientName:     textValue(raw["recipient_name"]),
	}
	return nil
}

func textValue(v any) *string {
	switch t := v.(type) {
	case string:
		return &t
	case json.Number:
		s := t.String()
		return &s
	case bool:
		s := strconv.FormatBool(t)
		return &s
	default:
		// null, objects and arrays carry no usable text
		return nil
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true
		}
		return false
	case json.Number:
		n, err := t.Float64()
		return err == nil && n != 0
	default:
		return false
	}
}
