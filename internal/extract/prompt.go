package extract

import (
	"fmt"

	"deliverybot/internal/model"
)

const promptTemplate = `Analyze this email and extract delivery information.

Email:
Subject: %s

From: %s

Text:
%s

Extract the following information if present:
1. delivery_service: name of the delivery service
2. order_number: order or tracking number
3. delivery_address: delivery address
4. delivery_status: current status
5. pickup_code: pickup code if any
6. estimated_delivery: expected delivery date/time
7. recipient_name: recipient name
8. is_delivery_email: true/false - is this a delivery email?

Return ONLY valid JSON, nothing else. If a field is not found, use null.

Example:
{
    "is_delivery_email": true,
    "delivery_service": "DPD",
    "order_number": "123456789",
    "delivery_address": "1 Main St",
    "delivery_status": "In transit",
    "pickup_code": "1234",
    "estimated_delivery": "2025-12-25",
    "recipient_name": "John Smith"
}`

// BuildPrompt embeds the message unchanged; an empty body is not rejected.
func BuildPrompt(msg model.RawMessage) string {
	return fmt.Sprintf(promptTemplate, msg.Subject, msg.Sender, msg.Body)
}
