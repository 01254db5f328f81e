package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"deliverybot/internal/model"
	"deliverybot/pkg/logger"
)

const (
	userID            = "me"
	defaultMaxResults = 50
	noSubject         = "(no subject)"
	unknownSender     = "unknown"
)

// storedToken accepts both the oauth2 field names and the ones written by
// google-auth ("token" for the access token).
type storedToken struct {
	AccessToken  string `json:"access_token"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Expiry       string `json:"expiry"`
}

// readSource returns the value itself when it looks like inline JSON (secret
// managers hand out contents, not paths), otherwise the file contents.
func readSource(v string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(v), "{") {
		return []byte(v), nil
	}
	return os.ReadFile(v)
}

func parseToken(data []byte) (*oauth2.Token, error) {
	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	tok := &oauth2.Token{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		TokenType:    st.TokenType,
	}
	if tok.AccessToken == "" {
		tok.AccessToken = st.Token
	}
	if st.Expiry != "" {
		exp, err := time.Parse(time.RFC3339Nano, st.Expiry)
		if err != nil {
			exp, err = time.Parse("2006-01-02T15:04:05.999999", strings.TrimSuffix(st.Expiry, "Z"))
		}
		if err == nil {
			tok.Expiry = exp
		}
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token has neither access nor refresh token")
	}
	return tok, nil
}

// NewGmailService authorizes with stored OAuth client credentials and a
// previously issued user token. Refresh happens inside the token source; the
// interactive consent flow is out of scope.
func NewGmailService(ctx context.Context, credentials, token string) (*gmail.Service, error) {
	credData, err := readSource(credentials)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials: %w", err)
	}
	oauthCfg, err := google.ConfigFromJSON(credData, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}

	tokData, err := readSource(token)
	if err != nil {
		return nil, fmt.Errorf("read gmail token: %w", err)
	}
	tok, err := parseToken(tokData)
	if err != nil {
		return nil, err
	}

	return gmail.NewService(ctx, option.WithTokenSource(oauthCfg.TokenSource(ctx, tok)))
}

type GmailSource struct {
	svc        *gmail.Service
	maxResults int64
	logger     *zap.Logger
}

func NewGmailSource(svc *gmail.Service, maxResults int64, logger *zap.Logger) *GmailSource {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &GmailSource{
		svc:        svc,
		maxResults: maxResults,
		logger:     logger,
	}
}

// FetchSince lists messages newer than hours and fetches each one. A failed
// listing is returned as an error; a single message that cannot be fetched is
// logged and skipped.
func (s *GmailSource) FetchSince(ctx context.Context, hours int) ([]model.RawMessage, error) {
	log := logger.WithTrace(ctx, s.logger)

	resp, err := s.svc.Users.Messages.List(userID).
		Q(fmt.Sprintf("newer_than:%dh", hours)).
		MaxResults(s.maxResults).
		Context(ctx).
		Do()
	if err != nil {
		log.Error("Failed to list messages", zap.Int("hours", hours), zap.Error(err))
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]model.RawMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		full, err := s.svc.Users.Messages.Get(userID, m.Id).Format("full").Context(ctx).Do()
		if err != nil {
			log.Warn("Failed to fetch message, skipping", zap.String("message_id", m.Id), zap.Error(err))
			continue
		}
		messages = append(messages, toRawMessage(full))
	}

	log.Info("Fetched messages", zap.Int("hours", hours), zap.Int("count", len(messages)))
	return messages, nil
}

func toRawMessage(m *gmail.Message) model.RawMessage {
	raw := model.RawMessage{ID: m.Id, Subject: noSubject, Sender: unknownSender}
	if m.Payload == nil {
		return raw
	}
	for _, h := range m.Payload.Headers {
		switch {
		case strings.EqualFold(h.Name, "Subject") && h.Value != "":
			raw.Subject = h.Value
		case strings.EqualFold(h.Name, "From") && h.Value != "":
			raw.Sender = h.Value
		}
	}
	raw.Body = messageBody(m.Payload)
	return raw
}

// messageBody prefers the first text/plain part anywhere in the tree and falls
// back to the last text/html part, converted to text.
func messageBody(p *gmail.MessagePart) string {
	var plain, htmlData string
	var walk func(part *gmail.MessagePart)
	walk = func(part *gmail.MessagePart) {
		if part == nil || plain != "" {
			return
		}
		if part.Body != nil && part.Body.Data != "" {
			switch {
			case strings.HasPrefix(part.MimeType, "text/plain"):
				plain = part.Body.Data
				return
			case strings.HasPrefix(part.MimeType, "text/html"):
				htmlData = part.Body.Data
			}
		}
		for _, child := range part.Parts {
			walk(child)
		}
	}
	walk(p)

	if plain != "" {
		return decodeBody(plain)
	}
	if htmlData != "" {
		return HTMLToText(decodeBody(htmlData))
	}
	return ""
}

func decodeBody(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}
