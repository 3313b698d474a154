package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/postwave/postwave/internal/credstore"
)

// mailboxService is the slice of the Gmail API the adapter uses.
type mailboxService interface {
	Send(ctx context.Context, raw string) (messageID string, err error)
}

// GmailAdapter sends through the Gmail API on behalf of an OAuth-connected
// mailbox. Services are cached per refresh token so each mailbox reuses
// its token source.
type GmailAdapter struct {
	logger *slog.Logger

	// newService is swappable in tests
	newService func(ctx context.Context, creds *credstore.Credentials) (mailboxService, error)

	mu       sync.Mutex
	services map[string]mailboxService
}

func NewGmailAdapter(logger *slog.Logger) *GmailAdapter {
	return &GmailAdapter{
		logger:     logger,
		newService: newGmailService,
		services:   make(map[string]mailboxService),
	}
}

func (a *GmailAdapter) Kind() Kind {
	return KindOAuthMailbox
}

func (a *GmailAdapter) Send(ctx context.Context, msg *Message, creds *credstore.Credentials) (*Result, error) {
	if creds.RefreshToken == "" {
		return nil, permanentErr("oauth refresh token not configured")
	}

	svc, err := a.service(ctx, creds)
	if err != nil {
		return nil, transientErr("gmail service init failed: %v", err)
	}

	raw := base64.URLEncoding.EncodeToString(buildMIME(msg))
	id, err := svc.Send(ctx, raw)
	if err != nil {
		if cerr := classifyCtxErr(ctx.Err()); cerr != nil {
			return nil, cerr
		}
		return nil, classifyGoogleError(err)
	}

	a.logger.Debug("message submitted",
		"mailbox", creds.Mailbox,
		"to", msg.To,
		"message_id", id,
	)

	return &Result{MessageID: id}, nil
}

func (a *GmailAdapter) service(ctx context.Context, creds *credstore.Credentials) (mailboxService, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if svc, ok := a.services[creds.RefreshToken]; ok {
		return svc, nil
	}
	svc, err := a.newService(ctx, creds)
	if err != nil {
		return nil, err
	}
	a.services[creds.RefreshToken] = svc
	return svc, nil
}

type gmailService struct {
	svc *gmail.Service
}

func newGmailService(ctx context.Context, creds *credstore.Credentials) (mailboxService, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope},
	}
	token := &oauth2.Token{RefreshToken: creds.RefreshToken}
	client := oauthCfg.Client(context.Background(), token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, err
	}
	return &gmailService{svc: svc}, nil
}

func (g *gmailService) Send(ctx context.Context, raw string) (string, error) {
	resp, err := g.svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return resp.Id, nil
}

// classifyGoogleError maps Gmail API failures onto retry semantics:
// 429 and 5xx are transient, other 4xx permanent.
func classifyGoogleError(err error) error {
	msg := fmt.Sprintf("gmail send failed: %v", err)

	var ge *googleapi.Error
	if errors.As(err, &ge) {
		if ge.Code == 429 || ge.Code >= 500 {
			return transientErr("%s", msg)
		}
		if ge.Code >= 400 {
			return permanentErr("%s", msg)
		}
	}

	return transientErr("%s", msg)
}
