// File: internal/usecase/identity_uc.go
package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"companion-session/internal/domain"
	"companion-session/internal/domain/model"
	"companion-session/internal/domain/ports/adapter"
	"companion-session/internal/domain/ports/repository"
	"companion-session/internal/infra/metrics"
)

// Compile-time check
var _ IdentityUseCase = (*identityUC)(nil)

// fallbackNamespace scopes locally derived conversation ids.
var fallbackNamespace = uuid.MustParse("6f1c1d52-6a43-4c0e-9a55-2b1d3f0c7e11")

const fallbackPrefix = "local-"

type IdentityUseCase interface {
	// Resolve returns the user's persistent conversation. Backend failures fall back to a
	// locally derived id and are never returned.
	Resolve(ctx context.Context, userID string) (model.Conversation, error)
}

type identityUC struct {
	api   adapter.ConversationAPI
	store repository.LocalStateRepository
	log   *zerolog.Logger
}

func NewIdentityUseCase(api adapter.ConversationAPI, store repository.LocalStateRepository, logger *zerolog.Logger) *identityUC {
	l := logger.With().Str("component", "ConversationIdentity").Logger()
	return &identityUC{api: api, store: store, log: &l}
}

func (u *identityUC) Resolve(ctx context.Context, userID string) (model.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return model.Conversation{}, domain.NewError(domain.KindValidation, "identity.resolve", "user id is required", domain.ErrInvalidArgument)
	}

	ref, err := u.api.GetPersistentConversation(ctx, userID)
	switch {
	case err == nil:
		return u.conversation(ctx, userID, ref, false), nil
	case errors.Is(err, domain.ErrMalformedResponse):
		u.log.Warn().Err(err).Str("user_id", userID).Msg("malformed conversation body, treating as new")
		return u.conversation(ctx, userID, adapter.ConversationRef{IsNew: true}, true), nil
	case errors.Is(err, domain.ErrNotFound):
		u.log.Debug().Str("user_id", userID).Msg("no persistent conversation, creating")
	default:
		u.log.Warn().Err(err).Str("user_id", userID).Msg("get persistent conversation failed, trying create")
	}

	ref, err = u.api.CreatePersistentConversation(ctx, userID)
	switch {
	case err == nil:
		ref.IsNew = true
		return u.conversation(ctx, userID, ref, false), nil
	case errors.Is(err, domain.ErrMalformedResponse):
		u.log.Warn().Err(err).Str("user_id", userID).Msg("malformed create body, treating as new")
		return u.conversation(ctx, userID, adapter.ConversationRef{IsNew: true}, true), nil
	default:
		u.log.Warn().Err(err).Str("user_id", userID).Msg("create persistent conversation failed, using local id")
		return u.fallback(ctx, userID, true), nil
	}
}

func (u *identityUC) conversation(ctx context.Context, userID string, ref adapter.ConversationRef, malformed bool) model.Conversation {
	id := strings.TrimSpace(ref.ConversationID)
	if id == "" {
		return u.fallback(ctx, userID, ref.IsNew || malformed)
	}
	return model.Conversation{ID: id, OwnerUserID: userID, CreatedAt: time.Now(), IsNew: ref.IsNew}
}

// fallback returns the stored local id for userID, deriving and storing it on first use.
func (u *identityUC) fallback(ctx context.Context, userID string, isNew bool) model.Conversation {
	key := repository.FallbackConversationKey(userID)
	id, err := u.store.Get(ctx, key)
	source := "stored"
	if err != nil || id == "" {
		id = FallbackConversationID(userID)
		source = "derived"
		if serr := u.store.Set(ctx, key, id); serr != nil {
			u.log.Warn().Err(serr).Str("user_id", userID).Msg("persist fallback conversation id")
		}
	}
	metrics.IncIdentityFallback(source)
	return model.Conversation{ID: id, OwnerUserID: userID, CreatedAt: time.Now(), IsNew: isNew, Fallback: true}
}

// FallbackConversationID derives the local conversation id for userID. It is a pure function.
func FallbackConversationID(userID string) string {
	return fallbackPrefix + uuid.NewSHA1(fallbackNamespace, []byte(userID)).String()
}
