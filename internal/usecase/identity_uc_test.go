package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"companion-session/internal/domain"
	"companion-session/internal/domain/ports/adapter"
	"companion-session/internal/domain/ports/repository"
	"companion-session/internal/infra/logging"
)

func TestResolve_NotFoundThenCreate(t *testing.T) {
	be := newFakeBackend()
	be.getErr = &domain.Error{Kind: domain.KindNotFound, Op: "conversation.get", Status: 404}
	be.createRef = adapter.ConversationRef{ConversationID: "abc", IsNew: true}

	uc := NewIdentityUseCase(be, newStore(), logging.Nop())
	conv, err := uc.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if conv.ID != "abc" || !conv.IsNew || conv.Fallback {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if be.creates != 1 {
		t.Fatalf("expected one create, got %d", be.creates)
	}
}

func TestResolve_ExistingConversation(t *testing.T) {
	be := newFakeBackend()
	be.getRef = adapter.ConversationRef{ConversationID: "existing"}

	conv, err := NewIdentityUseCase(be, newStore(), logging.Nop()).Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if conv.ID != "existing" || conv.IsNew || conv.OwnerUserID != "u1" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if be.creates != 0 {
		t.Fatalf("create must not be called")
	}
}

func TestResolve_TransportErrorStillCreates(t *testing.T) {
	be := newFakeBackend()
	be.getErr = domain.NewError(domain.KindNetwork, "conversation.get", "", errors.New("dial tcp: refused"))
	be.createRef = adapter.ConversationRef{ConversationID: "made", IsNew: true}

	conv, err := NewIdentityUseCase(be, newStore(), logging.Nop()).Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if conv.ID != "made" {
		t.Fatalf("expected created id, got %q", conv.ID)
	}
}

func TestResolve_UnreachableBackendReusesFallback(t *testing.T) {
	be := newFakeBackend()
	be.getErr = domain.NewError(domain.KindNetwork, "conversation.get", "", errors.New("down"))
	be.createErr = domain.NewError(domain.KindServer, "conversation.create", "", nil)
	store := newStore()
	uc := NewIdentityUseCase(be, store, logging.Nop())

	first, err := uc.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	second, err := uc.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("fallback ids differ: %q vs %q", first.ID, second.ID)
	}
	if !first.Fallback || !strings.HasPrefix(first.ID, "local-") {
		t.Fatalf("expected local fallback, got %+v", first)
	}
	stored, err := store.Get(context.Background(), repository.FallbackConversationKey("u1"))
	if err != nil || stored != first.ID {
		t.Fatalf("fallback not persisted: %q, %v", stored, err)
	}
}

func TestResolve_StoredFallbackWins(t *testing.T) {
	be := newFakeBackend()
	be.getErr = domain.NewError(domain.KindNetwork, "conversation.get", "", nil)
	be.createErr = domain.NewError(domain.KindNetwork, "conversation.create", "", nil)
	store := newStore()
	_ = store.Set(context.Background(), repository.FallbackConversationKey("u1"), "local-previous")

	conv, _ := NewIdentityUseCase(be, store, logging.Nop()).Resolve(context.Background(), "u1")
	if conv.ID != "local-previous" {
		t.Fatalf("expected stored fallback, got %q", conv.ID)
	}
}

func TestResolve_MalformedBodyIsNew(t *testing.T) {
	be := newFakeBackend()
	be.getErr = &domain.Error{Kind: domain.KindServer, Op: "conversation.get", Err: domain.ErrMalformedResponse}

	conv, err := NewIdentityUseCase(be, newStore(), logging.Nop()).Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("malformed body must not be fatal: %v", err)
	}
	if !conv.IsNew || conv.ID != FallbackConversationID("u1") {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if be.creates != 0 {
		t.Fatalf("malformed GET should not trigger create")
	}
}

func TestResolve_EmptyUser(t *testing.T) {
	_, err := NewIdentityUseCase(newFakeBackend(), newStore(), logging.Nop()).Resolve(context.Background(), "  ")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFallbackConversationID_Deterministic(t *testing.T) {
	if FallbackConversationID("u1") != FallbackConversationID("u1") {
		t.Fatal("fallback id must be a pure function of the user id")
	}
	if FallbackConversationID("u1") == FallbackConversationID("u2") {
		t.Fatal("different users must get different ids")
	}
}
