package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mooring-dev/mooring/internal/bridge"
	"github.com/mooring-dev/mooring/internal/conversation"
	"github.com/mooring-dev/mooring/internal/events"
	"github.com/mooring-dev/mooring/internal/sandbox"
)

// Store is the durable conversation record store. Satisfied by *store.Store.
// TransitionStatus and AttachSandbox must be atomic compare-and-set so the
// single-writer-per-id discipline holds across orchestrator instances.
type Store interface {
	CreateConversation(ctx context.Context, conv *conversation.Conversation) error
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	ListByParent(ctx context.Context, parentID string) ([]*conversation.Conversation, error)
	TransitionStatus(ctx context.Context, id string, from, to conversation.Status, reason *string) (bool, error)
	AttachSandbox(ctx context.Context, id, sandboxID, agentServerURL string) (bool, error)
}

// Allocator provisions sandboxes. Satisfied by *sandbox.Client. May be slow;
// the orchestrator never calls it on a request path.
type Allocator interface {
	Allocate(ctx context.Context, conversationID string, req conversation.CreateRequest) (*sandbox.Allocation, error)
}

// Notifier pushes status transitions to interested clients. Satisfied by
// *events.Client. Publish failures are logged, never propagated.
type Notifier interface {
	PublishStatus(sig events.StatusSignal) error
}

// Orchestrator owns the conversation lifecycle state machine. All mutations
// of one conversation's record go through a per-id lock here plus the
// store's compare-and-set guards, so a stop request and an allocation
// callback racing on the same record cannot lose updates.
type Orchestrator struct {
	store     Store
	allocator Allocator
	notifier  Notifier
	logger    *slog.Logger

	mu           sync.Mutex
	locks        map[string]*idLock
	allocCancels map[string]context.CancelFunc
	bridges      map[string]*bridge.Bridge
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

func New(s Store, a Allocator, n Notifier, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:        s,
		allocator:    a,
		notifier:     n,
		logger:       logger,
		locks:        make(map[string]*idLock),
		allocCancels: make(map[string]context.CancelFunc),
		bridges:      make(map[string]*bridge.Bridge),
	}
}

// lock acquires the single-writer lock for a conversation id. Locks are
// refcounted and removed when idle so the map stays bounded.
func (o *Orchestrator) lock(id string) *idLock {
	o.mu.Lock()
	l := o.locks[id]
	if l == nil {
		l = &idLock{}
		o.locks[id] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return l
}

func (o *Orchestrator) unlock(id string, l *idLock) {
	l.mu.Unlock()
	o.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(o.locks, id)
	}
	o.mu.Unlock()
}

// CreateConversation validates the request, persists a CREATING record and
// dispatches sandbox allocation off the request path. Validation and parent
// resolution failures are synchronous and leave the store untouched.
func (o *Orchestrator) CreateConversation(ctx context.Context, req conversation.CreateRequest, userID *string) (*conversation.Conversation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.ParentConversationID != nil {
		parent, err := o.store.GetConversation(ctx, *req.ParentConversationID)
		if err != nil {
			if errors.Is(err, conversation.ErrNotFound) {
				return nil, fmt.Errorf("parent %s: %w", *req.ParentConversationID, conversation.ErrNotFound)
			}
			return nil, fmt.Errorf("resolve parent: %w", err)
		}
		inheritFromParent(&req, parent)
	}

	now := time.Now().UTC()
	conv := &conversation.Conversation{
		ID:                   "conv-" + uuid.New().String(),
		CreatedByUserID:      userID,
		Status:               conversation.StatusCreating,
		Request:              req,
		ParentConversationID: req.ParentConversationID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("persist conversation: %w", err)
	}

	o.logger.Info("conversation created",
		"conversation_id", conv.ID, "agent_type", req.AgentType,
		"parent", valueOr(req.ParentConversationID, ""))
	o.notifyStatus(conv)

	// Allocation runs detached from the request context: the HTTP request
	// ending must not cancel provisioning. Stop cancels it instead.
	allocCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.allocCancels[conv.ID] = cancel
	o.mu.Unlock()
	go o.runAllocation(allocCtx, conv.ID, req)

	return conv, nil
}

// inheritFromParent seeds repository context from the parent for forks that
// leave those fields unset. Forks always get a fresh sandbox; only request
// defaults and lineage are inherited.
func inheritFromParent(req *conversation.CreateRequest, parent *conversation.Conversation) {
	if req.SelectedRepository == nil {
		req.SelectedRepository = parent.Request.SelectedRepository
	}
	if req.SelectedBranch == nil {
		req.SelectedBranch = parent.Request.SelectedBranch
	}
	if req.GitProvider == nil {
		req.GitProvider = parent.Request.GitProvider
	}
}

func (o *Orchestrator) runAllocation(ctx context.Context, id string, req conversation.CreateRequest) {
	alloc, err := o.allocator.Allocate(ctx, id, req)

	o.mu.Lock()
	delete(o.allocCancels, id)
	o.mu.Unlock()

	if ctx.Err() != nil {
		// Stopped while allocating; the result is discarded.
		o.logger.Info("allocation cancelled", "conversation_id", id)
		return
	}
	o.OnAllocationResult(context.Background(), id, alloc, err)
}

// OnAllocationResult applies an allocation outcome to the conversation. A
// second result for the same id, or a result arriving after a stop, is a
// no-op: the store's guarded updates only fire from CREATING.
func (o *Orchestrator) OnAllocationResult(ctx context.Context, id string, alloc *sandbox.Allocation, allocErr error) {
	l := o.lock(id)
	defer o.unlock(id, l)

	if allocErr != nil {
		reason := allocErr.Error()
		var ae *sandbox.AllocationError
		if errors.As(allocErr, &ae) {
			reason = ae.Reason
		}
		ok, err := o.store.TransitionStatus(ctx, id, conversation.StatusCreating, conversation.StatusError, &reason)
		if err != nil {
			o.logger.Error("failed to record allocation failure", "conversation_id", id, "error", err)
			return
		}
		if !ok {
			o.logger.Info("allocation failure discarded, conversation no longer creating", "conversation_id", id)
			return
		}
		o.logger.Warn("allocation failed", "conversation_id", id, "reason", reason)
		o.notifyStatusByID(ctx, id)
		return
	}

	if alloc == nil {
		reason := "allocator returned no sandbox"
		o.logger.Error("allocator returned neither allocation nor error", "conversation_id", id)
		if _, err := o.store.TransitionStatus(ctx, id, conversation.StatusCreating, conversation.StatusError, &reason); err != nil {
			o.logger.Error("failed to record allocation failure", "conversation_id", id, "error", err)
		}
		return
	}

	ok, err := o.store.AttachSandbox(ctx, id, alloc.SandboxID, alloc.AgentServerURL)
	if err != nil {
		o.logger.Error("failed to attach sandbox", "conversation_id", id, "error", err)
		return
	}
	if !ok {
		o.logger.Info("allocation result discarded, conversation no longer creating", "conversation_id", id)
		return
	}
	o.logger.Info("conversation ready",
		"conversation_id", id, "sandbox_id", alloc.SandboxID, "agent_server_url", alloc.AgentServerURL)
	o.notifyStatusByID(ctx, id)
}

// GetConversation fetches a conversation, or conversation.ErrNotFound.
func (o *Orchestrator) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	return o.store.GetConversation(ctx, id)
}

// ListByParent returns the forks of a conversation, oldest first.
func (o *Orchestrator) ListByParent(ctx context.Context, parentID string) ([]*conversation.Conversation, error) {
	return o.store.ListByParent(ctx, parentID)
}

// StopConversation moves a conversation to STOPPED, cancelling any in-flight
// allocation and closing any open bridge for the id. Idempotent: stopping a
// STOPPED or ERROR conversation returns its current record unchanged. Under
// concurrent stops the compare-and-set guarantees exactly one caller wins
// the transition and performs the bridge-close side effect.
func (o *Orchestrator) StopConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	l := o.lock(id)
	defer o.unlock(id, l)

	conv, err := o.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status.Terminal() {
		return conv, nil
	}

	ok, err := o.store.TransitionStatus(ctx, id, conv.Status, conversation.StatusStopped, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another instance won the race; report what the store says now.
		return o.store.GetConversation(ctx, id)
	}

	// Side effects only after the transition is durably won; cancelling
	// first could strand a CREATING conversation if the store update failed.
	o.cancelAllocation(id)
	o.closeBridge(id)
	conv.Status = conversation.StatusStopped
	conv.UpdatedAt = time.Now().UTC()
	o.logger.Info("conversation stopped", "conversation_id", id)
	o.notifyStatus(conv)
	return conv, nil
}

// MarkUnreachable records that the sandbox behind a READY conversation has
// become unreachable. No-op unless the conversation is currently READY.
func (o *Orchestrator) MarkUnreachable(ctx context.Context, id, reason string) error {
	l := o.lock(id)
	defer o.unlock(id, l)

	ok, err := o.store.TransitionStatus(ctx, id, conversation.StatusReady, conversation.StatusError, &reason)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	o.closeBridge(id)
	o.logger.Warn("conversation marked unreachable", "conversation_id", id, "reason", reason)
	o.notifyStatusByID(ctx, id)
	return nil
}

func (o *Orchestrator) cancelAllocation(id string) {
	o.mu.Lock()
	cancel := o.allocCancels[id]
	delete(o.allocCancels, id)
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RegisterBridge records the open bridge for a conversation so a stop can
// close it. An already-registered bridge for the same id is closed first:
// one bridge per conversation.
func (o *Orchestrator) RegisterBridge(id string, b *bridge.Bridge) {
	o.mu.Lock()
	prev := o.bridges[id]
	o.bridges[id] = b
	o.mu.Unlock()
	if prev != nil && prev != b {
		prev.Close()
	}
}

// ReleaseBridge removes the registration if b is still the current bridge
// for the id. Called by the channel handler when its connection ends.
func (o *Orchestrator) ReleaseBridge(id string, b *bridge.Bridge) {
	o.mu.Lock()
	if o.bridges[id] == b {
		delete(o.bridges, id)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) closeBridge(id string) {
	o.mu.Lock()
	b := o.bridges[id]
	delete(o.bridges, id)
	o.mu.Unlock()
	if b != nil {
		b.Close()
	}
}

func (o *Orchestrator) notifyStatus(conv *conversation.Conversation) {
	if o.notifier == nil {
		return
	}
	sig := events.StatusSignal{
		ConversationID: conv.ID,
		Status:         conv.Status,
	}
	if conv.ErrorReason != nil {
		sig.Reason = *conv.ErrorReason
	}
	if conv.SandboxID != nil {
		sig.SandboxID = *conv.SandboxID
	}
	if conv.AgentServerURL != nil {
		sig.AgentServerURL = *conv.AgentServerURL
	}
	if err := o.notifier.PublishStatus(sig); err != nil {
		o.logger.Warn("failed to publish status", "conversation_id", conv.ID, "error", err)
	}
}

func (o *Orchestrator) notifyStatusByID(ctx context.Context, id string) {
	if o.notifier == nil {
		return
	}
	conv, err := o.store.GetConversation(ctx, id)
	if err != nil {
		o.logger.Warn("failed to load conversation for status push", "conversation_id", id, "error", err)
		return
	}
	o.notifyStatus(conv)
}

func valueOr(p *string, fallback string) string {
	if p != nil {
		return *p
	}
	return fallback
}
