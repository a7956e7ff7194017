package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lattice-hq/lattice/internal/adapter/otel"
	"github.com/lattice-hq/lattice/internal/adapter/ws"
	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/internal/domain/chat"
	"github.com/lattice-hq/lattice/internal/domain/conversation"
	"github.com/lattice-hq/lattice/internal/domain/event"
	"github.com/lattice-hq/lattice/internal/logger"
	"github.com/lattice-hq/lattice/internal/port/database"
	"github.com/lattice-hq/lattice/internal/port/eventstore"
	"github.com/lattice-hq/lattice/internal/port/llm"
	"github.com/lattice-hq/lattice/internal/port/messagequeue"
	"github.com/lattice-hq/lattice/internal/tool"
)

// Notifier pushes conversation-scoped events to connected frontends.
// Implemented by the WebSocket hub.
type Notifier interface {
	BroadcastConversationEvent(ctx context.Context, conversationID, eventType string, payload any)
}

// systemPrompt frames the agent for the model.
const systemPrompt = `You are Lattice, an assistant with tool access to the user's connected knowledge sources. Use the available tools to search and read records before answering. Cite record titles when you rely on them. If a tool fails repeatedly, say so instead of retrying.`

// ErrTurnAborted is returned when a turn is cut short by loop detection
// or the iteration cap.
var ErrTurnAborted = errors.New("turn aborted")

// ChatService drives the agent loop: model call, tool execution, repeat.
// Every step is persisted as a trajectory event so a turn can be replayed.
type ChatService struct {
	store    database.Store
	events   eventstore.Store
	llm      llm.Client
	tools    *tool.Registry
	queue    messagequeue.Queue
	notifier Notifier
	cfg      config.Chat
	metrics  *otel.Metrics
}

// NewChatService creates a new ChatService.
func NewChatService(store database.Store, events eventstore.Store, client llm.Client, tools *tool.Registry, queue messagequeue.Queue, notifier Notifier, cfg config.Chat, metrics *otel.Metrics) *ChatService {
	return &ChatService{
		store:    store,
		events:   events,
		llm:      client,
		tools:    tools,
		queue:    queue,
		notifier: notifier,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// Send runs one full agent turn for the conversation and returns the final
// assistant message. Intermediate tool traffic is persisted and streamed
// to subscribed clients as it happens.
func (s *ChatService) Send(ctx context.Context, conversationID, content string) (*conversation.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartTurnSpan(ctx, conv.ID)
	defer span.End()

	history, err := s.loadTranscript(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	userMsg := chat.Message{Role: chat.RoleUser, Content: content}
	if _, err := s.store.CreateMessage(ctx, &conversation.Message{
		ConversationID: conv.ID,
		Role:           chat.RoleUser,
		Content:        content,
	}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	state := chat.NewState(conv.ID, append(history, userMsg))

	var final *conversation.Message
	var aborted bool
	var toolCalls int

	// Completed iterations, tracked separately because a break on the
	// final answer skips the loop post statement.
	iterations := 0

	for state.Iteration = 1; state.Iteration <= s.cfg.MaxIterations; state.Iteration++ {
		iterations = state.Iteration
		resp, err := s.llm.ChatCompletion(ctx, llm.Request{
			Model:    s.cfg.Model,
			Messages: append([]chat.Message{{Role: chat.RoleSystem, Content: systemPrompt}}, state.Messages...),
			Tools:    s.tools.Definitions(),
		})
		if err != nil {
			return nil, fmt.Errorf("chat completion: %w", err)
		}

		state.TokensIn += resp.TokensIn
		state.TokensOut += resp.TokensOut
		state.Append(resp.Message)

		assistantMsg, err := s.persistAssistant(ctx, conv.ID, resp)
		if err != nil {
			return nil, err
		}
		if resp.Message.Content != "" && s.notifier != nil {
			s.notifier.BroadcastConversationEvent(ctx, conv.ID, ws.EventChatMessage, ws.ChatMessageEvent{
				ConversationID: conv.ID,
				Role:           chat.RoleAssistant,
				Content:        resp.Message.Content,
			})
		}

		if len(resp.Message.ToolCalls) == 0 {
			final = assistantMsg
			break
		}

		// Loop detection runs before execution: an agent stuck re-issuing
		// the identical call burns no more tool budget.
		looping := false
		for _, call := range resp.Message.ToolCalls {
			if state.ObserveCall(call) > s.cfg.MaxRepeatCalls {
				looping = true
				s.appendEvent(ctx, conv.ID, event.TypeLoopAborted, map[string]any{
					"tool":      call.Name,
					"iteration": state.Iteration,
				})
				slog.Warn("agent loop aborted", "conversation_id", conv.ID, "tool", call.Name, "iteration", state.Iteration)
				break
			}
		}
		if looping {
			aborted = true
			final = assistantMsg
			break
		}

		toolCalls += len(resp.Message.ToolCalls)
		results := s.executeCalls(ctx, state, resp.Message.ToolCalls)
		for _, msg := range results {
			state.Append(msg)
			if _, err := s.store.CreateMessage(ctx, &conversation.Message{
				ConversationID: conv.ID,
				Role:           chat.RoleTool,
				Content:        msg.Content,
				ToolCallID:     msg.ToolCallID,
				ToolName:       msg.Name,
			}); err != nil {
				return nil, fmt.Errorf("persist tool message: %w", err)
			}
		}
	}

	if final == nil && !aborted {
		// Iteration budget exhausted without a final answer.
		aborted = true
		s.appendEvent(ctx, conv.ID, event.TypeLoopAborted, map[string]any{
			"reason":     "max iterations",
			"iterations": s.cfg.MaxIterations,
		})
	}

	s.finishTurn(ctx, state, iterations, toolCalls, aborted)

	if final == nil {
		return nil, fmt.Errorf("%w after %d iterations", ErrTurnAborted, iterations)
	}
	return final, nil
}

// executeCalls runs the batch of tool calls with bounded parallelism and
// returns one tool message per call, in call order.
func (s *ChatService) executeCalls(ctx context.Context, state *chat.State, calls []chat.ToolCall) []chat.Message {
	results := make([]chat.Message, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallelTools)

	for i, call := range calls {
		g.Go(func() error {
			results[i] = s.executeCall(gctx, state.ConversationID, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// executeCall runs one tool call and renders its outcome as a tool message.
func (s *ChatService) executeCall(ctx context.Context, conversationID string, call chat.ToolCall) chat.Message {
	s.appendEvent(ctx, conversationID, event.TypeToolCalled, map[string]any{
		"call_id":   call.ID,
		"tool":      call.Name,
		"arguments": json.RawMessage(call.Arguments),
	})
	if s.notifier != nil {
		s.notifier.BroadcastConversationEvent(ctx, conversationID, ws.EventChatToolCall, ws.ChatToolCallEvent{
			ConversationID: conversationID,
			CallID:         call.ID,
			Name:           call.Name,
			Args:           string(call.Arguments),
		})
	}
	if s.metrics != nil {
		s.metrics.ToolCalls.Add(ctx, 1)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ToolTimeout)
	defer cancel()

	result, cached, err := s.tools.Execute(callCtx, call)

	var content, errText string
	switch {
	case err != nil:
		var blocked *tool.BlockedError
		if errors.As(err, &blocked) {
			errText = fmt.Sprintf("tool %s is temporarily blocked after repeated failures (retry in %s)", blocked.Tool, blocked.Remaining.Round(time.Second))
			s.appendEvent(ctx, conversationID, event.TypeToolBlocked, map[string]any{
				"tool":        blocked.Tool,
				"cooldown_ms": blocked.Remaining.Milliseconds(),
			})
			s.publishToolBlocked(ctx, blocked)
		} else {
			errText = err.Error()
		}
		content = fmt.Sprintf(`{"error":%q}`, errText)
	case !result.Success:
		errText = result.Error
		content = fmt.Sprintf(`{"error":%q}`, result.Error)
	default:
		content = truncate(result.Content, s.cfg.SummaryLimit)
		if cached && s.metrics != nil {
			s.metrics.ToolCacheHits.Add(ctx, 1)
		}
	}

	s.appendEvent(ctx, conversationID, event.TypeToolResult, map[string]any{
		"call_id": call.ID,
		"tool":    call.Name,
		"cached":  cached,
		"error":   errText,
	})
	if s.notifier != nil {
		s.notifier.BroadcastConversationEvent(ctx, conversationID, ws.EventChatToolResult, ws.ChatToolResultEvent{
			ConversationID: conversationID,
			CallID:         call.ID,
			Result:         content,
			Cached:         cached,
			Error:          errText,
		})
	}

	return chat.Message{
		Role:       chat.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
	}
}

// finishTurn records the turn summary in the trajectory and on the bus.
func (s *ChatService) finishTurn(ctx context.Context, state *chat.State, iterations, toolCalls int, aborted bool) {
	s.appendEvent(ctx, state.ConversationID, event.TypeChatTurn, map[string]any{
		"iterations":  iterations,
		"tool_calls":  toolCalls,
		"tokens_in":   state.TokensIn,
		"tokens_out":  state.TokensOut,
		"aborted":     aborted,
		"duration_ms": time.Since(state.StartedAt).Milliseconds(),
	})

	if s.metrics != nil {
		s.metrics.ChatTurns.Add(ctx, 1)
		s.metrics.ChatTokens.Add(ctx, int64(state.TokensIn+state.TokensOut))
	}

	payload, err := json.Marshal(messagequeue.ChatTurnPayload{
		ConversationID: state.ConversationID,
		Iterations:     iterations,
		ToolCalls:      toolCalls,
		TokensIn:       state.TokensIn,
		TokensOut:      state.TokensOut,
		Aborted:        aborted,
	})
	if err != nil {
		slog.Error("marshal chat turn payload", "error", err)
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectChatTurn, payload); err != nil {
		slog.Warn("publish chat turn failed", "conversation_id", state.ConversationID, "error", err)
	}
}

func (s *ChatService) publishToolBlocked(ctx context.Context, blocked *tool.BlockedError) {
	payload, err := json.Marshal(messagequeue.ToolBlockedPayload{
		Tool:       blocked.Tool,
		CooldownMS: blocked.Remaining.Milliseconds(),
	})
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectToolBlocked, payload); err != nil {
		slog.Warn("publish tool blocked failed", "tool", blocked.Tool, "error", err)
	}
}

// persistAssistant stores the assistant message including serialized tool
// calls and token usage.
func (s *ChatService) persistAssistant(ctx context.Context, conversationID string, resp *llm.Response) (*conversation.Message, error) {
	msg := &conversation.Message{
		ConversationID: conversationID,
		Role:           chat.RoleAssistant,
		Content:        resp.Message.Content,
		TokensIn:       resp.TokensIn,
		TokensOut:      resp.TokensOut,
		Model:          s.cfg.Model,
	}
	if len(resp.Message.ToolCalls) > 0 {
		raw, err := json.Marshal(resp.Message.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("marshal tool calls: %w", err)
		}
		msg.ToolCalls = raw
	}

	stored, err := s.store.CreateMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	return stored, nil
}

// loadTranscript rebuilds the chat transcript from persisted messages.
func (s *ChatService) loadTranscript(ctx context.Context, conversationID string) ([]chat.Message, error) {
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		cm := chat.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.ToolName,
		}
		if len(m.ToolCalls) > 0 {
			if err := json.Unmarshal(m.ToolCalls, &cm.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls for message %s: %w", m.ID, err)
			}
		}
		out = append(out, cm)
	}
	return out, nil
}

// appendEvent records a trajectory event; failures are logged, not fatal.
func (s *ChatService) appendEvent(ctx context.Context, conversationID string, typ event.Type, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal trajectory payload", "type", typ, "error", err)
		return
	}
	ev := &event.TrajectoryEvent{
		ConversationID: conversationID,
		Type:           typ,
		Payload:        raw,
		RequestID:      logger.RequestID(ctx),
	}
	if err := s.events.Append(ctx, ev); err != nil {
		slog.Error("append trajectory event", "type", typ, "error", err)
	}
}

// truncate cuts s to at most limit bytes on a rune boundary, appending a
// marker when anything was dropped.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}
