package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"MuseChat/internal/config"
	"MuseChat/internal/memory"
	"MuseChat/internal/rating"
	"MuseChat/internal/session"
)

// Archive stores finished transcripts
type Archive interface {
	SaveTranscript(ctx context.Context, sess session.Session) error
}

// Deps are the components a ChatBot drives. Archive may be nil.
type Deps struct {
	Dispatcher *Dispatcher
	Ledger     *rating.Ledger
	Memories   *memory.Facade
	Archive    Archive
	Logger     *slog.Logger
	In         io.Reader
	Out        io.Writer
}

// ChatBot is the interactive chat loop for one (agent, user) session
type ChatBot struct {
	config     config.Config
	dispatcher *Dispatcher
	ledger     *rating.Ledger
	memories   *memory.Facade
	archive    Archive
	logger     *slog.Logger
	in         io.Reader
	out        io.Writer
	sessionID  string
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg config.Config, deps Deps) *ChatBot {
	cb := &ChatBot{
		config:     cfg,
		dispatcher: deps.Dispatcher,
		ledger:     deps.Ledger,
		memories:   deps.Memories,
		archive:    deps.Archive,
		logger:     deps.Logger,
		in:         deps.In,
		out:        deps.Out,
	}
	if cb.logger == nil {
		cb.logger = slog.Default()
	}
	if cb.in == nil {
		cb.in = os.Stdin
	}
	if cb.out == nil {
		cb.out = os.Stdout
	}
	return cb
}

func (cb *ChatBot) traits() session.Traits {
	return session.Traits{
		Creativity: cb.config.Chat.Creativity,
		Wisdom:     cb.config.Chat.Wisdom,
		Humor:      cb.config.Chat.Humor,
		Empathy:    cb.config.Chat.Empathy,
	}
}

// Open opens the configured session
func (cb *ChatBot) Open(ctx context.Context) (session.Session, error) {
	sess, err := cb.dispatcher.OpenSession(ctx, cb.config.Chat.AgentID, cb.config.Chat.UserAddress, cb.traits())
	if err != nil {
		return session.Session{}, fmt.Errorf("failed to open session: %w", err)
	}
	cb.sessionID = sess.ID
	return sess, nil
}

func (cb *ChatBot) current() session.Session {
	sess, _ := cb.dispatcher.Store().Get(cb.sessionID)
	return sess
}

// saveSession archives the current transcript
func (cb *ChatBot) saveSession(ctx context.Context) error {
	if cb.archive == nil {
		return nil
	}
	sess := cb.current()
	if err := cb.archive.SaveTranscript(ctx, sess); err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	cb.logger.Info("session archived", "session_id", sess.ID, "message_count", len(sess.Messages))
	return nil
}

func (cb *ChatBot) printf(format string, args ...any) {
	fmt.Fprintf(cb.out, format, args...)
}

func (cb *ChatBot) printMessage(slot int, msg session.Message) {
	who := "You"
	if msg.Role == session.RoleAgent {
		who = "Muse"
	}
	cb.printf("%3d. [%s] %s: %s\n", slot, msg.Marker(), who, msg.Content)
}

// send dispatches one line of user input and prints the reply
func (cb *ChatBot) send(ctx context.Context, text string) {
	var res SendResult
	if cb.config.Chat.Reasoning {
		res = cb.dispatcher.SendMessageWithReasoning(ctx, cb.sessionID, text, cb.config.Chat.UserAddress)
	} else {
		res = cb.dispatcher.SendMessage(ctx, cb.sessionID, text, cb.config.Chat.UserAddress)
	}

	if res.Outcome == OutcomeRejected {
		cb.printf("(not sent: %s)\n", res.Reason)
		return
	}
	if res.AgentSlot < 0 {
		return
	}

	msgs := cb.dispatcher.Store().Messages(cb.sessionID)
	reply := msgs[res.AgentSlot]
	cb.printf("Muse [%s]: %s\n", reply.Marker(), reply.Content)
	if res.Outcome == OutcomeFallback {
		cb.printf("(offline reply, your message is %s)\n", msgs[res.UserSlot].Marker())
	}
	if reply.Reasoning != nil {
		cb.printf("(reasoning available: /reasoning %d)\n", res.AgentSlot)
	}
	cb.printf("\n")
}

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/history":
		for slot, msg := range cb.dispatcher.Store().Messages(cb.sessionID) {
			cb.printMessage(slot, msg)
		}
		return false, nil

	case "/reasoning":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /reasoning <n>")
		}
		slot, err := strconv.Atoi(parts[1])
		if err != nil {
			return false, fmt.Errorf("invalid message number: %s", parts[1])
		}
		shown, err := cb.dispatcher.ToggleReasoning(cb.sessionID, slot)
		if err != nil {
			return false, err
		}
		if shown {
			cb.printReasoning(cb.dispatcher.Store().Messages(cb.sessionID)[slot])
		} else {
			cb.printf("Reasoning for %d hidden\n", slot)
		}
		return false, nil

	case "/rate":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: /rate <n> <quality 1-5> [feedback]")
		}
		slot, err := strconv.Atoi(parts[1])
		if err != nil {
			return false, fmt.Errorf("invalid message number: %s", parts[1])
		}
		quality, err := strconv.Atoi(parts[2])
		if err != nil {
			return false, fmt.Errorf("invalid quality: %s", parts[2])
		}
		return false, cb.rate(ctx, slot, quality, strings.Join(parts[3:], " "))

	case "/memories":
		query := strings.TrimSpace(strings.TrimPrefix(cmd, "/memories"))
		var entries []memory.Entry
		if query == "" {
			entries = cb.memories.GetEnhanced(ctx, cb.config.Chat.AgentID, memory.Filters{Limit: 10}).Entries
		} else {
			entries = cb.memories.Search(ctx, cb.config.Chat.AgentID, query, memory.ModeSemantic, 10)
		}
		if len(entries) == 0 {
			cb.printf("No memories found.\n")
			return false, nil
		}
		for i, e := range entries {
			cb.printf("%d. [%s, %.2f] %s\n", i+1, e.Category, e.Importance, e.Content)
			if len(e.Tags) > 0 {
				cb.printf("   tags: %s\n", strings.Join(e.Tags, ", "))
			}
		}
		return false, nil

	case "/stats":
		stats := cb.memories.Stats(ctx, cb.config.Chat.AgentID)
		cb.printf("Memories: %d, average importance %.2f\n", stats.Total, stats.AverageImportance)
		for cat, n := range stats.CategoryBreakdown {
			cb.printf("  %-16s %d\n", cat, n)
		}
		for _, tc := range stats.SortedTags() {
			cb.printf("  #%s (%d)\n", tc.Tag, tc.Count)
		}
		return false, nil

	case "/timeline":
		for _, day := range cb.memories.Timeline(ctx, cb.config.Chat.AgentID, 7) {
			cb.printf("%s  %d memories, importance %.2f  %s\n",
				day.Day.Format("2006-01-02"), day.Count, day.AverageImportance, strings.Join(day.Tags, " "))
		}
		return false, nil

	case "/help":
		cb.printf("Available commands:\n")
		cb.printf("  /quit, /exit                    - Exit the chat\n")
		cb.printf("  /history                        - Show the conversation with trust markers\n")
		cb.printf("  /reasoning <n>                  - Toggle the reasoning of message n\n")
		cb.printf("  /rate <n> <quality> [feedback]  - Rate agent message n (1-5)\n")
		cb.printf("  /memories [query]               - List or search memories\n")
		cb.printf("  /stats                          - Show memory statistics\n")
		cb.printf("  /timeline                       - Show memories per day\n")
		cb.printf("  /help                           - Show this help message\n")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (cb *ChatBot) printReasoning(msg session.Message) {
	r := msg.Reasoning
	cb.printf("Reasoning (confidence %.0f%%)\n", r.Confidence*100)
	for _, line := range []struct{ label, text string }{
		{"creativity", r.CreativityAnalysis},
		{"wisdom", r.WisdomAnalysis},
		{"humor", r.HumorAnalysis},
		{"empathy", r.EmpathyAnalysis},
		{"synthesis", r.Synthesis},
	} {
		if line.text != "" {
			cb.printf("  %-10s %s\n", line.label+":", line.text)
		}
	}
	for i, step := range r.Steps {
		cb.printf("  %d) %s\n", i+1, step)
	}
	if ti := msg.TraitsInfluence; ti != nil {
		cb.printf("  influence: creativity %.2f, wisdom %.2f, humor %.2f, empathy %.2f\n",
			ti.Creativity, ti.Wisdom, ti.Humor, ti.Empathy)
	}
}

func (cb *ChatBot) rate(ctx context.Context, slot, quality int, feedback string) error {
	in, err := rating.InteractionAt(cb.current(), slot)
	if err != nil {
		return err
	}

	receipt, err := cb.ledger.Submit(ctx, in, rating.Scores{
		Quality:             quality,
		PersonalityAccuracy: quality,
		Helpfulness:         quality,
		Feedback:            feedback,
	})

	switch receipt.Outcome {
	case rating.OutcomeAlreadyRated:
		cb.printf("Message %d was already rated.\n", slot)
	case rating.OutcomeBusy:
		cb.printf("A rating is still being submitted.\n")
	case rating.OutcomeRewarded:
		cb.printf("Rated! Earned %.2f tokens", receipt.TokensAwarded)
		if receipt.QualityBonus > 0 {
			cb.printf(" (quality bonus %.2f)", receipt.QualityBonus)
		}
		if receipt.TransactionHash != "" {
			cb.printf(", tx %s", receipt.TransactionHash)
		}
		cb.printf("\n")
	}
	if err != nil {
		if errors.Is(err, rating.ErrRejected) || errors.Is(err, rating.ErrInvalidScores) {
			return err
		}
		return fmt.Errorf("rating not submitted, try again: %w", err)
	}
	return nil
}

// Run starts the chat loop. It returns when input ends or the user quits.
func (cb *ChatBot) Run(ctx context.Context) error {
	sess, err := cb.Open(ctx)
	if err != nil {
		return err
	}

	cb.printf("=== MuseChat ===\n")
	cb.printf("Session: %s\n", sess.ID)
	if sess.Offline {
		cb.printf("Backend unreachable, replies are generated locally\n")
	}
	for slot, msg := range sess.Messages {
		cb.printMessage(slot, msg)
	}
	cb.printf("Type /help for commands, /quit to exit\n\n")

	scanner := bufio.NewScanner(cb.in)
	for {
		cb.printf("You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.printf("Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		cb.send(ctx, input)
	}

	if err := cb.saveSession(ctx); err != nil {
		cb.logger.Error("failed to save session on exit", "error", err)
		return err
	}

	cb.printf("Goodbye!\n")
	return nil
}
