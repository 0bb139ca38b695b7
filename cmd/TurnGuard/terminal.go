package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/TurnGuard/internal/delivery"
	"github.com/BTreeMap/TurnGuard/internal/models"
	"github.com/BTreeMap/TurnGuard/internal/reconcile"
)

const helpText = `Type a message and press enter to send it.
  /background  pretend the app went to the background
  /foreground  bring the app back; a pending reply is fetched at once
  /quit        leave`

// safetyResources is shown whenever a send is intercepted.
var safetyResources = []string{
	"Call or text 988 (Suicide & Crisis Lifeline, US) any time.",
	"Text HOME to 741741 to reach the Crisis Text Line.",
	"If you are in immediate danger, call 911 or your local emergency number.",
}

// terminal renders coordinator callbacks as plain lines. It implements
// delivery.Observer and delivery.SaveFlow.
type terminal struct {
	mu      sync.Mutex
	out     io.Writer
	printed int
	waiting bool
}

var (
	_ delivery.Observer = (*terminal)(nil)
	_ delivery.SaveFlow = (*terminal)(nil)
)

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

// OnTranscript prints entries not shown yet. Transcripts only grow, so an
// index is enough to track what was printed.
func (t *terminal) OnTranscript(tr reconcile.Transcript) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range tr[min(t.printed, len(tr)):] {
		switch m.Role {
		case models.RoleUser:
			fmt.Fprintf(t.out, "you: %s\n", m.Content)
		default:
			fmt.Fprintf(t.out, "assistant: %s\n", m.Content)
		}
	}
	t.printed = max(t.printed, len(tr))
}

func (t *terminal) OnWaiting(waiting bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if waiting && !t.waiting {
		fmt.Fprintln(t.out, "(waiting for a reply...)")
	}
	t.waiting = waiting
}

func (t *terminal) OnSafetyPanel(reason models.ReasonCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, "")
	fmt.Fprintln(t.out, "It sounds like you may be going through something really hard.")
	fmt.Fprintln(t.out, "Your message was not sent. You deserve support from a person right now:")
	for _, r := range safetyResources {
		fmt.Fprintf(t.out, "  * %s\n", r)
	}
	if reason == models.ReasonImmediateDanger {
		fmt.Fprintln(t.out, "Please reach out to emergency services now.")
	}
	fmt.Fprintln(t.out, "")
}

func (t *terminal) OnAuthBanner(message string) {
	t.notice(message)
}

func (t *terminal) OnStateChange(from, to delivery.State) {
	slog.Debug("terminal.OnStateChange", "from", from, "to", to)
}

// OfferSave prints the summary the assistant offered to keep.
func (t *terminal) OfferSave(_ context.Context, candidate models.SaveCandidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	title := candidate.Title
	if title == "" {
		title = "this exercise"
	}
	fmt.Fprintf(t.out, "[save] The assistant offered to save %q:\n", title)
	for _, b := range candidate.Bullets {
		fmt.Fprintf(t.out, "  - %s\n", b)
	}
}

func (t *terminal) notice(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "! %s\n", msg)
}

// conversation is the part of the coordinator the REPL drives.
type conversation interface {
	Send(ctx context.Context, text string) (delivery.TurnResult, error)
	SetVisible(visible bool)
}

// runREPL reads lines from in until EOF, /quit or ctx ends. Sends run in the
// background so visibility commands work while a reply is awaited.
func runREPL(ctx context.Context, conv conversation, in io.Reader, term *terminal) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	// Cancelled before the wait so a pending turn ends on /quit.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				// End of input lets a pending turn finish.
				wg.Wait()
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/help":
			term.notice(helpText)
			continue
		case "/background":
			conv.SetVisible(false)
			term.notice("app moved to the background")
			continue
		case "/foreground":
			conv.SetVisible(true)
			term.notice("app is back in the foreground")
			continue
		}
		if strings.HasPrefix(line, "/") {
			term.notice("unknown command, try /help")
			continue
		}

		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			send(ctx, conv, text, term)
		}(line)
	}
}

func send(ctx context.Context, conv conversation, text string, term *terminal) {
	res, err := conv.Send(ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrCrisisDetected):
		// the safety panel has already been shown
		return
	case errors.Is(err, models.ErrTurnInFlight):
		term.notice("still waiting for the last reply, try again in a moment")
		return
	case errors.Is(err, models.ErrMessageTooLong):
		term.notice(fmt.Sprintf("message is too long (limit %d characters)", models.MaxMessageLength))
		return
	case errors.Is(err, models.ErrCoordinatorClosed), errors.Is(err, context.Canceled):
		return
	case errors.Is(err, models.ErrAuthExpired):
		return
	default:
		term.notice("your message could not be sent; check your connection and try again")
		return
	}
	if res.State == delivery.StateTimedOut {
		term.notice("the reply is taking longer than usual; it will show up next time the conversation loads")
	}
}

// offlineAssistant answers without a model so the client runs with no API
// key. Replies use the structured format the validator expects.
type offlineAssistant struct{}

var offlinePrompts = []string{
	"Thanks for telling me. What went through your mind when that happened?",
	"That sounds like a lot to carry. How strong is that feeling right now, from 0 to 10?",
	"What is one piece of evidence that supports that thought, and one that does not?",
	"If a friend told you this, what would you say to them?",
}

func (offlineAssistant) GenerateReply(_ context.Context, history []models.Message, _ string) (string, error) {
	reply := struct {
		AssistantMessage string `json:"assistant_message"`
		Mode             string `json:"mode"`
	}{
		AssistantMessage: offlinePrompts[(len(history)/2)%len(offlinePrompts)],
		Mode:             "chat",
	}
	b, err := json.Marshal(reply)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
