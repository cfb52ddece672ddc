package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/parley/internal/client"
	"github.com/inercia/parley/internal/logging"
	"github.com/inercia/parley/internal/protocol"
	"github.com/inercia/parley/internal/transcript"
)

var (
	chatURL            string
	chatConversationID string
	chatClientID       string
	chatTask           string
	chatCodec          string
	chatOnce           string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to a conversation on a running server",
	Long: `Connect to a Parley server and chat in a conversation.

The connection survives network drops: the client reconnects with backoff,
resumes from the last envelope it applied and replays commands typed while
offline. Questions asked by the agent are answered by typing the answer.`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatURL, "url", "", "Server base URL (default: the configured listen address)")
	chatCmd.Flags().StringVarP(&chatConversationID, "conversation", "c", "", "Conversation id (default: a new conversation)")
	chatCmd.Flags().StringVar(&chatClientID, "client-id", "", "Client id used for resumption (default: random)")
	chatCmd.Flags().StringVar(&chatTask, "task", "", "Task id attached when the conversation is created")
	chatCmd.Flags().StringVar(&chatCodec, "codec", "json", "Wire codec: json or cbor")
	chatCmd.Flags().StringVar(&chatOnce, "once", "", "Send a single message, print the reply and exit")
}

var chatCommands = []struct {
	name        string
	description string
}{
	{"/answer", "Answer a question: /answer <question-id> <text>"},
	{"/interrupt", "Interrupt the running turn"},
	{"/state", "Show the connection and conversation state"},
	{"/help", "Show this help message"},
	{"/quit", "Exit"},
}

func runChat(cmd *cobra.Command, args []string) error {
	baseURL := chatURL
	if baseURL == "" {
		baseURL = "http://" + localAddr(cfg.Server.Host, cfg.Server.Port)
	}
	convID := chatConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := newRenderer(os.Stdout)
	status := make(chan client.Status, 4)
	sess := client.NewSession(client.Options{
		BaseURL:           baseURL,
		ConversationID:    convID,
		ClientID:          chatClientID,
		TaskID:            chatTask,
		Codec:             chatCodec,
		HeartbeatInterval: cfg.Protocol.HeartbeatInterval,
		OnUpdate:          out.update,
		OnError: func(p protocol.ErrorPayload) {
			// card and placeholder errors are rendered from the transcript
			if p.QuestionID == "" && p.TempID == "" {
				fmt.Printf("\n❌ %s: %s\n", p.Code, p.Message)
			}
		},
		OnStatus: func(s client.Status, err error) {
			if err != nil {
				logging.Client().Debug("connection status", "status", s, "error", err)
			}
			select {
			case status <- s:
			default:
			}
		},
		Logger: logging.Client(),
	})

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	if chatOnce != "" {
		return chatOnceMode(ctx, sess, runErr)
	}

	fmt.Printf("💬 Conversation %s on %s\n", convID, baseURL)
	fmt.Println("📝 Type your message and press Enter. Use /help for commands. Tab completes commands.")
	go reportStatus(ctx, status)

	err := chatLoop(ctx, sess, runErr)
	sess.Close()
	stop()
	if rerr := <-runErr; rerr != nil && !errors.Is(rerr, context.Canceled) && err == nil {
		err = rerr
	}
	return err
}

func chatOnceMode(ctx context.Context, sess *client.Session, runErr <-chan error) error {
	defer sess.Close()
	if _, err := sess.Send(chatOnce, nil); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := sess.Wait(ctx, client.TurnDone)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case err := <-runErr:
		return err
	}
	for _, p := range sess.State().Pending {
		if p.Status == transcript.PlaceholderFailed {
			return fmt.Errorf("message rejected: %s", p.Error)
		}
	}
	return nil
}

func reportStatus(ctx context.Context, status <-chan client.Status) {
	last := client.StatusConnecting
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-status:
			if s == last {
				continue
			}
			switch s {
			case client.StatusReconnecting:
				fmt.Println("\n⚠️  disconnected, reconnecting...")
			case client.StatusConnected:
				if last == client.StatusReconnecting {
					fmt.Println("\n🔌 reconnected")
				}
			}
			last = s
		}
	}
}

func chatLoop(ctx context.Context, sess *client.Session, runErr <-chan error) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "parley> " })
	rl.History.Add("default", readline.NewInMemoryHistory())
	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeChat(sess.State(), string(line), cursor)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			return err
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Println("\n👋 Goodbye!")
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := chatCommand(sess, line); quit {
				fmt.Println("👋 Goodbye!")
				return nil
			}
			continue
		}

		// a plain line answers the only open question, if there is one
		if cards := sess.State().OpenCards(); len(cards) == 1 && cards[0].Status == transcript.CardAwaiting {
			reportAnswer(sess.Answer(cards[0].QuestionID, line, true))
			continue
		}
		if _, err := sess.Send(line, nil); err != nil {
			fmt.Printf("❌ %v\n", err)
		}
	}
}

func chatCommand(sess *client.Session, line string) bool {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		return true
	case "/interrupt", "/cancel":
		if err := sess.Interrupt(); err != nil {
			fmt.Printf("❌ %v\n", err)
		}
	case "/answer":
		if len(fields) < 3 {
			fmt.Println("usage: /answer <question-id> <text>")
			return false
		}
		reportAnswer(sess.Answer(fields[1], strings.Join(fields[2:], " "), true))
	case "/state":
		st := sess.State()
		fmt.Printf("conversation %s: %s, %d turns, checkpoint %d, %d pending\n",
			st.ConversationID, st.Session, len(st.Turns), sess.Checkpoint(), len(st.Pending))
		for _, c := range st.OpenCards() {
			fmt.Printf("  ❓ [%s] %s (%s)\n", c.QuestionID, c.Question, c.Status)
		}
		if st.Banner != "" {
			fmt.Printf("  last error: %s\n", st.Banner)
		}
	case "/help", "/h", "/?":
		fmt.Println("\nAvailable commands:")
		for _, c := range chatCommands {
			fmt.Printf("  %-12s %s\n", c.name, c.description)
		}
		fmt.Println("\nA plain line is sent as a message, or answers the open question when there is exactly one.")
	default:
		fmt.Printf("❓ Unknown command: %s (use /help for available commands)\n", fields[0])
	}
	return false
}

func reportAnswer(err error) {
	switch {
	case err == nil:
	case errors.Is(err, transcript.ErrNotAwaiting), errors.Is(err, transcript.ErrUnknownQuestion):
		fmt.Printf("❌ %v\n", err)
	default:
		// validation errors are shown on the card
		logging.Client().Debug("answer rejected", "error", err)
	}
}

// completeChat completes slash commands, and question ids after /answer.
func completeChat(st transcript.State, line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	pairs, tag := chatCandidates(st, line[:cursor])
	if len(pairs) == 0 {
		return readline.Completions{}
	}
	comps := readline.CompleteValuesDescribed(pairs...).Tag(tag)
	if tag == "commands" {
		comps = comps.NoSpace('/')
	}
	return comps
}

// chatCandidates returns value/description pairs completing text.
func chatCandidates(st transcript.State, text string) ([]string, string) {
	if !strings.HasPrefix(text, "/") {
		return nil, ""
	}
	var pairs []string
	if rest, ok := strings.CutPrefix(text, "/answer "); ok {
		if strings.Contains(rest, " ") {
			return nil, ""
		}
		for _, c := range st.OpenCards() {
			if strings.HasPrefix(c.QuestionID, rest) {
				pairs = append(pairs, c.QuestionID, c.Question)
			}
		}
		return pairs, "questions"
	}
	for _, c := range chatCommands {
		if strings.HasPrefix(c.name, text) {
			pairs = append(pairs, c.name, c.description)
		}
	}
	return pairs, "commands"
}

// localAddr turns a listen address into one a local client can dial.
func localAddr(host string, port int) string {
	return net.JoinHostPort(localHost(host), strconv.Itoa(port))
}

func localHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return host
}
