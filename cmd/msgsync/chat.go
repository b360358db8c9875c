package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// conversations
	conversationsUnread bool

	// messages
	messagesLimit int

	// watch
	watchLogTail int64
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON output")

	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "Number of most recent messages to show")
	watchCmd.Flags().Int64Var(&watchLogTail, "log-tail", 16<<10, "Bytes of recent log output printed on exit")

	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, startCmd, watchCmd)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func senderName(m msgsync.Message) string {
	if m.Sender != nil && m.Sender.Name != "" {
		return m.Sender.Name
	}
	return m.SenderID
}

func formatMessage(m msgsync.Message) string {
	state := ""
	switch m.State {
	case msgsync.Sending:
		state = " (sending)"
	case msgsync.Read:
		state = " ✓✓"
	case msgsync.Delivered:
		state = " ✓"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("15:04"), senderName(m), m.Content, state)
}

func formatSummary(userID string, c msgsync.ConversationSummary) string {
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	when := "-"
	if !c.LastMessageAt.IsZero() {
		when = c.LastMessageAt.Local().Format("Jan 2 15:04")
	}
	return fmt.Sprintf("%-38s %-14s %-12s %s%s", c.ID, valueOrDefault(c.PeerOf(userID), "(self)"), when, c.LastMessagePreview, unread)
}

// withSession runs fn against a started engine whose logs go to stderr.
func withSession(fn func(ctx context.Context, cfg *Config, e *msgsync.Engine) error) error {
	cfg := requireUser()
	log := newLogger(os.Stderr)
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := openSession(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, cfg, s.engine)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, cfg *Config, e *msgsync.Engine) error {
			var list []msgsync.ConversationSummary
			for _, c := range e.ListConversations() {
				if conversationsUnread && c.UnreadCount == 0 {
					continue
				}
				list = append(list, c)
			}
			if jsonOutput {
				return printJSON(list)
			}
			if len(list) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, c := range list {
				fmt.Println(formatSummary(cfg.Default.UserID, c))
			}
			fmt.Printf("\n%d unread\n", e.TotalUnread())
			return nil
		})
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the history of a conversation and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, cfg *Config, e *msgsync.Engine) error {
			if err := e.OpenConversation(ctx, args[0]); err != nil {
				return err
			}
			msgs := e.Messages(args[0])
			if messagesLimit > 0 && len(msgs) > messagesLimit {
				msgs = msgs[len(msgs)-messagesLimit:]
			}
			if jsonOutput {
				return printJSON(msgs)
			}
			for _, m := range msgs {
				fmt.Println(formatMessage(m))
			}
			return nil
		})
	},
}

// ============================================================================
// send / start
// ============================================================================

func sendAndWait(ctx context.Context, e *msgsync.Engine, conversationID, content string) error {
	out, err := e.SendOptimistic(ctx, conversationID, content)
	if err != nil {
		return err
	}
	m, err := out.Wait(ctx)
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	if jsonOutput {
		return printJSON(m)
	}
	fmt.Printf("Sent %s\n", m.ID)
	return nil
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, cfg *Config, e *msgsync.Engine) error {
			return sendAndWait(ctx, e, args[0], strings.Join(args[1:], " "))
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start <user-id> [message]",
	Short: "Find or create the direct conversation with a user",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, cfg *Config, e *msgsync.Engine) error {
			id, err := e.StartConversation(ctx, args[0])
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if jsonOutput {
					return printJSON(msgsync.DirectConversationResponse{ID: id})
				}
				fmt.Println(id)
				return nil
			}
			return sendAndWait(ctx, e, id, strings.Join(args[1:], " "))
		})
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Follow conversations live; type a line to send it",
	Long: "Print the conversation list and, when a conversation is given, its timeline as\n" +
		"they change. Lines typed on stdin are sent to the open conversation.\n" +
		"Logs are kept in memory and the tail is printed on exit.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireUser()
		ring := logRing(watchLogTail)
		log := newLogger(ring)
		defer func() {
			_ = log.Sync()
			if ring.TotalWritten() > 0 {
				fmt.Fprintf(os.Stderr, "\n--- last %d bytes of log ---\n%s", ring.Size(), ring.String())
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer s.Close()
		e := s.engine

		open := ""
		if len(args) == 1 {
			open = args[0]
			if err := e.OpenConversation(ctx, open); err != nil {
				log.Warn("history unavailable", zap.Error(err))
			}
		}

		e.OnChange(func(ch msgsync.Change) {
			if ch.Messages && ch.ConversationID == open {
				msgs := e.Messages(open)
				if len(msgs) > 0 {
					fmt.Println(formatMessage(msgs[len(msgs)-1]))
				}
				return
			}
			if ch.ConversationID != "" && ch.ConversationID != open {
				if c, ok := e.Conversation(ch.ConversationID); ok {
					fmt.Println("* " + formatSummary(cfg.Default.UserID, c.ConversationSummary))
				}
			}
		})
		e.OnSendFailed(func(f msgsync.SendFailure) {
			fmt.Printf("! not sent: %q (%v)\n", f.Content, f.Err)
		})

		for _, c := range e.ListConversations() {
			fmt.Println(formatSummary(cfg.Default.UserID, c))
		}
		if open != "" {
			fmt.Printf("\n--- %s ---\n", open)
			for _, m := range e.Messages(open) {
				fmt.Println(formatMessage(m))
			}
		}

		lines := make(chan string)
		go func() {
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					<-ctx.Done()
					return nil
				}
				if open == "" || strings.TrimSpace(line) == "" {
					continue
				}
				if _, err := e.SendOptimistic(ctx, open, line); err != nil {
					fmt.Printf("! %v\n", err)
				}
			}
		}
	},
}
