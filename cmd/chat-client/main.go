package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/omochice/realtime-chat-client/internal/client"
	"github.com/omochice/realtime-chat-client/internal/config"
	"github.com/omochice/realtime-chat-client/internal/session"
	"github.com/omochice/realtime-chat-client/pkg/logger"
	"github.com/omochice/realtime-chat-client/pkg/protocol"
)

const usage = `Commands:
  /join <conversation-id>   listen on a conversation
  /friend <username>        send a friend request
  /accept <username>        accept a friend request
  /reconnect                reconnect to the broker
  /quit                     exit
Anything else is sent to the current conversation.`

func main() {
	flags := pflag.NewFlagSet("chat-client", pflag.ExitOnError)
	configPath := flags.String("config", "", "Path to a YAML config file")
	flags.String("broker", "ws://localhost:8080/api/ws", "Broker WebSocket URL")
	flags.Duration("connect-timeout", 3*time.Second, "How long to wait for the broker to accept CONNECT")
	flags.String("username", "", "Username for chat")
	flags.String("token", "", "Bearer token presented to the broker")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	conversation := flags.Int64("conversation", 0, "Conversation to join on start")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Session.Username == "" {
		fmt.Fprintln(os.Stderr, "Username is required. Use --username or CHAT_SESSION_USERNAME")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	store := session.NewStore()
	store.Create(cfg.Session.Username, cfg.Session.Token)

	c := client.New(cfg, store, client.WithLogger(log))
	c.OnChatMessage(func(m protocol.ChatMessage) {
		fmt.Printf("[%s #%d %s]: %s\n", m.Timestamp, m.ConversationID, m.Sender, m.Content)
	})
	c.OnFriendRequest(func(n protocol.FriendNotification) {
		if n.Receiver == cfg.Session.Username {
			fmt.Printf("*** %s sent you a friend request ***\n", n.Requester)
		}
	})
	c.OnFriendAccepted(func(username string) {
		fmt.Printf("*** %s accepted a friend request ***\n", username)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initer := client.NewInitializer(c)
	if !initer.Initialize(ctx) && !initer.RetryWithBackoff(ctx, 3, client.DefaultBackoff()) {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", cfg.Broker.URL, c.LastError())
		os.Exit(1)
	}
	defer initer.Shutdown()

	fmt.Printf("Connected to %s as %s\n", cfg.Broker.URL, cfg.Session.Username)

	current := *conversation
	// Subscriptions do not survive a reconnect.
	subscribe := func() {
		if current != 0 {
			c.SubscribeToConversation(current)
		}
		c.SubscribeToFriendRequestNotifications()
		c.SubscribeToFriendAcceptedNotifications()
	}
	subscribe()

	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Error("Error reading input", "error", err)
		}
	}()

	for {
		var text string
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text = strings.TrimSpace(line)
		}
		if text == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(text, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/quit", "/exit":
			return
		case "/join":
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				fmt.Println("Usage: /join <conversation-id>")
				continue
			}
			current = id
			c.SubscribeToConversation(current)
			fmt.Printf("*** Joined conversation %d ***\n", id)
		case "/friend":
			if !c.SendFriendRequestNotification(cfg.Session.Username, arg) {
				fmt.Println("Failed to send friend request")
			}
		case "/accept":
			if !c.SendFriendAcceptedSignal(arg) {
				fmt.Println("Failed to send friend acceptance")
			}
		case "/reconnect":
			if initer.Retry(ctx) {
				subscribe()
				fmt.Println("*** Connected ***")
			} else {
				fmt.Printf("Reconnect failed: %v\n", c.LastError())
			}
		default:
			if current == 0 {
				fmt.Println("Join a conversation first: /join <conversation-id>")
				continue
			}
			if !c.SendChatMessage(current, cfg.Session.Username, text) {
				fmt.Println("Failed to send message")
			}
		}
	}
}
