// relayctl - operator CLI for the handoff relay
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/handoff-protocol/handoff/clients/go/handoff"
	"github.com/handoff-protocol/handoff/protocol"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("HANDOFF_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("HANDOFF_ADMIN_TOKEN")

	admin := handoff.NewAdminClient(baseURL, token)
	ctx := context.Background()
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := admin.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "stats":
		resp, err := admin.Stats(ctx)
		exitOnError(err)
		printJSON(resp)

	case "session":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: relayctl session <chat_id>")
			os.Exit(1)
		}
		resp, err := admin.Session(ctx, os.Args[2])
		exitOnError(err)
		printJSON(resp)

	case "mode":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: relayctl mode <chat_id> <AI|HUMAN> [agent_id]")
			os.Exit(1)
		}
		agentID := ""
		if len(os.Args) > 4 {
			agentID = os.Args[4]
		}
		resp, err := admin.SwitchMode(ctx, os.Args[2], strings.ToUpper(os.Args[3]), agentID)
		exitOnError(err)
		printJSON(resp)

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: relayctl send <chat_id> <message>")
			os.Exit(1)
		}
		exitOnError(send(baseURL, token, os.Args[2], os.Args[3]))

	case "watch":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: relayctl watch <chat_id>")
			os.Exit(1)
		}
		exitOnError(watch(admin, baseURL, token, os.Args[2]))

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// send posts one message into a session over the admin websocket and prints
// the confirmed copy.
func send(baseURL, token, chatID, content string) error {
	client := handoff.New(handoff.Options{
		BaseURL:              baseURL,
		Token:                token,
		DisableAutoReconnect: true,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.Connect(ctx, chatID, operatorIdentity()); err != nil {
		return err
	}
	msg, err := client.SendMessage(ctx, chatID, content)
	if err != nil {
		return err
	}
	fmt.Printf("Sent message %d to %s\n", msg.ID, msg.ChatID)
	return client.Disconnect(chatID)
}

// watch tails a session over the admin websocket until interrupted.
func watch(admin *handoff.AdminClient, baseURL, token, chatID string) error {
	client := handoff.New(handoff.Options{
		BaseURL: baseURL,
		Token:   token,
		Handlers: handoff.Handlers{
			OnMessage: func(_ string, msg protocol.Message) {
				printMessage(msg)
			},
			OnNotification: func(_ string, note protocol.Notification) {
				fmt.Printf("-- %s\n", note.Content)
			},
			OnTyping: func(_ string, ev protocol.TypingUpdate) {
				if ev.IsTyping {
					fmt.Printf("-- %s is typing\n", ev.Sender.UserID)
				}
			},
			OnStateChange: func(_ string, _, to handoff.State, err error) {
				switch to {
				case handoff.StateReconnecting, handoff.StateError:
					if err != nil {
						fmt.Fprintf(os.Stderr, "-- connection %s: %v\n", strings.ToLower(string(to)), err)
					} else {
						fmt.Fprintf(os.Stderr, "-- connection %s\n", strings.ToLower(string(to)))
					}
				}
			},
		},
	})
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := client.Connect(ctx, chatID, operatorIdentity()); err != nil {
		return err
	}

	if rec, err := admin.Session(ctx, chatID); err == nil {
		if rec.AssignedAgentID != "" {
			fmt.Printf("-- session in %s mode, agent %s assigned\n", rec.Mode, rec.AssignedAgentID)
		} else {
			fmt.Printf("-- session in %s mode\n", rec.Mode)
		}
	}

	// Recent context first, then live frames through the handlers.
	histCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	msgs, err := client.History(histCtx, chatID, 0, 20)
	cancel()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		printMessage(msg)
	}

	<-ctx.Done()
	return client.Disconnect(chatID)
}

// operatorIdentity is the official principal relayctl connects as. The admin
// endpoint takes the user id from the bearer token claims; the client id
// only needs to be unique per invocation.
func operatorIdentity() protocol.Identity {
	return protocol.Identity{
		UserID:   "relayctl",
		ClientID: "relayctl-" + strings.ToLower(protocol.NewRequestID()),
		UserType: protocol.UserOfficial,
	}
}

func printMessage(msg protocol.Message) {
	ts := msg.CreatedAt.Local().Format("2006-01-02 15:04:05")
	sender := msg.SenderID
	if len(sender) > 12 {
		sender = sender[:12]
	}
	fmt.Printf("[%s] %s (%s): %s\n", ts, sender, msg.SenderType, msg.Content)
}

func usage() {
	fmt.Println(`relayctl - operator CLI for the handoff relay

Usage: relayctl <command> [options]

Commands:
  health                                Check relay health
  stats                                 Relay-wide totals
  session <chat_id>                     Show a session record and live members
  mode <chat_id> <AI|HUMAN> [agent_id]  Switch who handles a session
  send <chat_id> <message>              Post a message into a session
  watch <chat_id>                       Tail a session live until interrupted

Environment:
  HANDOFF_URL           Relay URL (default: http://localhost:8080)
  HANDOFF_ADMIN_TOKEN   Admin bearer token (required for everything but health)`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
