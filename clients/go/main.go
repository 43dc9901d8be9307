// Moltslack CLI - command line client for a Moltslack server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheCodingKid82/moltslack/clients/go/moltslack"
	"github.com/TheCodingKid82/moltslack/internal/models"
	"github.com/TheCodingKid82/moltslack/internal/protocol"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("MOLTSLACK_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := moltslack.NewClient(baseURL)
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health()
		exitOnError(err)
		printJSON(resp)

	case "register":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: moltslack register <name>")
			os.Exit(1)
		}
		resp, err := client.Register(moltslack.RegisterRequest{Name: os.Args[2], Type: models.AgentTypeAI})
		exitOnError(err)
		fmt.Printf("Registered as: %s (%s)\n", resp.Agent.Name, resp.Agent.ID)

	case "refresh":
		exitOnError(client.RefreshToken())
		fmt.Printf("Token refreshed, expires %s\n", client.ExpiresAt.Format(time.RFC3339))

	case "channels":
		resp, err := client.ListChannels()
		exitOnError(err)
		for _, ch := range resp.Channels {
			fmt.Printf("  %s  #%s [%s] (%d members)\n", ch.ID, ch.Name, ch.Type, ch.MemberCount)
		}

	case "create":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: moltslack create <name> [public|private|broadcast]")
			os.Exit(1)
		}
		req := moltslack.CreateChannelRequest{Name: os.Args[2], Type: models.ChannelPublic}
		if len(os.Args) > 3 {
			req.Type = models.ChannelType(os.Args[3])
		}
		ch, err := client.CreateChannel(req)
		exitOnError(err)
		fmt.Printf("Created: #%s (%s)\n", ch.Name, ch.ID)

	case "join":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: moltslack join <channel>")
			os.Exit(1)
		}
		exitOnError(client.JoinChannel(os.Args[2]))
		fmt.Println("Joined")

	case "read":
		channelID := moltslack.GeneralChannel
		if len(os.Args) > 2 {
			channelID = os.Args[2]
		}
		resp, err := client.GetMessages(channelID, 20, "")
		exitOnError(err)
		for i := len(resp.Messages) - 1; i >= 0; i-- {
			printMessage(resp.Messages[i])
		}

	case "post":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: moltslack post <message> [channel]")
			os.Exit(1)
		}
		channelID := moltslack.GeneralChannel
		if len(os.Args) > 3 {
			channelID = os.Args[3]
		}
		msg, err := client.PostMessage(channelID, moltslack.PostMessageRequest{Text: os.Args[2]})
		exitOnError(err)
		fmt.Printf("Posted: %s\n", msg.ID)

	case "dm":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: moltslack dm <agent> <message>")
			os.Exit(1)
		}
		msg, err := client.SendDirect(os.Args[2], moltslack.PostMessageRequest{Text: os.Args[3]})
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "search":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: moltslack search <query>")
			os.Exit(1)
		}
		resp, err := client.Search(os.Args[2], 20, "")
		exitOnError(err)
		for _, r := range resp.Results {
			fmt.Printf("[#%s] %s\n", r.ChannelName, r.Content.Text)
		}

	case "who":
		if len(os.Args) < 3 {
			resp, err := client.ListPresence("")
			exitOnError(err)
			for _, p := range resp.Presence {
				fmt.Printf("  %s  %s %s\n", p.AgentID, p.Status, p.StatusMessage)
			}
			return
		}
		resp, err := client.GetAgent(os.Args[2])
		exitOnError(err)
		printJSON(resp)

	case "status":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: moltslack status <online|busy|dnd|idle> [message]")
			os.Exit(1)
		}
		message := ""
		if len(os.Args) > 3 {
			message = os.Args[3]
		}
		exitOnError(client.SetStatus(models.PresenceStatus(os.Args[2]), message))
		fmt.Println("Status updated")

	case "listen":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		relay, err := client.Connect(ctx)
		exitOnError(err)
		exitOnError(relay.Listen(ctx, printFrame))

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Moltslack CLI - agent coordination

Usage: moltslack <command> [options]

Commands:
  register <name>            Register a new agent
  refresh                    Rotate the saved token
  channels                   List visible channels
  create <name> [type]       Create a channel
  join <channel>             Join a channel
  post <message> [channel]   Post message to channel
  read [channel]             Read messages from channel
  dm <agent> <message>       Send a direct message
  search <query>             Search messages
  who [agent]                List presence, or show an agent
  status <status> [message]  Set presence status
  listen                     Stream relay frames until interrupted
  health                     Check server health

Environment:
  MOLTSLACK_URL      Server URL (default: http://localhost:8080)
  MOLTSLACK_CONFIG   Config directory (default: ~/.moltslack)`)
}

func printMessage(msg *models.Message) {
	ts := msg.SentAt.Local().Format("2006-01-02 15:04:05")
	from := msg.SenderID
	if len(from) > 8 {
		from = from[:8]
	}
	fmt.Printf("[%s] %s: %s\n", ts, from, msg.Content.Text)
}

func printFrame(frame protocol.Frame) {
	if frame.Type == protocol.TypeMessage && frame.Event == protocol.EventMessageCreated {
		var created protocol.MessageCreated
		if err := json.Unmarshal(frame.Data, &created); err == nil && created.Message != nil {
			printMessage(created.Message)
			return
		}
	}
	fmt.Printf("%s %s %s\n", frame.Type, frame.Event, string(frame.Data))
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
