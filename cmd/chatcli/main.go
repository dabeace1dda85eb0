// chatcli is a terminal client for the chatsync server, driven by the
// client engine. Lines typed on stdin are sent as messages; a few slash
// commands control the session:
//
//	/join <conversation-id>   switch conversations
//	/leave                    leave the active conversation
//	/edit <message-id> <text> append an edit marker
//	/messages                 print the current transcript
//	/quit                     exit
//
// Run without -url for local-only mode: no socket is opened and synthetic
// receipts simulate delivery.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/converge/chatsync/internal/engine"
	"github.com/converge/chatsync/internal/protocol"
)

func main() {
	url := flag.String("url", "", "server WebSocket URL, e.g. ws://localhost:8080/ws (empty for local-only mode)")
	token := flag.String("token", "", "bearer token")
	user := flag.String("user", "", "user id (local-only mode and display)")
	conversation := flag.String("conversation", "", "conversation to join on start")
	flag.Parse()

	if *token == "" && *url != "" {
		log.Fatal("-token is required when -url is set")
	}

	eng := engine.New(engine.Config{
		URL:    *url,
		Tokens: engine.StaticToken{Token: *token, UserID: *user},
		Policy: engine.PolicyImmediate,
		OnState: func(s engine.State) {
			fmt.Printf("-- connection: %s\n", s)
		},
		OnError: func(code, message string) {
			fmt.Printf("-- server error %s: %s\n", code, message)
		},
		OnMessages: func(msgs []protocol.Message) {
			if len(msgs) == 0 {
				return
			}
			last := msgs[len(msgs)-1]
			if last.EditOf != "" {
				fmt.Printf("[%s] (edit of %s) %s\n", last.UserID, last.EditOf, last.Content)
				return
			}
			fmt.Printf("[%s] %s (%s)\n", last.UserID, last.Content, last.Status)
		},
		OnTyping: func(typists []engine.TypingState) {
			if len(typists) == 0 {
				return
			}
			names := make([]string, 0, len(typists))
			for _, ts := range typists {
				names = append(names, ts.UserID)
			}
			fmt.Printf("-- typing: %s\n", strings.Join(names, ", "))
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Close()

	if *conversation != "" {
		eng.JoinConversation(*conversation)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			eng.SendTyping()
			eng.SendMessage(line)
			continue
		}

		cmd, rest, _ := strings.Cut(line[1:], " ")
		switch cmd {
		case "join":
			if rest == "" {
				fmt.Println("usage: /join <conversation-id>")
				continue
			}
			eng.JoinConversation(rest)
		case "leave":
			if active := eng.ActiveConversation(); active != "" {
				eng.LeaveConversation(active)
			}
		case "edit":
			id, text, ok := strings.Cut(rest, " ")
			if !ok || id == "" || text == "" {
				fmt.Println("usage: /edit <message-id> <text>")
				continue
			}
			eng.EditMessage(id, text)
		case "messages":
			for _, m := range eng.Messages() {
				fmt.Printf("%s  [%s] %s (%s)\n", m.ID, m.UserID, m.Content, m.Status)
			}
		case "quit":
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("stdin: %v", err)
	}
}
