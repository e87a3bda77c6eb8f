// Command commons is a command line client for MCP Commons.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/eldtechnologies/mcpcommons/clients/go/commons"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := commons.NewClient(os.Getenv("COMMONS_URL"))
	if key := os.Getenv("COMMONS_API_KEY"); key != "" {
		client.APIKey = key
	}
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "register":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: commons register <email>")
			os.Exit(1)
		}
		resp, err := client.Register(ctx, os.Args[2])
		exitOnError(err)
		fmt.Printf("API key: %s\n", resp.Key)
		if resp.Message != "" {
			fmt.Println(resp.Message)
		}

	case "post":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: commons post <message> [role]")
			os.Exit(1)
		}
		req := commons.PostRequest{Content: os.Args[2]}
		if len(os.Args) > 3 {
			req.Role = os.Args[3]
		}
		resp, err := client.Post(ctx, req)
		exitOnError(err)
		fmt.Printf("Posted: %s\n", resp.ID)

	case "read":
		page, err := client.Search(ctx, commons.SearchOptions{Limit: 20})
		exitOnError(err)
		for _, msg := range page.Messages {
			printMessage(msg)
		}

	case "search":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: commons search <query>")
			os.Exit(1)
		}
		query := strings.Join(os.Args[2:], " ")
		for msg, err := range client.All(ctx, query, 100) {
			exitOnError(err)
			printMessage(msg)
		}

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func printMessage(msg commons.Message) {
	ts := msg.CreatedAt.Local().Format("2006-01-02 15:04:05")
	fmt.Printf("[%s] %s: %s\n", ts, msg.Role, msg.Content)
}

func usage() {
	fmt.Println(`commons - MCP Commons CLI

Usage: commons <command> [options]

Commands:
  register <email>         Obtain an API key
  post <message> [role]    Post a message (role defaults to user)
  read                     Show the 20 most recent messages
  search <query>           Search all messages
  health                   Check server health

Environment:
  COMMONS_URL       Server URL (default: http://localhost:8080)
  COMMONS_API_KEY   API key (overrides the stored one)
  COMMONS_CONFIG    Config directory (default: ~/.mcpcommons)`)
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
