package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/mahaj/panchakarma-chat/pkg/api"
	"github.com/mahaj/panchakarma-chat/pkg/binding"
	"github.com/mahaj/panchakarma-chat/pkg/logging"
	"github.com/mahaj/panchakarma-chat/pkg/model"
	"github.com/mahaj/panchakarma-chat/pkg/session"
)

const help = `commands:
  /list              show conversations
  /select <n>        open conversation n from the last /list
  /dm <user id>      open the conversation with a user
  /search <text>     filter conversations by name (empty clears)
  /typing            tell the other participant you are typing
  /online            list online users
  /quit              exit
anything else is sent to the open conversation`

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "user1", "user id")
	name := flag.String("name", "", "display name (defaults to the user id)")
	role := flag.String("role", string(model.RolePatient), "patient, practitioner or admin")
	logLevel := flag.String("log-level", "warn", "client log level")
	flag.Parse()

	if *name == "" {
		*name = *userID
	}

	logger := logging.Must(*logLevel, "development")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Printf("Logging in as %s...", *userID)
	token, err := api.NewClient(*apiAddr).Login(ctx, api.LoginRequest{
		UserID:      *userID,
		DisplayName: *name,
		Role:        model.Role(*role),
	})
	if err != nil {
		log.Fatal("Login failed:", err)
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	sess := session.New(session.Config{
		GatewayURL: u.String(),
		APIBaseURL: *apiAddr,
	}, logger)
	defer sess.Close()

	log.Printf("connecting to %s", u.String())
	if err := sess.Start(ctx, token); err != nil {
		log.Printf("loading conversations: %v", err)
	}

	c := &cli{sess: sess, b: sess.Binding(), me: *userID}
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println(help)
	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			log.Println("interrupt")
			return
		case <-c.b.Changes():
			c.render()
		case line, ok := <-lines:
			if !ok || c.handle(ctx, strings.TrimSpace(line)) {
				return
			}
			fmt.Print("> ")
		}
	}
}

type cli struct {
	sess   *session.Session
	b      *binding.Binding
	me     string
	listed []model.Conversation

	lastSeen  string
	lastError string
	typing    bool
}

// handle runs one input line and reports whether the client should exit.
func (c *cli) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
	case "/quit":
		return true
	case "/help":
		fmt.Println(help)
	case "/list":
		c.list()
	case "/search":
		c.b.SetSearchQuery(arg)
		c.list()
	case "/select":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > len(c.listed) {
			fmt.Println("no such conversation; run /list first")
			return false
		}
		c.open(ctx, c.listed[n-1].ConversationID)
	case "/dm":
		if arg == "" || arg == c.me {
			fmt.Println("usage: /dm <user id>")
			return false
		}
		c.open(ctx, model.DirectConversationID(c.me, arg))
	case "/typing":
		if other, ok := c.other(); ok {
			if err := c.b.StartTyping(other); err != nil {
				log.Println("typing:", err)
			}
			c.typing = true
		}
	case "/online":
		users, err := c.sess.API().OnlineUsers(ctx)
		if err != nil {
			log.Println("online:", err)
			return false
		}
		fmt.Println("online:", strings.Join(users, ", "))
	default:
		other, ok := c.other()
		if !ok {
			return false
		}
		if c.typing {
			c.b.StopTyping(other)
			c.typing = false
		}
		if err := c.b.SendMessage(other, line); err != nil {
			log.Println("send:", err)
		}
	}
	return false
}

func (c *cli) open(ctx context.Context, conversationID string) {
	c.lastSeen = ""
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.b.SelectConversation(reqCtx, conversationID); err != nil {
		log.Println("open:", err)
		return
	}
	for _, m := range c.b.View().CurrentMessages {
		c.print(m)
	}
}

func (c *cli) other() (string, bool) {
	u, err := c.sess.Store().SelectedOtherUser()
	if err != nil {
		fmt.Println("open a conversation first (/list, /select or /dm)")
		return "", false
	}
	return u.ID, true
}

func (c *cli) list() {
	v := c.b.View()
	c.listed = v.FilteredConversations
	if len(c.listed) == 0 {
		fmt.Println("no conversations")
		return
	}
	for i, conv := range c.listed {
		badge := ""
		if conv.UnreadCount > 0 {
			badge = fmt.Sprintf(" (%d unread)", conv.UnreadCount)
		}
		fmt.Printf("%2d. %s%s: %s\n", i+1, conv.OtherUser.DisplayName, badge, conv.LastMessage.Content)
	}
}

// render prints messages of the open conversation that arrived since the last
// render, typing changes and errors.
func (c *cli) render() {
	v := c.b.View()

	if v.Error != "" && v.Error != c.lastError {
		fmt.Printf("\r[error] %s\n> ", v.Error)
	}
	c.lastError = v.Error

	if v.SelectedConversation == nil {
		return
	}
	printing := c.lastSeen == ""
	for _, m := range v.CurrentMessages {
		if printing {
			c.print(m)
		}
		if m.ID == c.lastSeen {
			printing = true
		}
	}
	if n := len(v.CurrentMessages); n > 0 {
		c.lastSeen = v.CurrentMessages[n-1].ID
	}

	other := v.SelectedConversation.OtherUser
	if v.IsTyping[other.ID] {
		fmt.Printf("\r%s is typing...      \n> ", other.DisplayName)
	}
}

func (c *cli) print(m model.Message) {
	who := m.Sender.DisplayName
	if m.Sender.ID == c.me {
		who = "you"
	}
	fmt.Printf("\r[%s] %s: %s\n> ", m.CreatedAt.Local().Format("15:04"), who, m.Content)
	c.lastSeen = m.ID
}
